package netsim

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

// pppConfig returns the link characteristics used by most tests.
func pppConfig() *LinkConfig {
	return &LinkConfig{
		Bandwidth: 10000000,
		MTU:       1500,
		Delay:     time.Millisecond,
	}
}

func TestSingleMessageOverLosslessLink(t *testing.T) {
	var traceBuf bytes.Buffer
	sim := MustNewPPPTopology(&SimConfig{
		Logger: &NullLogger{},
		Seed:   1,
		Tracer: NewTracer(&traceBuf),
	}, pppConfig())
	sim.AddFlow(&Flow{
		From:        1,
		To:          2,
		MessageSize: 1024,
		Interval:    time.Millisecond,
		Count:       1,
	})
	sim.Run(2 * time.Second)

	// the message arrives exactly once and intact
	delivered := sim.SimNode(2).Delivered()
	if len(delivered) != 1 {
		t.Fatal("expected one delivery, got", len(delivered))
	}
	if delivered[0].Src != 1 || len(delivered[0].Payload) != 1024 {
		t.Fatal("unexpected delivery", delivered[0].Src, len(delivered[0].Payload))
	}

	// the sender's connection drained and grew its window from 1 to 2
	var conn ConnInfo
	for _, c := range sim.Node(1).Connections() {
		if c.Peer == 2 {
			conn = c
		}
	}
	if conn.Peer != 2 {
		t.Fatal("expected a connection toward node 2")
	}
	if conn.Outbound != 0 {
		t.Fatal("expected the outbound list to drain, got", conn.Outbound)
	}
	if conn.WindowSize != 2 {
		t.Fatal("expected the window to grow to 2, got", conn.WindowSize)
	}

	// one RTT sample replaced the initial one-second estimate
	if conn.EstimatedRTT >= 1.0 || conn.EstimatedRTT <= 0.002 {
		t.Fatal("unexpected estimated RTT", conn.EstimatedRTT)
	}

	// a single segment went out at offset zero, never retransmitted,
	// and the receiver returned one cumulative ack
	trace := traceBuf.String()
	if !strings.Contains(trace, "[transmit_segment] node=1 dest=2 offset=0 size=1024 retransmissions=1") {
		t.Fatal("missing the transmit_segment event")
	}
	if strings.Contains(trace, "retransmissions=2") {
		t.Fatal("unexpected retransmission on a lossless link")
	}
	if !strings.Contains(trace, "[send_not_piggybacked_ack] node=2") {
		t.Fatal("missing the explicit ack event")
	}
}

func TestMessageBoundaryAcrossSegments(t *testing.T) {
	var traceBuf bytes.Buffer
	sim := MustNewPPPTopology(&SimConfig{
		Logger: &NullLogger{},
		Seed:   1,
		Tracer: NewTracer(&traceBuf),
	}, pppConfig())
	sim.AddFlow(&Flow{
		From:        1,
		To:          2,
		MessageSize: 3000,
		Interval:    time.Millisecond,
		Count:       1,
	})
	sim.Run(2 * time.Second)

	// three segments, the last one short, one single delivery
	delivered := sim.SimNode(2).Delivered()
	if len(delivered) != 1 {
		t.Fatal("expected one delivery, got", len(delivered))
	}
	if len(delivered[0].Payload) != 3000 {
		t.Fatal("expected a 3000-byte message, got", len(delivered[0].Payload))
	}
	trace := traceBuf.String()
	for _, want := range []string{
		"[transmit_segment] node=1 dest=2 offset=0 size=1024",
		"[transmit_segment] node=1 dest=2 offset=1024 size=1024",
		"[transmit_segment] node=1 dest=2 offset=2048 size=952",
	} {
		if !strings.Contains(trace, want) {
			t.Fatal("missing trace event", want)
		}
	}
}

func TestFastRetransmitAfterTargetedLoss(t *testing.T) {
	var traceBuf bytes.Buffer
	dropped := false
	config := &SimConfig{
		Logger: &NullLogger{},
		Seed:   1,
		Tracer: NewTracer(&traceBuf),
		FrameFilter: func(src, dst Addr, frame []byte) bool {
			if dropped || src != 1 {
				return true
			}
			parsed, err := unmarshalFrame(frame)
			if err != nil || parsed.Ordering != 0 {
				return true
			}
			dg, err := unmarshalDatagram(parsed.Payload)
			if err != nil || dg.Routing {
				return true
			}
			seg, err := unmarshalSegment(dg.Payload)
			if err != nil || len(seg.Payload) == 0 {
				return true
			}
			if seg.Offset == 3072 {
				dropped = true
				return false
			}
			return true
		},
	}
	sim := MustNewPPPTopology(config, pppConfig())
	// single-segment messages spaced past the ack throttle, so every
	// arrival behind the hole produces one duplicate ack
	const messages = 8
	sim.AddFlow(&Flow{
		From:        1,
		To:          2,
		MessageSize: 1024,
		Interval:    12 * time.Millisecond,
		Count:       messages,
	})
	sim.Run(5 * time.Second)

	if !dropped {
		t.Fatal("the targeted segment was never seen")
	}

	// duplicate acks triggered fast retransmit instead of a timeout
	if !strings.Contains(traceBuf.String(), "[Reno_3_dup_ack] node=1") {
		t.Fatal("missing the fast-retransmit event")
	}

	// the stream is delivered exactly once and in order regardless
	delivered := sim.SimNode(2).Delivered()
	if len(delivered) != messages {
		t.Fatal("expected", messages, "deliveries, got", len(delivered))
	}
	for k, msg := range delivered {
		if len(msg.Payload) != 1024 {
			t.Fatal("unexpected size at message", k)
		}
		if msg.Payload[0] != byte(k) {
			t.Fatal("messages delivered out of order at", k)
		}
	}
}

func TestReliableDeliveryOverLossyLink(t *testing.T) {
	lc := &LinkConfig{
		Bandwidth:  10000000,
		MTU:        1500,
		Delay:      time.Millisecond,
		PLR:        0.03,
		Corruption: 0.02,
	}
	sim := MustNewPPPTopology(&SimConfig{Logger: &NullLogger{}, Seed: 42}, lc)
	const messages = 15
	sim.AddFlow(&Flow{
		From:        1,
		To:          2,
		MessageSize: 3000,
		Interval:    20 * time.Millisecond,
		Count:       messages,
	})
	sim.AddFlow(&Flow{
		From:        2,
		To:          1,
		MessageSize: 1500,
		Interval:    30 * time.Millisecond,
		Count:       messages,
	})
	sim.Run(60 * time.Second)

	for _, tc := range []struct {
		at   Addr
		from Addr
		size int
	}{
		{at: 2, from: 1, size: 3000},
		{at: 1, from: 2, size: 1500},
	} {
		delivered := sim.SimNode(tc.at).Delivered()
		if len(delivered) != messages {
			t.Fatalf("node %d: expected %d deliveries, got %d", tc.at, messages, len(delivered))
		}
		for k, msg := range delivered {
			if msg.Src != tc.from || len(msg.Payload) != tc.size {
				t.Fatalf("node %d: unexpected delivery %d", tc.at, k)
			}
			if msg.Payload[0] != byte(k) {
				t.Fatalf("node %d: messages out of order at %d", tc.at, k)
			}
			for i, b := range msg.Payload {
				if b != byte(k+i) {
					t.Fatalf("node %d: corrupted payload in message %d at byte %d", tc.at, k, i)
				}
			}
		}
	}
}

func TestMultiHopDeliveryAndReport(t *testing.T) {
	sim := MustNewLineTopology(&SimConfig{Logger: &NullLogger{}, Seed: 3}, 3, pppConfig())
	const messages = 10
	sim.AddFlow(&Flow{
		From:        1,
		To:          3,
		MessageSize: 2000,
		Interval:    10 * time.Millisecond,
		Count:       messages,
	})
	sim.Run(10 * time.Second)

	delivered := sim.SimNode(3).Delivered()
	if len(delivered) != messages {
		t.Fatal("expected", messages, "deliveries, got", len(delivered))
	}

	pairs := sim.Report().Pairs()
	if len(pairs) != 1 {
		t.Fatal("expected one pair in the report, got", len(pairs))
	}
	ps := pairs[0]
	if ps.From != 1 || ps.To != 3 || ps.Msgs != messages {
		t.Fatal("unexpected pair stats", ps.From, ps.To, ps.Msgs)
	}
	mean, median, p90, err := ps.LatencySummary()
	if err != nil {
		t.Fatal(err)
	}
	if mean <= 0 || median <= 0 || p90 < median {
		t.Fatal("implausible latency summary", mean, median, p90)
	}
	if ps.Throughput() <= 0 {
		t.Fatal("implausible throughput", ps.Throughput())
	}

	summary := sim.Report().Summary()
	if !strings.HasPrefix(summary, SummaryHeader) {
		t.Fatal("summary misses its header")
	}
	if !strings.Contains(summary, "to=3 from=1 msgs=10") {
		t.Fatal("summary misses the pair line:", summary)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	run := func() string {
		lc := &LinkConfig{
			Bandwidth:  10000000,
			MTU:        1500,
			Delay:      time.Millisecond,
			PLR:        0.05,
			Corruption: 0.01,
		}
		sim := MustNewPPPTopology(&SimConfig{Logger: &NullLogger{}, Seed: 99}, lc)
		sim.AddFlow(&Flow{
			From:        1,
			To:          2,
			MessageSize: 2500,
			Interval:    15 * time.Millisecond,
			Count:       8,
		})
		sim.Run(30 * time.Second)
		return sim.Report().Summary()
	}
	if first, second := run(), run(); first != second {
		t.Fatal("two identically seeded runs diverged")
	}
}
