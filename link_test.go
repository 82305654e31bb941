package netsim

import (
	"bytes"
	"testing"
	"time"
)

func TestLinkTransmitFragments(t *testing.T) {
	node, env := newFakeNode(1, 1, 10000000, 104)
	env.advance(time.Millisecond) // drain the initial routing announce
	env.takePhys()
	ll := node.link

	// a 260-byte datagram on a 104-byte MTU yields three fragments
	// of at most 100 payload bytes sharing one id
	payload := bytes.Repeat([]byte{0xcc}, 260)
	ll.Transmit(1, payload)

	st := ll.links[1]
	queued := append([][]byte{}, st.queue...)
	if len(queued) != 3 {
		t.Fatal("expected three queued frames, got", len(queued))
	}
	var reassembled []byte
	for i, raw := range queued {
		frame := Must1(unmarshalFrame(raw))
		if int(frame.Ordering) != i {
			t.Fatal("unexpected ordering", frame.Ordering)
		}
		if frame.ID != queued0ID(t, queued) {
			t.Fatal("fragments must share one id")
		}
		if got := frame.IsLast; got != (i == len(queued)-1) {
			t.Fatal("unexpected isLast at fragment", i)
		}
		reassembled = append(reassembled, frame.Payload...)
	}
	if !bytes.Equal(reassembled, payload) {
		t.Fatal("fragments do not reassemble to the datagram")
	}
}

// queued0ID returns the id of the first queued frame.
func queued0ID(t *testing.T, queued [][]byte) uint8 {
	t.Helper()
	return Must1(unmarshalFrame(queued[0])).ID
}

func TestLinkReceiveReassembles(t *testing.T) {
	sender, senderEnv := newFakeNode(1, 1, 10000000, 104)
	senderEnv.advance(time.Millisecond) // drain the initial routing announce
	senderEnv.takePhys()

	// build fragments of a valid user datagram so that reassembly
	// surfaces as a transport delivery on the receiver
	inner := marshalSegment(&Segment{
		Offset:  0,
		IsLast:  true,
		Payload: bytes.Repeat([]byte{0x3d}, 240),
	})
	dgRaw := marshalDatagram(&Datagram{
		Src:      1,
		Dest:     2,
		HopLimit: InitialHopLimit,
		Routing:  false,
		Payload:  inner,
	})
	sender.link.Transmit(1, dgRaw)
	frames := sender.link.links[1].queue

	receiver, receiverEnv := newFakeNode(2, 1, 10000000, 104)
	for _, raw := range frames {
		receiver.link.Receive(1, raw)
	}
	if len(receiverEnv.app) != 1 {
		t.Fatal("expected one delivery, got", len(receiverEnv.app))
	}
	if !bytes.Equal(receiverEnv.app[0].message, bytes.Repeat([]byte{0x3d}, 240)) {
		t.Fatal("delivered message does not match")
	}
}

func TestLinkReceiveDropsCorruptDatagram(t *testing.T) {

	// testcase describes a corruption test case: which fragment is
	// damaged and how
	type testcase struct {
		// name is the name of this test case
		name string

		// mutate damages the marshaled fragments
		mutate func(frames [][]byte) [][]byte
	}

	var testcases = []testcase{{
		name: "bit flip in the middle fragment",
		mutate: func(frames [][]byte) [][]byte {
			frames[1][7] ^= 0x40
			return frames
		},
	}, {
		name: "middle fragment missing",
		mutate: func(frames [][]byte) [][]byte {
			return [][]byte{frames[0], frames[2]}
		},
	}, {
		name: "fragments swapped",
		mutate: func(frames [][]byte) [][]byte {
			frames[0], frames[1] = frames[1], frames[0]
			return frames
		},
	}}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			sender, senderEnv := newFakeNode(1, 1, 10000000, 104)
			senderEnv.advance(time.Millisecond) // drain the initial routing announce
			inner := marshalSegment(&Segment{
				Offset:  0,
				IsLast:  true,
				Payload: bytes.Repeat([]byte{0x11}, 240),
			})
			sender.link.Transmit(1, marshalDatagram(&Datagram{
				Src:      1,
				Dest:     2,
				HopLimit: InitialHopLimit,
				Routing:  false,
				Payload:  inner,
			}))
			frames := make([][]byte, 0, 3)
			for _, raw := range sender.link.links[1].queue {
				dup := make([]byte, len(raw))
				copy(dup, raw)
				frames = append(frames, dup)
			}
			if len(frames) != 3 {
				t.Fatal("expected three fragments, got", len(frames))
			}

			receiver, receiverEnv := newFakeNode(2, 1, 10000000, 104)
			for _, raw := range tc.mutate(frames) {
				receiver.link.Receive(1, raw)
			}
			if len(receiverEnv.app) != 0 {
				t.Fatal("expected the corrupt datagram to be dropped")
			}
		})
	}
}

func TestLinkQueueWatermarks(t *testing.T) {
	node, env := newFakeNode(1, 1, 10000000, 1500)
	ll := node.link

	// fill the queue past the high-water mark
	datagram := bytes.Repeat([]byte{1}, 100)
	for i := 0; i < linkQueueHighWater; i++ {
		ll.Transmit(1, datagram)
	}
	foundDisable := false
	for _, dest := range env.disabled {
		foundDisable = foundDisable || dest == AllNodes
	}
	if !foundDisable {
		t.Fatal("expected a global application disable")
	}

	// drain below the low-water mark: pacing fires re-enable
	env.enabled = nil
	env.advance(950 * time.Millisecond)
	foundEnable := false
	for _, dest := range env.enabled {
		foundEnable = foundEnable || dest == AllNodes
	}
	if !foundEnable {
		t.Fatal("expected a global application enable")
	}
	if got := ll.QueueSize(1); got != 0 {
		t.Fatal("expected the queue to drain, got", got)
	}
}

func TestLinkPacingAndUtilization(t *testing.T) {
	node, env := newFakeNode(1, 1, 1000000, 1500)
	env.advance(time.Millisecond) // drain the initial routing announce
	env.takePhys()
	ll := node.link

	// one 121-byte datagram makes a 125-byte frame: 1000 bits at
	// 1 Mbit/s is a millisecond on the wire
	ll.Transmit(1, bytes.Repeat([]byte{1}, 121))
	if len(env.takePhys()) != 1 {
		t.Fatal("expected an immediate submission")
	}
	if !ll.links[1].busy {
		t.Fatal("expected the link to be busy")
	}

	env.advance(2 * time.Millisecond)
	if ll.links[1].busy {
		t.Fatal("expected the link to go idle")
	}
	util := ll.Utilization(1)
	if util <= 0 || util > 1 {
		t.Fatal("unexpected utilization", util)
	}
	if load := ll.Load(1); load <= 0 {
		t.Fatal("unexpected load", load)
	}
}

func TestLinkHardLimitDropsSilently(t *testing.T) {
	node, _ := newFakeNode(1, 1, 10000000, 1500)
	ll := node.link
	st := ll.links[1]

	// pretend the queue is past the hard limit
	st.queue = make([][]byte, linkQueueHardLimit+1)
	before := len(st.queue)
	ll.Transmit(1, []byte("dropped"))
	if len(st.queue) != before {
		t.Fatal("expected the datagram to be dropped")
	}
}
