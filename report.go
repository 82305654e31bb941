package netsim

//
// End-to-end performance report
//

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
)

// pairKey identifies one (source, destination) pair.
type pairKey struct {
	from Addr
	to   Addr
}

// PairStats accumulates end-to-end performance for one pair.
type PairStats struct {
	// From is the source address.
	From Addr

	// To is the destination address.
	To Addr

	// Msgs is the number of delivered messages.
	Msgs int

	// Bytes is the total delivered payload.
	Bytes int64

	// Latencies holds one latency sample per delivered message, in
	// seconds.
	Latencies []float64

	// sendTimes queues the send times of messages not yet delivered;
	// delivery is in order, so the head always matches.
	sendTimes []time.Duration

	// firstSend is when the first message was offered.
	firstSend time.Duration

	// lastDeliver is when the last message arrived.
	lastDeliver time.Duration
}

// LatencySummary returns the mean, median, and 90th percentile of the
// latency samples in seconds.
func (ps *PairStats) LatencySummary() (mean, median, p90 float64, err error) {
	if mean, err = stats.Mean(ps.Latencies); err != nil {
		return 0, 0, 0, err
	}
	if median, err = stats.Median(ps.Latencies); err != nil {
		return 0, 0, 0, err
	}
	if p90, err = stats.Percentile(ps.Latencies, 90); err != nil {
		return 0, 0, 0, err
	}
	return mean, median, p90, nil
}

// Throughput returns the delivered bits per second between the first
// send and the last delivery.
func (ps *PairStats) Throughput() float64 {
	elapsed := (ps.lastDeliver - ps.firstSend).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(ps.Bytes*8) / elapsed
}

// Report accumulates per-pair end-to-end performance. The zero value
// is invalid; construct using [NewReport].
type Report struct {
	// pairs maps pair keys to their statistics.
	pairs map[pairKey]*PairStats
}

// NewReport creates an empty [Report].
func NewReport() *Report {
	return &Report{
		pairs: map[pairKey]*PairStats{},
	}
}

// pair returns the stats of a pair, creating them lazily.
func (r *Report) pair(from, to Addr) *PairStats {
	key := pairKey{from: from, to: to}
	ps := r.pairs[key]
	if ps == nil {
		ps = &PairStats{
			From:        from,
			To:          to,
			Msgs:        0,
			Bytes:       0,
			Latencies:   nil,
			sendTimes:   nil,
			firstSend:   0,
			lastDeliver: 0,
		}
		r.pairs[key] = ps
	}
	return ps
}

// RecordSend records that a message was offered to the stack.
func (r *Report) RecordSend(from, to Addr, now time.Duration, size int) {
	ps := r.pair(from, to)
	if len(ps.sendTimes) == 0 && ps.Msgs == 0 {
		ps.firstSend = now
	}
	ps.sendTimes = append(ps.sendTimes, now)
}

// RecordDeliver records that a message reached the peer application.
func (r *Report) RecordDeliver(from, to Addr, now time.Duration, size int) {
	ps := r.pair(from, to)
	if len(ps.sendTimes) > 0 {
		ps.Latencies = append(ps.Latencies, (now - ps.sendTimes[0]).Seconds())
		ps.sendTimes = ps.sendTimes[1:]
	}
	ps.Msgs++
	ps.Bytes += int64(size)
	ps.lastDeliver = now
}

// Pairs returns the per-pair statistics sorted by (from, to).
func (r *Report) Pairs() []*PairStats {
	out := make([]*PairStats, 0, len(r.pairs))
	for _, ps := range r.pairs {
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// SummaryHeader is the first line of the summary consumed by the
// offline analyzer.
const SummaryHeader = "END-TO-END PERFORMANCE"

// Summary formats the report as the line-oriented summary consumed by
// cmd/analyze: one to/from/msgs/latency/throughput line per pair.
func (r *Report) Summary() string {
	var sb strings.Builder
	sb.WriteString(SummaryHeader)
	sb.WriteString("\n")
	for _, ps := range r.Pairs() {
		mean, _, _, err := ps.LatencySummary()
		if err != nil {
			mean = 0
		}
		fmt.Fprintf(&sb, "to=%d from=%d msgs=%d latency=%f throughput=%f\n",
			ps.To, ps.From, ps.Msgs, mean, ps.Throughput())
	}
	return sb.String()
}
