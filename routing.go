package netsim

//
// Routing subsystem
//

import "math"

// infinity is the weight of an unknown path.
const infinity = int32(math.MaxInt32)

// routeEntry is one (destination, link) cell of the routing table.
type routeEntry struct {
	// weight is the path weight via this link.
	weight int32

	// minMTU is the minimum MTU along the path via this link.
	minMTU int32

	// minBWD is the minimum bandwidth along the path via this link.
	minBWD int32
}

// pendingRoutingSegment is an unacknowledged routing segment on a
// neighbor channel.
type pendingRoutingSegment struct {
	// seq is the channel sequence number of the segment.
	seq uint16

	// raw is the marshaled segment, kept for retransmission.
	raw []byte

	// timer is the running retransmission timer.
	timer TimerID
}

// neighborState is the reliable routing channel toward one neighbor.
type neighborState struct {
	// link is the link this neighbor is attached to.
	link int

	// nextSeq is the sequence number of the next outbound segment.
	nextSeq uint16

	// expectSeq is the next inbound sequence number accepted in order.
	expectSeq uint16

	// inflight holds unacknowledged segments in sequence order.
	inflight []*pendingRoutingSegment
}

// routingEngine maintains the routing table and mutates the network
// layer's forwarding table by exchanging distance-vector updates over
// a reliable per-neighbor channel.
type routingEngine struct {
	// node is the node runtime this engine belongs to.
	node *Node

	// network is the co-located network layer.
	network *networkLayer

	// neighbors holds per-neighbor channel state indexed by link.
	neighbors []*neighborState

	// table maps a destination to per-link route entries indexed by
	// link number.
	table map[Addr][]routeEntry
}

// newRoutingEngine creates neighbor state for every adjacent link and
// announces this node to all neighbors.
func newRoutingEngine(node *Node, network *networkLayer) *routingEngine {
	re := &routingEngine{
		node:      node,
		network:   network,
		neighbors: make([]*neighborState, node.env.NumLinks()+1),
		table:     map[Addr][]routeEntry{},
	}
	for link := 1; link <= node.env.NumLinks(); link++ {
		re.neighbors[link] = &neighborState{
			link:      link,
			nextSeq:   0,
			expectSeq: 0,
			inflight:  nil,
		}
	}
	re.broadcast([]DistanceEntry{{
		Dest:   node.env.Address(),
		Weight: 0,
		MinMTU: infinity,
		MinBWD: infinity,
	}})
	return re
}

// broadcast sends a distance-entry vector to every neighbor through
// its reliable channel.
func (re *routingEngine) broadcast(entries []DistanceEntry) {
	for link := 1; link < len(re.neighbors); link++ {
		re.send(re.neighbors[link], entries)
	}
}

// send transmits a distance-entry vector to one neighbor, consuming a
// sequence number and arming the retransmission timer.
func (re *routingEngine) send(nb *neighborState, entries []DistanceEntry) {
	rs := &RoutingSegment{
		Seq:     nb.nextSeq,
		Ack:     nb.expectSeq,
		Entries: entries,
	}
	nb.nextSeq++
	raw := marshalRoutingSegment(rs)
	pending := &pendingRoutingSegment{
		seq:   rs.Seq,
		raw:   raw,
		timer: re.node.env.StartTimer(TimerRoutingRetransmit, RoutingTimeout, packRoutingTimer(nb.link, rs.Seq)),
	}
	nb.inflight = append(nb.inflight, pending)
	re.network.transmitRouting(nb.link, raw)
}

// sendAck transmits a pure ack on a neighbor channel. Pure acks carry
// the current outbound sequence number without consuming it and are
// never retransmitted.
func (re *routingEngine) sendAck(nb *neighborState) {
	rs := &RoutingSegment{
		Seq:     nb.nextSeq,
		Ack:     nb.expectSeq,
		Entries: nil,
	}
	re.network.transmitRouting(nb.link, marshalRoutingSegment(rs))
}

// Receive handles a routing segment arriving from the neighbor on the
// given link.
func (re *routingEngine) Receive(link int, raw []byte) {
	rs, err := unmarshalRoutingSegment(raw)
	if err != nil {
		re.node.logger.Warnf("netsim: routing: %s", err.Error())
		return
	}
	nb := re.neighbors[link]

	// cumulative ack: everything below the ack number is delivered
	for len(nb.inflight) > 0 && nb.inflight[0].seq < rs.Ack {
		re.node.env.StopTimer(nb.inflight[0].timer)
		nb.inflight = nb.inflight[1:]
	}

	if len(rs.Entries) == 0 {
		return
	}

	if rs.Seq != nb.expectSeq {
		// out of order: drop and re-solicit at the expected number
		re.sendAck(nb)
		return
	}
	nb.expectSeq++

	updates := re.processEntries(link, rs.Entries)
	if len(updates) > 0 {
		re.broadcast(updates)
		return
	}
	re.sendAck(nb)
}

// OnRetransmitTimer handles the fire of a routing retransmission
// timer: the segment is resent on the same channel and the timer is
// restarted. Retransmission continues until the segment is acked.
func (re *routingEngine) OnRetransmitTimer(link int, seq uint16) {
	nb := re.neighbors[link]
	for _, pending := range nb.inflight {
		if pending.seq != seq {
			continue
		}
		pending.timer = re.node.env.StartTimer(TimerRoutingRetransmit, RoutingTimeout, packRoutingTimer(link, seq))
		re.network.transmitRouting(link, pending.raw)
		return
	}
}

// processEntries folds a received distance vector into the routing
// table and returns the entries whose best choice changed, already
// adjusted for re-advertisement.
func (re *routingEngine) processEntries(link int, entries []DistanceEntry) []DistanceEntry {
	var updates []DistanceEntry
	for _, e := range entries {
		if e.Dest == re.node.env.Address() {
			continue
		}

		weight := e.Weight + linkWeight(re.node.env.LinkBandwidth(link))
		minMTU := min32(e.MinMTU, int32(re.node.env.LinkMTU(link)))
		minBWD := min32(e.MinBWD, int32(re.node.env.LinkBandwidth(link)))

		row := re.table[e.Dest]
		if row == nil {
			row = make([]routeEntry, re.node.env.NumLinks()+1)
			for i := range row {
				row[i] = routeEntry{weight: infinity, minMTU: infinity, minBWD: infinity}
			}
			re.table[e.Dest] = row
		}
		prevBest, prevWeight := bestLink(row)

		row[link] = routeEntry{weight: weight, minMTU: minMTU, minBWD: minBWD}

		best, _ := bestLink(row)
		if best != link {
			continue
		}
		if prevBest == link && weight == prevWeight {
			continue
		}

		// this link is now the best choice for the destination
		re.network.forwarding[e.Dest] = link
		re.node.env.EnableApplication(e.Dest)
		re.node.trace("enable_application_dest", "dest", e.Dest, "link", link)
		updates = append(updates, DistanceEntry{
			Dest:   e.Dest,
			Weight: weight,
			MinMTU: minMTU,
			MinBWD: minBWD,
		})
	}
	return updates
}

// pathBandwidth returns the minimum bandwidth along the chosen path to
// dest, or zero when the destination is unknown.
func (re *routingEngine) pathBandwidth(dest Addr) int64 {
	link, found := re.network.forwarding[dest]
	if !found {
		return 0
	}
	return int64(re.table[dest][link].minBWD)
}

// InflightSegments returns the number of unacknowledged routing
// segments on the channel toward the neighbor on the given link.
func (re *routingEngine) InflightSegments(link int) int {
	return len(re.neighbors[link].inflight)
}

// Weight returns the weight of the chosen path to dest, or infinity
// when the destination is unknown.
func (re *routingEngine) Weight(dest Addr) int32 {
	link, found := re.network.forwarding[dest]
	if !found {
		return infinity
	}
	return re.table[dest][link].weight
}

// bestLink returns the link minimizing the weight of a routing-table
// row, breaking ties by the earliest link index, and the weight it
// achieves. It returns link 0 when every entry is at infinity.
func bestLink(row []routeEntry) (int, int32) {
	best, weight := 0, infinity
	for link := 1; link < len(row); link++ {
		if row[link].weight < weight {
			best, weight = link, row[link].weight
		}
	}
	return best, weight
}

// linkWeight derives a link weight from its bandwidth in bits per
// second. The cubic keeps weights in a narrow band over the bandwidth
// range simulated links use; its behavior is pinned by tests.
func linkWeight(bandwidth int64) int32 {
	b := 100000.0/float64(bandwidth) - 5
	return int32(10 * (-0.04*b*b*b + 6))
}

// packRoutingTimer packs a link index and a sequence number into timer
// callback data.
func packRoutingTimer(link int, seq uint16) uint64 {
	return uint64(link)<<32 | uint64(seq)
}

// unpackRoutingTimer is the inverse of [packRoutingTimer].
func unpackRoutingTimer(data uint64) (int, uint16) {
	return int(data >> 32), uint16(data)
}

// min32 returns the smaller of two int32 values.
func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}
