package netsim

//
// Transport layer
//

import "time"

// gearingStep is the extra delay between two consecutive gearing
// timers scheduled by the same submission walk.
const gearingStep = 500 * time.Microsecond

// outSegment is an outbound segment: queued, scheduled, or in flight.
type outSegment struct {
	// offset is the cyclic stream offset of the first payload byte.
	offset uint32

	// isLast is true on the last segment of an application message.
	isLast bool

	// payload is the carried slice of the application message.
	payload []byte

	// timer is the running gearing or retransmission timer.
	timer TimerID

	// hasTimer is true while a timer guards this segment.
	hasTimer bool

	// retransmissions counts how often the segment was handed to the
	// network layer.
	retransmissions int

	// sendTime is the time of the last submission.
	sendTime time.Duration
}

// end returns the offset just past the segment's payload.
func (seg *outSegment) end() uint32 {
	return wrapOffset(seg.offset + uint32(len(seg.payload)))
}

// connection is the per-peer transport state. Connections are created
// lazily on first send or receive and live for the whole run.
type connection struct {
	// peer is the remote address.
	peer Addr

	// buf is the receive buffer.
	buf *CyclicBuffer

	// lasts orders the end offsets of completed inbound messages.
	lasts *DoubleRing

	// bufferStart is the first byte of the first incomplete message.
	bufferStart uint32

	// out is the FIFO of queued and in-flight outbound segments.
	out []*outSegment

	// numSent counts the segments of out already placed on the wire.
	numSent int

	// windowSize is the current congestion window in segments.
	windowSize int

	// threshold is the slow-start threshold in segments.
	threshold int

	// windowLimit caps the window; recomputed on every send.
	windowLimit int

	// nextOffset is the offset assigned to the next outbound byte.
	nextOffset uint32

	// estimatedRTT is the smoothed round-trip time.
	estimatedRTT time.Duration

	// deviation is the smoothed round-trip time deviation.
	deviation time.Duration

	// gotSample is true once the first RTT sample replaced the
	// initial estimate.
	gotSample bool

	// lastAckTime is the time the last ack was transmitted.
	lastAckTime time.Duration

	// dupAcks counts consecutive duplicate acks.
	dupAcks int

	// lastAckOffset is the last ack offset observed.
	lastAckOffset uint32
}

// timeout returns the retransmission timeout for this connection.
func (conn *connection) timeout() time.Duration {
	return conn.estimatedRTT + 4*conn.deviation
}

// updateRTT folds a round-trip sample into the estimators.
func (conn *connection) updateRTT(sample time.Duration) {
	if !conn.gotSample {
		conn.estimatedRTT = sample
		conn.gotSample = true
	} else {
		conn.estimatedRTT = (7*conn.estimatedRTT + sample) / 8
	}
	diff := sample - conn.estimatedRTT
	if diff < 0 {
		diff = -diff
	}
	conn.deviation = (3*conn.deviation + diff) / 4
}

// transportLayer owns the per-peer connections of a node.
type transportLayer struct {
	// node is the node runtime this layer belongs to.
	node *Node

	// conns maps a peer address to its connection.
	conns map[Addr]*connection
}

// newTransportLayer creates the transport layer with no connections.
func newTransportLayer(node *Node) *transportLayer {
	return &transportLayer{
		node:  node,
		conns: map[Addr]*connection{},
	}
}

// getOrCreate returns the connection toward peer, creating it lazily.
func (tl *transportLayer) getOrCreate(peer Addr) *connection {
	conn := tl.conns[peer]
	if conn == nil {
		conn = &connection{
			peer:          peer,
			buf:           NewCyclicBuffer(MaxSegmentOffset),
			lasts:         NewDoubleRing(MaxWindowOffset),
			bufferStart:   0,
			out:           nil,
			numSent:       0,
			windowSize:    1,
			threshold:     MaxWindowSize,
			windowLimit:   MaxWindowSize,
			nextOffset:    0,
			estimatedRTT:  TransportTimeout,
			deviation:     TransportTimeout,
			gotSample:     false,
			lastAckTime:   tl.node.env.Now() - AckTime,
			dupAcks:       0,
			lastAckOffset: 0,
		}
		tl.conns[peer] = conn
	}
	return conn
}

// Transmit slices an application message into segments, appends them
// to the connection's outbound list, throttles the application when
// the list outgrows the window, and walks the window for submission.
func (tl *transportLayer) Transmit(dest Addr, message []byte) {
	conn := tl.getOrCreate(dest)
	conn.windowLimit = tl.windowLimit(dest)

	for len(message) > 0 {
		size := len(message)
		if size > MaxSegmentPayload {
			size = MaxSegmentPayload
		}
		seg := &outSegment{
			offset:          conn.nextOffset,
			isLast:          size == len(message),
			payload:         message[:size],
			timer:           0,
			hasTimer:        false,
			retransmissions: 0,
			sendTime:        0,
		}
		conn.out = append(conn.out, seg)
		conn.nextOffset = wrapOffset(conn.nextOffset + uint32(size))
		message = message[size:]
	}

	if len(conn.out) > conn.windowSize {
		tl.node.env.DisableApplication(dest)
		tl.node.trace("disable_application_dest", "dest", dest, "outbound", len(conn.out))
	}

	tl.transmitSegments(conn)
}

// windowLimit derives the dynamic window cap from the number of open
// connections and the bandwidth of the path toward dest.
func (tl *transportLayer) windowLimit(dest Addr) int {
	limit := int(int64(MaxWindowSize-len(tl.conns)) * tl.node.network.bandwidthTo(dest) / 10000000)
	if limit < 1 {
		limit = 1
	}
	if limit > MaxWindowSize {
		limit = MaxWindowSize
	}
	return limit
}

// transmitSegments walks the first windowSize entries of the outbound
// list and arranges submission for every entry without an active
// timer. With gearing enabled submissions are staggered through
// gearing timers; otherwise they happen immediately.
func (tl *transportLayer) transmitSegments(conn *connection) {
	limit := conn.windowSize
	if limit > len(conn.out) {
		limit = len(conn.out)
	}
	staggered := 0
	for _, seg := range conn.out[:limit] {
		if seg.hasTimer {
			continue
		}
		conn.numSent++
		seg.sendTime = tl.node.env.Now()
		if tl.node.useGearing {
			delay := time.Microsecond + time.Duration(staggered)*gearingStep
			seg.timer = tl.node.env.StartTimer(TimerGearing, delay, packSegmentTimer(conn.peer, seg.offset))
			seg.hasTimer = true
			staggered++
			continue
		}
		tl.transmitSegment(conn, seg)
	}
}

// transmitSegment hands one segment to the network layer. Repeated
// timeouts shrink the window to one segment; a segment whose offset
// fell out of the live window is dropped from the submission path.
func (tl *transportLayer) transmitSegment(conn *connection, seg *outSegment) {
	if seg.retransmissions > 1 && conn.windowSize > 1 {
		conn.threshold = conn.windowSize / 2
		if conn.threshold < 1 {
			conn.threshold = 1
		}
		conn.windowSize = 1
	}

	if !tl.withinWindow(conn, seg) {
		seg.hasTimer = false
		conn.numSent--
		return
	}

	now := tl.node.env.Now()
	raw := marshalSegment(&Segment{
		Offset:    seg.offset,
		IsLast:    seg.isLast,
		AckOffset: tl.currentAck(conn),
		Payload:   seg.payload,
	})
	tl.node.network.Transmit(conn.peer, raw)
	seg.retransmissions++
	seg.sendTime = now
	conn.lastAckTime = now
	timeout := time.Duration(seg.retransmissions) * conn.timeout()
	seg.timer = tl.node.env.StartTimer(TimerTransportRetransmit, timeout, packSegmentTimer(conn.peer, seg.offset))
	seg.hasTimer = true
	tl.node.trace("transmit_segment",
		"dest", conn.peer, "offset", seg.offset, "size", len(seg.payload),
		"retransmissions", seg.retransmissions, "window", conn.windowSize)
}

// withinWindow returns whether the segment's offset still lies inside
// the live window starting at the earliest unacked offset.
func (tl *transportLayer) withinWindow(conn *connection, seg *outSegment) bool {
	if len(conn.out) == 0 {
		return false
	}
	head := conn.out[0].offset
	dist := wrapOffset(seg.offset - head + MaxSegmentOffset)
	return dist < uint32(conn.windowLimit)*MaxSegmentPayload
}

// currentAck returns the cumulative ack offset of the inbound stream:
// the first invalid buffer position at or after the buffer start. The
// window invariant keeps the buffer from ever being entirely valid.
func (tl *transportLayer) currentAck(conn *connection) uint32 {
	next := conn.buf.NextInvalid(int(conn.bufferStart))
	if next >= conn.buf.Len() {
		panic("netsim: transport: receive buffer entirely valid")
	}
	return uint32(next)
}

// Receive handles a transport segment delivered by the network layer:
// duplicate-ack accounting, payload reassembly and message delivery,
// cumulative acknowledgment of outbound segments with RTT sampling and
// congestion-window growth, throttling release, further submission,
// and the explicit-ack fallback.
func (tl *transportLayer) Receive(src Addr, raw []byte) {
	conn := tl.getOrCreate(src)
	seg, err := unmarshalSegment(raw)
	if err != nil {
		tl.node.logger.Warnf("netsim: transport: %s", err.Error())
		return
	}
	now := tl.node.env.Now()
	ack := tl.currentAck(conn)
	numSentBefore := conn.numSent
	tl.node.trace("receive_segment",
		"src", src, "offset", seg.Offset, "size", len(seg.Payload), "ack", seg.AckOffset)

	// duplicate-ack detection
	if seg.AckOffset == conn.lastAckOffset && len(seg.Payload) == 0 {
		conn.dupAcks++
	} else {
		conn.dupAcks = 0
		conn.lastAckOffset = seg.AckOffset
	}
	if tl.node.useReno && conn.dupAcks >= 3 {
		conn.dupAcks = 0
		conn.threshold = halveWindow(conn.windowSize)
		conn.windowSize = halveWindow(conn.windowSize)
		tl.node.trace("Reno_3_dup_ack", "src", src, "window", conn.windowSize)
		if len(conn.out) > 0 {
			head := conn.out[0]
			if head.hasTimer {
				tl.node.env.StopTimer(head.timer)
				head.hasTimer = false
			}
			tl.transmitSegment(conn, head)
		}
	}

	// payload reassembly and in-order delivery
	segEnd := wrapOffset(seg.Offset + uint32(len(seg.Payload)))
	if len(seg.Payload) > 0 && !acknowledged(segEnd, ack) && !conn.buf.Check(int(seg.Offset)) {
		conn.buf.Store(int(seg.Offset), seg.Payload)
		if seg.IsLast {
			conn.lasts.Insert(int(segEnd))
		}
		ack = tl.currentAck(conn)
		for conn.lasts.Len() > 0 && acknowledged(uint32(conn.lasts.Peek()), ack) {
			end := uint32(conn.lasts.Pop())
			size := wrapOffset(end - conn.bufferStart + MaxSegmentOffset)
			message := conn.buf.Load(int(conn.bufferStart), int(size))
			Must0(tl.node.env.WriteApplication(src, message))
			conn.bufferStart = end
		}
	}

	// cumulative acknowledgment of outbound segments
	for len(conn.out) > 0 && acknowledged(conn.out[0].end(), seg.AckOffset) {
		head := conn.out[0]
		conn.out = conn.out[1:]
		sample := now - head.sendTime
		conn.updateRTT(sample)
		tl.node.trace("update_rtt",
			"dest", src, "sample_us", sample.Microseconds(),
			"rtt_us", conn.estimatedRTT.Microseconds())
		if head.hasTimer {
			tl.node.env.StopTimer(head.timer)
			head.hasTimer = false
		}
		conn.numSent--
		if conn.windowSize < conn.threshold {
			conn.windowSize *= 2
			if conn.windowSize > conn.windowLimit {
				conn.windowSize = conn.windowLimit
			}
		} else if conn.windowSize < conn.windowLimit {
			conn.windowSize++
		}
	}

	if len(conn.out) < conn.windowSize {
		tl.node.env.EnableApplication(src)
		tl.node.trace("enable_application_dest", "dest", src, "outbound", len(conn.out))
	}

	tl.transmitSegments(conn)

	// explicit ack when there was no piggyback opportunity; before the
	// reverse route exists the ack is skipped and the peer's
	// retransmission re-solicits it
	if _, haveRoute := tl.node.network.NextHop(src); tl.node.explicitAck &&
		haveRoute && len(seg.Payload) > 0 &&
		conn.numSent == numSentBefore && now-conn.lastAckTime >= AckTime {
		naked := &Segment{
			Offset:    wrapOffset(conn.nextOffset - 1 + MaxSegmentOffset),
			IsLast:    false,
			AckOffset: tl.currentAck(conn),
			Payload:   nil,
		}
		tl.node.network.Transmit(src, marshalSegment(naked))
		conn.lastAckTime = now
		tl.node.trace("send_not_piggybacked_ack", "dest", src, "ack", naked.AckOffset)
	}
}

// OnSegmentTimer handles the fire of a gearing or retransmission
// timer for the segment identified by (peer, offset). Timers for
// segments that were acknowledged in the meantime were cancelled, so a
// missing segment is a stale fire and is ignored.
func (tl *transportLayer) OnSegmentTimer(peer Addr, offset uint32) {
	conn := tl.conns[peer]
	if conn == nil {
		return
	}
	for _, seg := range conn.out {
		if seg.offset != offset {
			continue
		}
		seg.hasTimer = false
		tl.transmitSegment(conn, seg)
		return
	}
}

// acknowledged returns whether offset x is covered by the cumulative
// ack offset, under wrap-safe comparison: the distance from x to ack
// must lie in [0, MaxWindowOffset].
func acknowledged(x, ack uint32) bool {
	x = wrapOffset(x)
	ack = wrapOffset(ack)
	if x <= ack {
		return ack-x <= MaxWindowOffset
	}
	return (MaxSegmentOffset-x)+ack <= MaxWindowOffset
}

// wrapOffset reduces an offset modulo [MaxSegmentOffset].
func wrapOffset(x uint32) uint32 {
	return x % MaxSegmentOffset
}

// halveWindow halves a window without letting it drop below one.
func halveWindow(w int) int {
	w /= 2
	if w < 1 {
		w = 1
	}
	return w
}

// packSegmentTimer packs a peer address and a segment offset into
// timer callback data.
func packSegmentTimer(peer Addr, offset uint32) uint64 {
	return uint64(peer)<<32 | uint64(offset)
}

// unpackSegmentTimer is the inverse of [packSegmentTimer].
func unpackSegmentTimer(data uint64) (Addr, uint32) {
	return Addr(data >> 32), uint32(data & 0xffffffff)
}
