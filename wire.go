package netsim

//
// Wire formats
//

import (
	"encoding/binary"
	"errors"

	"github.com/sigurn/crc16"
)

// Wire sizes of the PDU headers.
const (
	frameHeaderSize    = 4
	datagramHeaderSize = 4
	segmentHeaderSize  = 8
	routingHeaderSize  = 4
	distanceEntrySize  = 16
)

// frameIsLast is the is-last bit of the frame id byte.
const frameIsLast = uint8(1 << 7)

// frameIDMask extracts the 7-bit datagram id from the frame id byte.
const frameIDMask = uint8(1<<7 - 1)

// segmentIsLast is the is-last bit of the segment offset word.
const segmentIsLast = uint32(1 << 18)

// segmentOffsetMask extracts the 18-bit offset from the offset word.
const segmentOffsetMask = uint32(1<<18 - 1)

// crcTable is the table for the CRC-16/ARC checksum guarding frames.
var crcTable = crc16.MakeTable(crc16.CRC16_ARC)

// Frame is the link-layer PDU: a fragment of a datagram guarded by a
// CRC-16 computed over the whole marshaled frame with the checksum
// field zeroed.
type Frame struct {
	// ID is the 7-bit id shared by all fragments of one datagram.
	ID uint8

	// IsLast is true on the final fragment of a datagram.
	IsLast bool

	// Ordering is the 0-based index of this fragment.
	Ordering uint8

	// Payload is the fragment payload.
	Payload []byte
}

// ErrFrameShort indicates that a frame is shorter than its header.
var ErrFrameShort = errors.New("netsim: frame too short")

// ErrFrameChecksum indicates that a frame failed the CRC check.
var ErrFrameChecksum = errors.New("netsim: frame checksum mismatch")

// marshalFrame serializes a frame and computes its checksum.
func marshalFrame(f *Frame) []byte {
	raw := make([]byte, frameHeaderSize+len(f.Payload))
	idIsLast := f.ID & frameIDMask
	if f.IsLast {
		idIsLast |= frameIsLast
	}
	raw[2] = idIsLast
	raw[3] = f.Ordering
	copy(raw[frameHeaderSize:], f.Payload)
	binary.BigEndian.PutUint16(raw[0:], crc16.Checksum(raw, crcTable))
	return raw
}

// unmarshalFrame parses a frame and verifies its checksum. The
// returned payload aliases the raw buffer.
func unmarshalFrame(raw []byte) (*Frame, error) {
	if len(raw) < frameHeaderSize {
		return nil, ErrFrameShort
	}
	checksum := binary.BigEndian.Uint16(raw[0:])
	raw[0], raw[1] = 0, 0
	computed := crc16.Checksum(raw, crcTable)
	binary.BigEndian.PutUint16(raw[0:], checksum)
	if computed != checksum {
		return nil, ErrFrameChecksum
	}
	f := &Frame{
		ID:       raw[2] & frameIDMask,
		IsLast:   raw[2]&frameIsLast != 0,
		Ordering: raw[3],
		Payload:  raw[frameHeaderSize:],
	}
	return f, nil
}

// Datagram is the network-layer PDU carried as a frame payload after
// reassembly.
type Datagram struct {
	// Src is the address of the originating node.
	Src Addr

	// Dest is the address of the destination node.
	Dest Addr

	// HopLimit is decremented on each forward; zero means drop.
	HopLimit uint8

	// Routing is true when the payload is a routing segment rather
	// than a transport segment.
	Routing bool

	// Payload is the carried segment.
	Payload []byte
}

// ErrDatagramShort indicates that a datagram is shorter than its header.
var ErrDatagramShort = errors.New("netsim: datagram too short")

// marshalDatagram serializes a datagram.
func marshalDatagram(dg *Datagram) []byte {
	raw := make([]byte, datagramHeaderSize+len(dg.Payload))
	raw[0] = uint8(dg.Src)
	raw[1] = uint8(dg.Dest)
	raw[2] = dg.HopLimit
	if dg.Routing {
		raw[3] = 1
	}
	copy(raw[datagramHeaderSize:], dg.Payload)
	return raw
}

// unmarshalDatagram parses a datagram. The returned payload aliases
// the raw buffer.
func unmarshalDatagram(raw []byte) (*Datagram, error) {
	if len(raw) < datagramHeaderSize {
		return nil, ErrDatagramShort
	}
	dg := &Datagram{
		Src:      Addr(raw[0]),
		Dest:     Addr(raw[1]),
		HopLimit: raw[2],
		Routing:  raw[3] != 0,
		Payload:  raw[datagramHeaderSize:],
	}
	return dg, nil
}

// Segment is the transport-layer PDU carried as a datagram payload.
type Segment struct {
	// Offset is the cyclic stream offset of the first payload byte.
	Offset uint32

	// IsLast is true on the last segment of an application message.
	IsLast bool

	// AckOffset is the cumulative next-expected-byte offset of the
	// reverse direction.
	AckOffset uint32

	// Payload carries up to [MaxSegmentPayload] bytes.
	Payload []byte
}

// ErrSegmentShort indicates that a segment is shorter than its header.
var ErrSegmentShort = errors.New("netsim: segment too short")

// marshalSegment serializes a segment.
func marshalSegment(seg *Segment) []byte {
	raw := make([]byte, segmentHeaderSize+len(seg.Payload))
	offsetIsLast := seg.Offset & segmentOffsetMask
	if seg.IsLast {
		offsetIsLast |= segmentIsLast
	}
	binary.BigEndian.PutUint32(raw[0:], offsetIsLast)
	binary.BigEndian.PutUint32(raw[4:], seg.AckOffset&segmentOffsetMask)
	copy(raw[segmentHeaderSize:], seg.Payload)
	return raw
}

// unmarshalSegment parses a segment. The returned payload aliases the
// raw buffer.
func unmarshalSegment(raw []byte) (*Segment, error) {
	if len(raw) < segmentHeaderSize {
		return nil, ErrSegmentShort
	}
	offsetIsLast := binary.BigEndian.Uint32(raw[0:])
	seg := &Segment{
		Offset:    offsetIsLast & segmentOffsetMask,
		IsLast:    offsetIsLast&segmentIsLast != 0,
		AckOffset: binary.BigEndian.Uint32(raw[4:]) & segmentOffsetMask,
		Payload:   raw[segmentHeaderSize:],
	}
	return seg, nil
}

// DistanceEntry describes reachability to one destination as
// advertised by the routing layer.
type DistanceEntry struct {
	// Dest is the destination the entry describes.
	Dest Addr

	// Weight is the advertised path weight.
	Weight int32

	// MinMTU is the minimum MTU along the advertised path.
	MinMTU int32

	// MinBWD is the minimum bandwidth along the advertised path.
	MinBWD int32
}

// RoutingSegment is the datagram payload exchanged on the reliable
// per-neighbor routing channel.
type RoutingSegment struct {
	// Seq is the channel sequence number of this segment.
	Seq uint16

	// Ack is the cumulative ack number: every segment with a smaller
	// sequence number has been received.
	Ack uint16

	// Entries is the carried distance vector; empty on pure acks.
	Entries []DistanceEntry
}

// ErrRoutingSegmentShort indicates a routing segment shorter than its header.
var ErrRoutingSegmentShort = errors.New("netsim: routing segment too short")

// ErrRoutingSegmentEntries indicates a routing segment whose entries
// are truncated or too many.
var ErrRoutingSegmentEntries = errors.New("netsim: routing segment entries malformed")

// marshalRoutingSegment serializes a routing segment.
func marshalRoutingSegment(rs *RoutingSegment) []byte {
	raw := make([]byte, routingHeaderSize+distanceEntrySize*len(rs.Entries))
	binary.BigEndian.PutUint16(raw[0:], rs.Seq)
	binary.BigEndian.PutUint16(raw[2:], rs.Ack)
	for i, e := range rs.Entries {
		at := routingHeaderSize + distanceEntrySize*i
		binary.BigEndian.PutUint32(raw[at+0:], uint32(e.Dest))
		binary.BigEndian.PutUint32(raw[at+4:], uint32(e.Weight))
		binary.BigEndian.PutUint32(raw[at+8:], uint32(e.MinMTU))
		binary.BigEndian.PutUint32(raw[at+12:], uint32(e.MinBWD))
	}
	return raw
}

// unmarshalRoutingSegment parses a routing segment.
func unmarshalRoutingSegment(raw []byte) (*RoutingSegment, error) {
	if len(raw) < routingHeaderSize {
		return nil, ErrRoutingSegmentShort
	}
	body := raw[routingHeaderSize:]
	if len(body)%distanceEntrySize != 0 || len(body)/distanceEntrySize > MaxNeighbours {
		return nil, ErrRoutingSegmentEntries
	}
	rs := &RoutingSegment{
		Seq:     binary.BigEndian.Uint16(raw[0:]),
		Ack:     binary.BigEndian.Uint16(raw[2:]),
		Entries: nil,
	}
	for at := 0; at < len(body); at += distanceEntrySize {
		rs.Entries = append(rs.Entries, DistanceEntry{
			Dest:   Addr(binary.BigEndian.Uint32(body[at+0:])),
			Weight: int32(binary.BigEndian.Uint32(body[at+4:])),
			MinMTU: int32(binary.BigEndian.Uint32(body[at+8:])),
			MinBWD: int32(binary.BigEndian.Uint32(body[at+12:])),
		})
	}
	return rs, nil
}
