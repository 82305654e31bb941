package netsim

//
// Network layer
//

import (
	"errors"
	"fmt"
)

// ErrNoRoute indicates a forwarding-table lookup for a destination the
// routing layer has not announced. Once routing has converged this is
// a structural bug, so the network layer panics with this error.
var ErrNoRoute = errors.New("netsim: no route to host")

// networkLayer wraps and unwraps datagrams and forwards them by pure
// forwarding-table lookup. There is no queueing at this layer.
type networkLayer struct {
	// node is the node runtime this layer belongs to.
	node *Node

	// forwarding maps a destination to the next-hop link.
	forwarding map[Addr]int

	// routing is the co-located routing subsystem.
	routing *routingEngine
}

// newNetworkLayer creates the network layer with an empty forwarding
// table and initializes the routing subsystem.
func newNetworkLayer(node *Node) *networkLayer {
	nl := &networkLayer{
		node:       node,
		forwarding: map[Addr]int{},
		routing:    nil,
	}
	nl.routing = newRoutingEngine(node, nl)
	return nl
}

// Transmit wraps a transport segment in a datagram and hands it to the
// link layer on the next-hop link for dest.
func (nl *networkLayer) Transmit(dest Addr, payload []byte) {
	dg := &Datagram{
		Src:      nl.node.env.Address(),
		Dest:     dest,
		HopLimit: InitialHopLimit,
		Routing:  false,
		Payload:  payload,
	}
	nl.node.link.Transmit(nl.lookup(dest), marshalDatagram(dg))
}

// transmitRouting sends a routing segment to the neighbor on the given
// link. Routing datagrams terminate at the neighbor, so the
// destination field is unused.
func (nl *networkLayer) transmitRouting(link int, payload []byte) {
	dg := &Datagram{
		Src:      nl.node.env.Address(),
		Dest:     0,
		HopLimit: InitialHopLimit,
		Routing:  true,
		Payload:  payload,
	}
	nl.node.link.Transmit(link, marshalDatagram(dg))
}

// Receive handles a reassembled datagram coming up from the link
// layer: it decrements the hop limit, dispatches routing traffic into
// the routing subsystem, delivers local traffic to the transport
// layer, and forwards everything else.
func (nl *networkLayer) Receive(link int, raw []byte) {
	dg, err := unmarshalDatagram(raw)
	if err != nil {
		nl.node.logger.Warnf("netsim: network: %s", err.Error())
		return
	}

	dg.HopLimit--
	if dg.HopLimit == 0 {
		nl.node.logger.Warn("netsim: network: hop limit exceeded in transit")
		return
	}

	if dg.Routing {
		nl.routing.Receive(link, dg.Payload)
		return
	}

	if dg.Dest == nl.node.env.Address() {
		nl.node.transport.Receive(dg.Src, dg.Payload)
		return
	}

	nl.node.link.Transmit(nl.lookup(dg.Dest), marshalDatagram(dg))
}

// lookup returns the next-hop link for dest and panics when there is
// none: user traffic toward unknown destinations is gated by the
// routing layer's application enabling, so a miss is a structural bug.
func (nl *networkLayer) lookup(dest Addr) int {
	link, found := nl.forwarding[dest]
	if !found {
		panic(fmt.Errorf("%w: %d", ErrNoRoute, dest))
	}
	return link
}

// NextHop returns the next-hop link for dest, if any.
func (nl *networkLayer) NextHop(dest Addr) (int, bool) {
	link, found := nl.forwarding[dest]
	return link, found
}

// bandwidthTo returns the minimum bandwidth along the chosen path to
// dest, used by the transport layer to size its window limit.
func (nl *networkLayer) bandwidthTo(dest Addr) int64 {
	return nl.routing.pathBandwidth(dest)
}
