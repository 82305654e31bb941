package netsim

//
// Node runtime
//

// NodeConfig contains config for creating a [Node]. Make sure you
// initialize the fields marked as MANDATORY.
type NodeConfig struct {
	// Env is the MANDATORY simulator boundary the node runs against.
	Env NodeEnv

	// Logger is the MANDATORY logger.
	Logger Logger

	// DisableGearing is OPTIONAL and turns off the staggered
	// submission of newly admitted segments: the window is submitted
	// in a burst instead.
	DisableGearing bool

	// DisableExplicitAck is OPTIONAL and turns off naked acks when
	// there is no piggyback opportunity.
	DisableExplicitAck bool

	// DisableReno is OPTIONAL and turns off fast retransmit after
	// three duplicate acks.
	DisableReno bool

	// Tracer is the OPTIONAL structured event trace.
	Tracer *Tracer
}

// Node is the per-node runtime owning the link, network, and transport
// layers. Every event handler runs to completion on the simulator's
// single execution context, so no field is ever accessed concurrently.
// The zero value is invalid; construct using [NewNode].
type Node struct {
	// env is the simulator boundary.
	env NodeEnv

	// logger is the logger to use.
	logger Logger

	// tracer is the optional structured event trace.
	tracer *Tracer

	// useGearing staggers new submissions through gearing timers.
	useGearing bool

	// explicitAck sends naked acks absent a piggyback opportunity.
	explicitAck bool

	// useReno enables fast retransmit on three duplicate acks.
	useReno bool

	// link is the link layer.
	link *linkLayer

	// network is the network layer with its routing subsystem.
	network *networkLayer

	// transport is the transport layer.
	transport *transportLayer
}

// NewNode creates a [Node] and boots its layers: the link layer
// allocates per-link state, the transport layer starts with no
// connections, the network layer starts with an empty forwarding
// table, and the routing subsystem announces this node to all
// neighbors.
func NewNode(config *NodeConfig) *Node {
	n := &Node{
		env:         config.Env,
		logger:      config.Logger,
		tracer:      config.Tracer,
		useGearing:  !config.DisableGearing,
		explicitAck: !config.DisableExplicitAck,
		useReno:     !config.DisableReno,
		link:        nil,
		network:     nil,
		transport:   nil,
	}
	n.link = newLinkLayer(n)
	n.transport = newTransportLayer(n)
	n.network = newNetworkLayer(n)
	return n
}

// OnApplicationMessage handles an application message emitted for dest.
func (n *Node) OnApplicationMessage(dest Addr, message []byte) {
	n.transport.Transmit(dest, message)
}

// OnPhysicalFrame handles a frame arriving on the given link.
func (n *Node) OnPhysicalFrame(link int, frame []byte) {
	n.link.Receive(link, frame)
}

// OnTimer dispatches a timer fire to the layer that started it.
func (n *Node) OnTimer(kind TimerKind, data uint64) {
	switch kind {
	case TimerLinkPacing:
		n.link.OnPacingTimer(int(data))
	case TimerTransportRetransmit, TimerGearing:
		peer, offset := unpackSegmentTimer(data)
		n.transport.OnSegmentTimer(peer, offset)
	case TimerRoutingRetransmit:
		link, seq := unpackRoutingTimer(data)
		n.network.routing.OnRetransmitTimer(link, seq)
	}
}

// Address returns the node's address.
func (n *Node) Address() Addr {
	return n.env.Address()
}

// NumLinks returns the number of links attached to the node.
func (n *Node) NumLinks() int {
	return n.link.NumLinks()
}

// LinkQueueSize returns the number of frames queued on a link.
func (n *Node) LinkQueueSize(link int) int {
	return n.link.QueueSize(link)
}

// LinkBandwidth returns the bandwidth of a link in bits per second.
func (n *Node) LinkBandwidth(link int) int64 {
	return n.env.LinkBandwidth(link)
}

// LinkMTU returns the maximum frame size of a link in bytes.
func (n *Node) LinkMTU(link int) int {
	return n.env.LinkMTU(link)
}

// LinkLoad returns the measured load of a link over the sliding window.
func (n *Node) LinkLoad(link int) float64 {
	return n.link.Load(link)
}

// LinkUtilization returns the busy fraction of a link since boot.
func (n *Node) LinkUtilization(link int) float64 {
	return n.link.Utilization(link)
}

// NextHop returns the forwarding-table entry for dest, if any.
func (n *Node) NextHop(dest Addr) (int, bool) {
	return n.network.NextHop(dest)
}

// RouteWeight returns the weight of the chosen path to dest, or the
// infinity weight when dest is unknown.
func (n *Node) RouteWeight(dest Addr) int32 {
	return n.network.routing.Weight(dest)
}

// RoutingInflight returns the number of unacknowledged routing
// segments toward the neighbor on the given link.
func (n *Node) RoutingInflight(link int) int {
	return n.network.routing.InflightSegments(link)
}

// ConnInfo is a read-only snapshot of a transport connection, exposed
// for tests and metrics.
type ConnInfo struct {
	// Peer is the remote address.
	Peer Addr

	// WindowSize is the current congestion window in segments.
	WindowSize int

	// Threshold is the slow-start threshold in segments.
	Threshold int

	// WindowLimit is the dynamic window cap in segments.
	WindowLimit int

	// Outbound is the length of the outbound segment list.
	Outbound int

	// EstimatedRTT is the smoothed round-trip time in seconds.
	EstimatedRTT float64

	// NextOffset is the offset assigned to the next outbound byte.
	NextOffset uint32
}

// Connections returns a snapshot of every open connection.
func (n *Node) Connections() []ConnInfo {
	var out []ConnInfo
	for peer, conn := range n.transport.conns {
		out = append(out, ConnInfo{
			Peer:         peer,
			WindowSize:   conn.windowSize,
			Threshold:    conn.threshold,
			WindowLimit:  conn.windowLimit,
			Outbound:     len(conn.out),
			EstimatedRTT: conn.estimatedRTT.Seconds(),
			NextOffset:   conn.nextOffset,
		})
	}
	return out
}

// trace emits a structured trace event when tracing is configured.
func (n *Node) trace(event string, kv ...any) {
	if n.tracer != nil {
		n.tracer.Emit(n.env.Now(), n.env.Address(), event, kv...)
	}
}

// traceLinkStats emits the periodic per-link statistics events.
func (n *Node) traceLinkStats() {
	for link := 1; link <= n.NumLinks(); link++ {
		n.trace("utilization", "link", link, "value", n.LinkUtilization(link))
		n.trace("queue_length", "link", link, "frames", n.LinkQueueSize(link))
		n.trace("load_output", "link", link, "value", n.LinkLoad(link))
	}
}
