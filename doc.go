// Package netsim implements a layered simulated network stack -- link,
// network with distance-vector routing, and transport -- on top of a
// deterministic discrete-event simulator.
//
// The stack delivers ordered, reliable, flow-controlled byte streams
// between named nodes over a multi-hop mesh. Each node runs a [Node]
// runtime that owns the three layers and consumes the [NodeEnv] boundary:
// timers, framed physical I/O, application I/O, and the simulated clock.
//
// The transport layer implements a sliding window with cumulative
// acknowledgments over cyclic 18-bit offsets, RTT estimation, and
// TCP-Reno-style congestion control (slow start, congestion avoidance,
// and fast retransmit after three duplicate acks). Incoming segments are
// reassembled through a [CyclicBuffer] and message boundaries are
// reconstructed using a [DoubleRing] of end offsets.
//
// The network layer forwards datagrams by pure forwarding-table lookup
// and the co-located routing subsystem maintains that table by
// exchanging reliable distance-vector updates with each neighbor.
//
// The link layer fragments datagrams into CRC-guarded frames, paces
// transmissions at the link's bandwidth, and measures utilization and
// load over a sliding window.
//
// To run the stack, create a [Sim], add nodes and links -- directly, with
// one of the topology constructors such as [MustNewLineTopology], or from
// a YAML file via [ParseTopologyFile] -- attach [Flow]s, and call
// [Sim.Run]. The simulation is fully deterministic for a given seed.
package netsim
