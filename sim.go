package netsim

//
// Discrete-event simulator
//

import (
	"container/heap"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"
)

// event is one scheduled simulator event.
type event struct {
	// when is the virtual time the event fires at.
	when time.Duration

	// seq breaks ties between events scheduled for the same time, so
	// that scheduling order is fire order.
	seq int64

	// fire runs the event.
	fire func()
}

// eventQueue is a min-heap of events ordered by (when, seq).
type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].when != q[j].when {
		return q[i].when < q[j].when
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(*event)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// simTimer tracks cancellation of a named timer.
type simTimer struct {
	// cancelled suppresses the fire when the timer was stopped.
	cancelled bool
}

// SimConfig contains config for creating a [Sim]. Make sure you
// initialize the fields marked as MANDATORY.
type SimConfig struct {
	// Logger is the MANDATORY logger.
	Logger Logger

	// Seed seeds the random source driving loss and corruption. Runs
	// with equal topologies, flows, and seeds are identical.
	Seed int64

	// SampleInterval is the OPTIONAL interval at which every node
	// emits its periodic utilization, queue-length, and load events.
	// Zero disables sampling.
	SampleInterval time.Duration

	// Tracer is the OPTIONAL structured event trace shared by all
	// nodes.
	Tracer *Tracer

	// FrameFilter is an OPTIONAL predicate inspecting every frame
	// before it enters the wire; returning false drops the frame.
	// Useful to inject targeted, deterministic loss.
	FrameFilter func(src, dst Addr, frame []byte) bool

	// DisableGearing, DisableExplicitAck, and DisableReno are passed
	// through to every [Node].
	DisableGearing     bool
	DisableExplicitAck bool
	DisableReno        bool
}

// Sim is a deterministic discrete-event simulator hosting a set of
// nodes connected by point-to-point links. The zero value is invalid;
// construct using [NewSim], then add nodes, links, and flows, and call
// [Sim.Run].
type Sim struct {
	// config is the simulation configuration.
	config *SimConfig

	// logger is the logger to use.
	logger Logger

	// rng drives loss and corruption decisions.
	rng *rand.Rand

	// now is the current virtual time.
	now time.Duration

	// seq numbers scheduled events for FIFO tie-breaking.
	seq int64

	// events is the pending event queue.
	events eventQueue

	// nextTimerID allocates timer ids; zero is never allocated.
	nextTimerID TimerID

	// timers tracks running timers for cancellation.
	timers map[TimerID]*simTimer

	// nodes maps addresses to simulated nodes.
	nodes map[Addr]*SimNode

	// flows is the offered application traffic.
	flows []*Flow

	// report accumulates end-to-end performance.
	report *Report

	// booted records whether node runtimes have been created.
	booted bool
}

// NewSim creates a new [Sim].
func NewSim(config *SimConfig) *Sim {
	return &Sim{
		config:      config,
		logger:      config.Logger,
		rng:         rand.New(rand.NewSource(config.Seed)),
		now:         0,
		seq:         0,
		events:      eventQueue{},
		nextTimerID: 0,
		timers:      map[TimerID]*simTimer{},
		nodes:       map[Addr]*SimNode{},
		flows:       nil,
		report:      NewReport(),
		booted:      false,
	}
}

// schedule enqueues an event after the given delay.
func (s *Sim) schedule(delay time.Duration, fire func()) {
	s.seq++
	heap.Push(&s.events, &event{
		when: s.now + delay,
		seq:  s.seq,
		fire: fire,
	})
}

// ErrDuplicateAddr indicates that an address has already been added.
var ErrDuplicateAddr = errors.New("netsim: address has already been added")

// AddNode adds a node with the given address to the simulation. Links
// must be attached with [Sim.AddLink] before the first [Sim.Run].
func (s *Sim) AddNode(addr Addr) (*SimNode, error) {
	if s.nodes[addr] != nil {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateAddr, addr)
	}
	if s.booted {
		return nil, errors.New("netsim: topology is frozen after the first Run")
	}
	sn := &SimNode{
		sim:           s,
		addr:          addr,
		node:          nil,
		ports:         []*simPort{nil},
		globalEnabled: true,
		enabled:       map[Addr]bool{},
		delivered:     nil,
		capture:       nil,
	}
	s.nodes[addr] = sn
	return sn, nil
}

// LinkConfig contains config for creating a link between two nodes.
type LinkConfig struct {
	// Bandwidth is the MANDATORY link bandwidth in bits per second.
	Bandwidth int64

	// MTU is the MANDATORY maximum frame size in bytes.
	MTU int

	// Delay is the OPTIONAL one-way propagation delay.
	Delay time.Duration

	// PLR is the OPTIONAL frame loss rate in both directions.
	PLR float64

	// Corruption is the OPTIONAL frame corruption rate in both
	// directions. Corrupted frames have one random bit flipped and
	// are dropped by the receiving link layer's CRC check.
	Corruption float64
}

// AddLink connects two previously added nodes with a point-to-point
// link and returns the link index at each endpoint.
func (s *Sim) AddLink(left, right Addr, config *LinkConfig) (int, int, error) {
	ls, rs := s.nodes[left], s.nodes[right]
	if ls == nil || rs == nil {
		return 0, 0, fmt.Errorf("netsim: no such node: %d or %d", left, right)
	}
	lp := &simPort{
		owner:      ls,
		link:       len(ls.ports),
		peer:       nil,
		bandwidth:  config.Bandwidth,
		mtu:        config.MTU,
		delay:      config.Delay,
		plr:        config.PLR,
		corruption: config.Corruption,
		busyUntil:  0,
	}
	rp := &simPort{
		owner:      rs,
		link:       len(rs.ports),
		peer:       lp,
		bandwidth:  config.Bandwidth,
		mtu:        config.MTU,
		delay:      config.Delay,
		plr:        config.PLR,
		corruption: config.Corruption,
		busyUntil:  0,
	}
	lp.peer = rp
	ls.ports = append(ls.ports, lp)
	rs.ports = append(rs.ports, rp)
	return lp.link, rp.link, nil
}

// Flow describes offered application traffic from one node to another.
type Flow struct {
	// From is the MANDATORY source address.
	From Addr

	// To is the MANDATORY destination address.
	To Addr

	// MessageSize is the MANDATORY application message size in bytes.
	MessageSize int

	// Interval is the OPTIONAL spacing between messages; messages are
	// offered back to back when zero.
	Interval time.Duration

	// Count is the OPTIONAL number of messages to send; unlimited
	// when zero.
	Count int

	// sent counts the messages emitted so far.
	sent int

	// waiting is true while the flow is blocked on a disabled
	// destination.
	waiting bool
}

// AddFlow attaches a traffic flow to the simulation.
func (s *Sim) AddFlow(flow *Flow) {
	s.flows = append(s.flows, flow)
}

// boot creates the node runtimes in address order and schedules the
// initial flow and sampling events.
func (s *Sim) boot() {
	s.booted = true
	addrs := make([]int, 0, len(s.nodes))
	for addr := range s.nodes {
		addrs = append(addrs, int(addr))
	}
	sort.Ints(addrs)
	for _, addr := range addrs {
		sn := s.nodes[Addr(addr)]
		sn.node = NewNode(&NodeConfig{
			Env:                sn,
			Logger:             s.logger,
			DisableGearing:     s.config.DisableGearing,
			DisableExplicitAck: s.config.DisableExplicitAck,
			DisableReno:        s.config.DisableReno,
			Tracer:             s.config.Tracer,
		})
	}
	for _, flow := range s.flows {
		flow := flow
		s.schedule(flow.Interval, func() { s.pumpFlow(flow) })
	}
	if s.config.SampleInterval > 0 {
		s.schedule(s.config.SampleInterval, s.sample)
	}
}

// sample emits the periodic per-node statistics and reschedules itself.
func (s *Sim) sample() {
	for _, addr := range s.Addresses() {
		s.nodes[addr].node.traceLinkStats()
	}
	s.schedule(s.config.SampleInterval, s.sample)
}

// pumpFlow offers the next message of a flow to the stack, or parks
// the flow when its destination is disabled.
func (s *Sim) pumpFlow(flow *Flow) {
	if flow.Count > 0 && flow.sent >= flow.Count {
		return
	}
	sn := s.nodes[flow.From]
	if !sn.canSend(flow.To) {
		flow.waiting = true
		return
	}
	flow.waiting = false
	message := s.makeMessage(flow)
	s.report.RecordSend(flow.From, flow.To, s.now, len(message))
	sn.node.OnApplicationMessage(flow.To, message)
	flow.sent++
	if flow.Count == 0 || flow.sent < flow.Count {
		s.schedule(flow.Interval, func() { s.pumpFlow(flow) })
	}
}

// makeMessage builds a deterministic message payload for a flow.
func (s *Sim) makeMessage(flow *Flow) []byte {
	message := make([]byte, flow.MessageSize)
	for i := range message {
		message[i] = byte(flow.sent + i)
	}
	return message
}

// Run processes events until the virtual clock reaches the given time
// since the start of the simulation. It may be called repeatedly with
// increasing horizons.
func (s *Sim) Run(until time.Duration) {
	if !s.booted {
		s.boot()
	}
	for len(s.events) > 0 && s.events[0].when <= until {
		ev := heap.Pop(&s.events).(*event)
		s.now = ev.when
		ev.fire()
	}
	if s.now < until {
		s.now = until
	}
}

// Now returns the current virtual time.
func (s *Sim) Now() time.Duration {
	return s.now
}

// Node returns the runtime of the node with the given address.
func (s *Sim) Node(addr Addr) *Node {
	return s.nodes[addr].node
}

// SimNode returns the simulated node with the given address.
func (s *Sim) SimNode(addr Addr) *SimNode {
	return s.nodes[addr]
}

// Report returns the end-to-end performance report.
func (s *Sim) Report() *Report {
	return s.report
}

// Addresses returns the addresses of all nodes in ascending order.
func (s *Sim) Addresses() []Addr {
	addrs := make([]int, 0, len(s.nodes))
	for addr := range s.nodes {
		addrs = append(addrs, int(addr))
	}
	sort.Ints(addrs)
	out := make([]Addr, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, Addr(addr))
	}
	return out
}

// simPort is one endpoint of a point-to-point link.
type simPort struct {
	// owner is the node this endpoint belongs to.
	owner *SimNode

	// link is the endpoint's link index at its owner.
	link int

	// peer is the other endpoint.
	peer *simPort

	// bandwidth is the link bandwidth in bits per second.
	bandwidth int64

	// mtu is the maximum frame size in bytes.
	mtu int

	// delay is the one-way propagation delay.
	delay time.Duration

	// plr is the frame loss rate in this direction.
	plr float64

	// corruption is the frame corruption rate in this direction.
	corruption float64

	// busyUntil is when the transmitter finishes the current frame.
	busyUntil time.Duration
}

// DeliveredMessage is one application message delivered by the stack.
type DeliveredMessage struct {
	// Src is the address of the originating node.
	Src Addr

	// Payload is the message content.
	Payload []byte

	// When is the delivery time.
	When time.Duration
}

// SimNode is a simulated node: it implements [NodeEnv] for the [Node]
// runtime attached to it and models the application on top.
type SimNode struct {
	// sim is the owning simulator.
	sim *Sim

	// addr is the node address.
	addr Addr

	// node is the attached stack runtime.
	node *Node

	// ports holds link endpoints indexed 1..NumLinks.
	ports []*simPort

	// globalEnabled gates the application as a whole.
	globalEnabled bool

	// enabled gates the application per destination.
	enabled map[Addr]bool

	// delivered collects messages delivered to the application.
	delivered []DeliveredMessage

	// capture optionally records frames seen by this node.
	capture *Capture
}

var _ NodeEnv = &SimNode{}

// canSend returns whether the application may emit toward dest.
func (sn *SimNode) canSend(dest Addr) bool {
	return sn.globalEnabled && sn.enabled[dest]
}

// Now implements NodeEnv
func (sn *SimNode) Now() time.Duration {
	return sn.sim.now
}

// StartTimer implements NodeEnv
func (sn *SimNode) StartTimer(kind TimerKind, delay time.Duration, data uint64) TimerID {
	sn.sim.nextTimerID++
	id := sn.sim.nextTimerID
	t := &simTimer{cancelled: false}
	sn.sim.timers[id] = t
	sn.sim.schedule(delay, func() {
		delete(sn.sim.timers, id)
		if !t.cancelled {
			sn.node.OnTimer(kind, data)
		}
	})
	return id
}

// StopTimer implements NodeEnv
func (sn *SimNode) StopTimer(id TimerID) {
	if t := sn.sim.timers[id]; t != nil {
		t.cancelled = true
		delete(sn.sim.timers, id)
	}
}

// WritePhysical implements NodeEnv
func (sn *SimNode) WritePhysical(link int, frame []byte) error {
	port := sn.ports[link]
	if sn.sim.now < port.busyUntil {
		return ErrLinkBusy
	}

	// the transmitter serializes one frame at a time
	tx := transmissionDelay(int64(len(frame))*8, port.bandwidth)
	port.busyUntil = sn.sim.now + tx

	if sn.capture != nil {
		sn.capture.Record(sn.sim.now, frame)
	}

	if filter := sn.sim.config.FrameFilter; filter != nil &&
		!filter(sn.addr, port.peer.owner.addr, frame) {
		return nil
	}

	// frames lost on the wire simply never arrive
	if port.plr > 0 && sn.sim.rng.Float64() < port.plr {
		return nil
	}

	delivery := make([]byte, len(frame))
	copy(delivery, frame)
	if port.corruption > 0 && sn.sim.rng.Float64() < port.corruption {
		bit := sn.sim.rng.Intn(len(delivery) * 8)
		delivery[bit/8] ^= 1 << (bit % 8)
	}

	peer := port.peer
	arrival := tx + port.delay
	sn.sim.schedule(arrival, func() {
		if peer.owner.capture != nil {
			peer.owner.capture.Record(sn.sim.now, delivery)
		}
		peer.owner.node.OnPhysicalFrame(peer.link, delivery)
	})
	return nil
}

// WriteApplication implements NodeEnv
func (sn *SimNode) WriteApplication(src Addr, message []byte) error {
	sn.delivered = append(sn.delivered, DeliveredMessage{
		Src:     src,
		Payload: message,
		When:    sn.sim.now,
	})
	sn.sim.report.RecordDeliver(src, sn.addr, sn.sim.now, len(message))
	return nil
}

// EnableApplication implements NodeEnv
func (sn *SimNode) EnableApplication(dest Addr) {
	if dest == AllNodes {
		sn.globalEnabled = true
	} else {
		sn.enabled[dest] = true
	}
	sn.resumeFlows(dest)
}

// DisableApplication implements NodeEnv
func (sn *SimNode) DisableApplication(dest Addr) {
	if dest == AllNodes {
		sn.globalEnabled = false
		return
	}
	sn.enabled[dest] = false
}

// resumeFlows reschedules flows that parked while dest was disabled.
func (sn *SimNode) resumeFlows(dest Addr) {
	for _, flow := range sn.sim.flows {
		if flow.From != sn.addr || !flow.waiting {
			continue
		}
		if dest != AllNodes && flow.To != dest {
			continue
		}
		flow.waiting = false
		flow := flow
		sn.sim.schedule(time.Microsecond, func() { sn.sim.pumpFlow(flow) })
	}
}

// Address implements NodeEnv
func (sn *SimNode) Address() Addr {
	return sn.addr
}

// NumLinks implements NodeEnv
func (sn *SimNode) NumLinks() int {
	return len(sn.ports) - 1
}

// LinkBandwidth implements NodeEnv
func (sn *SimNode) LinkBandwidth(link int) int64 {
	return sn.ports[link].bandwidth
}

// LinkMTU implements NodeEnv
func (sn *SimNode) LinkMTU(link int) int {
	return sn.ports[link].mtu
}

// Delivered returns the messages delivered to this node's application.
func (sn *SimNode) Delivered() []DeliveredMessage {
	return sn.delivered
}

// AttachCapture starts recording the frames this node sends and
// receives into the given capture.
func (sn *SimNode) AttachCapture(capture *Capture) {
	sn.capture = capture
}
