package netsim

//
// Test doubles
//

import (
	"sort"
	"time"
)

// fakeTimer is a timer recorded by [fakeEnv].
type fakeTimer struct {
	id      TimerID
	kind    TimerKind
	when    time.Duration
	data    uint64
	stopped bool
	fired   bool
}

// fakePhysWrite is one frame submitted to [fakeEnv.WritePhysical].
type fakePhysWrite struct {
	link  int
	frame []byte
}

// fakeAppWrite is one message delivered through [fakeEnv.WriteApplication].
type fakeAppWrite struct {
	src     Addr
	message []byte
}

// fakeEnv implements [NodeEnv] for driving a single [Node] by hand:
// the clock only moves through advance and timers only fire there.
type fakeEnv struct {
	addr      Addr
	now       time.Duration
	numLinks  int
	bandwidth int64
	mtu       int
	nextTimer TimerID
	timers    []*fakeTimer
	phys      []fakePhysWrite
	app       []fakeAppWrite
	enabled   []Addr
	disabled  []Addr
	node      *Node
}

var _ NodeEnv = &fakeEnv{}

func newFakeEnv(addr Addr, numLinks int, bandwidth int64, mtu int) *fakeEnv {
	return &fakeEnv{
		addr:      addr,
		numLinks:  numLinks,
		bandwidth: bandwidth,
		mtu:       mtu,
	}
}

// newFakeNode creates a [Node] driven by a [fakeEnv].
func newFakeNode(addr Addr, numLinks int, bandwidth int64, mtu int) (*Node, *fakeEnv) {
	env := newFakeEnv(addr, numLinks, bandwidth, mtu)
	node := NewNode(&NodeConfig{
		Env:    env,
		Logger: &NullLogger{},
	})
	env.node = node
	return node, env
}

// seedRoute installs a forwarding and routing-table entry so that the
// transport layer can address dest without running the routing protocol.
func seedRoute(node *Node, dest Addr, link int, bandwidth int64) {
	row := make([]routeEntry, node.env.NumLinks()+1)
	for i := range row {
		row[i] = routeEntry{weight: infinity, minMTU: infinity, minBWD: infinity}
	}
	row[link] = routeEntry{weight: 1, minMTU: infinity, minBWD: int32(bandwidth)}
	node.network.routing.table[dest] = row
	node.network.forwarding[dest] = link
}

func (env *fakeEnv) Now() time.Duration { return env.now }

func (env *fakeEnv) StartTimer(kind TimerKind, delay time.Duration, data uint64) TimerID {
	env.nextTimer++
	t := &fakeTimer{
		id:   env.nextTimer,
		kind: kind,
		when: env.now + delay,
		data: data,
	}
	env.timers = append(env.timers, t)
	return t.id
}

func (env *fakeEnv) StopTimer(id TimerID) {
	for _, t := range env.timers {
		if t.id == id {
			t.stopped = true
		}
	}
}

func (env *fakeEnv) WritePhysical(link int, frame []byte) error {
	saved := make([]byte, len(frame))
	copy(saved, frame)
	env.phys = append(env.phys, fakePhysWrite{link: link, frame: saved})
	return nil
}

func (env *fakeEnv) WriteApplication(src Addr, message []byte) error {
	env.app = append(env.app, fakeAppWrite{src: src, message: message})
	return nil
}

func (env *fakeEnv) EnableApplication(dest Addr)  { env.enabled = append(env.enabled, dest) }
func (env *fakeEnv) DisableApplication(dest Addr) { env.disabled = append(env.disabled, dest) }
func (env *fakeEnv) Address() Addr                { return env.addr }
func (env *fakeEnv) NumLinks() int                { return env.numLinks }
func (env *fakeEnv) LinkBandwidth(link int) int64 { return env.bandwidth }
func (env *fakeEnv) LinkMTU(link int) int         { return env.mtu }

// advance moves the clock forward, firing due timers in time order.
func (env *fakeEnv) advance(delta time.Duration) {
	deadline := env.now + delta
	for {
		due := []*fakeTimer{}
		for _, t := range env.timers {
			if !t.fired && !t.stopped && t.when <= deadline {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			break
		}
		sort.Slice(due, func(i, j int) bool { return due[i].when < due[j].when })
		t := due[0]
		t.fired = true
		env.now = t.when
		env.node.OnTimer(t.kind, t.data)
	}
	env.now = deadline
}

// takePhys returns and clears the recorded physical writes.
func (env *fakeEnv) takePhys() []fakePhysWrite {
	out := env.phys
	env.phys = nil
	return out
}
