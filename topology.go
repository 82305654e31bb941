package netsim

//
// Network topologies
//

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MustNewPPPTopology creates a [Sim] with two adjacent nodes addressed
// 1 and 2 connected by a single link.
func MustNewPPPTopology(config *SimConfig, lc *LinkConfig) *Sim {
	return MustNewLineTopology(config, 2, lc)
}

// MustNewLineTopology creates a [Sim] with count nodes addressed 1..count
// chained into a line, every hop using the same link characteristics.
func MustNewLineTopology(config *SimConfig, count int, lc *LinkConfig) *Sim {
	s := NewSim(config)
	for addr := 1; addr <= count; addr++ {
		Must1(s.AddNode(Addr(addr)))
	}
	for addr := 1; addr < count; addr++ {
		Must2(s.AddLink(Addr(addr), Addr(addr+1), lc))
	}
	return s
}

// MustNewRingTopology is like [MustNewLineTopology] with an extra link
// closing the ring between the first and the last node.
func MustNewRingTopology(config *SimConfig, count int, lc *LinkConfig) *Sim {
	s := MustNewLineTopology(config, count, lc)
	Must2(s.AddLink(Addr(count), Addr(1), lc))
	return s
}

// MustNewStarTopology creates a [Sim] with a hub node addressed 1 and
// leaves addressed 2..count+1, each leaf connected to the hub. The hub
// is an ordinary node: its routing subsystem learns to forward between
// the leaves.
func MustNewStarTopology(config *SimConfig, count int, lc *LinkConfig) *Sim {
	s := NewSim(config)
	Must1(s.AddNode(1))
	for leaf := 2; leaf <= count+1; leaf++ {
		Must1(s.AddNode(Addr(leaf)))
		Must2(s.AddLink(1, Addr(leaf), lc))
	}
	return s
}

// topologyDuration decodes YAML durations written as Go duration strings.
type topologyDuration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *topologyDuration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = topologyDuration(parsed)
	return nil
}

// TopologyLink describes one link of a [TopologySpec].
type TopologyLink struct {
	// Left and Right are the endpoint addresses.
	Left  uint8 `yaml:"left"`
	Right uint8 `yaml:"right"`

	// Bandwidth is the link bandwidth in bits per second.
	Bandwidth int64 `yaml:"bandwidth"`

	// MTU is the maximum frame size in bytes.
	MTU int `yaml:"mtu"`

	// Delay is the one-way propagation delay.
	Delay topologyDuration `yaml:"delay"`

	// PLR is the frame loss rate.
	PLR float64 `yaml:"plr"`

	// Corruption is the frame corruption rate.
	Corruption float64 `yaml:"corruption"`
}

// TopologyFlow describes one traffic flow of a [TopologySpec].
type TopologyFlow struct {
	// From and To are the flow endpoints.
	From uint8 `yaml:"from"`
	To   uint8 `yaml:"to"`

	// Size is the application message size in bytes.
	Size int `yaml:"size"`

	// Interval is the spacing between messages.
	Interval topologyDuration `yaml:"interval"`

	// Count is the number of messages; unlimited when zero.
	Count int `yaml:"count"`
}

// TopologySpec is the YAML description of a simulation: its links,
// which imply its nodes, and the offered traffic.
type TopologySpec struct {
	// Links are the point-to-point links of the mesh.
	Links []TopologyLink `yaml:"links"`

	// Flows is the offered application traffic.
	Flows []TopologyFlow `yaml:"flows"`
}

// ErrEmptyTopology indicates a topology spec without links.
var ErrEmptyTopology = errors.New("netsim: topology has no links")

// ParseTopologyFile reads and parses a YAML topology file.
func ParseTopologyFile(path string) (*TopologySpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	spec := &TopologySpec{}
	if err := yaml.Unmarshal(data, spec); err != nil {
		return nil, err
	}
	if len(spec.Links) <= 0 {
		return nil, ErrEmptyTopology
	}
	return spec, nil
}

// Build creates a [Sim] from the spec.
func (spec *TopologySpec) Build(config *SimConfig) (*Sim, error) {
	s := NewSim(config)
	for _, lnk := range spec.Links {
		for _, addr := range []uint8{lnk.Left, lnk.Right} {
			if s.nodes[Addr(addr)] == nil {
				if _, err := s.AddNode(Addr(addr)); err != nil {
					return nil, err
				}
			}
		}
		lc := &LinkConfig{
			Bandwidth:  lnk.Bandwidth,
			MTU:        lnk.MTU,
			Delay:      time.Duration(lnk.Delay),
			PLR:        lnk.PLR,
			Corruption: lnk.Corruption,
		}
		if _, _, err := s.AddLink(Addr(lnk.Left), Addr(lnk.Right), lc); err != nil {
			return nil, err
		}
	}
	for _, flow := range spec.Flows {
		if s.nodes[Addr(flow.From)] == nil || s.nodes[Addr(flow.To)] == nil {
			return nil, fmt.Errorf("netsim: flow references unknown node: %d -> %d", flow.From, flow.To)
		}
		s.AddFlow(&Flow{
			From:        Addr(flow.From),
			To:          Addr(flow.To),
			MessageSize: flow.Size,
			Interval:    time.Duration(flow.Interval),
			Count:       flow.Count,
		})
	}
	return s, nil
}
