package netsim

//
// Prometheus metrics
//

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes per-link and per-connection gauges of every node
// of a [Sim] as Prometheus metrics. Register it with a prometheus
// registry and scrape while the simulation runs. The zero value is
// invalid; construct using [NewCollector].
type Collector struct {
	// sim is the simulation to collect from.
	sim *Sim

	// linkLoad is the per-link load gauge.
	linkLoad *prometheus.Desc

	// linkUtilization is the per-link utilization gauge.
	linkUtilization *prometheus.Desc

	// linkQueue is the per-link queued-frames gauge.
	linkQueue *prometheus.Desc

	// connRTT is the per-connection estimated-RTT gauge.
	connRTT *prometheus.Desc

	// connWindow is the per-connection window-size gauge.
	connWindow *prometheus.Desc
}

var _ prometheus.Collector = &Collector{}

// NewCollector creates a [Collector] for the given simulation.
func NewCollector(sim *Sim) *Collector {
	linkLabels := []string{"node", "link"}
	connLabels := []string{"node", "peer"}
	return &Collector{
		sim: sim,
		linkLoad: prometheus.NewDesc(
			"netsim_link_load",
			"Bits transmitted within the load window over window time times bandwidth.",
			linkLabels, nil,
		),
		linkUtilization: prometheus.NewDesc(
			"netsim_link_utilization",
			"Fraction of the run the link spent transmitting.",
			linkLabels, nil,
		),
		linkQueue: prometheus.NewDesc(
			"netsim_link_queue_frames",
			"Frames queued on the link's output queue.",
			linkLabels, nil,
		),
		connRTT: prometheus.NewDesc(
			"netsim_conn_rtt_seconds",
			"Estimated round-trip time of the connection.",
			connLabels, nil,
		),
		connWindow: prometheus.NewDesc(
			"netsim_conn_window_segments",
			"Congestion window of the connection in segments.",
			connLabels, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.linkLoad
	descs <- c.linkUtilization
	descs <- c.linkQueue
	descs <- c.connRTT
	descs <- c.connWindow
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	for _, addr := range c.sim.Addresses() {
		node := c.sim.Node(addr)
		if node == nil {
			continue
		}
		nodeLabel := strconv.Itoa(int(addr))
		for link := 1; link <= node.NumLinks(); link++ {
			linkLabel := strconv.Itoa(link)
			metrics <- prometheus.MustNewConstMetric(
				c.linkLoad, prometheus.GaugeValue, node.LinkLoad(link), nodeLabel, linkLabel)
			metrics <- prometheus.MustNewConstMetric(
				c.linkUtilization, prometheus.GaugeValue, node.LinkUtilization(link), nodeLabel, linkLabel)
			metrics <- prometheus.MustNewConstMetric(
				c.linkQueue, prometheus.GaugeValue, float64(node.LinkQueueSize(link)), nodeLabel, linkLabel)
		}
		for _, conn := range node.Connections() {
			peerLabel := strconv.Itoa(int(conn.Peer))
			metrics <- prometheus.MustNewConstMetric(
				c.connRTT, prometheus.GaugeValue, conn.EstimatedRTT, nodeLabel, peerLabel)
			metrics <- prometheus.MustNewConstMetric(
				c.connWindow, prometheus.GaugeValue, float64(conn.WindowSize), nodeLabel, peerLabel)
		}
	}
}
