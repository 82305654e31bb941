// Command netsim runs a simulation described by a YAML topology file
// and prints the end-to-end performance summary.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/apex/log"
	"github.com/bassosimone/netsim"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
)

func main() {
	topology := flag.String("topology", "", "YAML topology file to simulate")
	duration := flag.Duration("duration", 10*time.Second, "virtual time to simulate")
	seed := flag.Int64("seed", 1, "seed for loss and corruption")
	sample := flag.Duration("sample", 0, "interval between periodic statistics events")
	traceDir := flag.String("trace-dir", "", "directory where to write the event trace")
	pcapDir := flag.String("pcap-dir", "", "directory where to write per-node PCAP files")
	listen := flag.String("listen", "", "optional address where to serve /metrics")
	pace := flag.Duration("pace", 0, "wall-clock pacing of virtual time slices (0 = run flat out)")
	noGearing := flag.Bool("no-gearing", false, "submit new segments in a burst")
	noExplicitAck := flag.Bool("no-explicit-ack", false, "never send naked acks")
	noReno := flag.Bool("no-reno", false, "disable fast retransmit")
	verbose := flag.Bool("verbose", false, "enable verbose logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	if *topology == "" {
		log.Fatal("netsim: no -topology file specified")
	}
	runID := xid.New().String()
	log.Infof("netsim: run %s: topology %s", runID, *topology)

	spec, err := netsim.ParseTopologyFile(*topology)
	if err != nil {
		log.WithError(err).Fatal("netsim.ParseTopologyFile")
	}

	config := &netsim.SimConfig{
		Logger:             log.Log,
		Seed:               *seed,
		SampleInterval:     *sample,
		Tracer:             nil,
		DisableGearing:     *noGearing,
		DisableExplicitAck: *noExplicitAck,
		DisableReno:        *noReno,
	}

	var traceFile *os.File
	if *traceDir != "" {
		name := filepath.Join(*traceDir, fmt.Sprintf("trace-%s.log", runID))
		traceFile, err = os.Create(name)
		if err != nil {
			log.WithError(err).Fatal("os.Create")
		}
		defer traceFile.Close()
		config.Tracer = netsim.NewTracer(traceFile)
	}

	sim, err := spec.Build(config)
	if err != nil {
		log.WithError(err).Fatal("spec.Build")
	}

	var captures []*netsim.Capture
	if *pcapDir != "" {
		for _, addr := range sim.Addresses() {
			name := filepath.Join(*pcapDir, fmt.Sprintf("node-%d-%s.pcap", addr, runID))
			capture, err := netsim.NewCapture(name, log.Log)
			if err != nil {
				log.WithError(err).Fatal("netsim.NewCapture")
			}
			captures = append(captures, capture)
			sim.SimNode(addr).AttachCapture(capture)
		}
	}
	defer func() {
		for _, capture := range captures {
			capture.Close()
		}
	}()

	if *listen != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(netsim.NewCollector(sim))
		http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*listen, nil); err != nil {
				log.WithError(err).Fatal("http.ListenAndServe")
			}
		}()
	}

	// advance virtual time in slices so a scraper sees the run move;
	// with -pace each slice additionally consumes the same wall time
	const slice = 100 * time.Millisecond
	for elapsed := time.Duration(0); elapsed < *duration; {
		elapsed += slice
		if elapsed > *duration {
			elapsed = *duration
		}
		sim.Run(elapsed)
		if *pace > 0 {
			time.Sleep(*pace)
		}
	}

	fmt.Printf("Simulation time: %d\n", sim.Now().Microseconds())
	fmt.Print(sim.Report().Summary())
}
