// Command analyze post-processes the END-TO-END PERFORMANCE summaries
// emitted by simulation runs: it collects the per-pair samples of one
// or more runs into per-pair data files suitable for plotting and
// prints aggregate statistics.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/montanaflynn/stats"
)

// sample is one parsed to/from/msgs/latency/throughput line.
type sample struct {
	to         int
	from       int
	msgs       int
	latency    float64
	throughput float64
	simTime    int64
}

// parseFile extracts the samples of every summary in a log file.
func parseFile(path string) ([]sample, error) {
	filep, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer filep.Close()

	var (
		out     []sample
		inData  bool
		simTime int64
	)
	scanner := bufio.NewScanner(filep)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "Simulation time:") {
			fmt.Sscanf(line, "Simulation time: %d", &simTime)
			continue
		}
		if line == "END-TO-END PERFORMANCE" {
			inData = true
			continue
		}
		if !inData {
			continue
		}
		var s sample
		n, err := fmt.Sscanf(line, "to=%d from=%d msgs=%d latency=%f throughput=%f",
			&s.to, &s.from, &s.msgs, &s.latency, &s.throughput)
		if err != nil || n != 5 {
			inData = false
			continue
		}
		s.simTime = simTime
		out = append(out, s)
	}
	return out, scanner.Err()
}

func main() {
	output := flag.String("output", "analyze", "prefix of the per-pair data files")
	flag.Parse()
	if flag.NArg() <= 0 {
		log.Fatal("analyze: no input files specified")
	}

	var samples []sample
	for _, path := range flag.Args() {
		parsed, err := parseFile(path)
		if err != nil {
			log.WithError(err).Fatal("parseFile")
		}
		samples = append(samples, parsed...)
	}

	// group samples per pair and write one data file each
	pairs := map[string][]sample{}
	for _, s := range samples {
		key := fmt.Sprintf("%d-%d", s.to, s.from)
		pairs[key] = append(pairs[key], s)
	}
	for key, group := range pairs {
		name := filepath.Base(*output) + "_" + key
		name = filepath.Join(filepath.Dir(*output), name)
		filep, err := os.Create(name)
		if err != nil {
			log.WithError(err).Fatal("os.Create")
		}
		fmt.Fprintln(filep, "# time msgs latency throughput")
		var latencies, throughputs []float64
		for _, s := range group {
			fmt.Fprintf(filep, "%d %d %f %f\n", s.simTime, s.msgs, s.latency, s.throughput)
			latencies = append(latencies, s.latency)
			throughputs = append(throughputs, s.throughput)
		}
		filep.Close()

		meanLatency := float64(0)
		if v, err := stats.Mean(latencies); err == nil {
			meanLatency = v
		}
		medianThroughput := float64(0)
		if v, err := stats.Median(throughputs); err == nil {
			medianThroughput = v
		}
		fmt.Printf("%s: samples=%d mean latency=%f median throughput=%f\n",
			key, len(group), meanLatency, medianThroughput)
	}
}
