// Copyright 2017 Fortio Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command loadgen is the binary entry point: "load" runs one TestSpec from
// the command line and reports the final statistics, "server" starts the
// /remote control plane so this process can be installed as a slave node by
// a master, mirroring cli/fortio_main.go's command dispatch.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"fortio.org/cli"
	"fortio.org/loadgen/fnet"
	"fortio.org/loadgen/loadtest"
	"fortio.org/loadgen/monitor"
	"fortio.org/loadgen/slave"
	"fortio.org/loadgen/stats"
	"fortio.org/loadgen/version"
	"fortio.org/log"
	"fortio.org/scli"
)

// -- Support for repeated -H flag occurrences on the command line.
type headerFlagList struct {
	h http.Header
}

func (f *headerFlagList) String() string {
	return ""
}

func (f *headerFlagList) Set(value string) error {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid -H header %q, expected Name: Value", value)
	}
	if f.h == nil {
		f.h = make(http.Header)
	}
	f.h.Add(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	return nil
}

func helpArgsString() string {
	return fmt.Sprintf("target\n%s\n%s",
		"where command is one of: load (run one load test against target), "+
			"server (start the /remote control plane, for use as a slave node)",
		"where target is a url, required for load and ignored for server.")
}

var (
	qpsFlag      = flag.Float64("qps", 0, "Target queries per second across all users, or 0 for max qps")
	numUsersFlag = flag.Int("c", 10, "Number of concurrent virtual users")
	durationFlag = flag.Duration("t", 10*time.Second, "How long to run the test for")
	methodFlag   = flag.String("X", http.MethodGet, "HTTP method to use")
	bodyFlag     = flag.String("body", "", "HTTP request body, if any")
	statsFlag    = flag.String("stats", "latency,result-codes",
		"Comma separated list of statistics to collect: latency, result-codes, uniques, concurrency, http-errors")
	timeoutFlag      = flag.Int64("timeoutms", 0, "Per request timeout in milliseconds, or 0 for none")
	delayFlag        = flag.Duration("delay", 0, "Startup delay before each virtual user begins iterating")
	percentilesFlag  = flag.String("p", "50,90,99,99.9", "List of pXX to calculate for the latency statistic")
	h2Flag           = flag.Bool("h2", false, "Use HTTP/2 cleartext (h2c) for requests")
	insecureFlag     = flag.Bool("k", false, "Skip TLS certificate verification")
	jsonFlag         = flag.String("json", "", "Write the final snapshot as json to this `file`, or '-' for stdout")
	remotePortFlag   = flag.String("remote-port", "8080",
		"http port (or host:port) the /remote control plane listens on in server mode")
	masterFlag = flag.String("master", "", "Master endpoint URL to name in the server mode startup log; the server does not contact it")

	headersFlags headerFlagList
)

func main() {
	flag.Var(&headersFlags, "H", "Additional request header(s) (can be repeated), e.g. -H \"Authorization: Bearer xyz\"")
	cli.ProgramName = "loadgen"
	cli.ArgsHelp = helpArgsString()
	cli.CommandBeforeFlags = true
	cli.MinArgs = 0
	cli.MaxArgs = 1
	scli.ServerMain()

	switch cli.Command {
	case "load":
		runLoad()
	case "server":
		runServer()
	default:
		cli.ErrUsage("Error: unknown command %q", cli.Command)
	}
}

func runLoad() {
	if len(flag.Args()) != 1 {
		cli.ErrUsage("Error: loadgen load needs exactly one target url")
	}
	url := flag.Arg(0)
	statNames := strings.Split(*statsFlag, ",")
	for i := range statNames {
		statNames[i] = strings.TrimSpace(statNames[i])
	}
	percentiles, err := stats.ParsePercentiles(*percentilesFlag)
	if err != nil {
		cli.ErrUsage("Unable to extract percentiles from -p: %v", err)
	}

	spec := loadtest.TestSpec{
		Method:           *methodFlag,
		URL:              url,
		Body:             []byte(*bodyFlag),
		Headers:          headersFlags.h,
		NumUsers:         *numUsersFlag,
		TargetRps:        *qpsFlag,
		Duration:         *durationFlag,
		Delay:            *delayFlag,
		Stats:            statNames,
		StatOptions:      map[string]monitor.StatOptions{"latency": {Percentiles: percentiles}},
		RequestTimeoutMs: *timeoutFlag,
		H2:               *h2Flag,
		Insecure:         *insecureFlag,
	}

	log.Infof("loadgen %s starting load test against %s, %d users, %v", version.Short(), url, *numUsersFlag, *durationFlag)

	var final []monitor.Snapshot
	lt := loadtest.New(func(id string, snaps []monitor.Snapshot) {
		final = snaps
		log.LogVf("run %s update: %d statistics", id, len(snaps))
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	run, err := lt.Start(ctx, spec)
	if err != nil {
		log.Fatalf("Unable to start load test: %v", err)
	}

	<-ctx.Done()
	run.Stop()
	lt.Stop()

	final = run.Monitor.Update()
	fmt.Printf("All done for run %s, state %s\n", run.Spec.ID, run.State())
	for _, s := range final {
		if hd, ok := s.Cumulative.(*stats.HistogramData); ok {
			hd.Print(os.Stdout, s.Name)
			continue
		}
		fmt.Printf("  %-14s cumulative=%v\n", s.Name, s.Cumulative)
	}

	if *jsonFlag != "" {
		writeJSON(*jsonFlag, run, final)
	}
}

func writeJSON(path string, run *loadtest.Run, snaps []monitor.Snapshot) {
	out := struct {
		ID    string
		State string
		Stats []monitor.Snapshot
	}{ID: run.Spec.ID, State: run.State().String(), Stats: snaps}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		log.Errf("Unable to json serialize result: %v", err)
		return
	}
	if path == "-" {
		os.Stdout.Write(append(data, '\n')) //nolint:errcheck
		return
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil { //nolint:gosec
		log.Errf("Unable to write json to %s: %v", path, err)
		return
	}
	fmt.Printf("Wrote %d bytes of json to %s\n", len(data), path)
}

func runServer() {
	handler := slave.NewRemoteHandler()
	listener, addr := fnet.Listen("loadgen remote", *remotePortFlag)
	if listener == nil {
		os.Exit(1) // error already logged
	}
	log.Infof("loadgen %s remote control plane listening on %s", version.Long(), addr)
	if *masterFlag != "" {
		log.Infof("this node can be installed as a slave of %s via POST /remote", *masterFlag)
	}
	srv := &http.Server{Handler: handler.Router()}
	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		log.Fatalf("remote control plane exited: %v", err)
	}
}
