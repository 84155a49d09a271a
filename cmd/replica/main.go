// Command replica runs the full nebula replica cluster as one
// process: every replica ID gets its own UDP endpoint and dispatch
// loop, but all of them share one cluster.State (spec.md §3 describes
// this state as process-wide; original_source/working_server.rs
// spawns one fault_tolerance_thread and one load_balancing_thread per
// server_id, all closing over the same shared maps).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cactus/go-statsd-client/v5/statsd"
	logging "github.com/op/go-logging"

	"github.com/bdeggleston/nebula/cluster"
	"github.com/bdeggleston/nebula/encode"
	"github.com/bdeggleston/nebula/replica"
	"github.com/bdeggleston/nebula/topology"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("cmd/replica")
}

func main() {
	carrier := flag.String("carrier", "carrier.png", "path to the carrier image used by the encode collaborator")
	statsdAddr := flag.String("statsd-addr", "", "statsd collector address (host:port); empty disables metrics")
	flag.Parse()

	var stats statsd.Statter
	if *statsdAddr != "" {
		var err error
		stats, err = statsd.NewClient(*statsdAddr, "nebula")
		if err != nil {
			logger.Warningf("could not connect to statsd at %s, metrics disabled: %v", *statsdAddr, err)
		}
	}

	state := cluster.New(cluster.DefaultConfig(), stats)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infof("cluster shutting down")
		cancel()
	}()

	replicas := make([]*replica.Replica, 0, topology.N)
	for _, id := range topology.AllIDs() {
		r, err := replica.New(id, state, *carrier, encode.Steganographic{})
		if err != nil {
			logger.Fatalf("replica %d: %v", id, err)
		}
		replicas = append(replicas, r)
	}

	var wg sync.WaitGroup
	for _, id := range topology.AllIDs() {
		id := id
		wg.Add(2)
		go func() { defer wg.Done(); state.RunFailureInjection(ctx, id) }()
		go func() { defer wg.Done(); state.RunRotation(ctx, id) }()
	}

	for _, r := range replicas {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Infof("replica %d listening on %s", r.ID, topology.Addr(r.ID))
			if err := r.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Errorf("replica %d exited: %v", r.ID, err)
			}
		}()
	}

	wg.Wait()
	for _, r := range replicas {
		r.Close()
	}
}
