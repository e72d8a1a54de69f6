// Command dmctl exercises the block-device mapper end to end: it creates a
// device, activates a linear mapping table over an in-memory backing
// target, submits a handful of demo requests, then suspends, deactivates,
// and removes the device before printing a metrics summary.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	dm "github.com/behrlich/go-dm"
	"github.com/behrlich/go-dm/internal/logging"
	"github.com/behrlich/go-dm/target"
)

func main() {
	var (
		name    = flag.String("name", "dm-demo", "device name")
		sectors = flag.Uint64("sectors", 2000, "addressable sectors of the demo linear target")
		reqs    = flag.Uint64("requests", 4, "number of demo requests to submit")
		verbose = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	mapper := dm.New(dm.Config{Logger: logger})

	// A real lower block layer is out of scope; this demo completes every
	// forwarded request synchronously as soon as it's submitted.
	mapper.WireLoopbackSubmit()

	dev, err := mapper.CreateDevice(*name, -1)
	if err != nil {
		log.Fatalf("create device: %v", err)
	}
	fmt.Printf("created device %s (minor=%d)\n", dev.Name, dev.ID.Minor)

	tgt := target.NewLinear(target.LinearArgs{RDevTarget: 1, Start: 0})
	if err := mapper.Activate(dev, []uint64{*sectors - 1}, []*target.Target{tgt}, dm.SectorSize); err != nil {
		log.Fatalf("activate: %v", err)
	}
	fmt.Printf("activated with %d addressable sectors\n", *sectors)

	for i := uint64(0); i < *reqs; i++ {
		sector := i * (*sectors / (*reqs + 1))
		req := &target.Request{RSector: sector}
		outcome, err := mapper.SubmitRequest(dev.ID.Minor, req, target.Read)
		if err != nil {
			fmt.Fprintf(os.Stderr, "submit sector=%d: %v\n", sector, err)
			continue
		}
		fmt.Printf("submitted sector=%d outcome=%d\n", sector, outcome)
	}

	mapper.Suspend(dev)
	if err := mapper.Deactivate(dev, nil); err != nil {
		log.Fatalf("deactivate: %v", err)
	}
	if err := mapper.Remove(dev); err != nil {
		log.Fatalf("remove: %v", err)
	}

	snap := mapper.Metrics().Snapshot()
	fmt.Printf("metrics: forwarded=%d completed_sync=%d completed=%d deferred=%d errors=%d\n",
		snap.Forwarded, snap.CompletedSync, snap.Completed, snap.Deferred, snap.DispatchErrors)
}
