// Command client is the CMB Protocol receiver (spec §6): it requests a
// resource by content hash from one or two server endpoints and writes
// the reassembled bytes to an output file, stdout, or /dev/null.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/felixschorer/cmb-protocol/internal/partition"
	"github.com/felixschorer/cmb-protocol/internal/util"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	endpoints, verbose, resourceIDHex, output, err := parseFlags(os.Args[1:])
	if err != nil {
		util.LogError("%v", err)
		usage()
		os.Exit(2)
	}
	if verbose {
		util.EnableVerbose()
	}

	id, err := util.ParseResourceID(resourceIDHex)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(2)
	}
	if !id.HasLength {
		util.LogError("resource id must include the 64-bit length hint printed by the server")
		os.Exit(2)
	}

	pterm.Info.Println(fmt.Sprintf("requesting resource %s from %d endpoint(s)", id, len(endpoints)))
	util.StartStatsReporter(ctx)

	pEndpoints := make([]partition.Endpoint, len(endpoints))
	for i, e := range endpoints {
		pEndpoints[i] = partition.Endpoint{Addr: e.addr, SendingRate: e.sendingRate}
	}

	session, err := partition.Open(ctx, id.Hash, id.Length, pEndpoints, output)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	go func() {
		<-ctx.Done()
		session.Close()
	}()

	if err := session.Wait(); err != nil {
		util.LogError("transfer failed: %v", err)
		os.Exit(1)
	}

	pterm.Success.Println("transfer complete")
}
