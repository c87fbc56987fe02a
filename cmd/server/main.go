// Command server is the CMB Protocol sender (spec §6): it loads one
// resource into memory, prints the resource id receivers should ask
// for, and serves it over UDP from one or more local endpoints.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/felixschorer/cmb-protocol/internal/connio"
	"github.com/felixschorer/cmb-protocol/internal/sender"
	"github.com/felixschorer/cmb-protocol/internal/store"
	"github.com/felixschorer/cmb-protocol/internal/util"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	addrs, verbose, file, err := parseFlags(os.Args[1:])
	if err != nil {
		util.LogError("%v", err)
		usage()
		os.Exit(2)
	}
	if verbose {
		util.EnableVerbose()
	}

	data, err := os.ReadFile(file)
	if err != nil {
		util.LogError("reading %s: %v", file, err)
		os.Exit(2)
	}

	resources := store.NewStore()
	resource := resources.Add(data)
	id := util.ResourceID{Hash: resource.Hash, Length: resource.Length, HasLength: true}
	pterm.Info.Println(fmt.Sprintf("serving %s as resource %s", file, id))

	util.StartStatsReporter(ctx)

	sockets := make([]*sender.Sender, 0, len(addrs))
	for _, addr := range addrs {
		socket, err := connio.Listen(addr)
		if err != nil {
			util.LogError("binding %s: %v", addr, err)
			os.Exit(1)
		}
		pterm.Info.Println(fmt.Sprintf("listening on %s", socket.LocalAddr()))

		s := sender.New(socket, resources)
		sockets = append(sockets, s)
		go func() {
			if err := s.Run(ctx); err != nil {
				util.LogError("socket %s stopped: %v", socket.LocalAddr(), err)
			}
		}()
	}

	<-ctx.Done()
	util.LogInfo("shutting down")
}
