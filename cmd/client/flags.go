package main

import (
	"flag"
	"fmt"
	"net"
)

// defaultPort matches the reference implementation's DEFAULT_PORT.
const defaultPort = 9999

// defaultSendingRate is the rate the reference implementation's
// keep_connection_alive hard-codes (connection.py: "sending_rate =
// 500000  # TODO"), used here when -r is omitted for an endpoint.
const defaultSendingRate = 500_000

type stringSlice []string

func (s *stringSlice) String() string { return fmt.Sprint(*s) }
func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type endpointSpec struct {
	addr        string
	sendingRate uint32
}

// parseFlags implements `client [-a IP -p PORT [-r RATE_BPS]]… [-v]
// <resource_id_hex> <output>` (spec §6): up to two endpoints, built by
// pairing the i-th -a with the i-th -p in order; an optional -r binds to
// the endpoint given just before it.
func parseFlags(args []string) (endpoints []endpointSpec, verbose bool, resourceIDHex, output string, err error) {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	var ips, ports stringSlice
	rates := make(map[int]string)
	fs.Var(&ips, "a", "server IP address (repeatable, at most 2)")
	fs.Var(&ports, "p", "server port (repeatable, pairs with -a in order)")
	fs.Func("r", "requested sending rate in bits/s (optional, pairs with the preceding -a)", func(v string) error {
		i := len(ips) - 1
		if len(ports)-1 > i {
			i = len(ports) - 1
		}
		if i < 0 {
			return fmt.Errorf("-r must follow an -a or -p endpoint")
		}
		rates[i] = v
		return nil
	})
	v := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return nil, false, "", "", err
	}

	if fs.NArg() != 2 {
		return nil, false, "", "", fmt.Errorf("expected <resource_id_hex> <output>, got %d positional arguments", fs.NArg())
	}

	n := len(ips)
	if len(ports) > n {
		n = len(ports)
	}
	if n == 0 {
		return nil, false, "", "", fmt.Errorf("at least one -a/-p endpoint is required")
	}
	if n > 2 {
		return nil, false, "", "", fmt.Errorf("at most 2 endpoints are supported, got %d", n)
	}

	endpoints = make([]endpointSpec, n)
	for i := 0; i < n; i++ {
		ip := ""
		if i < len(ips) {
			ip = ips[i]
		}
		port := defaultPort
		if i < len(ports) {
			if _, err := fmt.Sscanf(ports[i], "%d", &port); err != nil {
				return nil, false, "", "", fmt.Errorf("invalid -p value %q: %w", ports[i], err)
			}
		}
		rate := uint32(defaultSendingRate)
		if v, ok := rates[i]; ok {
			var r uint64
			if _, err := fmt.Sscanf(v, "%d", &r); err != nil {
				return nil, false, "", "", fmt.Errorf("invalid -r value %q: %w", v, err)
			}
			rate = uint32(r)
		}
		endpoints[i] = endpointSpec{addr: net.JoinHostPort(ip, fmt.Sprintf("%d", port)), sendingRate: rate}
	}

	return endpoints, *v, fs.Arg(0), fs.Arg(1), nil
}

func usage() {
	fmt.Println("usage: client [-a IP -p PORT [-r RATE_BPS]]... [-v] <resource_id_hex> <output>")
}
