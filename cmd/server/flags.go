package main

import (
	"flag"
	"fmt"
	"net"
)

// defaultPort matches the reference implementation's DEFAULT_PORT.
const defaultPort = 9999

// stringSlice collects repeated occurrences of a flag, e.g. multiple -a
// flags in the order given, the same repeatable-flag shape as the
// teacher's flag.Var usage for multi-valued CLI options.
type stringSlice []string

func (s *stringSlice) String() string { return fmt.Sprint(*s) }

func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// parseFlags implements `server [-a IP -p PORT]… [-v] <file>` (spec §6):
// the i-th -a pairs with the i-th -p to form one listen address; an -a
// with no matching -p falls back to defaultPort, and with neither flag
// given at all the server listens on the wildcard address and
// defaultPort.
func parseFlags(args []string) (addrs []string, verbose bool, file string, err error) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	var ips, ports stringSlice
	fs.Var(&ips, "a", "listen IP address (repeatable)")
	fs.Var(&ports, "p", "listen port (repeatable, pairs with -a in order)")
	v := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return nil, false, "", err
	}

	if fs.NArg() != 1 {
		return nil, false, "", fmt.Errorf("expected exactly one <file> argument, got %d", fs.NArg())
	}

	if len(ips) == 0 && len(ports) == 0 {
		return []string{fmt.Sprintf(":%d", defaultPort)}, *v, fs.Arg(0), nil
	}

	n := len(ips)
	if len(ports) > n {
		n = len(ports)
	}
	addrs = make([]string, n)
	for i := 0; i < n; i++ {
		ip := ""
		if i < len(ips) {
			ip = ips[i]
		}
		port := defaultPort
		if i < len(ports) {
			var p int
			if _, err := fmt.Sscanf(ports[i], "%d", &p); err != nil {
				return nil, false, "", fmt.Errorf("invalid -p value %q: %w", ports[i], err)
			}
			port = p
		}
		addrs[i] = net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	}

	return addrs, *v, fs.Arg(0), nil
}

func usage() {
	fmt.Println("usage: server [-a IP -p PORT]... [-v] <file>")
}
