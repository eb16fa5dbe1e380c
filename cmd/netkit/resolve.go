package main

import (
	"flag"
	"fmt"
	"net"

	"github.com/goburrow/netkit"
	"github.com/goburrow/netkit/resolver"
)

type resolveCommand struct{}

func (resolveCommand) Name() string {
	return "resolve"
}

func (resolveCommand) Desc() string {
	return "resolve a domain name."
}

func (resolveCommand) Run(args []string) error {
	cmd := flag.NewFlagSet("resolve", flag.ExitOnError)
	dnsServer := cmd.String("resolver", "", "DNS server address (ip:port), empty for resolv.conf")
	family := cmd.String("family", "46", "address family preference: 4, 6, 46, 64 or any")
	cmd.Usage = func() {
		fmt.Fprintln(cmd.Output(), "Usage: netkit resolve [arguments] <domain>")
		cmd.PrintDefaults()
	}
	cmd.Parse(args)
	if cmd.NArg() != 1 {
		cmd.Usage()
		return nil
	}
	pref, err := parseFamily(*family)
	if err != nil {
		return err
	}

	loop := netkit.NewRunloop()
	go loop.Run()
	defer loop.Close()

	r, err := resolver.NewDNSResolver(loop, *dnsServer)
	if err != nil {
		return err
	}
	type result struct {
		addrs []net.IP
		err   error
	}
	ch := make(chan result, 1)
	r.Resolve(cmd.Arg(0), pref, func(addrs []net.IP, err error) {
		ch <- result{addrs, err}
	})
	got := <-ch
	if got.err != nil {
		return got.err
	}
	for _, addr := range got.addrs {
		fmt.Println(addr)
	}
	return nil
}
