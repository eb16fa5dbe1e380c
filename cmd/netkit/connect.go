package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/apex/log"

	"github.com/goburrow/netkit"
	"github.com/goburrow/netkit/flow"
	"github.com/goburrow/netkit/resolver"
	"github.com/goburrow/netkit/tunnel"
)

type connectCommand struct{}

func (connectCommand) Name() string {
	return "connect"
}

func (connectCommand) Desc() string {
	return "open a TLS connection and bridge stdin/stdout."
}

func (connectCommand) Run(args []string) error {
	cmd := flag.NewFlagSet("connect", flag.ExitOnError)
	insecure := cmd.Bool("insecure", false, "skip verifying server certificate")
	serverName := cmd.String("sni", "", "override server name")
	dnsServer := cmd.String("resolver", "", "DNS server address (ip:port), empty for resolv.conf")
	family := cmd.String("family", "46", "address family preference: 4, 6, 46, 64 or any")
	logLevel := cmd.String("log", "info", "log level: debug, info, warn, error")
	verbose := cmd.Int("v", 1, "flow log verbose: 0=off 1=error 2=info 3=debug 4=trace")
	cmd.Usage = func() {
		fmt.Fprintln(cmd.Output(), "Usage: netkit connect [arguments] <host:port>")
		cmd.PrintDefaults()
	}
	cmd.Parse(args)
	if cmd.NArg() != 1 {
		cmd.Usage()
		return nil
	}
	log.SetLevelFromString(*logLevel)

	endpoint, err := netkit.ParseEndpoint(cmd.Arg(0))
	if err != nil {
		return err
	}
	pref, err := parseFamily(*family)
	if err != nil {
		return err
	}

	loop := netkit.NewRunloop()
	session := netkit.NewSession()
	logger := netkit.LeveledLogger(*verbose)

	tcp := flow.NewTCPDataFlow(loop, session)
	tcp.SetLogger(logger)
	if r, err := resolver.NewDNSResolver(loop, *dnsServer); err == nil {
		tcp.SetResolver(r, pref)
	} else {
		log.WithError(err).Warn("using system resolver")
	}

	tun := tunnel.NewClient(&tls.Config{
		ServerName:         *serverName,
		InsecureSkipVerify: *insecure,
	})
	var tlsTunnel flow.Tunnel = tun
	if *serverName != "" {
		tlsTunnel = sniTunnel{Client: tun, serverName: *serverName}
	}
	f := flow.NewTLSDataFlow(session, tlsTunnel, tcp)
	f.SetLogger(logger)

	go loop.Run()
	defer loop.Close()

	connected := make(chan error, 1)
	loop.Post(func() {
		f.Connect(endpoint, func(err error) {
			connected <- err
		})
	})
	if err := <-connected; err != nil {
		return err
	}
	state := tun.ConnectionState()
	log.WithFields(log.Fields{
		"addr":    endpoint.String(),
		"session": session.ID().String(),
		"cipher":  tls.CipherSuiteName(state.CipherSuite),
	}).Info("connected")

	done := make(chan error, 2)

	// Inbound: keep one read armed, copy plaintext to stdout.
	var pump func()
	pump = func() {
		f.Read(nil, func(data []byte, err error) {
			if err != nil {
				done <- err
				return
			}
			os.Stdout.Write(data)
			pump()
		})
	}
	loop.Post(pump)

	// Outbound: read stdin here, post writes one at a time.
	go func() {
		buf := make([]byte, 8192)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				data := append([]byte(nil), buf[:n]...)
				wrote := make(chan error, 1)
				loop.Post(func() {
					f.Write(data, func(err error) {
						wrote <- err
					})
				})
				if err := <-wrote; err != nil {
					done <- err
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	err = <-done
	closed := make(chan struct{})
	loop.Post(func() {
		f.Close()
		close(closed)
	})
	<-closed
	if err == io.EOF {
		return nil
	}
	return err
}

// sniTunnel keeps the -sni name instead of the endpoint host that the
// TLS flow passes to SetDomain.
type sniTunnel struct {
	*tunnel.Client
	serverName string
}

func (t sniTunnel) SetDomain(host string) {
	t.Client.SetDomain(t.serverName)
}

func parseFamily(s string) (resolver.Preference, error) {
	switch s {
	case "4":
		return resolver.IPv4Only, nil
	case "6":
		return resolver.IPv6Only, nil
	case "46":
		return resolver.IPv4OrIPv6, nil
	case "64":
		return resolver.IPv6OrIPv4, nil
	case "any":
		return resolver.Any, nil
	}
	return 0, fmt.Errorf("unsupported address family %q", s)
}
