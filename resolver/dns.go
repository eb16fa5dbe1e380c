package resolver

import (
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/goburrow/netkit"
)

const resolvConf = "/etc/resolv.conf"

// DNSResolver resolves names by querying a DNS server directly.
// Queries run on helper goroutines; the handler is posted to the
// runloop.
type DNSResolver struct {
	runloop *netkit.Runloop
	server  string
	client  *dns.Client
}

var _ Resolver = (*DNSResolver)(nil)

// NewDNSResolver creates a resolver querying server ("ip:port"). An
// empty server selects the first nameserver from resolv.conf.
func NewDNSResolver(runloop *netkit.Runloop, server string) (*DNSResolver, error) {
	if server == "" {
		config, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, err
		}
		server = net.JoinHostPort(config.Servers[0], config.Port)
	}
	return &DNSResolver{
		runloop: runloop,
		server:  server,
		client: &dns.Client{
			Timeout: 5 * time.Second,
		},
	}, nil
}

// Resolve looks up domain in the families selected by pref.
func (r *DNSResolver) Resolve(domain string, pref Preference, h Handler) netkit.Cancelable {
	cancelable := netkit.NewCancelable()
	go func() {
		addrs, err := r.lookup(domain, pref)
		r.runloop.Post(func() {
			if cancelable.Canceled() {
				return
			}
			h(addrs, err)
		})
	}()
	return cancelable
}

func (r *DNSResolver) lookup(domain string, pref Preference) ([]net.IP, error) {
	switch pref {
	case IPv4Only:
		return r.one(domain, dns.TypeA)
	case IPv6Only:
		return r.one(domain, dns.TypeAAAA)
	case IPv6OrIPv4:
		return r.both(domain, dns.TypeAAAA, dns.TypeA)
	default:
		return r.both(domain, dns.TypeA, dns.TypeAAAA)
	}
}

func (r *DNSResolver) one(domain string, qtype uint16) ([]net.IP, error) {
	addrs, err := r.query(domain, qtype)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, ErrNoAddress
	}
	return addrs, nil
}

// both queries two record types concurrently and concatenates the
// answers in preference order.
func (r *DNSResolver) both(domain string, first, second uint16) ([]net.IP, error) {
	type result struct {
		addrs []net.IP
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		addrs, err := r.query(domain, second)
		ch <- result{addrs, err}
	}()
	addrs, err := r.query(domain, first)
	other := <-ch
	if err != nil && other.err != nil {
		return nil, err
	}
	addrs = append(addrs, other.addrs...)
	if len(addrs) == 0 {
		return nil, ErrNoAddress
	}
	return addrs, nil
}

func (r *DNSResolver) query(domain string, qtype uint16) ([]net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), qtype)
	m.RecursionDesired = true
	resp, _, err := r.client.Exchange(m, r.server)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, &net.DNSError{
			Err:    dns.RcodeToString[resp.Rcode],
			Name:   domain,
			Server: r.server,
		}
	}
	var addrs []net.IP
	for _, rr := range resp.Answer {
		switch a := rr.(type) {
		case *dns.A:
			addrs = append(addrs, a.A)
		case *dns.AAAA:
			addrs = append(addrs, a.AAAA)
		}
	}
	return addrs, nil
}
