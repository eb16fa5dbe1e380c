// Package resolver resolves domain names to IP addresses with an
// address-family preference, delivering results on a runloop.
package resolver

import (
	"errors"
	"fmt"
	"net"

	"github.com/goburrow/netkit"
)

// Preference selects which address families to resolve and how to
// order the answers.
type Preference int

// Address family preferences
const (
	// IPv4Only resolves A records only.
	IPv4Only Preference = iota
	// IPv6Only resolves AAAA records only.
	IPv6Only
	// IPv4OrIPv6 resolves both and orders IPv4 first.
	IPv4OrIPv6
	// IPv6OrIPv4 resolves both and orders IPv6 first.
	IPv6OrIPv4
	// Any resolves both and orders IPv4 first, like IPv4OrIPv6.
	Any
)

func (p Preference) String() string {
	switch p {
	case IPv4Only:
		return "ipv4_only"
	case IPv6Only:
		return "ipv6_only"
	case IPv4OrIPv6:
		return "ipv4_or_ipv6"
	case IPv6OrIPv4:
		return "ipv6_or_ipv4"
	case Any:
		return "any"
	}
	return fmt.Sprintf("preference(%d)", int(p))
}

// ErrNoAddress is returned when resolution succeeds but yields no
// address in the requested families.
var ErrNoAddress = errors.New("resolver: no address")

// Handler receives the resolved addresses or the first error.
type Handler func(addrs []net.IP, err error)

// Resolver resolves a domain name. The handler runs on the resolver's
// runloop unless the returned cancelable fired first.
type Resolver interface {
	Resolve(domain string, pref Preference, h Handler) netkit.Cancelable
}
