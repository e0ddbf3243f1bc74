// Package pubclient provides an HTTP client that only connects to public
// hosts. URLs read from chain data are untrusted and must not reach the
// indexer's own network.
package pubclient

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"syscall"
	"time"
)

var permittedNetworks = map[string]bool{
	"tcp4": true,
	"tcp6": true,
}

// reservedPrefixes are the IANA special-purpose ranges that are not
// globally reachable.
var reservedPrefixes = mustPrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.88.99.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::/128",
	"::1/128",
	"64:ff9b:1::/48",
	"100::/64",
	"2001:db8::/32",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	prefixes := make([]netip.Prefix, len(cidrs))
	for i, c := range cidrs {
		prefixes[i] = netip.MustParsePrefix(c)
	}
	return prefixes
}

type NotPermittedError struct {
	// Note: .error is the implementation of .Error, .Unwrap etc. It is not
	// in the Unwrap chain. Use something like
	// `NotPermittedError{fmt.Errorf("...: %w", err)}` to set up an
	// instance with `err` in the Unwrap chain.
	error
}

func (err NotPermittedError) Is(target error) bool {
	if _, ok := target.(NotPermittedError); ok {
		return true
	}
	return false
}

// IsProbablyGloballyReachable reports whether ip lies outside every
// reserved range. IPv4-mapped IPv6 addresses are checked as IPv4.
func IsProbablyGloballyReachable(ip net.IP) bool {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}
	addr = addr.Unmap()
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}

// control rejects a connection before it is made unless it goes to a public
// IP on the default HTTP(S) ports or an unreserved port. It runs after DNS
// resolution and again for every redirect.
func control(network, address string, _ syscall.RawConn) error {
	if !permittedNetworks[network] {
		return NotPermittedError{fmt.Errorf("network %s not permitted", network)}
	}
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return NotPermittedError{fmt.Errorf("net.SplitHostPort %s: %w", address, err)}
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return NotPermittedError{fmt.Errorf("IP %s not valid", host)}
	}
	if !IsProbablyGloballyReachable(ip) {
		return NotPermittedError{fmt.Errorf("IP %s not permitted", ip)}
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return NotPermittedError{fmt.Errorf("strconv.ParseUint %s: %w", portStr, err)}
	}
	if port != 443 && port != 80 && port < 1024 {
		return NotPermittedError{fmt.Errorf("port %d not permitted", port)}
	}
	return nil
}

// NewClient returns an *http.Client that permits HTTP(S) connections to
// hosts that are likely to be globally reachable.
func NewClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			// Copied from http.DefaultTransport.
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
				Control:   control,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
