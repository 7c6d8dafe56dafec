// Package safehttp builds HTTP transports that refuse to reach hosts on the
// node's own network. Webhook filters use it when their endpoints come from
// operators who should not be able to reach internal services.
package safehttp

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"
)

const dialTimeout = 5 * time.Second

// NewTransport returns a transport whose dialer rejects loopback, private,
// link-local and unspecified addresses. The check runs on the resolved
// address right before connect, so DNS names pointing inward are caught too.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout: dialTimeout,
		Control: func(network, address string, _ syscall.RawConn) error {
			return CheckAddress(address)
		},
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = nil
	t.DialContext = dialer.DialContext
	return t
}

// CheckAddress reports whether host:port may be dialed.
func CheckAddress(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("safehttp: %w", err)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("safehttp: remote %q is not an IP address", host)
	}
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return fmt.Errorf("safehttp: access to %s is denied", ip)
	}
	return nil
}
