// Package resolve turns host identifiers found through discovery or sent by a
// dispatcher into connectable addresses.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Lookup is the name lookup backend. *net.Resolver satisfies it.
type Lookup interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Error reports a host that could not be turned into an address.
type Error struct {
	Host string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("resolve %q: %v", e.Host, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var errNoAddress = errors.New("no addresses found")

// Resolver resolves host names, preferring IPv4 results.
type Resolver struct {
	lookup Lookup
}

// New creates a Resolver. A nil lookup uses net.DefaultResolver.
func New(lookup Lookup) *Resolver {
	if lookup == nil {
		lookup = net.DefaultResolver
	}
	return &Resolver{lookup: lookup}
}

// Resolve returns a copy of u whose host is a concrete IP address.
// Scheme, port, path and user info are preserved.
func (r *Resolver) Resolve(ctx context.Context, u *url.URL) (*url.URL, error) {
	if u == nil {
		return nil, &Error{Err: errors.New("nil url")}
	}
	host := u.Hostname()
	ip, err := r.ResolveHost(ctx, host)
	if err != nil {
		return nil, err
	}

	out := *u
	if port := u.Port(); port != "" {
		out.Host = net.JoinHostPort(ip, port)
	} else if strings.Contains(ip, ":") {
		out.Host = "[" + ip + "]"
	} else {
		out.Host = ip
	}
	return &out, nil
}

// ResolveHost returns a single IP address for host. IP literals are returned as-is.
func (r *Resolver) ResolveHost(ctx context.Context, host string) (string, error) {
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", &Error{Host: host, Err: errors.New("empty host")}
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}

	addrs, err := r.lookup.LookupIPAddr(ctx, host)
	if err != nil {
		return "", &Error{Host: host, Err: err}
	}
	if len(addrs) == 0 {
		return "", &Error{Host: host, Err: errNoAddress}
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return addrs[0].String(), nil
}
