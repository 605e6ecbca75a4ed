package announce

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"github.com/mattjoyce/fanout/internal/resolve"
)

// Entry is one advertised manager found by Browse.
type Entry struct {
	Instance string   `json:"instance"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Address  string   `json:"address"`
	TXT      []string `json:"txt,omitempty"`
}

// HostResolver is the subset of resolve.Resolver Browse needs.
type HostResolver interface {
	ResolveHost(ctx context.Context, host string) (string, error)
}

// Browse lists advertised managers of the given service type until ctx is done.
// scheme is used to build each entry's address, e.g. fanout://10.0.0.4:41234.
func Browse(ctx context.Context, service, domain, scheme string, hosts HostResolver) ([]Entry, error) {
	if hosts == nil {
		hosts = resolve.New(nil)
	}
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}

	found := make(chan *zeroconf.ServiceEntry)
	if err := r.Browse(ctx, service, domain, found); err != nil {
		return nil, fmt.Errorf("browse %s: %w", service, err)
	}

	var out []Entry
	seen := map[string]bool{}
	for se := range found {
		if se == nil || seen[se.Instance] {
			continue
		}
		seen[se.Instance] = true
		out = append(out, toEntry(ctx, se, scheme, hosts))
	}
	return out, nil
}

func toEntry(ctx context.Context, se *zeroconf.ServiceEntry, scheme string, hosts HostResolver) Entry {
	host := strings.TrimSuffix(se.HostName, ".")
	ip := ""
	switch {
	case len(se.AddrIPv4) > 0:
		ip = se.AddrIPv4[0].String()
	case len(se.AddrIPv6) > 0:
		ip = se.AddrIPv6[0].String()
	default:
		if resolved, err := hosts.ResolveHost(ctx, host); err == nil {
			ip = resolved
		}
	}

	e := Entry{
		Instance: se.Instance,
		Host:     host,
		Port:     se.Port,
		TXT:      se.Text,
	}
	if ip != "" {
		e.Address = (&url.URL{Scheme: scheme, Host: net.JoinHostPort(ip, strconv.Itoa(se.Port))}).String()
	}
	return e
}
