package signalhandler

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/pithecene-io/shuttle/log"
	"github.com/pithecene-io/shuttle/types"
)

// Resolver is the subset of *net.Resolver the allow-list needs.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// AllowList holds the hosts permitted to register. A nil host list allows
// every host; an empty list allows none.
type AllowList struct {
	all      bool
	entries  map[string]struct{}
	resolver Resolver
}

// NewAllowList expands hosts so that each entry is accepted by name and by
// address. Expansion failures are logged and the entry is kept as written.
func NewAllowList(ctx context.Context, hosts []string, r Resolver, logger *log.Logger) *AllowList {
	if r == nil {
		r = net.DefaultResolver
	}
	a := &AllowList{all: hosts == nil, entries: make(map[string]struct{}), resolver: r}
	for _, h := range hosts {
		h = normalizeHost(h)
		if h == "" {
			continue
		}
		a.entries[h] = struct{}{}
		for _, alias := range a.aliases(ctx, h, logger) {
			a.entries[alias] = struct{}{}
		}
	}
	return a
}

// AllowsAll reports whether the list is unrestricted.
func (a *AllowList) AllowsAll() bool {
	return a.all
}

// Size returns the number of expanded entries.
func (a *AllowList) Size() int {
	return len(a.entries)
}

// Check returns nil when host is allowed. A rejected host, or one that
// cannot be resolved, yields an authentication error.
func (a *AllowList) Check(ctx context.Context, host string) error {
	if a.all {
		return nil
	}
	host = normalizeHost(host)
	if _, ok := a.entries[host]; ok {
		return nil
	}

	var (
		aliases []string
		err     error
	)
	if net.ParseIP(host) != nil {
		aliases, err = a.resolver.LookupAddr(ctx, host)
	} else {
		aliases, err = a.resolver.LookupHost(ctx, host)
	}
	if err != nil {
		return types.NewError(types.ErrAuthentication, "allow-list", fmt.Errorf("resolve %s: %w", host, err))
	}
	for _, alias := range aliases {
		if _, ok := a.entries[normalizeHost(alias)]; ok {
			return nil
		}
	}
	return types.NewError(types.ErrAuthentication, "allow-list", fmt.Errorf("host %s is not allowed", host))
}

func (a *AllowList) aliases(ctx context.Context, host string, logger *log.Logger) []string {
	var (
		out []string
		err error
	)
	if net.ParseIP(host) != nil {
		out, err = a.resolver.LookupAddr(ctx, host)
	} else {
		out, err = a.resolver.LookupHost(ctx, host)
	}
	if err != nil {
		logger.Warn("allow-list entry could not be expanded", map[string]any{
			"host":  host,
			"error": err.Error(),
		})
		return nil
	}
	for i := range out {
		out[i] = normalizeHost(out[i])
	}
	return out
}

// normalizeHost lowercases and strips the trailing dot of a DNS name.
func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}
