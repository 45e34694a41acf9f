// Package hostid resolves the local host's fully qualified domain name and
// derives the numeric kvm_host_id fingerprint from it.
package hostid

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/shirou/gopsutil/v3/host"
)

type dnsResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

type Resolver struct {
	dns      dnsResolver
	hostname func(ctx context.Context) (string, error)
}

func NewResolver() *Resolver {
	return &Resolver{dns: net.DefaultResolver, hostname: localHostname}
}

// FQDN mirrors getfqdn(3) behaviour: the short hostname is resolved to its
// addresses and the first reverse name containing a dot wins. When DNS has
// nothing better the short hostname is returned together with the lookup
// error, so callers always get a usable name.
func (r *Resolver) FQDN(ctx context.Context) (string, error) {
	short, err := r.hostname(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve hostname: %w", err)
	}
	if strings.Contains(short, ".") {
		return strings.TrimSuffix(short, "."), nil
	}

	addrs, err := r.dns.LookupHost(ctx, short)
	if err != nil {
		return short, fmt.Errorf("lookup host %q: %w", short, err)
	}
	var lookupErr error
	for _, addr := range addrs {
		names, err := r.dns.LookupAddr(ctx, addr)
		if err != nil {
			lookupErr = errors.Join(lookupErr, fmt.Errorf("lookup addr %s: %w", addr, err))
			continue
		}
		for _, name := range names {
			name = strings.TrimSuffix(name, ".")
			if strings.Contains(name, ".") {
				return name, nil
			}
		}
	}
	return short, lookupErr
}

// Fingerprint is a stable, non-negative numeric identifier for name.
// Collisions across hosts are possible and accepted.
func Fingerprint(name string) int64 {
	return int64(xxhash.Sum64String(name) & math.MaxInt64)
}

func localHostname(ctx context.Context) (string, error) {
	info, err := host.InfoWithContext(ctx)
	if err == nil && info != nil && strings.TrimSpace(info.Hostname) != "" {
		return strings.TrimSpace(info.Hostname), nil
	}
	name, osErr := os.Hostname()
	if osErr != nil {
		return "", errors.Join(err, osErr)
	}
	return name, nil
}
