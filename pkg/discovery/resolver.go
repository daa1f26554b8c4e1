package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Common errors
var (
	// ErrNoRecordsFound is returned when neither A nor AAAA records exist for a host
	ErrNoRecordsFound = errors.New("no address records found for host")
	// ErrNoNameserver is returned when no nameserver is configured or discoverable
	ErrNoNameserver = errors.New("no DNS servers configured")
)

// ResolverConfig contains configuration for a Resolver
type ResolverConfig struct {
	// Nameserver is the DNS server to use for lookups.
	// Format: "ip:port" (e.g., "10.0.0.53:53"). A missing port defaults to 53.
	// If empty, the first server of /etc/resolv.conf is used.
	Nameserver string

	// Timeout bounds a single DNS exchange. Defaults to 5s.
	Timeout time.Duration

	// ResolvConf is the path consulted when Nameserver is empty
	ResolvConf string
}

type cacheEntry struct {
	addrs   []string
	expires time.Time
}

// Resolver looks up host addresses, caching answers for their TTL
type Resolver struct {
	config    ResolverConfig
	dnsClient *dns.Client

	mu    sync.RWMutex
	cache map[string]cacheEntry
	now   func() time.Time
}

// NewResolver creates a resolver with the given configuration
func NewResolver(config ResolverConfig) *Resolver {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.ResolvConf == "" {
		config.ResolvConf = "/etc/resolv.conf"
	}
	if config.Nameserver != "" {
		if _, _, err := net.SplitHostPort(config.Nameserver); err != nil {
			config.Nameserver = net.JoinHostPort(config.Nameserver, "53")
		}
	}
	return &Resolver{
		config:    config,
		dnsClient: &dns.Client{Timeout: config.Timeout},
		cache:     make(map[string]cacheEntry),
		now:       time.Now,
	}
}

// LookupHost returns the addresses of host, IPv4 first. IP literals are
// returned unchanged without a query.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	host = strings.TrimSuffix(host, ".")
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	key := strings.ToLower(host)
	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && r.now().Before(entry.expires) {
		return entry.addrs, nil
	}

	server, err := r.nameserver()
	if err != nil {
		return nil, err
	}

	var addrs []string
	var minTTL uint32
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found, ttl, err := r.query(ctx, server, host, qtype)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, found...)
		if len(found) > 0 && (minTTL == 0 || ttl < minTTL) {
			minTTL = ttl
		}
	}

	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRecordsFound, host)
	}

	if minTTL > 0 {
		r.mu.Lock()
		r.cache[key] = cacheEntry{addrs: addrs, expires: r.now().Add(time.Duration(minTTL) * time.Second)}
		r.mu.Unlock()
	}
	return addrs, nil
}

// DialContext resolves the host of address through the resolver and dials
// the first reachable address. It fits transport.HTTPSConfig.DialContext.
func (r *Resolver) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}

	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	var lastErr error
	for _, addr := range addrs {
		conn, err := d.DialContext(ctx, network, net.JoinHostPort(addr, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("dialing %s: %w", address, lastErr)
}

func (r *Resolver) nameserver() (string, error) {
	if r.config.Nameserver != "" {
		return r.config.Nameserver, nil
	}

	config, err := dns.ClientConfigFromFile(r.config.ResolvConf)
	if err != nil {
		return "", fmt.Errorf("failed to read DNS config: %w", err)
	}
	if len(config.Servers) == 0 {
		return "", ErrNoNameserver
	}
	return net.JoinHostPort(config.Servers[0], config.Port), nil
}

func (r *Resolver) query(ctx context.Context, server, host string, qtype uint16) ([]string, uint32, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	resp, _, err := r.dnsClient.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, 0, fmt.Errorf("DNS lookup failed for %s: %w", host, err)
	}

	if resp.Rcode == dns.RcodeNameError {
		return nil, 0, fmt.Errorf("%w: %s", ErrNoRecordsFound, host)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, 0, fmt.Errorf("DNS lookup failed for %s: rcode=%s", host, dns.RcodeToString[resp.Rcode])
	}

	var addrs []string
	var ttl uint32
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			addrs = append(addrs, rec.A.String())
		case *dns.AAAA:
			addrs = append(addrs, rec.AAAA.String())
		default:
			continue
		}
		if h := rr.Header().Ttl; ttl == 0 || h < ttl {
			ttl = h
		}
	}
	return addrs, ttl, nil
}
