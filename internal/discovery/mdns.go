package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// Default mDNS settings.
const (
	DefaultService = "_ethrelay._tcp"
	DefaultDomain  = "local"
	DefaultTimeout = 3 * time.Second
)

// MDNSConfig configures an MDNSScanner.
type MDNSConfig struct {
	// Service is the DNS-SD service type, e.g. "_ethrelay._tcp".
	Service string

	// Domain is the browse domain. Default: "local".
	Domain string

	// Timeout bounds one Scan. Default: 3 seconds.
	Timeout time.Duration

	// Interface restricts browsing to one network interface.
	// Empty string means all interfaces.
	Interface string
}

// serviceEntry is the part of a DNS-SD answer the scanner uses.
type serviceEntry struct {
	instance string
	host     string
	ipv4     []net.IP
}

// browseFunc streams service entries until ctx is done.
type browseFunc func(ctx context.Context, service, domain string, found chan<- serviceEntry) error

// MDNSScanner finds modules by browsing a DNS-SD service type.
//
// Thread Safety:
//   - Scan may be called concurrently; each call runs its own browse.
type MDNSScanner struct {
	cfg    MDNSConfig
	browse browseFunc
}

// NewMDNSScanner creates a scanner with defaults applied to cfg.
func NewMDNSScanner(cfg MDNSConfig) *MDNSScanner {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	s := &MDNSScanner{cfg: cfg}
	s.browse = s.zeroconfBrowse
	return s
}

// Scan browses for cfg.Timeout and returns every module that answered
// with an IPv4 address, in the order first seen. Answers for the same
// instance from several interfaces are merged.
func (s *MDNSScanner) Scan(ctx context.Context) ([]ScanResult, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	found := make(chan serviceEntry)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, found)
	}()

	var results []ScanResult
	seen := make(map[string]bool)

	for {
		select {
		case e := <-found:
			r, ok := e.result()
			if !ok || seen[r.HostName] {
				continue
			}
			seen[r.HostName] = true
			results = append(results, r)

		case err := <-errCh:
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrScanFailed, err)
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return results, nil
		}
	}
}

// result converts an entry to a ScanResult. Entries without an IPv4
// address are skipped since the module protocol is IPv4 only.
func (e serviceEntry) result() (ScanResult, bool) {
	if len(e.ipv4) == 0 {
		return ScanResult{}, false
	}

	name := e.instance
	if name == "" {
		name = strings.TrimSuffix(strings.TrimSuffix(e.host, "."), ".local")
	}
	return ScanResult{HostName: name, IP: e.ipv4[0].String()}, true
}

// zeroconfBrowse runs a zeroconf browse and forwards its entries.
func (s *MDNSScanner) zeroconfBrowse(ctx context.Context, service, domain string, found chan<- serviceEntry) error {
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	errCh := make(chan error, 1)
	go func() {
		errCh <- zeroconf.Browse(ctx, service, domain, entries, removed, s.browserOptions()...)
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			select {
			case found <- fromZeroconf(entry):
			case <-ctx.Done():
				return nil
			}

		case _, ok := <-removed:
			if !ok {
				removed = nil
			}

		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				return err
			}
			errCh = nil

		case <-ctx.Done():
			return nil
		}
	}
}

// browserOptions returns zeroconf client options based on config.
func (s *MDNSScanner) browserOptions() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption

	if s.cfg.Interface != "" {
		iface, err := net.InterfaceByName(s.cfg.Interface)
		if err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		}
	}

	return opts
}

func fromZeroconf(entry *zeroconf.ServiceEntry) serviceEntry {
	return serviceEntry{
		instance: entry.Instance,
		host:     entry.HostName,
		ipv4:     entry.AddrIPv4,
	}
}
