package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for discovery.
var (
	// ErrNoModules is returned by Select when the scan found nothing.
	ErrNoModules = errors.New("discovery: no modules found")

	// ErrNotFound is returned by Select when no result matches.
	ErrNotFound = errors.New("discovery: module not found")

	// ErrAmbiguous is returned by Select when no name was given and
	// more than one module answered.
	ErrAmbiguous = errors.New("discovery: more than one module found")

	// ErrScanFailed is returned when the network browse could not start.
	ErrScanFailed = errors.New("discovery: scan failed")
)

// ScanResult is a module seen on the network.
type ScanResult struct {
	HostName string `json:"host_name"`
	IP       string `json:"ip"`
	MAC      string `json:"mac,omitempty"`
}

// String renders the result as "host (ip)".
func (r ScanResult) String() string {
	if r.HostName == "" {
		return r.IP
	}
	return fmt.Sprintf("%s (%s)", r.HostName, r.IP)
}

// Scanner finds relay modules.
type Scanner interface {
	// Scan returns the modules visible now. Implementations honour ctx
	// cancellation and their own time budget.
	Scan(ctx context.Context) ([]ScanResult, error)
}

// StaticScanner returns a fixed list of modules.
type StaticScanner struct {
	entries []ScanResult
}

// NewStaticScanner creates a scanner over entries.
func NewStaticScanner(entries []ScanResult) *StaticScanner {
	cp := make([]ScanResult, len(entries))
	copy(cp, entries)
	return &StaticScanner{entries: cp}
}

// Scan returns a copy of the configured list.
func (s *StaticScanner) Scan(ctx context.Context) ([]ScanResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]ScanResult, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

// Select picks the module named want from results.
//
// want matches a host name (case-insensitive) or an IP address. An empty
// want selects the only result, and fails if there are none or several.
func Select(results []ScanResult, want string) (ScanResult, error) {
	if len(results) == 0 {
		return ScanResult{}, ErrNoModules
	}

	if want == "" {
		if len(results) > 1 {
			return ScanResult{}, fmt.Errorf("%w: %d answered", ErrAmbiguous, len(results))
		}
		return results[0], nil
	}

	for _, r := range results {
		if strings.EqualFold(r.HostName, want) || r.IP == want {
			return r, nil
		}
	}
	return ScanResult{}, fmt.Errorf("%w: %q", ErrNotFound, want)
}

var (
	_ Scanner = (*StaticScanner)(nil)
	_ Scanner = (*MDNSScanner)(nil)
	_ Scanner = (*BroadcastScanner)(nil)
)
