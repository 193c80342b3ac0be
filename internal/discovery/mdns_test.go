package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// fakeBrowse returns a browseFunc that sends entries then waits for ctx.
func fakeBrowse(entries ...serviceEntry) browseFunc {
	return func(ctx context.Context, _, _ string, found chan<- serviceEntry) error {
		for _, e := range entries {
			select {
			case found <- e:
			case <-ctx.Done():
				return nil
			}
		}
		<-ctx.Done()
		return nil
	}
}

func newTestScanner(browse browseFunc) *MDNSScanner {
	s := NewMDNSScanner(MDNSConfig{Timeout: 30 * time.Millisecond})
	s.browse = browse
	return s
}

func TestNewMDNSScannerDefaults(t *testing.T) {
	s := NewMDNSScanner(MDNSConfig{})
	if s.cfg.Service != DefaultService || s.cfg.Domain != DefaultDomain || s.cfg.Timeout != DefaultTimeout {
		t.Errorf("cfg = %+v", s.cfg)
	}
}

func TestMDNSScanCollectsAndDedupes(t *testing.T) {
	s := newTestScanner(fakeBrowse(
		serviceEntry{instance: "eth002-garage", ipv4: []net.IP{net.ParseIP("10.0.0.5")}},
		serviceEntry{instance: "eth002-garage", ipv4: []net.IP{net.ParseIP("10.0.0.5")}},
		serviceEntry{host: "eth002-gate.local.", ipv4: []net.IP{net.ParseIP("10.0.0.6")}},
		serviceEntry{instance: "v6-only"},
	))

	got, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	want := []ScanResult{
		{HostName: "eth002-garage", IP: "10.0.0.5"},
		{HostName: "eth002-gate", IP: "10.0.0.6"},
	}
	if len(got) != len(want) {
		t.Fatalf("Scan() = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Scan()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestMDNSScanBrowseError(t *testing.T) {
	s := newTestScanner(func(context.Context, string, string, chan<- serviceEntry) error {
		return errors.New("no multicast interface")
	})

	_, err := s.Scan(context.Background())
	if !errors.Is(err, ErrScanFailed) {
		t.Errorf("Scan() error = %v, want ErrScanFailed", err)
	}
}

func TestMDNSScanParentCancelled(t *testing.T) {
	s := newTestScanner(fakeBrowse())
	s.cfg.Timeout = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := s.Scan(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Scan() error = %v, want context.Canceled", err)
	}
}
