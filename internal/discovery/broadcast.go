package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Default broadcast settings. Modules built on the Microchip TCP/IP stack
// answer this query on UDP port 30303 with their host name and MAC.
const (
	DefaultBroadcastAddress = "255.255.255.255:30303"
	DefaultBroadcastQuery   = "Discovery: Who is out there?"
)

// maxAnnounceSize bounds one reply datagram.
const maxAnnounceSize = 512

// BroadcastConfig configures a BroadcastScanner.
type BroadcastConfig struct {
	// Address is the UDP destination of the query.
	// Default: "255.255.255.255:30303".
	Address string

	// ListenAddress is the local UDP address replies arrive on.
	// Default: ":0" (any interface, ephemeral port).
	ListenAddress string

	// Timeout bounds one Scan. Default: 3 seconds.
	Timeout time.Duration
}

// BroadcastScanner finds modules by broadcasting the announce query and
// collecting the replies. Unlike MDNSScanner it needs nothing on the
// network besides the modules themselves.
//
// Thread Safety:
//   - Scan may be called concurrently; each call uses its own socket.
type BroadcastScanner struct {
	cfg BroadcastConfig
}

// NewBroadcastScanner creates a scanner with defaults applied to cfg.
func NewBroadcastScanner(cfg BroadcastConfig) *BroadcastScanner {
	if cfg.Address == "" {
		cfg.Address = DefaultBroadcastAddress
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &BroadcastScanner{cfg: cfg}
}

// Scan sends one query and returns every module that replied before the
// timeout, in the order first seen. Repeated replies from one address
// are merged.
func (s *BroadcastScanner) Scan(ctx context.Context) ([]ScanResult, error) {
	dst, err := net.ResolveUDPAddr("udp4", s.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScanFailed, err)
	}

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp4", s.cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScanFailed, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScanFailed, err)
	}

	// Unblock ReadFrom when ctx is cancelled early.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.WriteTo([]byte(DefaultBroadcastQuery), dst); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScanFailed, err)
	}

	var results []ScanResult
	seen := make(map[string]bool)
	buf := make([]byte, maxAnnounceSize)

	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				return results, nil
			}
			return nil, fmt.Errorf("%w: %w", ErrScanFailed, err)
		}

		udp, ok := from.(*net.UDPAddr)
		if !ok || seen[udp.IP.String()] {
			continue
		}
		r, ok := parseAnnounce(buf[:n], udp.IP)
		if !ok {
			continue
		}
		seen[r.IP] = true
		results = append(results, r)
	}
}

// parseAnnounce decodes a reply of the form "HOSTNAME\r\nMAC\r\n".
// The host name is space padded by the module. A bare query is not a
// reply.
func parseAnnounce(data []byte, ip net.IP) (ScanResult, bool) {
	text := string(data)
	if text == DefaultBroadcastQuery {
		return ScanResult{}, false
	}

	lines := strings.FieldsFunc(text, func(r rune) bool { return r == '\r' || r == '\n' })
	if len(lines) == 0 {
		return ScanResult{}, false
	}

	r := ScanResult{
		HostName: strings.TrimSpace(lines[0]),
		IP:       ip.String(),
	}
	if len(lines) > 1 {
		r.MAC = strings.TrimSpace(lines[1])
	}
	return r, r.HostName != ""
}
