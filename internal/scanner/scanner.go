// ABOUTME: LAN range parsing and bounded concurrent TCP probing for miner discovery
// ABOUTME: Finds hosts with the device API port open; identification happens elsewhere

package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrInvalidRange indicates a scan range that is neither CIDR nor a-b.
	ErrInvalidRange = errors.New("invalid scan range")

	// ErrRangeTooLarge indicates a scan range above MaxRangeSize addresses.
	ErrRangeTooLarge = errors.New("scan range too large")
)

// Defaults
const (
	DefaultPort        = 4028
	DefaultTimeout     = 2 * time.Second
	DefaultConcurrency = 50
	MaxRangeSize       = 65536
	FallbackRange      = "192.168.1.0/24"
)

// ParseRange expands a CIDR ("192.168.1.0/24") or inclusive range
// ("192.168.1.10-192.168.1.50") into IPv4 addresses. CIDR ranges yield usable
// hosts only: network and broadcast addresses are skipped except on /31 and /32.
func ParseRange(spec string) ([]netip.Addr, error) {
	spec = strings.TrimSpace(spec)

	if strings.Contains(spec, "/") {
		return parseCIDR(spec)
	}
	if start, end, ok := strings.Cut(spec, "-"); ok {
		return parseSpan(strings.TrimSpace(start), strings.TrimSpace(end))
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidRange, spec)
}

func parseCIDR(spec string) ([]netip.Addr, error) {
	prefix, err := netip.ParsePrefix(spec)
	if err != nil || !prefix.Addr().Is4() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRange, spec)
	}
	prefix = prefix.Masked()

	hostBits := 32 - prefix.Bits()
	size := 1 << hostBits
	if size > MaxRangeSize {
		return nil, fmt.Errorf("%w: %s has %d addresses", ErrRangeTooLarge, prefix, size)
	}

	first := prefix.Addr()
	if hostBits <= 1 {
		out := make([]netip.Addr, 0, size)
		for a, i := first, 0; i < size; a, i = a.Next(), i+1 {
			out = append(out, a)
		}
		return out, nil
	}

	out := make([]netip.Addr, 0, size-2)
	a := first.Next()
	for i := 1; i < size-1; i++ {
		out = append(out, a)
		a = a.Next()
	}
	return out, nil
}

func parseSpan(startRaw, endRaw string) ([]netip.Addr, error) {
	start, err1 := netip.ParseAddr(startRaw)
	end, err2 := netip.ParseAddr(endRaw)
	if err1 != nil || err2 != nil || !start.Is4() || !end.Is4() || end.Less(start) {
		return nil, fmt.Errorf("%w: %s-%s", ErrInvalidRange, startRaw, endRaw)
	}

	size := int(v4(end)-v4(start)) + 1
	if size > MaxRangeSize {
		return nil, fmt.Errorf("%w: %s-%s has %d addresses", ErrRangeTooLarge, start, end, size)
	}

	out := make([]netip.Addr, 0, size)
	for a := start; ; a = a.Next() {
		out = append(out, a)
		if a == end {
			break
		}
	}
	return out, nil
}

func v4(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// DefaultRange returns the /24 of the address used for outbound traffic,
// or FallbackRange when it cannot be determined.
func DefaultRange() string {
	// UDP connect sends nothing; it only selects a route.
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return FallbackRange
	}
	defer conn.Close()

	udpAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return FallbackRange
	}
	addr, ok := netip.AddrFromSlice(udpAddr.IP)
	if !ok {
		return FallbackRange
	}
	addr = addr.Unmap()
	if !addr.Is4() || addr.IsLoopback() {
		return FallbackRange
	}
	prefix, err := addr.Prefix(24)
	if err != nil {
		return FallbackRange
	}
	return prefix.String()
}

// Config holds probe settings. Zero fields take defaults.
type Config struct {
	Port        int
	Timeout     time.Duration
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

// Scanner probes address ranges for an open TCP port.
type Scanner struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Scanner.
func New(cfg Config, logger *slog.Logger) *Scanner {
	return &Scanner{cfg: cfg.withDefaults(), logger: logger}
}

// Port returns the probed TCP port.
func (s *Scanner) Port() int { return s.cfg.Port }

// Scan probes every address in spec and returns those accepting a TCP
// connection, in range order. At most Concurrency probes run at once.
func (s *Scanner) Scan(ctx context.Context, spec string) ([]netip.Addr, error) {
	addrs, err := ParseRange(spec)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	open := make([]bool, len(addrs))

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, addr := range addrs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			open[i] = s.probe(ctx, addr)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var found []netip.Addr
	for i, ok := range open {
		if ok {
			found = append(found, addrs[i])
		}
	}
	s.logger.Debug("scan finished",
		"range", spec,
		"probed", len(addrs),
		"found", len(found),
		"duration", time.Since(start),
	)
	return found, nil
}

func (s *Scanner) probe(ctx context.Context, addr netip.Addr) bool {
	d := net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", netip.AddrPortFrom(addr, uint16(s.cfg.Port)).String())
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
