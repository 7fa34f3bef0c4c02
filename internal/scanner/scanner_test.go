// ABOUTME: Tests for scan range parsing and TCP probing.
// ABOUTME: Probes loopback listeners only.

package scanner

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addrs(ss ...string) []netip.Addr {
	out := make([]netip.Addr, 0, len(ss))
	for _, s := range ss {
		out = append(out, netip.MustParseAddr(s))
	}
	return out
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		name string
		spec string
		want []netip.Addr
	}{
		{"cidr skips network and broadcast", "10.0.0.0/30", addrs("10.0.0.1", "10.0.0.2")},
		{"cidr host bits are masked", "10.0.0.3/30", addrs("10.0.0.1", "10.0.0.2")},
		{"single host", "10.0.0.5/32", addrs("10.0.0.5")},
		{"point to point", "10.0.0.4/31", addrs("10.0.0.4", "10.0.0.5")},
		{"inclusive span", "192.168.1.254-192.168.2.1", addrs("192.168.1.254", "192.168.1.255", "192.168.2.0", "192.168.2.1")},
		{"span with spaces", " 10.1.1.1 - 10.1.1.1 ", addrs("10.1.1.1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRange(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRange_Sizes(t *testing.T) {
	got, err := ParseRange("192.168.1.0/24")
	require.NoError(t, err)
	assert.Len(t, got, 254)

	got, err = ParseRange("10.0.0.0/16")
	require.NoError(t, err)
	assert.Len(t, got, 65534)

	_, err = ParseRange("10.0.0.0/15")
	assert.ErrorIs(t, err, ErrRangeTooLarge)

	_, err = ParseRange("10.0.0.0-10.1.0.0")
	assert.ErrorIs(t, err, ErrRangeTooLarge)
}

func TestParseRange_Invalid(t *testing.T) {
	for _, spec := range []string{
		"",
		"garbage",
		"10.0.0.0/33",
		"10.0.0.9-10.0.0.1",
		"10.0.0.1-nope",
		"fe80::/120",
		"10.0.0.1",
	} {
		t.Run(spec, func(t *testing.T) {
			_, err := ParseRange(spec)
			assert.ErrorIs(t, err, ErrInvalidRange)
		})
	}
}

func TestDefaultRange_IsParsable(t *testing.T) {
	got, err := ParseRange(DefaultRange())
	require.NoError(t, err)
	assert.Len(t, got, 254)
}

func TestScan_FindsOpenPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	s := New(Config{Port: port, Timeout: 500 * time.Millisecond, Concurrency: 2},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, port, s.Port())

	found, err := s.Scan(context.Background(), "127.0.0.1-127.0.0.4")
	require.NoError(t, err)
	assert.Equal(t, addrs("127.0.0.1"), found)
}

func TestScan_InvalidRange(t *testing.T) {
	s := New(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := s.Scan(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestScan_Cancelled(t *testing.T) {
	s := New(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Scan(ctx, "127.0.0.1/32")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultConcurrency, cfg.Concurrency)
}
