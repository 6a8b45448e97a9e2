// Package signature derives stable device and user signatures used to bind
// checkouts to the machine they were issued for.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

// ErrEmptyDeviceID is returned when no device id is supplied
var ErrEmptyDeviceID = errors.New("device id is required")

// MachineSource reports the hardware traits mixed into a machine signature
type MachineSource interface {
	Hostname() (string, error)
	HardwareAddrs() ([]string, error)
}

// Generator computes signatures. Results are cached per input.
type Generator struct {
	source MachineSource
	salt   []byte

	mu    sync.Mutex
	cache map[string]string
}

// NewGenerator creates a generator. A nil source reads the local host.
func NewGenerator(source MachineSource, salt string) *Generator {
	if source == nil {
		source = HostSource{}
	}
	return &Generator{
		source: source,
		salt:   []byte(salt),
		cache:  make(map[string]string),
	}
}

// MachineSignature returns the signature of this machine for deviceID
func (g *Generator) MachineSignature(deviceID string) (string, error) {
	if strings.TrimSpace(deviceID) == "" {
		return "", ErrEmptyDeviceID
	}

	cacheKey := "m|" + deviceID
	if sig, ok := g.cached(cacheKey); ok {
		return sig, nil
	}

	traits, err := g.traits()
	if err != nil {
		return "", err
	}

	sig, err := g.digest("machine", append([]string{deviceID}, traits...))
	if err != nil {
		return "", err
	}
	g.store(cacheKey, sig)
	return sig, nil
}

// UserSignature returns the signature of username on this machine for deviceID
func (g *Generator) UserSignature(username, deviceID string) (string, error) {
	machine, err := g.MachineSignature(deviceID)
	if err != nil {
		return "", err
	}
	return g.digest("user", []string{machine, strings.ToLower(strings.TrimSpace(username))})
}

func (g *Generator) traits() ([]string, error) {
	host, err := g.source.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to read hostname: %w", err)
	}
	addrs, err := g.source.HardwareAddrs()
	if err != nil {
		// Hosts without usable interfaces still get a signature from the remaining traits.
		slog.Debug("hardware addresses unavailable", slog.String("error", err.Error()))
		addrs = nil
	}
	sorted := append([]string(nil), addrs...)
	sort.Strings(sorted)

	return append([]string{strings.ToLower(host), runtime.GOOS}, sorted...), nil
}

// digest hashes parts with a BLAKE2b key derived for purpose
func (g *Generator) digest(purpose string, parts []string) (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, g.salt, nil, []byte("entitle-"+purpose)), key); err != nil {
		return "", fmt.Errorf("failed to derive %s key: %w", purpose, err)
	}

	h, err := blake2b.New256(key)
	if err != nil {
		return "", fmt.Errorf("failed to create hash: %w", err)
	}
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (g *Generator) cached(key string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sig, ok := g.cache[key]
	return sig, ok
}

func (g *Generator) store(key, sig string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache[key] = sig
}

// HostSource reads traits from the running host
type HostSource struct{}

// Hostname returns the host name
func (HostSource) Hostname() (string, error) {
	return os.Hostname()
}

// HardwareAddrs returns the MAC addresses of non-loopback interfaces
func (HostSource) HardwareAddrs() ([]string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var out []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		mac := iface.HardwareAddr.String()
		if mac == "00:00:00:00:00:00" {
			continue
		}
		out = append(out, mac)
	}
	return out, nil
}

// StaticSource is a fixed MachineSource
type StaticSource struct {
	Host  string
	Addrs []string
}

// Hostname returns the configured host name
func (s StaticSource) Hostname() (string, error) { return s.Host, nil }

// HardwareAddrs returns the configured addresses
func (s StaticSource) HardwareAddrs() ([]string, error) { return s.Addrs, nil }
