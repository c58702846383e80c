// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package hwid derives a stable hardware identifier for license binding. The
// identifier combines the primary MAC address, hostname and CPU identity;
// individual factors failing degrade to fallbacks instead of erroring, so a
// machine without network interfaces still gets a usable id.
package hwid

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Provider supplies the device identifier. It is an injected capability so
// tests and unusual platforms can swap the implementation.
type Provider interface {
	HWID(ctx context.Context) (string, error)
}

// Static returns a Provider that always yields the given id. Test helper.
type Static string

func (s Static) HWID(ctx context.Context) (string, error) {
	return string(s), nil
}

// SystemProvider fingerprints the local machine, caching the result since
// hardware identity does not change mid-run.
type SystemProvider struct {
	mu          sync.Mutex
	cached      string
	cacheExpiry time.Time
}

const cacheDuration = time.Hour

func NewSystemProvider() *SystemProvider {
	return &SystemProvider{}
}

func (p *SystemProvider) HWID(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" && time.Now().Before(p.cacheExpiry) {
		return p.cached, nil
	}

	mac := p.macAddress()
	hostname := p.hostname()
	cpu := p.cpuIdentity()

	combined := strings.Join([]string{mac, hostname, cpu, runtime.GOOS, runtime.GOARCH}, "|")
	sum := sha256.Sum256([]byte(combined))
	id := hex.EncodeToString(sum[:])

	log.Debug().
		Str("hostname", hostname).
		Str("os", runtime.GOOS).
		Msg("Generated device fingerprint")

	p.cached = id
	p.cacheExpiry = time.Now().Add(cacheDuration)
	return id, nil
}

// macAddress returns the first up, non-loopback interface's MAC, with a
// fallback to any interface carrying one.
func (p *SystemProvider) macAddress() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list network interfaces, using fallback")
		return "unknown-mac"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac
		}
	}

	for _, iface := range interfaces {
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac
		}
	}

	return "unknown-mac"
}

func (p *SystemProvider) hostname() string {
	hostname, err := os.Hostname()
	if err != nil || strings.TrimSpace(hostname) == "" {
		return "unknown-host"
	}
	return strings.ToLower(strings.TrimSpace(hostname))
}

// cpuIdentity extracts a stable CPU descriptor per platform, hashed to a
// fixed length.
func (p *SystemProvider) cpuIdentity() string {
	var raw string

	switch runtime.GOOS {
	case "windows":
		raw = os.Getenv("PROCESSOR_IDENTIFIER")
	case "linux":
		if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "model name") {
					raw = line
					break
				}
			}
		}
	}

	if raw == "" {
		raw = fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)
	}

	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:8])
}
