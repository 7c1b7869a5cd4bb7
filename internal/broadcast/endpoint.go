// Package broadcast validates full-node REST endpoints, probes them, and
// submits raw transactions.
package broadcast

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Endpoint validation errors.
var (
	ErrInvalidEndpoint = errors.New("invalid broadcast endpoint")
	ErrUnreachable     = errors.New("broadcast node unreachable")
)

// Node describes a recommended public REST endpoint.
type Node struct {
	Label       string `json:"label"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Description string `json:"description"`
}

// DefaultNode is the endpoint used when nothing (or a deprecated host) is
// configured.
var DefaultNode = Node{
	Label:       "mempool.space",
	Host:        "https://mempool.space",
	Port:        443,
	Description: "Public REST full-node endpoint operated by mempool.space.",
}

// RecommendedNodes is the static list surfaced in the settings response.
var RecommendedNodes = []Node{DefaultNode}

// deprecatedHosts are silently replaced with DefaultNode on read.
var deprecatedHosts = map[string]bool{
	"https://blockstream.info": true,
	"blockstream.info":         true,
	"https://coconutwallet.io": true,
	"coconutwallet.io":         true,
	"https://nunchuk.io":       true,
	"nunchuk.io":               true,
	"https://mainnet.nunchuk.io": true,
	"mainnet.nunchuk.io":         true,
}

// ApplyDeprecatedHostPolicy substitutes the default endpoint for empty,
// deprecated, or portless configurations. Returns the effective host/port
// and whether a substitution happened.
func ApplyDeprecatedHostPolicy(host string, port int) (string, int, bool) {
	normalized := strings.TrimSpace(host)
	if normalized == "" || deprecatedHosts[normalized] || port == 0 {
		return DefaultNode.Host, DefaultNode.Port, true
	}
	return normalized, port, false
}

// Endpoint is a parsed broadcast target.
type Endpoint struct {
	// Stored is the canonical value to persist (scheme included when known).
	Stored   string
	Hostname string
	Scheme   string
	Port     int
}

// BaseURL returns "{scheme}://{hostname}:{port}".
func (e Endpoint) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", e.Scheme, e.Hostname, e.Port)
}

// ParseTarget normalizes a stored host (bare hostname/IP or http(s) URL) and
// optional explicit port (0 = unset) into a full endpoint.
//
// Scheme resolution: URL scheme wins; otherwise https when the resolved port
// is 443, http otherwise. Port resolution: explicit port wins, then the URL
// port, then 443 for https or 8332 for http.
func ParseTarget(host string, port int) (Endpoint, error) {
	if port < 0 {
		return Endpoint{}, fmt.Errorf("%w: port %d out of range", ErrInvalidEndpoint, port)
	}
	raw := strings.TrimSpace(host)
	scheme := ""
	hostname := raw
	resolvedPort := 0

	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		parsed, err := url.Parse(raw)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
		}
		scheme = parsed.Scheme
		if scheme == "" {
			scheme = "http"
		}
		hostname = parsed.Hostname()
		if p := parsed.Port(); p != "" {
			fmt.Sscanf(p, "%d", &resolvedPort)
		}
	}

	if port > 0 {
		resolvedPort = port
	}
	if resolvedPort == 0 {
		if scheme == "https" {
			resolvedPort = 443
		} else {
			resolvedPort = 8332
		}
	}
	if scheme == "" {
		if resolvedPort == 443 {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}

	if hostname == "" {
		return Endpoint{}, fmt.Errorf("%w: empty hostname", ErrInvalidEndpoint)
	}
	if resolvedPort < 1 || resolvedPort > 65535 {
		return Endpoint{}, fmt.Errorf("%w: port %d out of range", ErrInvalidEndpoint, resolvedPort)
	}

	// Canonicalize the stored form when the scheme was inferred or changed.
	stored := raw
	switch {
	case scheme == "https" && !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://"):
		stored = "https://" + hostname
	case scheme == "http" && strings.HasPrefix(raw, "https://"):
		stored = "http://" + hostname
	case stored == "":
		stored = hostname
	}

	return Endpoint{
		Stored:   stored,
		Hostname: hostname,
		Scheme:   scheme,
		Port:     resolvedPort,
	}, nil
}
