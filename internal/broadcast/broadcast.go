package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/capsulebtc/capsuled/internal/log"
)

const (
	probeTimeout     = 5 * time.Second
	broadcastTimeout = 10 * time.Second
)

// ChainInfo is the decoded /rest/chaininfo.json response. Raw retains the
// unmodified body for the settings test endpoint.
type ChainInfo struct {
	Chain   string `json:"chain"`
	Blocks  int64  `json:"blocks"`
	Headers int64  `json:"headers"`

	Raw json.RawMessage `json:"-"`
}

// Height prefers the validated block count and falls back to the header
// count when blocks is absent or zero during initial sync.
func (c *ChainInfo) Height() int64 {
	if c.Blocks > 0 {
		return c.Blocks
	}
	return c.Headers
}

// Broadcaster probes full-node REST endpoints and submits raw transactions.
type Broadcaster struct {
	probe  *http.Client
	post   *http.Client
	logger zerolog.Logger
}

// New creates a Broadcaster with the probe and submission timeouts.
func New() *Broadcaster {
	return &Broadcaster{
		probe:  &http.Client{Timeout: probeTimeout},
		post:   &http.Client{Timeout: broadcastTimeout},
		logger: log.WithComponent("broadcast"),
	}
}

// ChainInfo fetches GET {endpoint}/rest/chaininfo.json to verify the node is
// reachable and serving the REST interface.
func (b *Broadcaster) ChainInfo(ctx context.Context, ep Endpoint) (*ChainInfo, error) {
	target := ep.BaseURL() + "/rest/chaininfo.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	resp, err := b.probe.Do(req)
	if err != nil {
		b.logger.Warn().Err(err).Str("endpoint", target).Msg("chaininfo probe failed")
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, target, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrUnreachable, target, resp.StatusCode)
	}

	var info ChainInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("%w: %s returned malformed chaininfo: %v", ErrUnreachable, target, err)
	}
	info.Raw = json.RawMessage(body)
	b.logger.Debug().Str("endpoint", target).Str("chain", info.Chain).
		Int64("height", info.Height()).Msg("chaininfo probe succeeded")
	return &info, nil
}

// Broadcast submits a raw transaction hex as POST {endpoint}/api/tx with a
// text/plain body and returns the txid echoed by the node.
func (b *Broadcaster) Broadcast(ctx context.Context, ep Endpoint, rawHex string) (string, error) {
	target := ep.BaseURL() + "/api/tx"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(rawHex))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := b.post.Do(req)
	if err != nil {
		b.logger.Error().Err(err).Str("endpoint", target).Msg("broadcast request failed")
		return "", fmt.Errorf("%w: %s: %v", ErrUnreachable, target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnreachable, target, err)
	}
	reply := strings.TrimSpace(string(body))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b.logger.Error().Int("status", resp.StatusCode).Str("endpoint", target).
			Str("body", reply).Msg("broadcast rejected")
		return "", fmt.Errorf("%w: %s returned status %d: %s", ErrUnreachable, target, resp.StatusCode, reply)
	}

	b.logger.Info().Str("endpoint", target).Str("txid", reply).Msg("transaction broadcast")
	return reply, nil
}
