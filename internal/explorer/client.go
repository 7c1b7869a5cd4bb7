// Package explorer implements a rate-aware JSON client for a
// Blockstream-compatible block explorer REST API.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/capsulebtc/capsuled/internal/log"
)

// Explorer defaults.
const (
	// DefaultBaseURL is the explorer base used when BTC_EXPLORER_API is unset.
	DefaultBaseURL = "https://blockstream.info/api"

	// DefaultFeesURL is the recommended-fees feed passed through by /fees.
	DefaultFeesURL = "https://mempool.space/api/v1/fees/recommended"

	// DefaultTimeout bounds each explorer HTTP call.
	DefaultTimeout = 8 * time.Second

	// maxConcurrentFetches caps the balance fan-out worker pool.
	maxConcurrentFetches = 5

	// utxoCacheTTL is the lifetime of a cached per-address UTXO list.
	utxoCacheTTL = 30 * time.Second
)

// Pacing knobs, vars so tests can shorten them.
var (
	// fetchStagger is the per-worker delay before its first request,
	// multiplied by the worker index to damp bursts.
	fetchStagger = 300 * time.Millisecond

	// rateLimitBackoff is how long a worker sleeps after HTTP 429 before
	// its single retry.
	rateLimitBackoff = 5 * time.Second
)

// Explorer errors.
var (
	ErrUpstream    = errors.New("explorer request failed")
	ErrRateLimited = errors.New("explorer rate limited")
)

// Stats mirrors the chain_stats/mempool_stats objects of the explorer's
// address endpoint.
type Stats struct {
	FundedTxoCount int64 `json:"funded_txo_count"`
	FundedTxoSum   int64 `json:"funded_txo_sum"`
	SpentTxoCount  int64 `json:"spent_txo_count"`
	SpentTxoSum    int64 `json:"spent_txo_sum"`
	TxCount        int64 `json:"tx_count"`
}

// AddressStats is the explorer's response for GET /address/{addr}.
type AddressStats struct {
	Address      string `json:"address"`
	ChainStats   Stats  `json:"chain_stats"`
	MempoolStats Stats  `json:"mempool_stats"`
}

// Balance returns the confirmed balance in sats, optionally including the
// mempool delta, floored at zero.
func (a *AddressStats) Balance(includeMempool bool) int64 {
	bal := a.ChainStats.FundedTxoSum - a.ChainStats.SpentTxoSum
	if includeMempool {
		bal += a.MempoolStats.FundedTxoSum - a.MempoolStats.SpentTxoSum
	}
	if bal < 0 {
		return 0
	}
	return bal
}

// UTXOStatus is the confirmation status attached to a UTXO.
type UTXOStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// UTXO is one unspent output as reported by GET /address/{addr}/utxo.
type UTXO struct {
	TxID   string     `json:"txid"`
	Vout   uint32     `json:"vout"`
	Value  int64      `json:"value"`
	Status UTXOStatus `json:"status"`
}

// RecommendedFees is the mempool.space recommended-fees feed.
type RecommendedFees struct {
	FastestFee  float64 `json:"fastestFee"`
	HalfHourFee float64 `json:"halfHourFee"`
	HourFee     float64 `json:"hourFee"`
	EconomyFee  float64 `json:"economyFee"`
	MinimumFee  float64 `json:"minimumFee"`
}

// Client talks to a Blockstream-compatible explorer.
type Client struct {
	base    string
	feesURL string
	http    *http.Client
	cache   *utxoCache
	logger  zerolog.Logger
}

// New creates an explorer client for the given base URL. A zero timeout
// falls back to DefaultTimeout.
func New(baseURL, feesURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if feesURL == "" {
		feesURL = DefaultFeesURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		feesURL: feesURL,
		http:    &http.Client{Timeout: timeout},
		cache:   newUTXOCache(utxoCacheTTL),
		logger:  log.WithComponent("explorer"),
	}
}

// getJSON issues a GET and decodes the JSON response into out.
// HTTP 429 maps to ErrRateLimited, all other failures to ErrUpstream.
func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUpstream, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s", ErrRateLimited, url)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s: status %d", ErrUpstream, url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: decode: %v", ErrUpstream, url, err)
	}
	return nil
}

// AddressStats fetches GET {base}/address/{addr}.
func (c *Client) AddressStats(ctx context.Context, address string) (*AddressStats, error) {
	var stats AddressStats
	url := fmt.Sprintf("%s/address/%s", c.base, address)
	if err := c.getJSON(ctx, url, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Balance fetches the balance of a single address. On HTTP 429 it sleeps
// rateLimitBackoff and retries once.
func (c *Client) Balance(ctx context.Context, address string, includeMempool bool) (int64, error) {
	stats, err := c.AddressStats(ctx, address)
	if errors.Is(err, ErrRateLimited) {
		select {
		case <-time.After(rateLimitBackoff):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		stats, err = c.AddressStats(ctx, address)
	}
	if err != nil {
		return 0, err
	}
	return stats.Balance(includeMempool), nil
}

// Balances fetches balances for a batch of addresses through a bounded
// worker pool. Worker i sleeps i*fetchStagger before its first request.
// A failed address yields balance 0 and a warning; the batch never fails.
// Balance responses are not cached.
func (c *Client) Balances(ctx context.Context, addresses []string, includeMempool bool) map[string]int64 {
	out := make(map[string]int64, len(addresses))
	if len(addresses) == 0 {
		return out
	}

	workers := maxConcurrentFetches
	if len(addresses) < workers {
		workers = len(addresses)
	}

	jobs := make(chan string)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			first := true
			for addr := range jobs {
				if first {
					first = false
					select {
					case <-time.After(time.Duration(worker) * fetchStagger):
					case <-ctx.Done():
					}
				}
				bal, err := c.Balance(ctx, addr, includeMempool)
				if err != nil {
					c.logger.Warn().Err(err).Str("address", addr).
						Msg("balance fetch failed, reporting 0")
					bal = 0
				}
				mu.Lock()
				out[addr] = bal
				mu.Unlock()
			}
		}(i)
	}

	for _, addr := range addresses {
		jobs <- addr
	}
	close(jobs)
	wg.Wait()

	return out
}

// UTXOs fetches GET {base}/address/{addr}/utxo. Responses are cached for
// utxoCacheTTL; pass useCache=false to bypass (reads and writes).
func (c *Client) UTXOs(ctx context.Context, address string, useCache bool) ([]UTXO, error) {
	if useCache {
		if utxos, ok := c.cache.get(address); ok {
			c.logger.Debug().Str("address", address).Msg("utxo cache hit")
			return utxos, nil
		}
	}

	var utxos []UTXO
	url := fmt.Sprintf("%s/address/%s/utxo", c.base, address)
	if err := c.getJSON(ctx, url, &utxos); err != nil {
		return nil, err
	}

	// Drop entries with no txid; explorers occasionally return placeholders.
	filtered := utxos[:0]
	for _, u := range utxos {
		if u.TxID != "" {
			filtered = append(filtered, u)
		}
	}

	if useCache {
		c.cache.put(address, filtered)
	}
	return filtered, nil
}

// RecommendedFees fetches the recommended-fees feed.
func (c *Client) RecommendedFees(ctx context.Context) (*RecommendedFees, error) {
	var fees RecommendedFees
	if err := c.getJSON(ctx, c.feesURL, &fees); err != nil {
		return nil, err
	}
	return &fees, nil
}

// Broadcast posts a raw transaction in hex to POST {base}/tx and returns the
// explorer's txid response. This is the fallback path when no full node is
// configured.
func (c *Client) Broadcast(ctx context.Context, rawHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/tx",
		strings.NewReader(rawHex))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: broadcast: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: broadcast: status %d: %s", ErrUpstream,
			resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}
