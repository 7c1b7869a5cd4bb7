// Package scanner walks a BIP84 address tree against the explorer,
// discovering balances and UTXOs with a gap-limit heuristic.
package scanner

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/capsulebtc/capsuled/internal/explorer"
	"github.com/capsulebtc/capsuled/internal/log"
	"github.com/capsulebtc/capsuled/internal/wallet"
)

// Scan policy constants.
const (
	// GapLimit is the number of consecutive zero-balance addresses after
	// which a chain is considered exhausted.
	GapLimit = 20

	// MaxScanAddresses is the hard cap of scanned addresses per chain.
	MaxScanAddresses = 1000

	// ScanBatchSize is how many addresses are derived and queried per round.
	ScanBatchSize = 50

	// DefaultLocateLimit is the per-chain derive limit for reverse lookup.
	DefaultLocateLimit = 200
)

// AddressDetail is the per-address report of a tree scan.
type AddressDetail struct {
	Address     string          `json:"address"`
	BalanceSats int64           `json:"balance_sats"`
	UTXOCount   int             `json:"utxo_count"`
	UTXOs       []explorer.UTXO `json:"utxos"`
}

// Result aggregates a full tree scan.
type Result struct {
	// Addresses preserves insertion (derivation) order for reporting.
	Addresses       []string
	ByAddress       map[string]int64
	ScannedPerChain map[uint32]int
	Details         []AddressDetail
	TotalSats       int64
	TotalUTXOs      int
}

// Scanner discovers funded addresses in a seed's BIP84 tree.
type Scanner struct {
	explorer *explorer.Client
	logger   zerolog.Logger
}

// New creates a Scanner backed by the given explorer client.
func New(client *explorer.Client) *Scanner {
	return &Scanner{
		explorer: client,
		logger:   log.WithComponent("scanner"),
	}
}

// Scan walks the external chain (and the internal chain when bothChains is
// set) applying the gap-limit rule, then completes the result with any
// assigned addresses the walk did not visit, and enumerates UTXOs for every
// funded address.
func (s *Scanner) Scan(ctx context.Context, d *wallet.Deriver, account uint32,
	includeMempool, bothChains bool, assigned []string) (*Result, error) {

	res := &Result{
		ByAddress:       make(map[string]int64),
		ScannedPerChain: map[uint32]int{wallet.ChangeExternal: 0, wallet.ChangeInternal: 0},
	}
	seen := make(map[string]bool)

	add := func(addr string, balance int64) {
		if !seen[addr] {
			seen[addr] = true
			res.Addresses = append(res.Addresses, addr)
		}
		res.ByAddress[addr] = balance
	}

	scanChain := func(change uint32) {
		idx := uint32(0)
		consecutiveEmpty := 0
		for idx < MaxScanAddresses && consecutiveEmpty < GapLimit {
			batch := uint32(ScanBatchSize)
			if idx+batch > MaxScanAddresses {
				batch = MaxScanAddresses - idx
			}
			derived, err := d.Addresses(account, change, idx, batch)
			if err != nil {
				s.logger.Error().Err(err).Uint32("change", change).
					Msg("address derivation failed, aborting chain scan")
				return
			}
			idx += batch

			balances := s.explorer.Balances(ctx, derived, includeMempool)
			for _, addr := range derived {
				balance := balances[addr]
				add(addr, balance)
				res.ScannedPerChain[change]++
				if balance > 0 {
					consecutiveEmpty = 0
				} else {
					consecutiveEmpty++
				}
			}
		}
	}

	scanChain(wallet.ChangeExternal)
	if bothChains {
		scanChain(wallet.ChangeInternal)
	}

	// Assigned-address completion: capsule-bound addresses beyond the walk
	// must never be silently excluded from the reported balance.
	var missing []string
	for _, addr := range assigned {
		if addr != "" && !seen[addr] {
			missing = append(missing, addr)
		}
	}
	if len(missing) > 0 {
		balances := s.explorer.Balances(ctx, missing, includeMempool)
		for _, addr := range missing {
			add(addr, balances[addr])
		}
	}

	for _, addr := range res.Addresses {
		balance := res.ByAddress[addr]
		detail := AddressDetail{Address: addr, BalanceSats: balance, UTXOs: []explorer.UTXO{}}
		if balance > 0 {
			utxos, err := s.explorer.UTXOs(ctx, addr, true)
			if err != nil {
				s.logger.Warn().Err(err).Str("address", addr).
					Msg("utxo fetch failed for funded address")
			} else {
				detail.UTXOs = utxos
			}
		}
		detail.UTXOCount = len(detail.UTXOs)
		res.TotalUTXOs += detail.UTXOCount
		res.TotalSats += balance
		res.Details = append(res.Details, detail)
	}
	if res.TotalSats < 0 {
		res.TotalSats = 0
	}

	return res, nil
}

// LocatePath finds the (change, index) derivation path of target by linear
// scan over both chains up to scanLimit addresses each. Returns found=false
// when the address does not belong to the tree. Callers holding a capsule
// binding should consult it first; this is the slow path.
func (s *Scanner) LocatePath(d *wallet.Deriver, account uint32, target string,
	scanLimit int) (change, index uint32, found bool) {

	if target == "" {
		return 0, 0, false
	}
	if scanLimit < 1 {
		scanLimit = DefaultLocateLimit
	}

	for _, chain := range []uint32{wallet.ChangeExternal, wallet.ChangeInternal} {
		derived, err := d.Addresses(account, chain, 0, uint32(scanLimit))
		if err != nil {
			s.logger.Error().Err(err).Uint32("change", chain).
				Msg("address derivation failed during reverse lookup")
			return 0, 0, false
		}
		for i, addr := range derived {
			if addr == target {
				return chain, uint32(i), true
			}
		}
	}
	return 0, 0, false
}
