// Package txbuilder selects UTXOs and constructs signed P2WPKH spends,
// optionally carrying an OP_RETURN memo.
package txbuilder

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"

	"github.com/capsulebtc/capsuled/internal/explorer"
	"github.com/capsulebtc/capsuled/internal/log"
	"github.com/capsulebtc/capsuled/internal/scanner"
	"github.com/capsulebtc/capsuled/internal/wallet"
)

// Builder errors.
var (
	ErrInvalidRequest    = errors.New("invalid build request")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoUTXOs           = errors.New("no spendable UTXOs")
	ErrSigning           = errors.New("signing failure")
)

// PathHint carries a known (change, index) derivation path for a from
// address, sparing the reverse scan.
type PathHint struct {
	Change uint32
	Index  uint32
}

// Request describes a spend to construct.
type Request struct {
	ToAddress   string
	AmountSats  int64
	FeeRate     float64 // sats/vB, requested
	Account     uint32
	FromAddress string    // restrict the UTXO set to this address
	FromHint    *PathHint // optional known path for FromAddress
	MemoText    string    // OP_RETURN memo, UTF-8
	ScanLimit   int       // per-chain derive limit for auto gathering
}

// candidate is a spendable UTXO tagged with its derivation path.
type candidate struct {
	TxID    string
	Vout    uint32
	Value   int64
	Address string
	Change  uint32
	Index   uint32
}

// InputSummary reports one selected input.
type InputSummary struct {
	TxID    string `json:"txid"`
	Vout    uint32 `json:"vout"`
	Value   int64  `json:"value"`
	Address string `json:"address"`
	Change  uint32 `json:"change"`
	Index   uint32 `json:"index"`
}

// OutputSummary reports one transaction output.
type OutputSummary struct {
	Address  string `json:"address"`
	Value    int64  `json:"value"`
	IsChange bool   `json:"is_change"`
	IsMemo   bool   `json:"is_memo"`
}

// Result is the full builder summary returned to the operator.
type Result struct {
	Inputs           []InputSummary  `json:"inputs"`
	Outputs          []OutputSummary `json:"outputs"`
	TotalInputSats   int64           `json:"total_input_sats"`
	AmountSats       int64           `json:"amount_sats"`
	ChangeSats       int64           `json:"change_sats"`
	FeeSats          int64           `json:"fee_sats"`
	FeeRate          float64         `json:"fee_rate_sats_vb"`
	RequestedFeeRate float64         `json:"requested_fee_rate_sats_vb"`
	VSize            int             `json:"vsize"`
	RawTx            string          `json:"raw_tx"`
	TxID             string          `json:"txid"`
	ChangeAddress    string          `json:"change_address"`
	FromAddress      string          `json:"from_address"`
	FromAddresses    []string        `json:"from_addresses"`
	DustLimitSats    int64           `json:"dust_limit_sats"`
	DustBurnedSats   int64           `json:"dust_burned_sats"`
	MemoText         string          `json:"memo_text"`
}

// Builder constructs and signs spends against the explorer's UTXO view.
// Build is a pure function over explorer and seed reads; it persists nothing.
type Builder struct {
	explorer *explorer.Client
	scanner  *scanner.Scanner
	params   *chaincfg.Params
	logger   zerolog.Logger
}

// New creates a Builder.
func New(client *explorer.Client, sc *scanner.Scanner) *Builder {
	return &Builder{
		explorer: client,
		scanner:  sc,
		params:   &chaincfg.MainNetParams,
		logger:   log.WithComponent("builder"),
	}
}

// payToAddress decodes a mainnet address and returns its pkScript.
func (b *Builder) payToAddress(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, b.params)
	if err != nil {
		return nil, fmt.Errorf("%w: address %q: %v", ErrInvalidRequest, address, err)
	}
	if !addr.IsForNet(b.params) {
		return nil, fmt.Errorf("%w: address %q is not a mainnet address", ErrInvalidRequest, address)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: script for %q: %v", ErrInvalidRequest, address, err)
	}
	return script, nil
}

// gatherCandidates assembles the spendable UTXO set, tagged with paths.
func (b *Builder) gatherCandidates(ctx context.Context, d *wallet.Deriver, req Request) ([]candidate, error) {
	var candidates []candidate

	if req.FromAddress != "" {
		hint := req.FromHint
		if hint == nil {
			change, index, found := b.scanner.LocatePath(d, req.Account, req.FromAddress, scanner.DefaultLocateLimit)
			if !found {
				return nil, fmt.Errorf("%w: address %q not found in wallet tree", ErrInvalidRequest, req.FromAddress)
			}
			hint = &PathHint{Change: change, Index: index}
		}
		utxos, err := b.explorer.UTXOs(ctx, req.FromAddress, true)
		if err != nil {
			return nil, err
		}
		for _, u := range utxos {
			if u.Value <= 0 {
				continue
			}
			candidates = append(candidates, candidate{
				TxID:    u.TxID,
				Vout:    u.Vout,
				Value:   u.Value,
				Address: req.FromAddress,
				Change:  hint.Change,
				Index:   hint.Index,
			})
		}
		return candidates, nil
	}

	scanLimit := req.ScanLimit
	if scanLimit < 1 {
		scanLimit = DefaultScanLimit
	}
	if scanLimit > MaxScanLimit {
		scanLimit = MaxScanLimit
	}

	for _, chain := range []uint32{wallet.ChangeExternal, wallet.ChangeInternal} {
		addresses, err := d.Addresses(req.Account, chain, 0, uint32(scanLimit))
		if err != nil {
			b.logger.Error().Err(err).Uint32("change", chain).Msg("address derivation failed")
			continue
		}
		for idx, address := range addresses {
			utxos, err := b.explorer.UTXOs(ctx, address, true)
			if err != nil {
				b.logger.Warn().Err(err).Str("address", address).
					Msg("utxo fetch failed for derived address")
				continue
			}
			for _, u := range utxos {
				if u.Value <= 0 {
					continue
				}
				candidates = append(candidates, candidate{
					TxID:    u.TxID,
					Vout:    u.Vout,
					Value:   u.Value,
					Address: address,
					Change:  chain,
					Index:   uint32(idx),
				})
			}
		}
	}
	return candidates, nil
}

// Build validates the request, selects UTXOs smallest-first, shapes the
// transaction (destination, optional OP_RETURN memo, change with dust
// handling), signs every input at its derivation path, and returns the raw
// hex plus a full summary.
func (b *Builder) Build(ctx context.Context, d *wallet.Deriver, req Request) (*Result, error) {
	if req.ToAddress == "" {
		return nil, fmt.Errorf("%w: destination address is required", ErrInvalidRequest)
	}
	if req.AmountSats <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if req.FeeRate < MinFeeRate {
		return nil, fmt.Errorf("%w: fee rate must be at least %v sats/vB", ErrInvalidRequest, MinFeeRate)
	}

	toScript, err := b.payToAddress(req.ToAddress)
	if err != nil {
		return nil, err
	}

	var memoScript []byte
	if req.MemoText != "" {
		memoScript, err = BuildOpReturnScript(req.MemoText)
		if err != nil {
			return nil, err
		}
	}

	candidates, err := b.gatherCandidates(ctx, d, req)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoUTXOs
	}

	// Smallest-first selection against a two-output estimate.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Value < candidates[j].Value
	})
	var selected []candidate
	var totalIn int64
	for _, c := range candidates {
		selected = append(selected, c)
		totalIn += c.Value
		estFee := req.FeeRate * float64(EstimateVBytes(len(selected), 2))
		if float64(totalIn) >= float64(req.AmountSats)+estFee {
			break
		}
	}
	estNeeded := req.FeeRate * float64(EstimateVBytes(len(selected), 2))
	if float64(totalIn) < float64(req.AmountSats)+estNeeded {
		return nil, fmt.Errorf("%w: have %d sats, need %d plus fees", ErrInsufficientFunds, totalIn, req.AmountSats)
	}

	tx := wire.NewMsgTx(2)
	for _, c := range selected {
		hash, err := chainhash.NewHashFromStr(c.TxID)
		if err != nil {
			return nil, fmt.Errorf("%w: bad utxo txid %q: %v", ErrInvalidRequest, c.TxID, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, c.Vout), nil, nil))
	}

	tx.AddTxOut(wire.NewTxOut(req.AmountSats, toScript))
	memoIndex := -1
	if memoScript != nil {
		memoIndex = len(tx.TxOut)
		tx.AddTxOut(wire.NewTxOut(0, memoScript))
	}

	changeAddress := selected[0].Address
	changeScript, err := b.payToAddress(changeAddress)
	if err != nil {
		return nil, err
	}
	changeIndex := -1
	if provisional := totalIn - req.AmountSats; provisional > 0 {
		changeIndex = len(tx.TxOut)
		tx.AddTxOut(wire.NewTxOut(provisional, changeScript))
	}

	baseOutputs := 1
	if memoIndex >= 0 {
		baseOutputs++
	}
	numOutputs := baseOutputs
	if changeIndex >= 0 {
		numOutputs++
	}

	targetFee := req.FeeRate * float64(EstimateVBytes(len(selected), numOutputs))
	finalChange := float64(totalIn-req.AmountSats) - targetFee
	if finalChange < 0 {
		return nil, fmt.Errorf("%w: fee of %.0f sats exceeds remaining balance", ErrInsufficientFunds, targetFee)
	}

	var dustBurned int64
	switch {
	case changeIndex >= 0 && finalChange <= 0:
		tx.TxOut = append(tx.TxOut[:changeIndex], tx.TxOut[changeIndex+1:]...)
		changeIndex = -1
	case changeIndex >= 0 && finalChange < DustLimit:
		dustBurned = int64(finalChange)
		tx.TxOut = append(tx.TxOut[:changeIndex], tx.TxOut[changeIndex+1:]...)
		changeIndex = -1
	case changeIndex >= 0:
		tx.TxOut[changeIndex].Value = int64(finalChange)
	case finalChange >= DustLimit:
		changeIndex = len(tx.TxOut)
		tx.AddTxOut(wire.NewTxOut(int64(finalChange), changeScript))
	case finalChange > 0:
		dustBurned = int64(finalChange)
	}

	if err := b.sign(tx, d, req.Account, selected); err != nil {
		return nil, err
	}

	// Actual vsize via weight-units arithmetic.
	baseSize := tx.SerializeSizeStripped()
	totalSize := tx.SerializeSize()
	vsize := (baseSize*3 + totalSize + 3) / 4

	var sumOut int64
	for _, out := range tx.TxOut {
		sumOut += out.Value
	}
	// Burned dust is accounted separately so that
	// inputs = outputs + fee + dust holds.
	fee := totalIn - sumOut - dustBurned

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}

	res := &Result{
		TotalInputSats:   totalIn,
		AmountSats:       req.AmountSats,
		FeeSats:          fee,
		RequestedFeeRate: req.FeeRate,
		FeeRate:          req.FeeRate,
		VSize:            vsize,
		RawTx:            hex.EncodeToString(buf.Bytes()),
		TxID:             tx.TxHash().String(),
		FromAddress:      selected[0].Address,
		DustLimitSats:    DustLimit,
		DustBurnedSats:   dustBurned,
		MemoText:         req.MemoText,
	}
	if vsize > 0 {
		res.FeeRate = float64(fee) / float64(vsize)
	}

	for _, c := range selected {
		res.Inputs = append(res.Inputs, InputSummary{
			TxID:    c.TxID,
			Vout:    c.Vout,
			Value:   c.Value,
			Address: c.Address,
			Change:  c.Change,
			Index:   c.Index,
		})
	}

	for i, out := range tx.TxOut {
		summary := OutputSummary{
			Value:    out.Value,
			IsChange: i == changeIndex,
			IsMemo:   i == memoIndex || IsOpReturnScript(out.PkScript),
		}
		switch {
		case i == memoIndex:
		case i == changeIndex:
			summary.Address = changeAddress
			res.ChangeSats = out.Value
		default:
			summary.Address = req.ToAddress
		}
		res.Outputs = append(res.Outputs, summary)
	}
	if res.ChangeSats > 0 {
		res.ChangeAddress = changeAddress
	}

	seenAddr := make(map[string]bool)
	for _, c := range selected {
		if !seenAddr[c.Address] {
			seenAddr[c.Address] = true
			res.FromAddresses = append(res.FromAddresses, c.Address)
		}
	}

	return res, nil
}

// sign derives each input's private key at its (change, index) path and
// attaches a SegWit v0 witness.
func (b *Builder) sign(tx *wire.MsgTx, d *wallet.Deriver, account uint32, selected []candidate) error {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	scripts := make([][]byte, len(selected))
	for i, c := range selected {
		script, err := b.payToAddress(c.Address)
		if err != nil {
			return err
		}
		scripts[i] = script
		fetcher.AddPrevOut(tx.TxIn[i].PreviousOutPoint, wire.NewTxOut(c.Value, script))
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	// Keys repeat when several inputs spend from the same address.
	type pathKey struct{ change, index uint32 }
	keyCache := make(map[pathKey]*btcec.PrivateKey)
	for i, c := range selected {
		pk := pathKey{c.Change, c.Index}
		priv, ok := keyCache[pk]
		if !ok {
			derived, err := d.PrivateKey(account, c.Change, c.Index)
			if err != nil {
				return err
			}
			priv = derived
			keyCache[pk] = priv
		}
		witness, err := txscript.WitnessSignature(tx, sigHashes, i, c.Value,
			scripts[i], txscript.SigHashAll, priv, true)
		if err != nil {
			return fmt.Errorf("%w: input %d: %v", ErrSigning, i, err)
		}
		tx.TxIn[i].Witness = witness
	}
	return nil
}
