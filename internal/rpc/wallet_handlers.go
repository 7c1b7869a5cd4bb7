package rpc

import (
	"net/http"
	"time"

	"github.com/capsulebtc/capsuled/internal/capsule"
	"github.com/capsulebtc/capsuled/internal/wallet"
)

// handleMnemonicGet reports the custodial seed, its allocation cursor, and
// how many capsule addresses it has issued.
func (s *Server) handleMnemonicGet(w http.ResponseWriter, r *http.Request) {
	seed, err := s.store.GetSeed(capsule.CustodialUsername)
	if err == capsule.ErrNoSeed {
		writeResult(w, http.StatusOK, payload{"has_mnemonic": false})
		return
	}
	if err != nil {
		writeFail(w, err)
		return
	}

	assigned, err := s.store.AssignedAddresses()
	if err != nil {
		writeFail(w, err)
		return
	}

	writeResult(w, http.StatusOK, payload{
		"has_mnemonic":       true,
		"mnemonic":           seed.Mnemonic,
		"next_address_index": seed.NextAddressIndex,
		"assigned_count":     len(assigned),
		"created_at":         seed.CreatedAt,
	})
}

// handleMnemonicCreate generates a fresh 12-word seed. Refuses to overwrite
// an existing one; use PUT to replace deliberately.
func (s *Server) handleMnemonicCreate(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.GetSeed(capsule.CustodialUsername); err == nil {
		writeErr(w, http.StatusBadRequest, "mnemonic already configured, replace it with PUT")
		return
	} else if err != capsule.ErrNoSeed {
		writeFail(w, err)
		return
	}

	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		writeFail(w, err)
		return
	}
	seed := &capsule.SeedRecord{
		Username:  capsule.CustodialUsername,
		Mnemonic:  mnemonic,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.PutSeed(seed); err != nil {
		writeFail(w, err)
		return
	}

	s.logger.Info().Msg("custodial mnemonic generated")
	writeResult(w, http.StatusOK, payload{
		"mnemonic":           seed.Mnemonic,
		"next_address_index": 0,
	})
}

// handleMnemonicReplace stores an externally supplied mnemonic over an
// existing one; replacing a never-configured seed is a 404, use POST to
// create. The cursor carries over unless the caller resets it or pins an
// explicit value.
func (s *Server) handleMnemonicReplace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mnemonic          string  `json:"mnemonic"`
		ResetAddressIndex bool    `json:"reset_address_index"`
		NextAddressIndex  *uint32 `json:"next_address_index"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	normalized := wallet.NormalizeMnemonic(req.Mnemonic)
	if err := wallet.ValidateMnemonic(normalized); err != nil {
		writeFail(w, err)
		return
	}

	existing, err := s.store.GetSeed(capsule.CustodialUsername)
	if err != nil {
		writeFail(w, err)
		return
	}
	cursor := existing.NextAddressIndex
	switch {
	case req.NextAddressIndex != nil:
		cursor = *req.NextAddressIndex
	case req.ResetAddressIndex:
		cursor = 0
	}

	seed := &capsule.SeedRecord{
		Username:         capsule.CustodialUsername,
		Mnemonic:         normalized,
		NextAddressIndex: cursor,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.PutSeed(seed); err != nil {
		writeFail(w, err)
		return
	}

	s.logger.Info().Uint32("next_address_index", cursor).Msg("custodial mnemonic replaced")
	writeResult(w, http.StatusOK, payload{
		"mnemonic":           seed.Mnemonic,
		"next_address_index": cursor,
	})
}

// handleXpub returns the account zpub and master key fingerprint.
func (s *Server) handleXpub(w http.ResponseWriter, r *http.Request) {
	seed, err := s.store.GetSeed(capsule.CustodialUsername)
	if err != nil {
		writeFail(w, err)
		return
	}
	d, err := s.deriver(seed)
	if err != nil {
		writeFail(w, err)
		return
	}

	account := queryUint(r, "account", 0)
	zpub, err := d.AccountZpub(account)
	if err != nil {
		writeFail(w, err)
		return
	}
	fingerprint, err := d.MasterFingerprint()
	if err != nil {
		writeFail(w, err)
		return
	}

	writeResult(w, http.StatusOK, payload{
		"account":            account,
		"zpub":               zpub,
		"master_fingerprint": fingerprint,
	})
}

// handleXpubBalance runs a full gap-limited tree scan and reports per-address
// balances with UTXO details.
func (s *Server) handleXpubBalance(w http.ResponseWriter, r *http.Request) {
	seed, err := s.store.GetSeed(capsule.CustodialUsername)
	if err != nil {
		writeFail(w, err)
		return
	}
	d, err := s.deriver(seed)
	if err != nil {
		writeFail(w, err)
		return
	}

	// A plain GET reports the full picture: both chains, mempool included.
	// Callers narrow the scan explicitly.
	account := queryUint(r, "account", 0)
	includeMempool := queryBool(r, "include_mempool", true)
	bothChains := queryBool(r, "both_chains", true)

	zpub, err := d.AccountZpub(account)
	if err != nil {
		writeFail(w, err)
		return
	}

	// One capsule pass feeds both the scan's completion list and the
	// per-address ownership annotations.
	boundBy := make(map[string]*capsule.Capsule)
	var assigned []string
	if err := s.store.ForEachCapsule(func(c *capsule.Capsule) error {
		if c.Assigned() {
			boundBy[c.BitcoinAddress] = c
			assigned = append(assigned, c.BitcoinAddress)
		}
		return nil
	}); err != nil {
		writeFail(w, err)
		return
	}

	res, err := s.scanner.Scan(r.Context(), d, account, includeMempool, bothChains, assigned)
	if err != nil {
		writeFail(w, err)
		return
	}

	utxoAddressCount := 0
	details := make([]payload, 0, len(res.Details))
	for _, detail := range res.Details {
		if detail.UTXOCount > 0 {
			utxoAddressCount++
		}
		entry := payload{
			"address":      detail.Address,
			"balance_sats": detail.BalanceSats,
			"utxo_count":   detail.UTXOCount,
			"utxos":        detail.UTXOs,
		}
		if c, ok := boundBy[detail.Address]; ok {
			entry["assigned_capsule_id"] = c.ID
			entry["assigned_user_info"] = c.UserInfo
		}
		details = append(details, entry)
	}

	writeResult(w, http.StatusOK, payload{
		"account":            account,
		"zpub":               zpub,
		"include_mempool":    includeMempool,
		"both_chains":        bothChains,
		"balance_sats":       res.TotalSats,
		"by_address":         res.ByAddress,
		"address_details":    details,
		"address_count":      len(res.Addresses),
		"utxo_address_count": utxoAddressCount,
		"total_utxo_count":   res.TotalUTXOs,
		"count_per_chain":    res.ScannedPerChain,
	})
}
