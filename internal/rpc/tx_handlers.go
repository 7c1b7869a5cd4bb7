package rpc

import (
	"net/http"

	"github.com/capsulebtc/capsuled/internal/broadcast"
	"github.com/capsulebtc/capsuled/internal/capsule"
	"github.com/capsulebtc/capsuled/internal/txbuilder"
	"github.com/capsulebtc/capsuled/internal/wallet"
)

// buildRequest is the JSON body shared by /build and /broadcast.
type buildRequest struct {
	ToAddress   string  `json:"to_address"`
	AmountSats  int64   `json:"amount_sats"`
	FeeRate     float64 `json:"fee_rate_sats_vb"`
	Account     uint32  `json:"account"`
	FromAddress string  `json:"from_address"`
	MemoText    string  `json:"memo_text"`
	ScanLimit   int     `json:"scan_limit"`

	// RawTx short-circuits construction on /broadcast.
	RawTx string `json:"raw_tx"`
}

// toBuilderRequest translates the wire body, consulting the capsule store for
// a known derivation path of from_address so the builder can skip the linear
// tree scan.
func (s *Server) toBuilderRequest(req buildRequest) txbuilder.Request {
	out := txbuilder.Request{
		ToAddress:   req.ToAddress,
		AmountSats:  req.AmountSats,
		FeeRate:     req.FeeRate,
		Account:     req.Account,
		FromAddress: req.FromAddress,
		MemoText:    req.MemoText,
		ScanLimit:   req.ScanLimit,
	}
	if req.FromAddress != "" {
		if c, err := s.store.FindByAddress(req.FromAddress); err == nil && c.AddressIndex != nil {
			out.FromHint = &txbuilder.PathHint{
				Change: wallet.ChangeExternal,
				Index:  *c.AddressIndex,
			}
		}
	}
	return out
}

// handleBuild constructs and signs a transaction without broadcasting it.
func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	var req buildRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

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

	res, err := s.builder.Build(r.Context(), d, s.toBuilderRequest(req))
	if err != nil {
		writeFail(w, err)
		return
	}
	writeResult(w, http.StatusOK, structToPayload(res))
}

// handleBroadcast builds (or parses a supplied raw_tx) and submits the
// transaction to the configured full node, falling back to the explorer when
// the node rejects or is unreachable. The locally computed txid is
// authoritative; the remote response text is surfaced for observability.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req buildRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var (
		rawTx string
		txid  string
		built *txbuilder.Result
	)
	if req.RawTx != "" {
		parsed, err := txbuilder.ParseRawTx(req.RawTx)
		if err != nil {
			writeFail(w, err)
			return
		}
		rawTx, txid = req.RawTx, parsed.TxID
	} else {
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
		built, err = s.builder.Build(r.Context(), d, s.toBuilderRequest(req))
		if err != nil {
			writeFail(w, err)
			return
		}
		rawTx, txid = built.RawTx, built.TxID
	}

	setting, err := s.store.GetBroadcastSetting()
	if err != nil {
		writeFail(w, err)
		return
	}
	ep, err := broadcast.ParseTarget(setting.Host, setting.Port)
	if err != nil {
		writeFail(w, err)
		return
	}

	broadcastURL := ep.BaseURL() + "/api/tx"
	response, err := s.broadcaster.Broadcast(r.Context(), ep, rawTx)
	if err != nil {
		s.logger.Warn().Err(err).Str("endpoint", broadcastURL).
			Msg("full node broadcast failed, trying explorer")
		response, err = s.explorer.Broadcast(r.Context(), rawTx)
		if err != nil {
			writeErr(w, http.StatusBadGateway, err.Error())
			return
		}
		broadcastURL = "explorer"
	}

	body := payload{}
	if built != nil {
		body = structToPayload(built)
	}
	body["txid"] = txid
	body["broadcast_response"] = response
	body["broadcast_url"] = broadcastURL
	writeResult(w, http.StatusOK, body)
}

// handleFees passes through the explorer's recommended fee rates.
func (s *Server) handleFees(w http.ResponseWriter, r *http.Request) {
	fees, err := s.explorer.RecommendedFees(r.Context())
	if err != nil {
		writeFail(w, err)
		return
	}
	writeResult(w, http.StatusOK, structToPayload(fees))
}
