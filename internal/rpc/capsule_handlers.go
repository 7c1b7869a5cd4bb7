package rpc

import (
	"net/http"
	"strings"
	"time"

	"github.com/capsulebtc/capsuled/internal/capsule"
	"github.com/capsulebtc/capsuled/internal/scanner"
	"github.com/capsulebtc/capsuled/internal/wallet"
)

// capsuleListPageSize is the page size of GET /capsules.
const capsuleListPageSize = 20

// handleCapsuleCreate stores a new capsule without an address.
func (s *Server) handleCapsuleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EncryptedMessage string `json:"encrypted_message"`
		UserInfo         string `json:"user_info"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.EncryptedMessage) == "" {
		writeErr(w, http.StatusBadRequest, "encrypted_message is required")
		return
	}

	c := &capsule.Capsule{
		EncryptedMessage: req.EncryptedMessage,
		UserInfo:         req.UserInfo,
	}
	if err := s.store.CreateCapsule(c); err != nil {
		writeFail(w, err)
		return
	}

	s.logger.Info().Uint64("capsule", c.ID).Msg("capsule created")
	writeResult(w, http.StatusCreated, payload{"capsule": c})
}

// handleCapsuleList returns capsules newest first. Without a page parameter
// the full set is returned; with one, a 20-entry page plus paging metadata.
func (s *Server) handleCapsuleList(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("page") == "" {
		capsules, total, err := s.store.ListCapsules(1, int(^uint(0)>>1))
		if err != nil {
			writeFail(w, err)
			return
		}
		writeResult(w, http.StatusOK, payload{"capsules": capsules, "count": total})
		return
	}

	page := int(queryUint(r, "page", 1))
	capsules, total, err := s.store.ListCapsules(page, capsuleListPageSize)
	if err != nil {
		writeFail(w, err)
		return
	}
	numPages := (total + capsuleListPageSize - 1) / capsuleListPageSize
	writeResult(w, http.StatusOK, payload{
		"capsules":     capsules,
		"count":        total,
		"num_pages":    numPages,
		"current_page": page,
		"page_size":    capsuleListPageSize,
		"has_next":     page < numPages,
		"has_previous": page > 1 && total > 0,
	})
}

// handleCapsuleGet returns a single capsule by ID.
func (s *Server) handleCapsuleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid capsule id")
		return
	}
	c, err := s.store.GetCapsule(id)
	if err != nil {
		writeFail(w, err)
		return
	}
	writeResult(w, http.StatusOK, payload{"capsule": c})
}

// handleCapsuleAssign binds the next cursor address to the capsule, or a
// pinned one when the body carries an address. A pinned address must derive
// on the external chain of the custodial tree and be unclaimed.
func (s *Server) handleCapsuleAssign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid capsule id")
		return
	}
	var req struct {
		Address string `json:"address"`
	}
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

	account := queryUint(r, "account", 0)
	var res *capsule.AssignResult
	if req.Address != "" {
		change, index, found := s.scanner.LocatePath(d, account, req.Address, scanner.DefaultLocateLimit)
		if !found || change != wallet.ChangeExternal {
			writeErr(w, http.StatusBadRequest, "address not found on the wallet's external chain")
			return
		}
		res, err = s.alloc.AssignAt(d, seed.Username, id, account, index)
	} else {
		res, err = s.alloc.Assign(d, seed.Username, id, account)
	}
	if err != nil {
		writeFail(w, err)
		return
	}

	updated, err := s.store.GetSeed(seed.Username)
	if err != nil {
		writeFail(w, err)
		return
	}
	writeResult(w, http.StatusOK, payload{
		"capsule_id":         id,
		"address":            res.Address,
		"address_index":      res.Index,
		"already_assigned":   res.AlreadyAssigned,
		"next_address_index": updated.NextAddressIndex,
	})
}

// handleCapsuleUnassign clears the capsule's address binding. The seed cursor
// stays where it is.
func (s *Server) handleCapsuleUnassign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid capsule id")
		return
	}
	res, err := s.alloc.Unassign(id)
	if err != nil {
		writeFail(w, err)
		return
	}
	writeResult(w, http.StatusOK, payload{
		"capsule_id":         id,
		"already_unassigned": res.AlreadyUnassigned,
	})
}

// handleCapsuleCoupon marks the capsule's coupon as used.
func (s *Server) handleCapsuleCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid capsule id")
		return
	}
	c, err := s.store.GetCapsule(id)
	if err != nil {
		writeFail(w, err)
		return
	}
	c.IsCouponUsed = true
	if err := s.store.UpdateCapsule(c); err != nil {
		writeFail(w, err)
		return
	}
	writeResult(w, http.StatusOK, payload{"capsule_id": id, "is_coupon_used": true})
}

// handleCapsuleBroadcastRecord persists the txid of a broadcast that funded
// or released this capsule.
func (s *Server) handleCapsuleBroadcastRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid capsule id")
		return
	}
	var req struct {
		TxID          string `json:"txid"`
		BroadcastTxID string `json:"broadcast_txid"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	txid := req.TxID
	if txid == "" {
		txid = req.BroadcastTxID
	}
	if txid == "" {
		writeErr(w, http.StatusBadRequest, "txid is required")
		return
	}

	c, err := s.store.GetCapsule(id)
	if err != nil {
		writeFail(w, err)
		return
	}
	now := time.Now().UTC()
	c.BroadcastTxID = txid
	c.BroadcastedAt = &now
	if err := s.store.UpdateCapsule(c); err != nil {
		writeFail(w, err)
		return
	}

	s.logger.Info().Uint64("capsule", id).Str("txid", txid).Msg("broadcast recorded")
	writeResult(w, http.StatusOK, payload{
		"capsule_id":     id,
		"broadcast_txid": txid,
		"broadcasted_at": now,
	})
}

// handleCapsuleDelete removes a capsule record.
func (s *Server) handleCapsuleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid capsule id")
		return
	}
	if err := s.store.DeleteCapsule(id); err != nil {
		writeFail(w, err)
		return
	}
	s.logger.Info().Uint64("capsule", id).Msg("capsule deleted")
	writeResult(w, http.StatusOK, payload{"capsule_id": id, "deleted": true})
}
