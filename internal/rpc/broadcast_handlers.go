package rpc

import (
	"encoding/json"
	"net/http"

	"github.com/capsulebtc/capsuled/internal/broadcast"
	"github.com/capsulebtc/capsuled/internal/capsule"
)

// handleBroadcastSettingsGet reports the configured node endpoint along with
// the recommended public nodes.
func (s *Server) handleBroadcastSettingsGet(w http.ResponseWriter, r *http.Request) {
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

	writeResult(w, http.StatusOK, payload{
		"fullnode_host":     setting.Host,
		"fullnode_port":     setting.Port,
		"broadcast_url":     ep.BaseURL() + "/api/tx",
		"recommended_nodes": broadcast.RecommendedNodes,
	})
}

// handleBroadcastSettingsSet validates and stores a new node endpoint. The
// persisted host is the canonical form (scheme included when inferred).
func (s *Server) handleBroadcastSettingsSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FullnodeHost string `json:"fullnode_host"`
		FullnodePort int    `json:"fullnode_port"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ep, err := broadcast.ParseTarget(req.FullnodeHost, req.FullnodePort)
	if err != nil {
		writeFail(w, err)
		return
	}

	setting := &capsule.BroadcastSetting{Host: ep.Stored, Port: ep.Port}
	if err := s.store.PutBroadcastSetting(setting); err != nil {
		writeFail(w, err)
		return
	}

	s.logger.Info().Str("host", ep.Stored).Int("port", ep.Port).
		Msg("broadcast endpoint updated")
	writeResult(w, http.StatusOK, payload{
		"fullnode_host": setting.Host,
		"fullnode_port": setting.Port,
		"broadcast_url": ep.BaseURL() + "/api/tx",
	})
}

// handleBroadcastTest probes a node's REST chaininfo endpoint. The body may
// carry a fullnode_host/fullnode_port to probe without persisting; otherwise
// the stored setting is used.
func (s *Server) handleBroadcastTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FullnodeHost string `json:"fullnode_host"`
		FullnodePort int    `json:"fullnode_port"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	host, port := req.FullnodeHost, req.FullnodePort
	if host == "" {
		setting, err := s.store.GetBroadcastSetting()
		if err != nil {
			writeFail(w, err)
			return
		}
		host, port = setting.Host, setting.Port
	}
	ep, err := broadcast.ParseTarget(host, port)
	if err != nil {
		writeFail(w, err)
		return
	}

	info, err := s.broadcaster.ChainInfo(r.Context(), ep)
	if err != nil {
		writeFail(w, err)
		return
	}

	writeResult(w, http.StatusOK, payload{
		"fullnode_host": ep.Stored,
		"fullnode_port": ep.Port,
		"chain":         info.Chain,
		"block_height":  info.Height(),
		"raw_response":  json.RawMessage(info.Raw),
	})
}
