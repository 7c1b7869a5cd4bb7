package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/capsulebtc/capsuled/internal/broadcast"
	"github.com/capsulebtc/capsuled/internal/capsule"
	"github.com/capsulebtc/capsuled/internal/explorer"
	"github.com/capsulebtc/capsuled/internal/txbuilder"
	"github.com/capsulebtc/capsuled/internal/wallet"
)

// payload is a JSON response body. Every response carries "ok".
type payload map[string]interface{}

// writeResult writes a success response with ok: true merged in.
func writeResult(w http.ResponseWriter, status int, body payload) {
	if body == nil {
		body = payload{}
	}
	body["ok"] = true
	writeJSON(w, status, body)
}

// writeErr writes a failure response {ok: false, error: msg}.
func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, payload{"ok": false, "error": msg})
}

// writeFail maps err to an HTTP status and writes the failure response.
func writeFail(w http.ResponseWriter, err error) {
	writeErr(w, errStatus(err), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, body payload) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// errStatus maps component sentinel errors to HTTP statuses.
func errStatus(err error) int {
	switch {
	case errors.Is(err, capsule.ErrNotFound), errors.Is(err, capsule.ErrNoSeed):
		return http.StatusNotFound
	case errors.Is(err, wallet.ErrInvalidMnemonic),
		errors.Is(err, txbuilder.ErrInvalidRequest),
		errors.Is(err, txbuilder.ErrInsufficientFunds),
		errors.Is(err, txbuilder.ErrNoUTXOs),
		errors.Is(err, capsule.ErrAddressClaimed),
		errors.Is(err, capsule.ErrOutsideTree),
		errors.Is(err, broadcast.ErrInvalidEndpoint):
		return http.StatusBadRequest
	case errors.Is(err, explorer.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, explorer.ErrUpstream), errors.Is(err, broadcast.ErrUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// structToPayload flattens a struct's JSON fields into a payload map so the
// ok flag can be merged alongside them.
func structToPayload(v interface{}) payload {
	data, err := json.Marshal(v)
	if err != nil {
		return payload{}
	}
	var body payload
	if err := json.Unmarshal(data, &body); err != nil {
		return payload{}
	}
	return body
}

// open wraps a handler with IP filtering, CORS, and body buffering, but no
// admin check.
func (s *Server) open(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.filter(w, r) {
			return
		}
		if !bufferBody(w, r) {
			return
		}
		h(w, r)
	}
}

// gated wraps a handler like open, additionally requiring the admin identity:
// query parameter username on GET, a form or JSON username field otherwise.
func (s *Server) gated(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.filter(w, r) {
			return
		}
		if !bufferBody(w, r) {
			return
		}
		if !s.isAdmin(r) {
			writeErr(w, http.StatusForbidden, "admin access required")
			return
		}
		h(w, r)
	}
}

// filter applies IP restrictions and CORS. Returns false when the request
// was already answered.
func (s *Server) filter(w http.ResponseWriter, r *http.Request) bool {
	if len(s.allowedNets) > 0 {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			writeErr(w, http.StatusForbidden, "forbidden")
			return false
		}
		ip := net.ParseIP(host)
		if ip == nil || !s.isIPAllowed(ip) {
			writeErr(w, http.StatusForbidden, "forbidden")
			return false
		}
	}

	s.setCORSHeaders(w, r)
	return true
}

// bufferBody reads the request body into memory (bounded by maxBodySize) and
// replaces r.Body with a rewindable reader, so the admin gate and the handler
// can both consume it.
func bufferBody(w http.ResponseWriter, r *http.Request) bool {
	if r.Body == nil {
		return true
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if len(body) > maxBodySize {
		writeErr(w, http.StatusBadRequest, "request body too large")
		return false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return true
}

// isAdmin reports whether the request carries the admin identity.
func (s *Server) isAdmin(r *http.Request) bool {
	if r.Method == http.MethodGet {
		return r.URL.Query().Get("username") == s.adminUser
	}
	return s.bodyUsername(r) == s.adminUser || r.URL.Query().Get("username") == s.adminUser
}

// bodyUsername extracts a username field from a JSON or form request body
// without consuming it.
func (s *Server) bodyUsername(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return ""
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var fields struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(body, &fields); err == nil && fields.Username != "" {
		return fields.Username
	}
	if values, err := url.ParseQuery(string(body)); err == nil {
		return values.Get("username")
	}
	return ""
}

// decodeBody unmarshals a JSON request body into target. An empty body is
// decoded as the zero value.
func decodeBody(r *http.Request, target interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	return json.Unmarshal(body, target)
}

// pathID parses the {id} path segment as a capsule ID.
func pathID(r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

// queryBool interprets "1"/"true" query values.
func queryBool(r *http.Request, key string, def bool) bool {
	switch r.URL.Query().Get(key) {
	case "1", "true":
		return true
	case "0", "false":
		return false
	default:
		return def
	}
}

// queryUint parses a non-negative integer query parameter.
func queryUint(r *http.Request, key string, def uint32) uint32 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return def
	}
	return uint32(v)
}
