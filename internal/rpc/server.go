// Package rpc implements the admin HTTP API.
package rpc

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/capsulebtc/capsuled/config"
	"github.com/capsulebtc/capsuled/internal/broadcast"
	"github.com/capsulebtc/capsuled/internal/capsule"
	"github.com/capsulebtc/capsuled/internal/explorer"
	klog "github.com/capsulebtc/capsuled/internal/log"
	"github.com/capsulebtc/capsuled/internal/scanner"
	"github.com/capsulebtc/capsuled/internal/txbuilder"
	"github.com/capsulebtc/capsuled/internal/wallet"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// Server is the admin REST server.
type Server struct {
	addr        string
	store       *capsule.Store
	alloc       *capsule.Allocator
	explorer    *explorer.Client
	scanner     *scanner.Scanner
	builder     *txbuilder.Builder
	broadcaster *broadcast.Broadcaster
	adminUser   string

	server      *http.Server
	logger      zerolog.Logger
	ln          net.Listener
	allowedNets []*net.IPNet // Empty = allow all.
	corsOrigins []string     // Empty = no CORS headers.

	// Derivers are cached per mnemonic so repeated requests reuse the
	// derived account keys.
	dmu      sync.Mutex
	derivers map[string]*wallet.Deriver
}

// New creates the admin server. The rpcCfg parameter controls IP filtering,
// CORS, and the admin identity. A zero-value RPCConfig allows all IPs,
// disables CORS, and uses the default admin username.
func New(addr string, store *capsule.Store, alloc *capsule.Allocator,
	exp *explorer.Client, sc *scanner.Scanner, builder *txbuilder.Builder,
	bc *broadcast.Broadcaster, rpcCfg ...config.RPCConfig) *Server {

	s := &Server{
		addr:        addr,
		store:       store,
		alloc:       alloc,
		explorer:    exp,
		scanner:     sc,
		builder:     builder,
		broadcaster: bc,
		adminUser:   config.DefaultAdminUsername,
		logger:      klog.WithComponent("rpc"),
		derivers:    make(map[string]*wallet.Deriver),
	}

	if len(rpcCfg) > 0 {
		s.allowedNets = parseAllowedIPs(rpcCfg[0].AllowedIPs)
		s.corsOrigins = rpcCfg[0].CORSOrigins
		if rpcCfg[0].AdminUsername != "" {
			s.adminUser = rpcCfg[0].AdminUsername
		}
	}

	mux := http.NewServeMux()

	// Wallet seed and tree.
	mux.HandleFunc("GET /mnemonic", s.gated(s.handleMnemonicGet))
	mux.HandleFunc("POST /mnemonic", s.gated(s.handleMnemonicCreate))
	mux.HandleFunc("PUT /mnemonic", s.gated(s.handleMnemonicReplace))
	mux.HandleFunc("PATCH /mnemonic", s.gated(s.handleMnemonicReplace))
	mux.HandleFunc("GET /xpub", s.gated(s.handleXpub))
	mux.HandleFunc("GET /xpub/balance", s.gated(s.handleXpubBalance))

	// Transactions.
	mux.HandleFunc("POST /build", s.gated(s.handleBuild))
	mux.HandleFunc("POST /broadcast", s.gated(s.handleBroadcast))
	mux.HandleFunc("GET /fees", s.gated(s.handleFees))

	// Broadcast node settings.
	mux.HandleFunc("GET /broadcast/settings", s.gated(s.handleBroadcastSettingsGet))
	mux.HandleFunc("POST /broadcast/settings", s.gated(s.handleBroadcastSettingsSet))
	mux.HandleFunc("PUT /broadcast/settings", s.gated(s.handleBroadcastSettingsSet))
	mux.HandleFunc("PATCH /broadcast/settings", s.gated(s.handleBroadcastSettingsSet))
	mux.HandleFunc("POST /broadcast/test", s.gated(s.handleBroadcastTest))

	// Capsules. Creation and reads are open; mutations are gated.
	mux.HandleFunc("POST /capsule", s.open(s.handleCapsuleCreate))
	mux.HandleFunc("GET /capsules", s.open(s.handleCapsuleList))
	mux.HandleFunc("GET /capsule/{id}", s.open(s.handleCapsuleGet))
	mux.HandleFunc("POST /capsule/{id}/assign", s.gated(s.handleCapsuleAssign))
	mux.HandleFunc("POST /capsule/{id}/unassign", s.gated(s.handleCapsuleUnassign))
	mux.HandleFunc("POST /capsule/{id}/coupon", s.gated(s.handleCapsuleCoupon))
	mux.HandleFunc("POST /capsule/{id}/broadcast-record", s.gated(s.handleCapsuleBroadcastRecord))
	mux.HandleFunc("DELETE /capsule/{id}", s.gated(s.handleCapsuleDelete))

	s.server = &http.Server{
		Handler:     s.root(mux),
		ReadTimeout: 30 * time.Second,
		// Full-tree balance scans are intentionally long-running.
		WriteTimeout: 10 * time.Minute,
	}

	return s
}

// root answers CORS preflight before method-pattern routing, which would
// otherwise reject OPTIONS with 405.
func (s *Server) root(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			s.setCORSHeaders(w, r)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// parseAllowedIPs converts string IP/CIDR entries into net.IPNet.
func parseAllowedIPs(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		_, ipNet, err := net.ParseCIDR(entry)
		if err == nil {
			nets = append(nets, ipNet)
			continue
		}
		// Try as a single IP (add /32 or /128).
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// Start begins listening and serving in a background goroutine.
// It returns immediately after the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("RPC server error")
		}
	}()

	return nil
}

// Addr returns the listener address (useful when bound to :0).
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Handler exposes the route mux, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// deriver returns a cached Deriver for the seed's mnemonic.
func (s *Server) deriver(seed *capsule.SeedRecord) (*wallet.Deriver, error) {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if d, ok := s.derivers[seed.Mnemonic]; ok {
		return d, nil
	}
	d, err := wallet.NewDeriver(seed.Mnemonic)
	if err != nil {
		return nil, err
	}
	s.derivers[seed.Mnemonic] = d
	return d, nil
}

// isIPAllowed checks if the IP is in the allowed networks list.
func (s *Server) isIPAllowed(ip net.IP) bool {
	for _, n := range s.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// setCORSHeaders adds CORS headers based on the configured origins.
func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(s.corsOrigins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	allowed := false
	for _, o := range s.corsOrigins {
		if o == "*" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			allowed = true
			break
		}
		if o == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			allowed = true
			break
		}
	}

	if allowed {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
}
