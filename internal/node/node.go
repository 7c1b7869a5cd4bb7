// Package node assembles the daemon: storage, explorer, wallet services,
// and the admin HTTP server. It can be embedded in any binary.
package node

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/capsulebtc/capsuled/config"
	"github.com/capsulebtc/capsuled/internal/broadcast"
	"github.com/capsulebtc/capsuled/internal/capsule"
	"github.com/capsulebtc/capsuled/internal/explorer"
	klog "github.com/capsulebtc/capsuled/internal/log"
	"github.com/capsulebtc/capsuled/internal/rpc"
	"github.com/capsulebtc/capsuled/internal/scanner"
	"github.com/capsulebtc/capsuled/internal/storage"
	"github.com/capsulebtc/capsuled/internal/txbuilder"
)

// Node is a fully-initialized capsule daemon.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	db    storage.DB
	store *capsule.Store
	alloc *capsule.Allocator

	explorer    *explorer.Client
	scanner     *scanner.Scanner
	builder     *txbuilder.Builder
	broadcaster *broadcast.Broadcaster

	rpcServer *rpc.Server
}

// New creates and initializes a Node. It performs all setup steps (logger,
// storage, wallet services, HTTP server) but does not begin serving.
// Call Start() for that.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = logsDir + "/capsuled.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	logger.Info().
		Str("explorer", cfg.Explorer.BaseURL).
		Msg("Starting capsule daemon")

	// ── 2. Open storage ─────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.DBDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.DBDir(), err)
	}
	store := capsule.NewStore(storage.NewPrefixDB(db, []byte("wallet/")))
	alloc := capsule.NewAllocator(store)
	logger.Info().Str("path", cfg.DBDir()).Msg("Database opened")

	// ── 3. Wallet services ──────────────────────────────────────────
	exp := explorer.New(cfg.Explorer.BaseURL, cfg.Explorer.FeesURL,
		time.Duration(cfg.Explorer.TimeoutSeconds)*time.Second)
	sc := scanner.New(exp)
	builder := txbuilder.New(exp, sc)
	bc := broadcast.New()

	n := &Node{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		store:       store,
		alloc:       alloc,
		explorer:    exp,
		scanner:     sc,
		builder:     builder,
		broadcaster: bc,
	}

	// ── 4. Admin HTTP server ────────────────────────────────────────
	if cfg.RPC.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		n.rpcServer = rpc.New(addr, store, alloc, exp, sc, builder, bc, cfg.RPC)
	}

	return n, nil
}

// Start begins serving the admin HTTP API.
func (n *Node) Start() error {
	if n.rpcServer == nil {
		n.logger.Warn().Msg("admin HTTP server disabled")
		return nil
	}
	if err := n.rpcServer.Start(); err != nil {
		return err
	}
	n.logger.Info().Str("addr", n.rpcServer.Addr()).Msg("Admin HTTP server listening")
	return nil
}

// Stop shuts down the HTTP server and closes storage.
func (n *Node) Stop() {
	if n.rpcServer != nil {
		if err := n.rpcServer.Stop(); err != nil {
			n.logger.Error().Err(err).Msg("stopping HTTP server")
		}
	}
	if err := n.db.Close(); err != nil {
		n.logger.Error().Err(err).Msg("closing database")
	}
	n.logger.Info().Msg("Capsule daemon stopped")
}

// Store exposes the record store, primarily for embedding binaries.
func (n *Node) Store() *capsule.Store {
	return n.store
}
