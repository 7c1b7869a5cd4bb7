package explorer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, srv.URL+"/v1/fees/recommended", 2*time.Second), srv
}

func writeStats(w http.ResponseWriter, confirmed, spent, mempoolFunded int64) {
	json.NewEncoder(w).Encode(AddressStats{
		ChainStats:   Stats{FundedTxoSum: confirmed, SpentTxoSum: spent},
		MempoolStats: Stats{FundedTxoSum: mempoolFunded},
	})
}

func TestBalanceFloorsAtZero(t *testing.T) {
	stats := &AddressStats{
		ChainStats: Stats{FundedTxoSum: 100, SpentTxoSum: 300},
	}
	if got := stats.Balance(false); got != 0 {
		t.Errorf("overspent balance = %d, want 0", got)
	}

	stats = &AddressStats{
		ChainStats:   Stats{FundedTxoSum: 500, SpentTxoSum: 100},
		MempoolStats: Stats{FundedTxoSum: 0, SpentTxoSum: 600},
	}
	if got := stats.Balance(false); got != 400 {
		t.Errorf("confirmed balance = %d, want 400", got)
	}
	if got := stats.Balance(true); got != 0 {
		t.Errorf("mempool-inclusive balance = %d, want 0", got)
	}
}

func TestBalanceRetriesOnceAfter429(t *testing.T) {
	old := rateLimitBackoff
	rateLimitBackoff = 10 * time.Millisecond
	defer func() { rateLimitBackoff = old }()

	var calls atomic.Int64
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeStats(w, 1500, 0, 0)
	}))

	bal, err := client.Balance(context.Background(), "bc1qtest", false)
	if err != nil {
		t.Fatalf("Balance() error: %v", err)
	}
	if bal != 1500 {
		t.Errorf("Balance() = %d, want 1500", bal)
	}
	if calls.Load() != 2 {
		t.Errorf("explorer called %d times, want 2", calls.Load())
	}
}

func TestBalanceGivesUpAfterSecond429(t *testing.T) {
	old := rateLimitBackoff
	rateLimitBackoff = 10 * time.Millisecond
	defer func() { rateLimitBackoff = old }()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := client.Balance(context.Background(), "bc1qtest", false)
	if err == nil {
		t.Fatal("Balance() should fail after two 429s")
	}
}

func TestBalancesDegradesFailuresToZero(t *testing.T) {
	old := fetchStagger
	fetchStagger = 0
	defer func() { fetchStagger = old }()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "bad") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeStats(w, 777, 0, 0)
	}))

	addrs := []string{"bc1qgood1", "bc1qbad", "bc1qgood2"}
	balances := client.Balances(context.Background(), addrs, false)

	if len(balances) != 3 {
		t.Fatalf("got %d balances, want 3", len(balances))
	}
	if balances["bc1qbad"] != 0 {
		t.Errorf("failed address balance = %d, want 0", balances["bc1qbad"])
	}
	if balances["bc1qgood1"] != 777 || balances["bc1qgood2"] != 777 {
		t.Errorf("healthy addresses = %d/%d, want 777/777",
			balances["bc1qgood1"], balances["bc1qgood2"])
	}
}

func TestUTXOsCaching(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `[{"txid":"aa","vout":0,"value":5000,"status":{"confirmed":true}},{"txid":"","vout":1,"value":1}]`)
	}))

	ctx := context.Background()
	utxos, err := client.UTXOs(ctx, "bc1qtest", true)
	if err != nil {
		t.Fatalf("UTXOs() error: %v", err)
	}
	if len(utxos) != 1 {
		t.Fatalf("got %d utxos, want 1 (placeholder txid filtered)", len(utxos))
	}
	if utxos[0].Value != 5000 {
		t.Errorf("utxo value = %d, want 5000", utxos[0].Value)
	}

	if _, err := client.UTXOs(ctx, "bc1qtest", true); err != nil {
		t.Fatalf("UTXOs() cached error: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("explorer called %d times, want 1 (second call cached)", calls.Load())
	}

	// Bypass reads fresh.
	if _, err := client.UTXOs(ctx, "bc1qtest", false); err != nil {
		t.Fatalf("UTXOs() bypass error: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("explorer called %d times, want 2 after bypass", calls.Load())
	}
}

func TestUTXOCacheTTL(t *testing.T) {
	cache := newUTXOCache(20 * time.Millisecond)
	cache.put("addr", []UTXO{{TxID: "aa", Value: 1}})

	if _, ok := cache.get("addr"); !ok {
		t.Fatal("fresh entry should be served")
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := cache.get("addr"); ok {
		t.Error("expired entry should not be served")
	}
}

func TestRecommendedFees(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/fees/recommended" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"fastestFee":31,"halfHourFee":25,"hourFee":12,"economyFee":4,"minimumFee":1}`)
	}))

	fees, err := client.RecommendedFees(context.Background())
	if err != nil {
		t.Fatalf("RecommendedFees() error: %v", err)
	}
	if fees.FastestFee != 31 || fees.MinimumFee != 1 {
		t.Errorf("fees = %+v, want fastest 31 minimum 1", fees)
	}
}

func TestBroadcastFallback(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tx" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, "deadbeef\n")
	}))

	txid, err := client.Broadcast(context.Background(), "0200aabb")
	if err != nil {
		t.Fatalf("Broadcast() error: %v", err)
	}
	if txid != "deadbeef" {
		t.Errorf("Broadcast() = %q, want %q", txid, "deadbeef")
	}
}
