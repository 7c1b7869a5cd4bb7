package txbuilder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/capsulebtc/capsuled/internal/explorer"
	"github.com/capsulebtc/capsuled/internal/scanner"
	"github.com/capsulebtc/capsuled/internal/wallet"
)

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	destAddress  = "bc1qnjg0jd8228aq7egyzacy8cys3knf9xvrerkf9g"
)

// buildFixture wires a builder against a fake explorer whose UTXO sets are
// configured per address.
type buildFixture struct {
	builder *Builder
	deriver *wallet.Deriver
	from    string

	mu    sync.Mutex
	utxos map[string][]explorer.UTXO
}

func newBuildFixture(t *testing.T) *buildFixture {
	t.Helper()
	f := &buildFixture{utxos: make(map[string][]explorer.UTXO)}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) == 3 && parts[0] == "address" && parts[2] == "utxo" {
			f.mu.Lock()
			set := f.utxos[parts[1]]
			f.mu.Unlock()
			if set == nil {
				set = []explorer.UTXO{}
			}
			json.NewEncoder(w).Encode(set)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	client := explorer.New(srv.URL, "", 2*time.Second)
	sc := scanner.New(client)
	f.builder = New(client, sc)

	d, err := wallet.NewDeriver(testMnemonic)
	if err != nil {
		t.Fatalf("NewDeriver() error: %v", err)
	}
	f.deriver = d

	from, err := d.Address(0, wallet.ChangeExternal, 0)
	if err != nil {
		t.Fatalf("Address() error: %v", err)
	}
	f.from = from
	return f
}

func (f *buildFixture) fund(addr string, values ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var set []explorer.UTXO
	for i, v := range values {
		set = append(set, explorer.UTXO{
			TxID:   fakeTxID(byte(i + 1)),
			Vout:   uint32(i),
			Value:  v,
			Status: explorer.UTXOStatus{Confirmed: true},
		})
	}
	f.utxos[addr] = set
}

// fakeTxID builds a valid 64-hex txid from a seed byte.
func fakeTxID(seed byte) string {
	const hexDigits = "0123456789abcdef"
	b := make([]byte, 64)
	for i := range b {
		b[i] = hexDigits[int(seed+byte(i))%16]
	}
	return string(b)
}

func (f *buildFixture) request(amount int64, feeRate float64) Request {
	return Request{
		ToAddress:   destAddress,
		AmountSats:  amount,
		FeeRate:     feeRate,
		FromAddress: f.from,
		FromHint:    &PathHint{Change: wallet.ChangeExternal, Index: 0},
	}
}

// checkConservation asserts inputs = outputs + fee + dust.
func checkConservation(t *testing.T, res *Result) {
	t.Helper()
	var sumOut int64
	for _, out := range res.Outputs {
		sumOut += out.Value
	}
	if res.TotalInputSats != sumOut+res.FeeSats+res.DustBurnedSats {
		t.Errorf("conservation violated: in %d != out %d + fee %d + dust %d",
			res.TotalInputSats, sumOut, res.FeeSats, res.DustBurnedSats)
	}
	if res.FeeSats < 0 {
		t.Errorf("fee %d is negative", res.FeeSats)
	}
	if res.DustBurnedSats < 0 || res.DustBurnedSats >= DustLimit {
		t.Errorf("dust burned %d outside [0, %d)", res.DustBurnedSats, DustLimit)
	}
}

func TestBuildSpendWithChange(t *testing.T) {
	f := newBuildFixture(t)
	f.fund(f.from, 100000)

	res, err := f.builder.Build(context.Background(), f.deriver, f.request(50000, 2.0))
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	checkConservation(t, res)
	if res.AmountSats != 50000 {
		t.Errorf("AmountSats = %d, want 50000", res.AmountSats)
	}
	if res.ChangeSats == 0 || res.ChangeAddress != f.from {
		t.Errorf("change %d to %q, want change back to %q", res.ChangeSats, res.ChangeAddress, f.from)
	}
	if res.DustBurnedSats != 0 {
		t.Errorf("DustBurnedSats = %d, want 0", res.DustBurnedSats)
	}
	if res.FeeRate < MinFeeRate {
		t.Errorf("effective fee rate %v below minimum %v", res.FeeRate, MinFeeRate)
	}
	// The estimator is slightly conservative; allow a small tolerance.
	if res.FeeRate < res.RequestedFeeRate*0.9 {
		t.Errorf("effective fee rate %v too far below requested %v", res.FeeRate, res.RequestedFeeRate)
	}

	// Round-trip through the parser.
	parsed, err := ParseRawTx(res.RawTx)
	if err != nil {
		t.Fatalf("ParseRawTx() error: %v", err)
	}
	if parsed.TxID != res.TxID {
		t.Errorf("parsed txid %s != built txid %s", parsed.TxID, res.TxID)
	}
	if parsed.VSize != res.VSize {
		t.Errorf("parsed vsize %d != built vsize %d", parsed.VSize, res.VSize)
	}
}

func TestBuildWithMemo(t *testing.T) {
	f := newBuildFixture(t)
	f.fund(f.from, 80000)

	req := f.request(10000, 1.5)
	req.MemoText = "open me in 2050"
	res, err := f.builder.Build(context.Background(), f.deriver, req)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	checkConservation(t, res)
	var memo *OutputSummary
	for i := range res.Outputs {
		if res.Outputs[i].IsMemo {
			memo = &res.Outputs[i]
		}
	}
	if memo == nil {
		t.Fatal("no memo output in summary")
	}
	if memo.Value != 0 {
		t.Errorf("memo output value = %d, want 0", memo.Value)
	}
	if res.MemoText != req.MemoText {
		t.Errorf("MemoText = %q, want %q", res.MemoText, req.MemoText)
	}
}

func TestBuildDustChangeBurned(t *testing.T) {
	f := newBuildFixture(t)
	f.fund(f.from, 50000)

	// est(1 input, 2 outputs) = 140 vbytes, fee 140 sats at 1.0 sats/vB.
	// Remaining 350 leaves 210 of change, under the dust limit.
	res, err := f.builder.Build(context.Background(), f.deriver, f.request(49650, 1.0))
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	checkConservation(t, res)
	if res.DustBurnedSats != 210 {
		t.Errorf("DustBurnedSats = %d, want 210", res.DustBurnedSats)
	}
	if res.ChangeSats != 0 || res.ChangeAddress != "" {
		t.Errorf("dust change should be dropped, got %d to %q", res.ChangeSats, res.ChangeAddress)
	}
	if len(res.Outputs) != 1 {
		t.Errorf("got %d outputs, want 1", len(res.Outputs))
	}
}

func TestBuildExactAmountNoChange(t *testing.T) {
	f := newBuildFixture(t)
	f.fund(f.from, 50000)

	// Amount + fee exactly consumes the input.
	res, err := f.builder.Build(context.Background(), f.deriver, f.request(49860, 1.0))
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	checkConservation(t, res)
	if res.DustBurnedSats != 0 {
		t.Errorf("DustBurnedSats = %d, want 0", res.DustBurnedSats)
	}
	if res.ChangeSats != 0 {
		t.Errorf("ChangeSats = %d, want 0", res.ChangeSats)
	}
	if res.FeeSats != 140 {
		t.Errorf("FeeSats = %d, want 140", res.FeeSats)
	}
}

func TestBuildSmallestFirstSelection(t *testing.T) {
	f := newBuildFixture(t)
	f.fund(f.from, 30000, 1000, 8000)

	res, err := f.builder.Build(context.Background(), f.deriver, f.request(500, 1.0))
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	checkConservation(t, res)
	if len(res.Inputs) != 1 {
		t.Fatalf("selected %d inputs, want 1", len(res.Inputs))
	}
	if res.Inputs[0].Value != 1000 {
		t.Errorf("selected input value = %d, want the smallest (1000)", res.Inputs[0].Value)
	}
}

func TestBuildErrors(t *testing.T) {
	f := newBuildFixture(t)
	f.fund(f.from, 50000)

	tests := []struct {
		name    string
		mutate  func(*Request)
		wantErr error
	}{
		{"missing destination", func(r *Request) { r.ToAddress = "" }, ErrInvalidRequest},
		{"bad destination", func(r *Request) { r.ToAddress = "notanaddress" }, ErrInvalidRequest},
		{"zero amount", func(r *Request) { r.AmountSats = 0 }, ErrInvalidRequest},
		{"fee rate too low", func(r *Request) { r.FeeRate = 0.1 }, ErrInvalidRequest},
		{"memo too long", func(r *Request) { r.MemoText = strings.Repeat("x", OpReturnMaxBytes+1) }, ErrInvalidRequest},
		{"insufficient funds", func(r *Request) { r.AmountSats = 60000 }, ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.request(10000, 1.0)
			tt.mutate(&req)
			_, err := f.builder.Build(context.Background(), f.deriver, req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Build() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildNoUTXOs(t *testing.T) {
	f := newBuildFixture(t)
	// Nothing funded.
	_, err := f.builder.Build(context.Background(), f.deriver, f.request(1000, 1.0))
	if !errors.Is(err, ErrNoUTXOs) {
		t.Errorf("Build() error = %v, want ErrNoUTXOs", err)
	}
}

func TestParseRawTxRejectsGarbage(t *testing.T) {
	if _, err := ParseRawTx("nothex"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("ParseRawTx(nothex) error = %v, want ErrInvalidRequest", err)
	}
	if _, err := ParseRawTx("00"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("ParseRawTx(00) error = %v, want ErrInvalidRequest", err)
	}
}
