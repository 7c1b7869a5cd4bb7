package capsule

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/capsulebtc/capsuled/internal/storage"
	"github.com/capsulebtc/capsuled/internal/wallet"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func newTestAllocator(t *testing.T) (*Allocator, *Store, *wallet.Deriver) {
	t.Helper()
	store := NewStore(storage.NewMemory())
	seed := &SeedRecord{
		Username:  CustodialUsername,
		Mnemonic:  testMnemonic,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.PutSeed(seed); err != nil {
		t.Fatalf("PutSeed() error: %v", err)
	}
	d, err := wallet.NewDeriver(testMnemonic)
	if err != nil {
		t.Fatalf("NewDeriver() error: %v", err)
	}
	return NewAllocator(store), store, d
}

func createCapsule(t *testing.T, store *Store) *Capsule {
	t.Helper()
	c := &Capsule{EncryptedMessage: "sealed"}
	if err := store.CreateCapsule(c); err != nil {
		t.Fatalf("CreateCapsule() error: %v", err)
	}
	return c
}

func TestAssignAdvancesCursor(t *testing.T) {
	alloc, store, d := newTestAllocator(t)

	seed, _ := store.GetSeed(CustodialUsername)
	seed.NextAddressIndex = 5
	if err := store.PutSeed(seed); err != nil {
		t.Fatalf("PutSeed() error: %v", err)
	}

	c := createCapsule(t, store)
	res, err := alloc.Assign(d, CustodialUsername, c.ID, 0)
	if err != nil {
		t.Fatalf("Assign() error: %v", err)
	}

	want, _ := d.Address(0, wallet.ChangeExternal, 5)
	if res.Address != want || res.Index != 5 {
		t.Errorf("Assign() = (%s, %d), want (%s, 5)", res.Address, res.Index, want)
	}
	if res.AlreadyAssigned {
		t.Error("fresh assignment flagged already_assigned")
	}

	seed, _ = store.GetSeed(CustodialUsername)
	if seed.NextAddressIndex != 6 {
		t.Errorf("cursor = %d after assignment, want 6", seed.NextAddressIndex)
	}

	stored, _ := store.GetCapsule(c.ID)
	if stored.BitcoinAddress != want || stored.AddressIndex == nil || *stored.AddressIndex != 5 {
		t.Errorf("capsule binding = (%s, %v)", stored.BitcoinAddress, stored.AddressIndex)
	}
	if stored.SeedUsername != CustodialUsername {
		t.Errorf("SeedUsername = %q", stored.SeedUsername)
	}
}

func TestAssignIdempotent(t *testing.T) {
	alloc, store, d := newTestAllocator(t)
	c := createCapsule(t, store)

	first, err := alloc.Assign(d, CustodialUsername, c.ID, 0)
	if err != nil {
		t.Fatalf("Assign() error: %v", err)
	}
	second, err := alloc.Assign(d, CustodialUsername, c.ID, 0)
	if err != nil {
		t.Fatalf("Assign() twice error: %v", err)
	}

	if !second.AlreadyAssigned {
		t.Error("second assignment should report already_assigned")
	}
	if second.Address != first.Address || second.Index != first.Index {
		t.Errorf("second assignment rebound to (%s, %d)", second.Address, second.Index)
	}

	seed, _ := store.GetSeed(CustodialUsername)
	if seed.NextAddressIndex != 1 {
		t.Errorf("cursor = %d, want 1 (no advance on idempotent call)", seed.NextAddressIndex)
	}
}

func TestAssignBijection(t *testing.T) {
	alloc, store, d := newTestAllocator(t)

	seen := make(map[string]uint64)
	for i := 0; i < 5; i++ {
		c := createCapsule(t, store)
		res, err := alloc.Assign(d, CustodialUsername, c.ID, 0)
		if err != nil {
			t.Fatalf("Assign() error: %v", err)
		}
		if owner, dup := seen[res.Address]; dup {
			t.Fatalf("address %s issued to capsules %d and %d", res.Address, owner, c.ID)
		}
		seen[res.Address] = c.ID
	}
}

func TestAssignConcurrentNeverReissues(t *testing.T) {
	alloc, store, d := newTestAllocator(t)

	const n = 8
	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = createCapsule(t, store).ID
	}

	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := alloc.Assign(d, CustodialUsername, ids[i], 0)
			if err != nil {
				t.Errorf("Assign(%d) error: %v", ids[i], err)
				return
			}
			results[i] = res.Address
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, addr := range results {
		if addr == "" {
			continue
		}
		if seen[addr] {
			t.Fatalf("address %s issued twice under concurrency", addr)
		}
		seen[addr] = true
	}

	seed, _ := store.GetSeed(CustodialUsername)
	if int(seed.NextAddressIndex) != n {
		t.Errorf("cursor = %d after %d assignments, want %d", seed.NextAddressIndex, n, n)
	}
}

func TestAssignAtPinned(t *testing.T) {
	alloc, store, d := newTestAllocator(t)
	c := createCapsule(t, store)

	res, err := alloc.AssignAt(d, CustodialUsername, c.ID, 0, 9)
	if err != nil {
		t.Fatalf("AssignAt() error: %v", err)
	}
	want, _ := d.Address(0, wallet.ChangeExternal, 9)
	if res.Address != want || res.Index != 9 {
		t.Errorf("AssignAt() = (%s, %d), want (%s, 9)", res.Address, res.Index, want)
	}

	// Cursor jumps past the pinned index.
	seed, _ := store.GetSeed(CustodialUsername)
	if seed.NextAddressIndex != 10 {
		t.Errorf("cursor = %d, want 10", seed.NextAddressIndex)
	}

	// Pinning behind the cursor must not rewind it.
	c2 := createCapsule(t, store)
	if _, err := alloc.AssignAt(d, CustodialUsername, c2.ID, 0, 2); err != nil {
		t.Fatalf("AssignAt(2) error: %v", err)
	}
	seed, _ = store.GetSeed(CustodialUsername)
	if seed.NextAddressIndex != 10 {
		t.Errorf("cursor = %d after low pin, want 10 (never rewinds)", seed.NextAddressIndex)
	}
}

func TestAssignAtClaimedRejected(t *testing.T) {
	alloc, store, d := newTestAllocator(t)
	c1 := createCapsule(t, store)
	c2 := createCapsule(t, store)

	if _, err := alloc.AssignAt(d, CustodialUsername, c1.ID, 0, 3); err != nil {
		t.Fatalf("AssignAt() error: %v", err)
	}
	if _, err := alloc.AssignAt(d, CustodialUsername, c2.ID, 0, 3); !errors.Is(err, ErrAddressClaimed) {
		t.Errorf("AssignAt(claimed) = %v, want ErrAddressClaimed", err)
	}
}

func TestAssignSkipsClaimedIndex(t *testing.T) {
	alloc, store, d := newTestAllocator(t)

	// Pin index 0 to one capsule, leaving the cursor at 1, then force the
	// cursor back to 0 to simulate a reset. Auto assignment must skip the
	// claimed index instead of double-issuing it.
	c1 := createCapsule(t, store)
	if _, err := alloc.AssignAt(d, CustodialUsername, c1.ID, 0, 0); err != nil {
		t.Fatalf("AssignAt() error: %v", err)
	}
	seed, _ := store.GetSeed(CustodialUsername)
	seed.NextAddressIndex = 0
	if err := store.PutSeed(seed); err != nil {
		t.Fatalf("PutSeed() error: %v", err)
	}

	c2 := createCapsule(t, store)
	res, err := alloc.Assign(d, CustodialUsername, c2.ID, 0)
	if err != nil {
		t.Fatalf("Assign() error: %v", err)
	}
	if res.Index != 1 {
		t.Errorf("auto assignment picked index %d, want 1 (0 is claimed)", res.Index)
	}
}

func TestUnassign(t *testing.T) {
	alloc, store, d := newTestAllocator(t)
	c := createCapsule(t, store)

	if _, err := alloc.Assign(d, CustodialUsername, c.ID, 0); err != nil {
		t.Fatalf("Assign() error: %v", err)
	}

	res, err := alloc.Unassign(c.ID)
	if err != nil {
		t.Fatalf("Unassign() error: %v", err)
	}
	if res.AlreadyUnassigned {
		t.Error("first unassign flagged already_unassigned")
	}

	stored, _ := store.GetCapsule(c.ID)
	if stored.Assigned() || stored.AddressIndex != nil || stored.SeedUsername != "" {
		t.Errorf("binding not fully cleared: %+v", stored)
	}

	// Cursor stays put; gaps are legal.
	seed, _ := store.GetSeed(CustodialUsername)
	if seed.NextAddressIndex != 1 {
		t.Errorf("cursor = %d after unassign, want 1", seed.NextAddressIndex)
	}

	again, err := alloc.Unassign(c.ID)
	if err != nil {
		t.Fatalf("Unassign() twice error: %v", err)
	}
	if !again.AlreadyUnassigned {
		t.Error("second unassign should report already_unassigned")
	}
}

func TestAssignWithoutSeed(t *testing.T) {
	store := NewStore(storage.NewMemory())
	alloc := NewAllocator(store)
	d, err := wallet.NewDeriver(testMnemonic)
	if err != nil {
		t.Fatalf("NewDeriver() error: %v", err)
	}
	c := createCapsule(t, store)

	if _, err := alloc.Assign(d, CustodialUsername, c.ID, 0); !errors.Is(err, ErrNoSeed) {
		t.Errorf("Assign() without seed = %v, want ErrNoSeed", err)
	}
	if _, err := alloc.Assign(d, CustodialUsername, 999, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Assign() missing capsule = %v, want ErrNotFound", err)
	}
}
