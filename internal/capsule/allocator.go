package capsule

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/capsulebtc/capsuled/internal/log"
	"github.com/capsulebtc/capsuled/internal/wallet"
)

// maxAllocationScan bounds the collision-skip loop during auto assignment.
const maxAllocationScan = 1000

// AssignResult reports the outcome of an address assignment.
type AssignResult struct {
	Capsule         *Capsule
	Address         string
	Index           uint32
	AlreadyAssigned bool
}

// UnassignResult reports the outcome of releasing a capsule address.
type UnassignResult struct {
	Capsule           *Capsule
	AlreadyUnassigned bool
}

// Allocator hands external-chain addresses to capsules. All cursor reads and
// writes for a seed happen under that seed's mutex, so concurrent assignments
// never issue the same index twice.
type Allocator struct {
	store  *Store
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAllocator creates an allocator over the given store.
func NewAllocator(store *Store) *Allocator {
	return &Allocator{
		store:  store,
		logger: log.WithComponent("capsule"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (a *Allocator) seedLock(username string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[username]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[username] = lock
	}
	return lock
}

// Assign binds the next unclaimed external-chain address to the capsule and
// advances the seed cursor past it. Assigning an already assigned capsule is
// idempotent and returns its existing binding.
func (a *Allocator) Assign(d *wallet.Deriver, username string, capsuleID uint64, account uint32) (*AssignResult, error) {
	lock := a.seedLock(username)
	lock.Lock()
	defer lock.Unlock()

	c, err := a.store.GetCapsule(capsuleID)
	if err != nil {
		return nil, err
	}
	if c.Assigned() {
		return &AssignResult{
			Capsule:         c,
			Address:         c.BitcoinAddress,
			Index:           derefIndex(c.AddressIndex),
			AlreadyAssigned: true,
		}, nil
	}

	seed, err := a.store.GetSeed(username)
	if err != nil {
		return nil, err
	}

	idx := seed.NextAddressIndex
	var addr string
	for attempts := 0; ; attempts++ {
		if attempts >= maxAllocationScan {
			return nil, fmt.Errorf("no unclaimed address within %d indexes of cursor", maxAllocationScan)
		}
		addr, err = d.Address(account, wallet.ChangeExternal, idx)
		if err != nil {
			return nil, fmt.Errorf("derive index %d: %w", idx, err)
		}
		if _, err := a.store.FindByAddress(addr); errors.Is(err, ErrNotFound) {
			break
		} else if err != nil {
			return nil, err
		}
		idx++
	}

	if err := a.bind(c, seed, addr, idx); err != nil {
		return nil, err
	}
	a.logger.Info().Uint64("capsule", capsuleID).Str("address", addr).
		Uint32("index", idx).Msg("address assigned")
	return &AssignResult{Capsule: c, Address: addr, Index: idx}, nil
}

// AssignAt binds the external-chain address at a specific index. The index
// must not be claimed by another capsule. The cursor advances to index+1 when
// it was behind, and never rewinds.
func (a *Allocator) AssignAt(d *wallet.Deriver, username string, capsuleID uint64, account, index uint32) (*AssignResult, error) {
	lock := a.seedLock(username)
	lock.Lock()
	defer lock.Unlock()

	c, err := a.store.GetCapsule(capsuleID)
	if err != nil {
		return nil, err
	}
	if c.Assigned() {
		return &AssignResult{
			Capsule:         c,
			Address:         c.BitcoinAddress,
			Index:           derefIndex(c.AddressIndex),
			AlreadyAssigned: true,
		}, nil
	}

	seed, err := a.store.GetSeed(username)
	if err != nil {
		return nil, err
	}
	addr, err := d.Address(account, wallet.ChangeExternal, index)
	if err != nil {
		return nil, fmt.Errorf("%w: index %d: %v", ErrOutsideTree, index, err)
	}
	if owner, err := a.store.FindByAddress(addr); err == nil && owner.ID != capsuleID {
		return nil, fmt.Errorf("%w: %s held by capsule %d", ErrAddressClaimed, addr, owner.ID)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if err := a.bind(c, seed, addr, index); err != nil {
		return nil, err
	}
	a.logger.Info().Uint64("capsule", capsuleID).Str("address", addr).
		Uint32("index", index).Msg("address pinned")
	return &AssignResult{Capsule: c, Address: addr, Index: index}, nil
}

func (a *Allocator) bind(c *Capsule, seed *SeedRecord, addr string, idx uint32) error {
	c.BitcoinAddress = addr
	index := idx
	c.AddressIndex = &index
	c.SeedUsername = seed.Username
	if err := a.store.UpdateCapsule(c); err != nil {
		return err
	}
	if idx+1 > seed.NextAddressIndex {
		seed.NextAddressIndex = idx + 1
		if err := a.store.PutSeed(seed); err != nil {
			return err
		}
	}
	return nil
}

// Unassign releases a capsule's address binding. The seed cursor is left
// untouched, so a released index is never reissued. Unassigning an unbound
// capsule is idempotent.
func (a *Allocator) Unassign(capsuleID uint64) (*UnassignResult, error) {
	c, err := a.store.GetCapsule(capsuleID)
	if err != nil {
		return nil, err
	}
	if !c.Assigned() {
		return &UnassignResult{Capsule: c, AlreadyUnassigned: true}, nil
	}

	addr := c.BitcoinAddress
	c.BitcoinAddress = ""
	c.AddressIndex = nil
	c.SeedUsername = ""
	if err := a.store.UpdateCapsule(c); err != nil {
		return nil, err
	}
	a.logger.Info().Uint64("capsule", capsuleID).Str("address", addr).Msg("address released")
	return &UnassignResult{Capsule: c}, nil
}

func derefIndex(p *uint32) uint32 {
	if p == nil {
		return 0
	}
	return *p
}
