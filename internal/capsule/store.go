package capsule

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/capsulebtc/capsuled/internal/broadcast"
	"github.com/capsulebtc/capsuled/internal/storage"
)

// Key layout:
//
//	seed/<username>     -> SeedRecord JSON
//	c/<id(8 BE)>        -> Capsule JSON
//	meta/capsule-seq    -> uint64 BE, last issued capsule ID
//	settings/broadcast  -> BroadcastSetting JSON
var (
	prefixSeed       = []byte("seed/")
	prefixCapsule    = []byte("c/")
	keyCapsuleSeq    = []byte("meta/capsule-seq")
	keyBroadcastConf = []byte("settings/broadcast")
)

// Store persists seeds, capsules, and broadcast settings.
type Store struct {
	db storage.DB

	// seq guards capsule ID issuance.
	seq sync.Mutex
}

// NewStore creates a store over db.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// PutSeed stores a seed record keyed by its username.
func (s *Store) PutSeed(rec *SeedRecord) error {
	if rec.Username == "" {
		return fmt.Errorf("seed put: empty username")
	}
	rec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("seed marshal: %w", err)
	}
	return s.db.Put(seedKey(rec.Username), data)
}

// GetSeed retrieves the seed record for a username. Returns ErrNoSeed when
// none is stored.
func (s *Store) GetSeed(username string) (*SeedRecord, error) {
	data, err := s.db.Get(seedKey(username))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoSeed
	}
	if err != nil {
		return nil, fmt.Errorf("seed get: %w", err)
	}
	var rec SeedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("seed unmarshal: %w", err)
	}
	return &rec, nil
}

// DeleteSeed removes the seed record for a username.
func (s *Store) DeleteSeed(username string) error {
	return s.db.Delete(seedKey(username))
}

// CreateCapsule assigns the next capsule ID and persists the record.
func (s *Store) CreateCapsule(c *Capsule) error {
	s.seq.Lock()
	defer s.seq.Unlock()

	var last uint64
	data, err := s.db.Get(keyCapsuleSeq)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("capsule seq: %w", err)
	case len(data) == 8:
		last = binary.BigEndian.Uint64(data)
	}

	c.ID = last + 1
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if err := s.putCapsule(c); err != nil {
		return err
	}

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], c.ID)
	return s.db.Put(keyCapsuleSeq, seq[:])
}

// UpdateCapsule overwrites an existing capsule record.
func (s *Store) UpdateCapsule(c *Capsule) error {
	if c.ID == 0 {
		return fmt.Errorf("capsule update: zero ID")
	}
	return s.putCapsule(c)
}

func (s *Store) putCapsule(c *Capsule) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("capsule marshal: %w", err)
	}
	return s.db.Put(capsuleKey(c.ID), data)
}

// GetCapsule retrieves a capsule by ID.
func (s *Store) GetCapsule(id uint64) (*Capsule, error) {
	data, err := s.db.Get(capsuleKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("capsule get: %w", err)
	}
	var c Capsule
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("capsule unmarshal: %w", err)
	}
	return &c, nil
}

// DeleteCapsule removes a capsule record. Deleting a missing capsule returns
// ErrNotFound.
func (s *Store) DeleteCapsule(id uint64) error {
	ok, err := s.db.Has(capsuleKey(id))
	if err != nil {
		return fmt.Errorf("capsule has: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return s.db.Delete(capsuleKey(id))
}

// ForEachCapsule iterates over all capsules in key order.
// Return a non-nil error from fn to stop iteration early.
func (s *Store) ForEachCapsule(fn func(*Capsule) error) error {
	return s.db.ForEach(prefixCapsule, func(key, value []byte) error {
		var c Capsule
		if err := json.Unmarshal(value, &c); err != nil {
			return nil // Skip corrupt entries.
		}
		return fn(&c)
	})
}

// ListCapsules returns one page of capsules, newest first, plus the total
// count. Page numbering starts at 1.
func (s *Store) ListCapsules(page, pageSize int) ([]*Capsule, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	var all []*Capsule
	if err := s.ForEachCapsule(func(c *Capsule) error {
		all = append(all, c)
		return nil
	}); err != nil {
		return nil, 0, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	total := len(all)
	start := (page - 1) * pageSize
	if start >= total {
		return []*Capsule{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

// AssignedAddresses returns every address currently bound to a capsule.
func (s *Store) AssignedAddresses() ([]string, error) {
	var addrs []string
	err := s.ForEachCapsule(func(c *Capsule) error {
		if c.Assigned() {
			addrs = append(addrs, c.BitcoinAddress)
		}
		return nil
	})
	return addrs, err
}

// FindByAddress returns the capsule bound to addr, or ErrNotFound.
func (s *Store) FindByAddress(addr string) (*Capsule, error) {
	var found *Capsule
	err := s.ForEachCapsule(func(c *Capsule) error {
		if c.BitcoinAddress == addr {
			found = c
			return errStopIteration
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

var errStopIteration = errors.New("stop iteration")

// GetBroadcastSetting returns the effective broadcast endpoint. Missing,
// deprecated, or portless configurations are replaced with the default node
// and the replacement is persisted.
func (s *Store) GetBroadcastSetting() (*BroadcastSetting, error) {
	var setting BroadcastSetting
	data, err := s.db.Get(keyBroadcastConf)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("broadcast setting get: %w", err)
	default:
		if err := json.Unmarshal(data, &setting); err != nil {
			return nil, fmt.Errorf("broadcast setting unmarshal: %w", err)
		}
	}

	host, port, replaced := broadcast.ApplyDeprecatedHostPolicy(setting.Host, setting.Port)
	if replaced {
		setting.Host = host
		setting.Port = port
		if err := s.PutBroadcastSetting(&setting); err != nil {
			return nil, err
		}
	}
	return &setting, nil
}

// PutBroadcastSetting stores the broadcast endpoint configuration.
func (s *Store) PutBroadcastSetting(setting *BroadcastSetting) error {
	setting.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(setting)
	if err != nil {
		return fmt.Errorf("broadcast setting marshal: %w", err)
	}
	return s.db.Put(keyBroadcastConf, data)
}

func seedKey(username string) []byte {
	key := make([]byte, 0, len(prefixSeed)+len(username))
	key = append(key, prefixSeed...)
	return append(key, username...)
}

func capsuleKey(id uint64) []byte {
	key := make([]byte, len(prefixCapsule)+8)
	copy(key, prefixCapsule)
	binary.BigEndian.PutUint64(key[len(prefixCapsule):], id)
	return key
}
