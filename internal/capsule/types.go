// Package capsule persists custodial seed records, time capsules, and
// broadcast settings, and allocates capsule receive addresses.
package capsule

import (
	"errors"
	"time"
)

// CustodialUsername is the owner of the single custodial seed record.
const CustodialUsername = "timecapsule"

// Store and allocator errors.
var (
	ErrNotFound       = errors.New("record not found")
	ErrNoSeed         = errors.New("no seed configured")
	ErrAddressClaimed = errors.New("address already claimed by another capsule")
	ErrOutsideTree    = errors.New("address does not belong to the wallet tree")
)

// SeedRecord is the custodial wallet seed with its allocation cursor.
// NextAddressIndex is the first external-chain index not yet handed to a
// capsule; it only ever moves forward.
type SeedRecord struct {
	Username         string    `json:"username"`
	Mnemonic         string    `json:"mnemonic"`
	NextAddressIndex uint32    `json:"next_address_index"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Capsule is a stored time capsule. BitcoinAddress and AddressIndex are set
// when an address from the custodial tree is assigned to it.
type Capsule struct {
	ID               uint64     `json:"id"`
	EncryptedMessage string     `json:"encrypted_message"`
	UserInfo         string     `json:"user_info"`
	BitcoinAddress   string     `json:"bitcoin_address"`
	AddressIndex     *uint32    `json:"address_index"`
	SeedUsername     string     `json:"seed_username,omitempty"`
	IsCouponUsed     bool       `json:"is_coupon_used"`
	BroadcastTxID    string     `json:"broadcast_txid,omitempty"`
	BroadcastedAt    *time.Time `json:"broadcasted_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Assigned reports whether the capsule holds a wallet address.
func (c *Capsule) Assigned() bool {
	return c.BitcoinAddress != ""
}

// BroadcastSetting is the singleton full-node endpoint configuration.
type BroadcastSetting struct {
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	UpdatedAt time.Time `json:"updated_at"`
}
