package wallet

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

// BIP84 derivation path constants.
// Full path: m/84'/0'/account'/change/index
const (
	// PurposeBIP84 is the BIP84 purpose field (hardened).
	PurposeBIP84 = hdkeychain.HardenedKeyStart + 84

	// CoinTypeBitcoin is the mainnet Bitcoin coin type (hardened).
	CoinTypeBitcoin = hdkeychain.HardenedKeyStart + 0

	// ChangeExternal is for receiving addresses.
	ChangeExternal = 0

	// ChangeInternal is for change addresses.
	ChangeInternal = 1
)

// zpubVersionBytes are the conventional BIP84 account xpub version bytes
// ("zpub" in base58).
var zpubVersionBytes = []byte{0x04, 0xb2, 0x47, 0x46}

// Deriver derives BIP84 keys and P2WPKH addresses from a single master key.
// It is safe for concurrent use; account-level keys are cached since every
// leaf derivation passes through the same three hardened steps.
type Deriver struct {
	master *hdkeychain.ExtendedKey
	params *chaincfg.Params

	mu       sync.Mutex
	accounts map[uint32]*hdkeychain.ExtendedKey
}

// NewDeriver normalizes and validates the mnemonic, produces the BIP39 seed,
// and initializes a mainnet BIP32 master key.
func NewDeriver(mnemonic string) (*Deriver, error) {
	seed, err := SeedFromMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("%w: master key: %v", ErrDerivation, err)
	}
	return &Deriver{
		master:   master,
		params:   &chaincfg.MainNetParams,
		accounts: make(map[uint32]*hdkeychain.ExtendedKey),
	}, nil
}

// accountKey derives (and caches) the account key at m/84'/0'/account'.
func (d *Deriver) accountKey(account uint32) (*hdkeychain.ExtendedKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if key, ok := d.accounts[account]; ok {
		return key, nil
	}

	purpose, err := d.master.Derive(PurposeBIP84)
	if err != nil {
		return nil, fmt.Errorf("%w: purpose: %v", ErrDerivation, err)
	}
	coinType, err := purpose.Derive(CoinTypeBitcoin)
	if err != nil {
		return nil, fmt.Errorf("%w: coin type: %v", ErrDerivation, err)
	}
	acct, err := coinType.Derive(hdkeychain.HardenedKeyStart + account)
	if err != nil {
		return nil, fmt.Errorf("%w: account %d: %v", ErrDerivation, account, err)
	}

	d.accounts[account] = acct
	return acct, nil
}

// leafKey derives the key at m/84'/0'/account'/change/index.
func (d *Deriver) leafKey(account, change, index uint32) (*hdkeychain.ExtendedKey, error) {
	acct, err := d.accountKey(account)
	if err != nil {
		return nil, err
	}
	chain, err := acct.Derive(change)
	if err != nil {
		return nil, fmt.Errorf("%w: change %d: %v", ErrDerivation, change, err)
	}
	leaf, err := chain.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("%w: index %d: %v", ErrDerivation, index, err)
	}
	return leaf, nil
}

// Address derives the P2WPKH bech32 address at the given path.
func (d *Deriver) Address(account, change, index uint32) (string, error) {
	leaf, err := d.leafKey(account, change, index)
	if err != nil {
		return "", err
	}
	pub, err := leaf.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("%w: pubkey at %d/%d: %v", ErrDerivation, change, index, err)
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()), d.params)
	if err != nil {
		return "", fmt.Errorf("%w: encode address at %d/%d: %v", ErrDerivation, change, index, err)
	}
	return addr.EncodeAddress(), nil
}

// Addresses derives count consecutive P2WPKH addresses starting at start.
func (d *Deriver) Addresses(account, change, start, count uint32) ([]string, error) {
	addrs := make([]string, 0, count)
	for i := start; i < start+count; i++ {
		addr, err := d.Address(account, change, i)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// PrivateKey derives the secp256k1 private key at the given path.
func (d *Deriver) PrivateKey(account, change, index uint32) (*btcec.PrivateKey, error) {
	leaf, err := d.leafKey(account, change, index)
	if err != nil {
		return nil, err
	}
	priv, err := leaf.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("%w: private key at %d/%d: %v", ErrDerivation, change, index, err)
	}
	return priv, nil
}

// AccountZpub returns the account extended public key at m/84'/0'/account'
// serialized with the conventional BIP84 "zpub" version bytes.
func (d *Deriver) AccountZpub(account uint32) (string, error) {
	acct, err := d.accountKey(account)
	if err != nil {
		return "", err
	}
	neutered, err := acct.Neuter()
	if err != nil {
		return "", fmt.Errorf("%w: zpub serialization: %v", ErrDerivation, err)
	}
	zpub, err := neutered.CloneWithVersion(zpubVersionBytes)
	if err != nil {
		return "", fmt.Errorf("%w: zpub serialization: %v", ErrDerivation, err)
	}
	return zpub.String(), nil
}

// MasterFingerprint returns the hex-encoded BIP32 master key fingerprint:
// the first four bytes of HASH160(master pubkey).
func (d *Deriver) MasterFingerprint() (string, error) {
	pub, err := d.master.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("%w: master pubkey: %v", ErrDerivation, err)
	}
	return hex.EncodeToString(btcutil.Hash160(pub.SerializeCompressed())[:4]), nil
}
