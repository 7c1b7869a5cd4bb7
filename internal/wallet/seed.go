package wallet

import (
	"github.com/tyler-smith/go-bip39"
)

// SeedSize is the length of a derived seed in bytes (512 bits).
const SeedSize = 64

// SeedFromMnemonic derives a 512-bit seed from a mnemonic using
// PBKDF2-HMAC-SHA512 with 2048 iterations and an empty passphrase, as
// specified in BIP39. The mnemonic is normalized and validated first.
func SeedFromMnemonic(mnemonic string) ([]byte, error) {
	normalized := NormalizeMnemonic(mnemonic)
	if err := ValidateMnemonic(normalized); err != nil {
		return nil, err
	}
	return bip39.NewSeed(normalized, ""), nil
}
