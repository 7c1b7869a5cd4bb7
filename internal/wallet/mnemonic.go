// Package wallet implements BIP39 mnemonic handling and BIP84 key derivation.
package wallet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/text/unicode/norm"
)

// Mnemonic validation errors.
var (
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
	ErrDerivation      = errors.New("derivation failure")
)

// GenerateEntropyBits is the entropy size for freshly generated mnemonics
// (128 bits = 12 words).
const GenerateEntropyBits = 128

// validWordCounts are the BIP39 sentence lengths.
var validWordCounts = map[int]bool{12: true, 15: true, 18: true, 21: true, 24: true}

// NormalizeMnemonic applies NFKD, trims and lower-cases the mnemonic, and
// collapses all internal whitespace runs to single ASCII spaces. The result
// is the canonical form used for validation, seeding, and storage.
func NormalizeMnemonic(m string) string {
	m = norm.NFKD.String(m)
	return strings.ToLower(strings.Join(strings.Fields(m), " "))
}

// ValidateMnemonic normalizes the mnemonic and checks it against the English
// BIP39 wordlist: word count, word membership, and checksum. The returned
// error wraps ErrInvalidMnemonic with the specific reason.
func ValidateMnemonic(m string) error {
	normalized := NormalizeMnemonic(m)
	words := strings.Fields(normalized)
	if !validWordCounts[len(words)] {
		return fmt.Errorf("%w: word count %d (want 12, 15, 18, 21 or 24)", ErrInvalidMnemonic, len(words))
	}
	for _, w := range words {
		if _, ok := bip39.GetWordIndex(w); !ok {
			return fmt.Errorf("%w: unknown word %q", ErrInvalidMnemonic, w)
		}
	}
	if !bip39.IsMnemonicValid(normalized) {
		return fmt.Errorf("%w: checksum failed", ErrInvalidMnemonic)
	}
	return nil
}

// GenerateMnemonic creates a new 12-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(GenerateEntropyBits)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generate mnemonic: %w", err)
	}
	return mnemonic, nil
}
