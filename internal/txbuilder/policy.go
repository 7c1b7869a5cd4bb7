package txbuilder

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
)

// Spend policy constants.
const (
	// DustLimit is the P2WPKH dust threshold in sats. Change below this is
	// burned to fee instead of creating an uneconomical output.
	DustLimit = 294

	// MinFeeRate is the lowest accepted fee rate in sats/vB.
	MinFeeRate = 0.5

	// OpReturnMaxBytes caps the UTF-8 memo carried in an OP_RETURN output.
	OpReturnMaxBytes = 220

	// DefaultScanLimit is the per-chain derive limit for auto UTXO
	// gathering; MaxScanLimit is the hard cap.
	DefaultScanLimit = 50
	MaxScanLimit     = 200
)

// EstimateVBytes approximates the virtual size of a P2WPKH spend:
// 10 bytes of overhead, 68 per input, 31 per output. Inputs and outputs are
// floored at one.
func EstimateVBytes(numInputs, numOutputs int) int {
	if numInputs < 1 {
		numInputs = 1
	}
	if numOutputs < 1 {
		numOutputs = 1
	}
	return 10 + numInputs*68 + numOutputs*31
}

// BuildOpReturnScript encodes a memo as an OP_RETURN lock script:
// 0x6a followed by a single-byte push for memos up to 75 bytes, or
// OP_PUSHDATA1 (0x4c len) up to OpReturnMaxBytes. The standard
// txscript.NullDataScript helper caps data at 80 bytes, so the push is
// written out explicitly here.
func BuildOpReturnScript(memo string) ([]byte, error) {
	if memo == "" {
		return nil, fmt.Errorf("%w: empty memo", ErrInvalidRequest)
	}
	data := []byte(memo)
	if len(data) > OpReturnMaxBytes {
		return nil, fmt.Errorf("%w: memo exceeds %d bytes", ErrInvalidRequest, OpReturnMaxBytes)
	}

	script := make([]byte, 0, len(data)+3)
	script = append(script, txscript.OP_RETURN)
	if len(data) <= 75 {
		script = append(script, byte(len(data)))
	} else {
		script = append(script, txscript.OP_PUSHDATA1, byte(len(data)))
	}
	return append(script, data...), nil
}

// IsOpReturnScript reports whether a lock script is an OP_RETURN script.
func IsOpReturnScript(script []byte) bool {
	return len(script) > 0 && script[0] == txscript.OP_RETURN
}
