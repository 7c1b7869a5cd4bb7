package txbuilder

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// ParsedTx summarizes an externally supplied raw transaction.
type ParsedTx struct {
	TxID  string
	VSize int
}

// ParseRawTx decodes a raw transaction hex and reports its txid and vsize.
// Used when the operator broadcasts a previously built transaction.
func ParseRawTx(rawHex string) (*ParsedTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("%w: raw transaction is not valid hex", ErrInvalidRequest)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: raw transaction does not deserialize: %v", ErrInvalidRequest, err)
	}

	baseSize := tx.SerializeSizeStripped()
	totalSize := tx.SerializeSize()
	return &ParsedTx{
		TxID:  tx.TxHash().String(),
		VSize: (baseSize*3 + totalSize + 3) / 4,
	}, nil
}
