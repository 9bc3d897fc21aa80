package main

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/base58"

	"supplyledger/ledger"
	"supplyledger/protocol/params"
)

// A receipt code names one block: Base58Check of uvarint(index) followed by
// the raw digest. Holding a code lets a producer later prove its event was
// recorded at that position with that content.

var errBadReceipt = errors.New("invalid receipt code")

func encodeReceipt(index uint64, digest string) (string, error) {
	raw, err := ledger.DecodeDigest(digest)
	if err != nil {
		return "", err
	}
	buf := make([]byte, 0, binary.MaxVarintLen64+len(raw))
	buf = binary.AppendUvarint(buf, index)
	buf = append(buf, raw[:]...)
	return base58.CheckEncode(buf, params.ReceiptVersion), nil
}

func decodeReceipt(code string) (uint64, string, error) {
	payload, version, err := base58.CheckDecode(code)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", errBadReceipt, err)
	}
	if version != params.ReceiptVersion {
		return 0, "", fmt.Errorf("%w: version 0x%02x", errBadReceipt, version)
	}
	index, n := binary.Uvarint(payload)
	if n <= 0 {
		return 0, "", fmt.Errorf("%w: bad index", errBadReceipt)
	}
	rest := payload[n:]
	if len(rest) != ledger.DigestSize {
		return 0, "", fmt.Errorf("%w: digest is %d bytes", errBadReceipt, len(rest))
	}
	return index, fmt.Sprintf("%x", rest), nil
}

// ReceiptStatus is the result of resolving a receipt against the ledger.
type ReceiptStatus struct {
	Code      string        `json:"code"`
	Index     uint64        `json:"block_index"`
	Digest    string        `json:"hash"`
	Confirmed bool          `json:"confirmed"`
	Reason    string        `json:"reason,omitempty"`
	Event     *ledger.Event `json:"event,omitempty"`
}

// resolveReceipt checks that the block named by code is on the chain.
func resolveReceipt(l *ledger.Ledger, code string) (ReceiptStatus, error) {
	index, digest, err := decodeReceipt(code)
	if err != nil {
		return ReceiptStatus{}, err
	}
	st := ReceiptStatus{Code: code, Index: index, Digest: digest}
	b, ok := l.Block(index)
	switch {
	case !ok:
		st.Reason = "no block at that index"
	case b.Digest != digest:
		st.Reason = "block at that index has a different hash"
	case b.Digest != b.ComputeDigest(l.Hash()):
		st.Reason = "block contents no longer match its hash"
	default:
		st.Confirmed = true
		if !b.IsGenesis() {
			ev := b.Event()
			st.Event = &ev
		}
	}
	return st, nil
}
