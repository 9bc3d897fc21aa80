package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// blockRecord is the persisted and wire form of a Block.
type blockRecord struct {
	Index          uint64     `json:"index"`
	Timestamp      recordTime `json:"timestamp"`
	Payload        Payload    `json:"data"`
	PreviousDigest string     `json:"previous_hash"`
	Nonce          uint64     `json:"nonce"`
	Digest         string     `json:"hash"`
	Difficulty     int        `json:"difficulty"`
}

// recordTime writes RFC 3339 strings and also reads the older numeric form
// (fractional Unix seconds).
type recordTime time.Time

func (t recordTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(canonicalTime(time.Time(t)))
}

func (t *recordTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty timestamp")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
		*t = recordTime(parsed.UTC())
		return nil
	}
	secs, err := decimal.NewFromString(string(data))
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", data, err)
	}
	whole := secs.Truncate(0)
	nanos := secs.Sub(whole).Shift(9).Truncate(0)
	*t = recordTime(time.Unix(whole.IntPart(), nanos.IntPart()).UTC())
	return nil
}

func toRecord(b *Block) blockRecord {
	payload := b.Payload
	if payload == nil {
		payload = Payload{}
	}
	return blockRecord{
		Index:          b.Index,
		Timestamp:      recordTime(b.Timestamp),
		Payload:        payload,
		PreviousDigest: b.PreviousDigest,
		Nonce:          b.Nonce,
		Digest:         b.Digest,
		Difficulty:     b.Difficulty,
	}
}

func (r blockRecord) block() Block {
	return Block{
		Index:          r.Index,
		Timestamp:      time.Time(r.Timestamp),
		Payload:        r.Payload,
		PreviousDigest: r.PreviousDigest,
		Nonce:          r.Nonce,
		Difficulty:     r.Difficulty,
		Digest:         r.Digest,
	}
}

func (b Block) MarshalJSON() ([]byte, error) {
	return json.Marshal(toRecord(&b))
}

func (b *Block) UnmarshalJSON(data []byte) error {
	var r blockRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*b = r.block()
	return nil
}

// EncodeChain renders blocks as the indented JSON array stored on disk.
func EncodeChain(blocks []Block) ([]byte, error) {
	recs := make([]blockRecord, len(blocks))
	for i := range blocks {
		recs[i] = toRecord(&blocks[i])
	}
	return json.MarshalIndent(recs, "", "  ")
}

// DecodeChain parses the on-disk JSON array. Stored digests are taken as
// given.
func DecodeChain(data []byte) ([]Block, error) {
	var recs []blockRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, err
	}
	blocks := make([]Block, len(recs))
	for i, r := range recs {
		blocks[i] = r.block()
	}
	return blocks, nil
}
