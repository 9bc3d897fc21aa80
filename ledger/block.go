package ledger

import (
	"bytes"
	"encoding/hex"
	"strconv"
	"time"

	"supplyledger/protocol/params"
)

// Block is one sealed ledger record. Everything except Nonce and Digest is
// fixed when the block is built; the sealer only touches those two.
type Block struct {
	Index          uint64
	Timestamp      time.Time
	Payload        Payload
	PreviousDigest string
	Nonce          uint64
	Difficulty     int
	Digest         string
}

// Event is the projection of a non-genesis block handed to consumers.
type Event struct {
	Index          uint64    `json:"block_index"`
	Timestamp      time.Time `json:"timestamp"`
	Payload        Payload   `json:"data"`
	Digest         string    `json:"hash"`
	PreviousDigest string    `json:"previous_hash"`
}

// IsGenesis reports whether b sits at index 0.
func (b *Block) IsGenesis() bool { return b.Index == 0 }

// Clone returns a copy of b that shares nothing mutable with it.
func (b *Block) Clone() Block {
	c := *b
	c.Payload = b.Payload.Clone()
	return c
}

// Event projects b into an Event.
func (b *Block) Event() Event {
	return Event{
		Index:          b.Index,
		Timestamp:      b.Timestamp,
		Payload:        b.Payload.Clone(),
		Digest:         b.Digest,
		PreviousDigest: b.PreviousDigest,
	}
}

// canonicalTime renders t the way it is committed in the digest.
func canonicalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// powTemplate splits the canonical encoding around the nonce. Fields are
// emitted in lexicographic key order:
//
//	{"data":{...},"difficulty":D,"index":I,"nonce":N,"previous_hash":"..","timestamp":".."}
//
// head ends just before N and tail starts just after it, so a seal search
// only rewrites the nonce digits.
func (b *Block) powTemplate() (head, tail []byte) {
	var h bytes.Buffer
	h.WriteString(`{"data":`)
	b.Payload.appendCanonical(&h)
	h.WriteString(`,"difficulty":`)
	h.WriteString(strconv.Itoa(b.Difficulty))
	h.WriteString(`,"index":`)
	h.WriteString(strconv.FormatUint(b.Index, 10))
	h.WriteString(`,"nonce":`)

	var t bytes.Buffer
	t.WriteString(`,"previous_hash":`)
	writeJSONString(&t, b.PreviousDigest)
	t.WriteString(`,"timestamp":`)
	writeJSONString(&t, canonicalTime(b.Timestamp))
	t.WriteByte('}')
	return h.Bytes(), t.Bytes()
}

// CanonicalBytes returns the exact bytes the digest is computed over.
func (b *Block) CanonicalBytes() []byte {
	head, tail := b.powTemplate()
	out := make([]byte, 0, len(head)+len(tail)+20)
	out = append(out, head...)
	out = strconv.AppendUint(out, b.Nonce, 10)
	return append(out, tail...)
}

// ComputeDigest hashes the block's current fields. It ignores b.Digest.
func (b *Block) ComputeDigest(h HashFunc) string {
	sum := h.Sum(b.CanonicalBytes())
	return hex.EncodeToString(sum[:])
}

// MeetsDifficulty reports whether the stored digest satisfies d.
func (b *Block) MeetsDifficulty(d int) bool {
	return MeetsDifficulty(b.Digest, d)
}

// newGenesis builds the unsealed genesis block.
func newGenesis(ts time.Time, difficulty int) *Block {
	return &Block{
		Index:     0,
		Timestamp: ts.UTC(),
		Payload: Payload{
			params.GenesisTypeKey: String(params.GenesisTypeValue),
			params.GenesisNoteKey: String(params.GenesisNoteValue),
		},
		PreviousDigest: params.GenesisPrevHash,
		Difficulty:     difficulty,
	}
}

// nextBlock builds the unsealed successor of prev.
func nextBlock(prev *Block, payload Payload, ts time.Time, difficulty int) *Block {
	return &Block{
		Index:          prev.Index + 1,
		Timestamp:      ts.UTC(),
		Payload:        payload,
		PreviousDigest: prev.Digest,
		Difficulty:     difficulty,
	}
}
