package params

// Genesis constants shared by the ledger engine and anything that inspects
// persisted chains.
//
// The previous-hash sentinel is a fixed marker, never a computed digest, so
// a genesis record can always be told apart from a block with a real parent.
const (
	GenesisPrevHash = "0"

	GenesisTypeKey   = "type"
	GenesisTypeValue = "GENESIS"
	GenesisNoteKey   = "note"
	GenesisNoteValue = "genesis block"
)

// Sealing parameters.
const (
	// DefaultDifficulty is the number of leading zero hex symbols required of
	// a sealed digest when nothing else is configured.
	DefaultDifficulty = 2

	// MaxDifficulty is the digest length in hex symbols. Anything above it
	// can never be satisfied.
	MaxDifficulty = 64
)
