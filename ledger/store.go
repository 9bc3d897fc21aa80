package ledger

import (
	"fmt"
	"strings"
)

// Store persists the whole chain. Save always receives the complete block
// sequence and must replace what was stored before atomically: after a
// crash Load returns either the old sequence or the new one, never a mix.
type Store interface {
	// Load returns the persisted chain, or ErrNotFound when nothing has been
	// saved yet.
	Load() ([]Block, error)
	Save(blocks []Block) error
	// Quarantine moves the current contents aside without deleting them and
	// returns where they went. An empty path means there was nothing to move.
	Quarantine() (string, error)
	Close() error
	Backend() string
}

// Backend names accepted by OpenStore.
const (
	BackendFile    = "file"
	BackendBolt    = "bolt"
	BackendLevelDB = "leveldb"
)

// Default file names inside the data directory.
const (
	DefaultChainFile  = "ledger.json"
	DefaultBoltFile   = "ledger.db"
	DefaultLevelDBDir = "ledger.ldb"
)

// OpenStore opens the named backend rooted at dataDir. name overrides the
// backend's default file name when non-empty.
func OpenStore(backend, dataDir, name string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFile:
		return NewFileStore(joinData(dataDir, name, DefaultChainFile))
	case BackendBolt, "bbolt":
		return NewBoltStore(joinData(dataDir, name, DefaultBoltFile))
	case BackendLevelDB, "level":
		return NewLevelStore(joinData(dataDir, name, DefaultLevelDBDir))
	default:
		return nil, validationErrorf("unknown storage backend %q", backend)
	}
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}
