package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketBlocks = []byte("blocks") // index (big-endian) -> block record JSON
	bucketMeta   = []byte("meta")   // tip digest, height

	metaKeyTip    = []byte("tip")
	metaKeyHeight = []byte("height")
)

func indexKey(index uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, index)
	return key
}

// BoltStore keeps the chain in a bbolt database, one key per block.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore opens or creates the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, persistErr("create data directory", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, persistErr("open "+path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketBlocks, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, persistErr("create buckets", fmt.Errorf("%v (additionally failed to close db: %v)", err, closeErr))
		}
		return nil, persistErr("create buckets", err)
	}
	return &BoltStore{db: db, path: path}, nil
}

func (s *BoltStore) Path() string    { return s.path }
func (s *BoltStore) Backend() string { return BackendBolt }
func (s *BoltStore) Close() error    { return s.db.Close() }

func (s *BoltStore) Load() ([]Block, error) {
	var blocks []Block
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocks)
		if b == nil {
			return nil
		}
		err := b.ForEach(func(k, v []byte) error {
			if len(k) != 8 {
				return fmt.Errorf("invalid block key length %d", len(k))
			}
			var blk Block
			if err := json.Unmarshal(v, &blk); err != nil {
				return fmt.Errorf("block key %d: %w", binary.BigEndian.Uint64(k), err)
			}
			blocks = append(blocks, blk)
			return nil
		})
		if err != nil {
			return err
		}
		if len(blocks) == 0 {
			return nil
		}
		meta := tx.Bucket(bucketMeta)
		if h := meta.Get(metaKeyHeight); h != nil {
			if len(h) != 8 {
				return fmt.Errorf("invalid height metadata length %d", len(h))
			}
			if got := binary.BigEndian.Uint64(h); got != uint64(len(blocks)-1) {
				return fmt.Errorf("height metadata %d does not match %d stored blocks", got, len(blocks))
			}
		}
		return nil
	})
	if err != nil {
		return nil, persistErr("load "+s.path, err)
	}
	if len(blocks) == 0 {
		return nil, ErrNotFound
	}
	return blocks, nil
}

// Save replaces the blocks bucket inside one write transaction.
func (s *BoltStore) Save(blocks []Block) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketBlocks); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		b, err := tx.CreateBucket(bucketBlocks)
		if err != nil {
			return err
		}
		// Keys are written in ascending order, so let pages fill completely.
		b.FillPercent = 1.0
		for i := range blocks {
			data, err := json.Marshal(&blocks[i])
			if err != nil {
				return err
			}
			if err := b.Put(indexKey(blocks[i].Index), data); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if len(blocks) == 0 {
			if err := meta.Delete(metaKeyTip); err != nil {
				return err
			}
			return meta.Delete(metaKeyHeight)
		}
		tip := blocks[len(blocks)-1]
		if err := meta.Put(metaKeyTip, []byte(tip.Digest)); err != nil {
			return err
		}
		return meta.Put(metaKeyHeight, indexKey(tip.Index))
	})
	if err != nil {
		return persistErr("save "+s.path, err)
	}
	return nil
}

// Quarantine copies the database to a side file and then empties it.
func (s *BoltStore) Quarantine() (string, error) {
	var to string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocks)
		if b == nil || b.Stats().KeyN == 0 {
			return nil
		}
		to = quarantinePath(s.path, time.Now())
		return tx.CopyFile(to, 0o600)
	})
	if err != nil {
		return "", persistErr("quarantine copy", err)
	}
	if to == "" {
		return "", nil
	}
	if err := s.Save(nil); err != nil {
		return to, err
	}
	return to, nil
}
