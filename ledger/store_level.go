package ledger

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	levelBlockPrefix = []byte("block_")
	levelKeyHeight   = []byte("meta_height")
	levelKeyTip      = []byte("meta_tip")
)

func levelBlockKey(index uint64) []byte {
	key := make([]byte, len(levelBlockPrefix)+8)
	copy(key, levelBlockPrefix)
	binary.BigEndian.PutUint64(key[len(levelBlockPrefix):], index)
	return key
}

// LevelStore keeps the chain in a LevelDB directory.
type LevelStore struct {
	db   *leveldb.DB
	path string
}

// NewLevelStore opens or creates the database directory at path. A
// corrupted manifest is recovered in place.
func NewLevelStore(path string) (*LevelStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, persistErr("create data directory", err)
	}
	db, err := leveldb.OpenFile(path, nil)
	if lerrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, persistErr("open "+path, err)
	}
	return &LevelStore{db: db, path: path}, nil
}

func (s *LevelStore) Path() string    { return s.path }
func (s *LevelStore) Backend() string { return BackendLevelDB }
func (s *LevelStore) Close() error    { return s.db.Close() }

func (s *LevelStore) Load() ([]Block, error) {
	iter := s.db.NewIterator(util.BytesPrefix(levelBlockPrefix), nil)
	defer iter.Release()

	var blocks []Block
	for iter.Next() {
		var blk Block
		if err := json.Unmarshal(iter.Value(), &blk); err != nil {
			return nil, persistErr("load "+s.path, fmt.Errorf("key %x: %w", iter.Key(), err))
		}
		blocks = append(blocks, blk)
	}
	if err := iter.Error(); err != nil {
		return nil, persistErr("load "+s.path, err)
	}
	if len(blocks) == 0 {
		return nil, ErrNotFound
	}

	h, err := s.db.Get(levelKeyHeight, nil)
	switch {
	case err == leveldb.ErrNotFound:
	case err != nil:
		return nil, persistErr("load "+s.path, err)
	case len(h) != 8:
		return nil, persistErr("load "+s.path, fmt.Errorf("invalid height metadata length %d", len(h)))
	case binary.BigEndian.Uint64(h) != uint64(len(blocks)-1):
		return nil, persistErr("load "+s.path, fmt.Errorf("height metadata %d does not match %d stored blocks", binary.BigEndian.Uint64(h), len(blocks)))
	}
	return blocks, nil
}

// Save writes every block plus metadata in one synchronous batch and drops
// keys the new chain no longer has.
func (s *LevelStore) Save(blocks []Block) error {
	batch := new(leveldb.Batch)
	keep := make(map[string]struct{}, len(blocks))
	for i := range blocks {
		data, err := json.Marshal(&blocks[i])
		if err != nil {
			return persistErr("encode block", err)
		}
		key := levelBlockKey(blocks[i].Index)
		keep[string(key)] = struct{}{}
		batch.Put(key, data)
	}

	iter := s.db.NewIterator(util.BytesPrefix(levelBlockPrefix), nil)
	for iter.Next() {
		if _, ok := keep[string(iter.Key())]; !ok {
			batch.Delete(bytes.Clone(iter.Key()))
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return persistErr("scan "+s.path, err)
	}

	if len(blocks) == 0 {
		batch.Delete(levelKeyHeight)
		batch.Delete(levelKeyTip)
	} else {
		tip := blocks[len(blocks)-1]
		batch.Put(levelKeyHeight, indexKey(tip.Index))
		batch.Put(levelKeyTip, []byte(tip.Digest))
	}

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return persistErr("save "+s.path, err)
	}
	return nil
}

// Quarantine copies every key into a sibling database and then empties
// this one.
func (s *LevelStore) Quarantine() (string, error) {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return "", persistErr("quarantine snapshot", err)
	}
	defer snap.Release()

	iter := snap.NewIterator(nil, nil)
	defer iter.Release()
	if !iter.First() {
		if err := iter.Error(); err != nil {
			return "", persistErr("quarantine scan", err)
		}
		return "", nil
	}

	to := quarantinePath(s.path, time.Now())
	side, err := leveldb.OpenFile(to, &opt.Options{ErrorIfExist: true})
	if err != nil {
		return "", persistErr("quarantine open "+to, err)
	}
	copyBatch := new(leveldb.Batch)
	wipe := new(leveldb.Batch)
	for ok := true; ok; ok = iter.Next() {
		k := bytes.Clone(iter.Key())
		copyBatch.Put(k, bytes.Clone(iter.Value()))
		wipe.Delete(k)
	}
	if err := iter.Error(); err != nil {
		_ = side.Close()
		return "", persistErr("quarantine scan", err)
	}
	if err := side.Write(copyBatch, &opt.WriteOptions{Sync: true}); err != nil {
		_ = side.Close()
		return "", persistErr("quarantine write "+to, err)
	}
	if err := side.Close(); err != nil {
		return "", persistErr("quarantine close "+to, err)
	}
	if err := s.db.Write(wipe, &opt.WriteOptions{Sync: true}); err != nil {
		return to, persistErr("quarantine wipe", err)
	}
	return to, nil
}
