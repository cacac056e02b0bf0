package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/swarmsync/go-swarm/spec"
	"github.com/swarmsync/go-swarm/syncable"
)

// DefaultCacheSize is the number of decoded states kept by LevelDB.
const DefaultCacheSize = 1024

// LevelDB stores the state of an object under its type-id and every logged
// operation under type-id, a space and the version-op, so that one range
// scan reads the log.
type LevelDB struct {
	path   string
	db     *leveldb.DB
	states *lru.Cache[string, []byte]
	logger *zap.Logger
}

var _ Backend = (*LevelDB)(nil)

// NewLevelDB opens or creates a database at path. A corrupted database is
// recovered.
func NewLevelDB(path string, cacheSize int, logger *zap.Logger) (*LevelDB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := leveldb.OpenFile(path, &opt.Options{
		Filter: filter.NewBloomFilter(10),
	})
	if _, corrupted := err.(*lerrors.ErrCorrupted); corrupted {
		logger.Warn("recovering corrupted database", zap.String("path", path), zap.Error(err))
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return newLevelDB(path, db, cacheSize, logger)
}

// NewMemLevelDB opens a LevelDB backend kept in memory.
func NewMemLevelDB(cacheSize int) (*LevelDB, error) {
	db, err := leveldb.Open(lstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open in-memory leveldb: %w", err)
	}
	return newLevelDB("", db, cacheSize, zap.NewNop())
}

func newLevelDB(path string, db *leveldb.DB, cacheSize int, logger *zap.Logger) (*LevelDB, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	states, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("create state cache: %w", err), db.Close())
	}
	return &LevelDB{path: path, db: db, states: states, logger: logger}, nil
}

// opsRange covers the log of ti only: ids may continue with '+origin',
// which sorts between ' ' and '0'.
func opsRange(ti spec.TypeID) *util.Range {
	return util.BytesPrefix([]byte(ti.String() + " "))
}

func opKey(ti spec.TypeID, vo spec.VersionOp) []byte {
	return []byte(ti.String() + " " + vo.String())
}

func (l *LevelDB) ReadState(ti spec.TypeID) (map[string]syncable.Value, error) {
	key := ti.String()
	data, ok := l.states.Get(key)
	if ok {
		cacheHits.WithLabelValues("hit").Inc()
	} else {
		cacheHits.WithLabelValues("miss").Inc()
		var err error
		data, err = l.db.Get([]byte(key), nil)
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("get state: %w", err)
		}
		l.states.Add(key, data)
	}
	var state map[string]syncable.Value
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}

func (l *LevelDB) ReadOps(ti spec.TypeID) (map[string]syncable.Value, error) {
	it := l.db.NewIterator(opsRange(ti), nil)
	defer it.Release()
	prefix := len(ti.String()) + 1
	var ops map[string]syncable.Value
	for it.Next() {
		var v syncable.Value
		if err := json.Unmarshal(it.Value(), &v); err != nil {
			return nil, fmt.Errorf("decode op %s: %w", it.Key(), err)
		}
		if ops == nil {
			ops = make(map[string]syncable.Value)
		}
		ops[string(it.Key()[prefix:])] = v
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("iterate ops: %w", err)
	}
	return ops, nil
}

func (l *LevelDB) WriteState(ti spec.TypeID, state map[string]syncable.Value) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	key := ti.String()
	batch := new(leveldb.Batch)
	batch.Put([]byte(key), data)
	it := l.db.NewIterator(opsRange(ti), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	err = it.Error()
	it.Release()
	if err != nil {
		return fmt.Errorf("iterate ops: %w", err)
	}
	if err := l.db.Write(batch, nil); err != nil {
		l.states.Remove(key)
		return fmt.Errorf("write state: %w", err)
	}
	l.states.Add(key, data)
	return nil
}

func (l *LevelDB) AppendOp(ti spec.TypeID, vo spec.VersionOp, value syncable.Value) (int, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encode op: %w", err)
	}
	if err := l.db.Put(opKey(ti, vo), data, nil); err != nil {
		return 0, fmt.Errorf("put op: %w", err)
	}
	it := l.db.NewIterator(opsRange(ti), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func (l *LevelDB) Close() error {
	if err := l.db.Close(); err != nil {
		l.logger.Error("failed to close database", zap.String("path", l.path), zap.Error(err))
		return fmt.Errorf("close leveldb: %w", err)
	}
	l.logger.Info("database closed", zap.String("path", l.path))
	return nil
}
