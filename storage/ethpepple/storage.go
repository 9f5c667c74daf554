// Package ethpepple implements a pebble-backed ContentStorage: a
// radius-bounded key-value store that admits content within the local
// node's advertised distance and prunes the farthest entries once the
// configured capacity is exceeded.
package ethpepple

import (
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/holiman/uint256"

	"github.com/KolbyML/ultralight/storage"
)

const (
	contentPrefix  = 'c'
	distIndexPrefix = 'd'
)

// NewPeppleDB opens (or creates) a pebble database under dataDir, sized by
// cacheSizeMB/handles the same way the node's other pebble-backed stores are
// configured.
func NewPeppleDB(dataDir string, cacheSizeMB int, handles int, networkName string) (*pebble.DB, error) {
	if cacheSizeMB < 1 {
		cacheSizeMB = 8
	}
	if handles < 16 {
		handles = 16
	}
	opts := &pebble.Options{
		Cache:        pebble.NewCache(int64(cacheSizeMB) * 1024 * 1024),
		MaxOpenFiles: handles,
		MemTableSize: uint64(cacheSizeMB) * 1024 * 1024 / 4,
	}
	return pebble.Open(dataDir, opts)
}

// PeppleStorageConfig configures a PeppleStorage instance.
type PeppleStorageConfig struct {
	StorageCapacityMB int
	DB                *pebble.DB
	NodeId            [32]byte
	NetworkName       string
}

// PeppleStorage is a pebble-backed, radius-bounded ContentStorage.
type PeppleStorage struct {
	mu       sync.Mutex
	db       *pebble.DB
	capacity int64
	used     int64
	nodeId   [32]byte
	radius   *uint256.Int
	network  string
}

// NewPeppleStorage opens a radius-bounded store over db, recomputing its
// used size and radius from whatever content already exists on disk.
func NewPeppleStorage(config PeppleStorageConfig) (*PeppleStorage, error) {
	s := &PeppleStorage{
		db:       config.DB,
		capacity: int64(config.StorageCapacityMB) * 1_000_000,
		nodeId:   config.NodeId,
		radius:   new(uint256.Int).Set(storage.MaxDistance),
		network:  config.NetworkName,
	}
	if err := s.loadExisting(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PeppleStorage) loadExisting() error {
	iter := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{contentPrefix},
		UpperBound: []byte{contentPrefix + 1},
	})
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		s.used += int64(len(iter.Value()))
	}
	return s.recomputeRadius()
}

func (s *PeppleStorage) recomputeRadius() error {
	iter := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{distIndexPrefix},
		UpperBound: []byte{distIndexPrefix + 1},
	})
	defer iter.Close()
	if iter.Last() && iter.Valid() {
		key := iter.Key()
		dist := new(uint256.Int).SetBytes(key[1 : 1+32])
		s.radius = dist
	} else {
		s.radius = new(uint256.Int).Set(storage.MaxDistance)
	}
	return nil
}

// Radius reports the current admission radius.
func (s *PeppleStorage) Radius() *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(uint256.Int).Set(s.radius)
}

// Get returns the stored content for contentId, or storage.ErrContentNotFound.
func (s *PeppleStorage) Get(contentKey, contentId []byte) ([]byte, error) {
	val, closer, err := s.db.Get(contentDBKey(contentId))
	if err == pebble.ErrNotFound {
		return nil, storage.ErrContentNotFound
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(val))
	copy(out, val)
	closer.Close()
	return out, nil
}

// Put admits content into the store if it is within the current radius,
// pruning the farthest entries if the new total exceeds capacity.
func (s *PeppleStorage) Put(contentKey, contentId, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dist := xorToInt(contentId, s.nodeId[:])
	if dist.Cmp(s.radius) > 0 {
		return storage.ErrInsufficientRadius
	}

	batch := s.db.NewBatch()
	if err := batch.Set(contentDBKey(contentId), content, nil); err != nil {
		return err
	}
	if err := batch.Set(distIndexKey(dist, contentId), nil, nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.NoSync); err != nil {
		return err
	}
	s.used += int64(len(content))

	if s.used > s.capacity {
		return s.prune()
	}
	return nil
}

// prune evicts farthest-first entries until the store is back under
// capacity, shrinking the radius to the new farthest remaining entry.
func (s *PeppleStorage) prune() error {
	// Each eviction opens its own short-lived iterator rather than reusing
	// one across deletes: a pebble iterator reads a fixed point-in-time
	// view, so it would never observe the deletions made on prior loops.
	for s.used > s.capacity {
		key, contentId, ok, err := s.farthestStored()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		val, closer, err := s.db.Get(contentDBKey(contentId))
		if err == nil {
			s.used -= int64(len(val))
			closer.Close()
		}
		if err := s.db.Delete(contentDBKey(contentId), pebble.NoSync); err != nil {
			return err
		}
		if err := s.db.Delete(key, pebble.NoSync); err != nil {
			return err
		}
	}
	return s.recomputeRadius()
}

func (s *PeppleStorage) farthestStored() (key []byte, contentId []byte, ok bool, err error) {
	iter := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{distIndexPrefix},
		UpperBound: []byte{distIndexPrefix + 1},
	})
	defer iter.Close()
	if !iter.Last() || !iter.Valid() {
		return nil, nil, false, nil
	}
	key = append([]byte(nil), iter.Key()...)
	contentId = append([]byte(nil), key[1+32:]...)
	return key, contentId, true, nil
}

func contentDBKey(contentId []byte) []byte {
	return append([]byte{contentPrefix}, contentId...)
}

func distIndexKey(dist *uint256.Int, contentId []byte) []byte {
	out := make([]byte, 1, 1+32+len(contentId))
	out[0] = distIndexPrefix
	out = append(out, dist.Bytes32()[:]...)
	out = append(out, contentId...)
	return out
}

// xorToInt is the radius/distance metric: byte-wise XOR of contentId against
// the local node id, reinterpreted as a big-endian u256.
func xorToInt(contentId, nodeId []byte) *uint256.Int {
	return new(uint256.Int).SetBytes(xor(contentId, nodeId))
}

// xor is a plain byte-wise XOR that doesn't assume its operands share a
// length: missing bytes on the shorter side are treated as zero.
func xor(a, b []byte) []byte {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		var av, bv byte
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		out[i] = av ^ bv
	}
	return out
}

var _ storage.ContentStorage = (*PeppleStorage)(nil)
