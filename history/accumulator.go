package history

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/KolbyML/ultralight/utils"
)

// epochSize is the number of headers accumulated into one EpochAccumulator
// before it is finalized and folded into a MasterAccumulator as a single
// hash-tree-root.
const epochSize = 8192

// accumulatorProofDepth is the merkle path length from a header's own hash
// up to an epoch accumulator's root: one level to cross from the blockHash
// chunk to its sibling totalDifficulty chunk inside a HeaderRecord, plus the
// depth of the epochSize*2-chunk record-list tree (13 levels for 8192
// records, each holding 2 chunks).
const accumulatorProofDepth = 14

// GetEpochIndex returns which epoch blockNumber falls into.
func GetEpochIndex(blockNumber uint64) uint64 {
	return blockNumber / epochSize
}

// GetHeaderRecordIndex returns blockNumber's record offset within its epoch.
func GetHeaderRecordIndex(blockNumber uint64) uint64 {
	return blockNumber % epochSize
}

// epochRecordTreeDepth is the depth of the merkle tree formed by treating
// each epoch's epochSize HeaderRecords as individual items (not their raw
// chunks): log2(epochSize).
const epochRecordTreeDepth = 13

// blockNumberToLeafIndex returns the position of blockNumber's header record
// within the flattened, merkleize-ready chunk list BuildProof and
// merkleProofChunks walk a witness path through - the same recordIndex*2
// starting offset those functions already use.
func blockNumberToLeafIndex(blockNumber uint64) uint64 {
	return GetHeaderRecordIndex(blockNumber) * 2
}

// blockNumberToGindex returns the SSZ generalized index of blockNumber's
// header record's block-hash field within its epoch accumulator's full
// hash-tree-root. An SSZ List's generalized index convention pads the
// items subtree one level deeper than its own chunk count requires, to
// account for the length mix-in: a record at position recordIndex therefore
// sits at 2**(epochRecordTreeDepth+1) + recordIndex, and its first field
// (block_hash) is that node's left child.
func blockNumberToGindex(blockNumber uint64) uint64 {
	recordIndex := GetHeaderRecordIndex(blockNumber)
	recordGindex := uint64(1)<<(epochRecordTreeDepth+1) + recordIndex
	return recordGindex * 2
}

// MixInLength folds length into root the way SSZ's list hash-tree-root does:
// sha256(root || length-as-32-byte-little-endian-integer).
func MixInLength(root [32]byte, length int) []byte {
	var lengthBytes [32]byte
	l := uint64(length)
	for i := 0; i < 8; i++ {
		lengthBytes[i] = byte(l >> (8 * i))
	}
	sum := sha256.Sum256(append(append([]byte(nil), root[:]...), lengthBytes[:]...))
	return sum[:]
}

// merkleizeChunks builds a binary merkle tree over chunks, padding with the
// zero value up to limit (rounded up to the next power of two), and returns
// the root. Zero-padding at the leaf level reproduces SSZ's zero_hashes at
// every level above it, since hashing two zero chunks together is exactly
// how those precomputed constants are themselves derived.
func merkleizeChunks(chunks [][32]byte, limit int) [32]byte {
	size := 1
	for size < limit {
		size *= 2
	}
	layer := make([][32]byte, size)
	copy(layer, chunks)
	for len(layer) > 1 {
		next := make([][32]byte, len(layer)/2)
		for i := range next {
			next[i] = sha256.Sum256(append(append([]byte(nil), layer[2*i][:]...), layer[2*i+1][:]...))
		}
		layer = next
	}
	return layer[0]
}

// merkleProofChunks returns the sibling hash at each level of the path from
// chunks[index] up to the root of a merkleizeChunks(chunks, limit) tree.
func merkleProofChunks(chunks [][32]byte, limit int, index int) [][32]byte {
	size := 1
	depth := 0
	for size < limit {
		size *= 2
		depth++
	}
	layer := make([][32]byte, size)
	copy(layer, chunks)
	witnesses := make([][32]byte, 0, depth)
	idx := index
	for d := 0; d < depth; d++ {
		witnesses = append(witnesses, layer[idx^1])
		next := make([][32]byte, len(layer)/2)
		for i := range next {
			next[i] = sha256.Sum256(append(append([]byte(nil), layer[2*i][:]...), layer[2*i+1][:]...))
		}
		layer = next
		idx /= 2
	}
	return witnesses
}

// epochChunks splits an epoch's raw 64-byte header records into the
// blockHash/totalDifficulty 32-byte chunk pairs the accumulator proof tree
// is built over.
func epochChunks(records [][]byte) ([][32]byte, error) {
	chunks := make([][32]byte, 2*len(records))
	for i, r := range records {
		if len(r) != 64 {
			return nil, fmt.Errorf("history: malformed header record at index %d", i)
		}
		copy(chunks[2*i][:], r[0:32])
		copy(chunks[2*i+1][:], r[32:64])
	}
	return chunks, nil
}

// HashTreeRoot computes the epoch accumulator's root the way MixInLength's
// caller expects: a merkle tree over every record's two fields, sized to
// accommodate epochSize records regardless of how many are actually present.
func (e *EpochAccumulator) HashTreeRoot() ([32]byte, error) {
	if len(e.HeaderRecords) > epochSize {
		return [32]byte{}, fmt.Errorf("history: epoch accumulator exceeds %d records", epochSize)
	}
	chunks, err := epochChunks(e.HeaderRecords)
	if err != nil {
		return [32]byte{}, err
	}
	return merkleizeChunks(chunks, 2*epochSize), nil
}

// currentEpoch accumulates HeaderRecords for the epoch still in progress,
// tracking the running total difficulty each new record's field is derived
// from.
type currentEpoch struct {
	records    [][]byte
	difficulty *uint256.Int
}

// accumulator is the local, growing view of chain history: a finalized list
// of epoch roots plus the in-progress epoch being built one header at a
// time.
type accumulator struct {
	historicalEpochs [][]byte
	currentEpoch     currentEpoch
}

// NewAccumulator returns an accumulator with no history, ready to ingest
// headers starting at genesis.
func NewAccumulator() *accumulator {
	return &accumulator{currentEpoch: currentEpoch{difficulty: new(uint256.Int)}}
}

// Update feeds the next header (headers must arrive in increasing block
// order) into the accumulator, finalizing and folding in the current epoch
// once it reaches epochSize records.
func (a *accumulator) Update(header types.Header) error {
	diff, overflow := uint256.FromBig(header.Difficulty)
	if overflow {
		return fmt.Errorf("history: header difficulty overflows u256")
	}
	td := new(uint256.Int).Add(a.currentEpoch.difficulty, diff)

	hash := header.Hash()
	tdBytes := td.Bytes32()
	record := make([]byte, 64)
	copy(record[0:32], hash[:])
	copy(record[32:64], utils.ReverseBytes(tdBytes[:]))

	a.currentEpoch.records = append(a.currentEpoch.records, record)
	a.currentEpoch.difficulty = td

	if len(a.currentEpoch.records) == epochSize {
		epochAcc := EpochAccumulator{HeaderRecords: a.currentEpoch.records}
		root, err := epochAcc.HashTreeRoot()
		if err != nil {
			return err
		}
		a.historicalEpochs = append(a.historicalEpochs, MixInLength(root, epochSize))
		a.currentEpoch = currentEpoch{difficulty: new(uint256.Int)}
	}
	return nil
}

// NewMasterAccumulator returns a MasterAccumulator with no finalized epochs.
// A production deployment would seed HistoricalEpochs with mainnet's ~1897
// canonical epoch roots; those values aren't reconstructible from an
// accumulator started fresh, so callers that need to verify pre-existing
// mainnet history must populate HistoricalEpochs themselves (e.g. from a
// trusted snapshot) before calling VerifyHeader/VerifyAccumulatorProof.
func NewMasterAccumulator() (MasterAccumulator, error) {
	return MasterAccumulator{HistoricalEpochs: make([][]byte, 0)}, nil
}

// BuildProof constructs an inclusion proof for header against the epoch
// accumulator its block number falls into.
func BuildProof(header types.Header, epochAccumulator EpochAccumulator) (SSZProof, error) {
	blockNumber := header.Number.Uint64()
	recordIndex := int(GetHeaderRecordIndex(blockNumber))
	if recordIndex >= len(epochAccumulator.HeaderRecords) {
		return SSZProof{}, fmt.Errorf("history: block number %d out of epoch accumulator range", blockNumber)
	}
	record := epochAccumulator.HeaderRecords[recordIndex]
	if len(record) != 64 {
		return SSZProof{}, fmt.Errorf("history: malformed header record")
	}
	hash := header.Hash()
	if !bytes.Equal(record[0:32], hash[:]) {
		return SSZProof{}, fmt.Errorf("history: header does not match the epoch accumulator's record")
	}

	chunks, err := epochChunks(epochAccumulator.HeaderRecords)
	if err != nil {
		return SSZProof{}, err
	}
	witnessHashes := merkleProofChunks(chunks, 2*epochSize, recordIndex*2)
	witnesses := make([][]byte, len(witnessHashes))
	for i, w := range witnessHashes {
		witnesses[i] = append([]byte(nil), w[:]...)
	}
	return SSZProof{Leaf: append([]byte(nil), hash[:]...), Witnesses: witnesses}, nil
}

// VerifyAccumulatorProof checks that proof anchors header into one of m's
// finalized epoch roots.
func (m *MasterAccumulator) VerifyAccumulatorProof(header types.Header, proof SSZProof) (bool, error) {
	if len(proof.Leaf) != 32 {
		return false, fmt.Errorf("history: proof leaf must be 32 bytes")
	}
	hash := header.Hash()
	if !bytes.Equal(proof.Leaf, hash[:]) {
		return false, nil
	}
	if len(proof.Witnesses) != accumulatorProofDepth {
		return false, fmt.Errorf("history: expected %d proof witnesses, got %d", accumulatorProofDepth, len(proof.Witnesses))
	}

	blockNumber := header.Number.Uint64()
	epochIndex := GetEpochIndex(blockNumber)
	if epochIndex >= uint64(len(m.HistoricalEpochs)) {
		return false, fmt.Errorf("history: epoch %d is not present in the master accumulator", epochIndex)
	}
	recordIndex := int(GetHeaderRecordIndex(blockNumber))

	var computed [32]byte
	copy(computed[:], proof.Leaf)
	idx := recordIndex * 2
	for _, w := range proof.Witnesses {
		if idx%2 == 0 {
			computed = sha256.Sum256(append(append([]byte(nil), computed[:]...), w...))
		} else {
			computed = sha256.Sum256(append(append([]byte(nil), w...), computed[:]...))
		}
		idx /= 2
	}
	mixed := MixInLength(computed, epochSize)
	return bytes.Equal(mixed, m.HistoricalEpochs[epochIndex]), nil
}

// VerifyHeader checks header's accumulator proof, the entry point used by
// content validation.
func (m *MasterAccumulator) VerifyHeader(header types.Header, proof BlockHeaderProof) (bool, error) {
	if proof.Selector == BlockHeaderProofNone || proof.Proof == nil {
		return false, fmt.Errorf("history: header carries no accumulator proof")
	}
	return m.VerifyAccumulatorProof(header, *proof.Proof)
}
