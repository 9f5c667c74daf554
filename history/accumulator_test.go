package history

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KolbyML/ultralight/utils"
)

// syntheticHeader builds a minimal, internally-consistent chain header: its
// ParentHash links to the previous synthetic header so the chain is well
// formed, but none of it needs to correspond to real mainnet history for the
// accumulator's own bookkeeping to be exercised correctly.
func syntheticHeader(number uint64, parent common.Hash, difficulty int64) *types.Header {
	return &types.Header{
		ParentHash: parent,
		Number:     big.NewInt(int64(number)),
		Difficulty: big.NewInt(difficulty),
		Time:       number,
		Extra:      []byte{byte(number), byte(number >> 8)},
	}
}

// TestBlockNumberToGindexAndLeafIndex pins blockNumberToGindex and
// blockNumberToLeafIndex against published ground-truth values for two block
// numbers that land on the same record offset in different epochs (1000 in
// epoch 0, 9192 in epoch 1): both derivations are purely a function of the
// block's position within its own epoch, so they must agree.
func TestBlockNumberToGindexAndLeafIndex(t *testing.T) {
	assert.Equal(t, uint64(2000), blockNumberToLeafIndex(1000))
	assert.Equal(t, uint64(2000), blockNumberToLeafIndex(9192))
	assert.Equal(t, uint64(34768), blockNumberToGindex(1000))
	assert.Equal(t, uint64(34768), blockNumberToGindex(9192))
}

func TestEpochIndexing(t *testing.T) {
	assert.Equal(t, uint64(0), GetEpochIndex(0))
	assert.Equal(t, uint64(0), GetEpochIndex(epochSize-1))
	assert.Equal(t, uint64(1), GetEpochIndex(epochSize))
	assert.Equal(t, uint64(3), GetEpochIndex(3*epochSize+42))

	assert.Equal(t, uint64(0), GetHeaderRecordIndex(0))
	assert.Equal(t, uint64(epochSize-1), GetHeaderRecordIndex(epochSize-1))
	assert.Equal(t, uint64(0), GetHeaderRecordIndex(epochSize))
	assert.Equal(t, uint64(42), GetHeaderRecordIndex(3*epochSize+42))
}

func TestEpochAccumulatorMarshalRoundtrip(t *testing.T) {
	epoch := EpochAccumulator{}
	parent := common.Hash{}
	for i := uint64(0); i < 10; i++ {
		h := syntheticHeader(i, parent, int64(100+i))
		hash := h.Hash()
		record := make([]byte, 64)
		copy(record[0:32], hash[:])
		copy(record[32:64], big.NewInt(int64(100+i)).Bytes())
		epoch.HeaderRecords = append(epoch.HeaderRecords, record)
		parent = hash
	}

	data, err := epoch.MarshalSSZ()
	require.NoError(t, err)
	require.Len(t, data, 64*10)

	var decoded EpochAccumulator
	require.NoError(t, decoded.UnmarshalSSZ(data))
	require.Equal(t, epoch.HeaderRecords, decoded.HeaderRecords)
}

func TestEpochAccumulatorHashTreeRootDeterministic(t *testing.T) {
	epoch := EpochAccumulator{HeaderRecords: [][]byte{
		append(make([]byte, 32), make([]byte, 32)...),
	}}
	epoch.HeaderRecords[0][0] = 0xaa

	root1, err := epoch.HashTreeRoot()
	require.NoError(t, err)
	root2, err := epoch.HashTreeRoot()
	require.NoError(t, err)
	assert.Equal(t, root1, root2)

	epoch.HeaderRecords[0][1] = 0xbb
	root3, err := epoch.HashTreeRoot()
	require.NoError(t, err)
	assert.NotEqual(t, root1, root3)
}

func TestMasterAccumulatorMarshalRoundtrip(t *testing.T) {
	master := MasterAccumulator{HistoricalEpochs: [][]byte{
		make([]byte, 32),
		make([]byte, 32),
	}}
	master.HistoricalEpochs[0][0] = 1
	master.HistoricalEpochs[1][0] = 2

	data, err := master.MarshalSSZ()
	require.NoError(t, err)
	require.Len(t, data, 64)

	var decoded MasterAccumulator
	require.NoError(t, decoded.UnmarshalSSZ(data))
	require.Equal(t, master.HistoricalEpochs, decoded.HistoricalEpochs)
}

// buildEpochRecords independently derives the raw HeaderRecord blobs a peer
// serving this epoch's content would send over the wire, the same way
// accumulator.Update does it internally: a running total difficulty plus
// the header's own hash, stored little-endian.
func buildEpochRecords(headers []*types.Header) [][]byte {
	records := make([][]byte, len(headers))
	total := new(uint256.Int)
	for i, h := range headers {
		diff, _ := uint256.FromBig(h.Difficulty)
		total = new(uint256.Int).Add(total, diff)
		hash := h.Hash()
		tdBytes := total.Bytes32()
		record := make([]byte, 64)
		copy(record[0:32], hash[:])
		copy(record[32:64], utils.ReverseBytes(tdBytes[:]))
		records[i] = record
	}
	return records
}

// TestAccumulatorFullEpochAndProof feeds exactly one epoch's worth of
// synthetic headers through the running accumulator, finalizes it into a
// MasterAccumulator, and checks that a proof built for one of those headers
// verifies - and that tampering with either side breaks verification.
func TestAccumulatorFullEpochAndProof(t *testing.T) {
	acc := NewAccumulator()
	headers := make([]*types.Header, 0, epochSize)
	parent := common.Hash{}
	for i := uint64(0); i < epochSize; i++ {
		h := syntheticHeader(i, parent, 1000+int64(i))
		require.NoError(t, acc.Update(*h))
		headers = append(headers, h)
		parent = h.Hash()
	}
	require.Len(t, acc.historicalEpochs, 1)
	require.Empty(t, acc.currentEpoch.records)

	epochAcc := EpochAccumulator{HeaderRecords: buildEpochRecords(headers)}
	root, err := epochAcc.HashTreeRoot()
	require.NoError(t, err)
	require.Equal(t, acc.historicalEpochs[0], MixInLength(root, epochSize))

	master := MasterAccumulator{HistoricalEpochs: [][]byte{acc.historicalEpochs[0]}}

	target := headers[4242]
	proof, err := BuildProof(*target, epochAcc)
	require.NoError(t, err)
	require.Len(t, proof.Witnesses, accumulatorProofDepth)

	valid, err := master.VerifyHeader(*target, BlockHeaderProof{Selector: BlockHeaderProofAccumulator, Proof: &proof})
	require.NoError(t, err)
	assert.True(t, valid)

	// a header from a different slot fails verification against this proof.
	wrong := headers[4243]
	valid, err = master.VerifyAccumulatorProof(*wrong, proof)
	require.NoError(t, err)
	assert.False(t, valid)

	// a corrupted witness fails verification.
	corrupted := proof
	corrupted.Witnesses = append([][]byte(nil), proof.Witnesses...)
	corrupted.Witnesses[0] = append([]byte(nil), corrupted.Witnesses[0]...)
	corrupted.Witnesses[0][0] ^= 0xff
	valid, err = master.VerifyAccumulatorProof(*target, corrupted)
	require.NoError(t, err)
	assert.False(t, valid)

	// a header not yet covered by any finalized epoch is rejected.
	empty, err := NewMasterAccumulator()
	require.NoError(t, err)
	_, err = empty.VerifyAccumulatorProof(*target, proof)
	require.Error(t, err)
}
