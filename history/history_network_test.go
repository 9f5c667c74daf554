package history

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/protolambda/ztyp/codec"
	"github.com/protolambda/ztyp/view"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentKeyEncode(t *testing.T) {
	hash := common.HexToHash("0x1234").Bytes()
	key := newContentKey(BlockHeaderType, hash).encode()
	require.Equal(t, byte(BlockHeaderType), key[0])
	require.Equal(t, hash, key[1:])
}

func emptyBody() *types.Body {
	return &types.Body{}
}

func TestEncodeDecodeBlockBodyLegacy(t *testing.T) {
	body := emptyBody()
	encoded, err := EncodeBlockBody(body)
	require.NoError(t, err)

	decoded, err := DecodePortalBlockBodyBytes(encoded)
	require.NoError(t, err)

	txHash := types.DeriveSha(types.Transactions(decoded.Transactions), trie.NewStackTrie(nil))
	uncleHash := types.CalcUncleHash(decoded.Uncles)

	header := &types.Header{TxHash: txHash, UncleHash: uncleHash}
	require.NoError(t, validateBlockBody(decoded, header))
	require.Nil(t, decoded.Withdrawals)
}

func TestEncodeDecodeBlockBodyShanghai(t *testing.T) {
	withdrawal := &types.Withdrawal{Index: 1, Validator: 2, Address: common.HexToAddress("0xaa"), Amount: 100}
	body := &types.Body{Withdrawals: types.Withdrawals{withdrawal}}
	encoded, err := EncodeBlockBody(body)
	require.NoError(t, err)

	decoded, err := DecodePortalBlockBodyBytes(encoded)
	require.NoError(t, err)
	require.Len(t, decoded.Withdrawals, 1)
	require.Equal(t, withdrawal.Index, decoded.Withdrawals[0].Index)
	require.Equal(t, withdrawal.Address, decoded.Withdrawals[0].Address)

	txHash := types.DeriveSha(types.Transactions(decoded.Transactions), trie.NewStackTrie(nil))
	uncleHash := types.CalcUncleHash(decoded.Uncles)
	withdrawalsHash := types.DeriveSha(types.Withdrawals(decoded.Withdrawals), trie.NewStackTrie(nil))

	header := &types.Header{TxHash: txHash, UncleHash: uncleHash, WithdrawalsHash: &withdrawalsHash}
	require.NoError(t, validateBlockBody(decoded, header))
}

func TestEncodeDecodeReceipts(t *testing.T) {
	receipt := &types.Receipt{
		Type:              types.LegacyTxType,
		Status:            types.ReceiptStatusSuccessful,
		CumulativeGasUsed: 21000,
		Logs:              []*types.Log{},
	}
	encoded, err := EncodeReceipts([]*types.Receipt{receipt})
	require.NoError(t, err)

	root := types.DeriveSha(types.Receipts{receipt}, trie.NewStackTrie(nil))
	decoded, err := ValidatePortalReceiptsBytes(encoded, root.Bytes())
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	require.Equal(t, receipt.CumulativeGasUsed, decoded[0].CumulativeGasUsed)
}

// buildSingleEpochFixture feeds one full epoch of synthetic headers through
// a fresh accumulator and returns the finalized MasterAccumulator along with
// the raw epoch's records, mirroring TestAccumulatorFullEpochAndProof's setup
// so validateContent's BlockHeaderType/BlockHeaderNumberType branches can be
// exercised without any real chain data.
func buildSingleEpochFixture(t *testing.T) (*MasterAccumulator, []*types.Header, EpochAccumulator) {
	t.Helper()
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

	epochAcc := EpochAccumulator{HeaderRecords: buildEpochRecords(headers)}
	master := &MasterAccumulator{HistoricalEpochs: [][]byte{acc.historicalEpochs[0]}}
	return master, headers, epochAcc
}

func encodeHeaderWithProof(t *testing.T, header *types.Header, epochAcc EpochAccumulator) []byte {
	t.Helper()
	proof, err := BuildProof(*header, epochAcc)
	require.NoError(t, err)

	rlpHeader, err := rlp.EncodeToBytes(header)
	require.NoError(t, err)

	headerWithProof := BlockHeaderWithProof{
		Header: rlpHeader,
		Proof:  &BlockHeaderProof{Selector: BlockHeaderProofAccumulator, Proof: &proof},
	}
	content, err := headerWithProof.MarshalSSZ()
	require.NoError(t, err)
	return content
}

func TestValidateContentBlockHeader(t *testing.T) {
	master, headers, epochAcc := buildSingleEpochFixture(t)
	target := headers[10]
	content := encodeHeaderWithProof(t, target, epochAcc)

	h := &Network{masterAccumulator: master}
	hash := target.Hash()
	contentKey := newContentKey(BlockHeaderType, hash.Bytes()).encode()
	assert.NoError(t, h.validateContent(contentKey, content))
}

func TestValidateContentBlockHeaderWrongHash(t *testing.T) {
	master, headers, epochAcc := buildSingleEpochFixture(t)
	target := headers[10]
	content := encodeHeaderWithProof(t, target, epochAcc)

	h := &Network{masterAccumulator: master}
	wrongHash := headers[11].Hash()
	contentKey := newContentKey(BlockHeaderType, wrongHash.Bytes()).encode()
	err := h.validateContent(contentKey, content)
	assert.ErrorIs(t, err, ErrInvalidBlockHash)
}

func TestValidateContentBlockHeaderNumber(t *testing.T) {
	master, headers, epochAcc := buildSingleEpochFixture(t)
	target := headers[4000]
	content := encodeHeaderWithProof(t, target, epochAcc)

	var buf bytes.Buffer
	require.NoError(t, view.Uint64View(target.Number.Uint64()).Serialize(codec.NewEncodingWriter(&buf)))

	contentKey := newContentKey(BlockHeaderNumberType, buf.Bytes()).encode()
	h := &Network{masterAccumulator: master}
	assert.NoError(t, h.validateContent(contentKey, content))
}

func TestValidateContentBlockHeaderNumberMismatch(t *testing.T) {
	master, headers, epochAcc := buildSingleEpochFixture(t)
	target := headers[4000]
	content := encodeHeaderWithProof(t, target, epochAcc)

	var buf bytes.Buffer
	require.NoError(t, view.Uint64View(target.Number.Uint64()+1).Serialize(codec.NewEncodingWriter(&buf)))

	contentKey := newContentKey(BlockHeaderNumberType, buf.Bytes()).encode()
	h := &Network{masterAccumulator: master}
	err := h.validateContent(contentKey, content)
	assert.ErrorIs(t, err, ErrInvalidBlockNumber)
}

func TestValidateBlockHeaderBytes(t *testing.T) {
	header := syntheticHeader(1, common.Hash{}, 100)
	rlpHeader, err := rlp.EncodeToBytes(header)
	require.NoError(t, err)

	hash := header.Hash()
	decoded, err := ValidateBlockHeaderBytes(rlpHeader, hash.Bytes())
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1), decoded.Number)

	_, err = ValidateBlockHeaderBytes(rlpHeader, common.HexToHash("0xdead").Bytes())
	assert.ErrorIs(t, err, ErrInvalidBlockHash)
}
