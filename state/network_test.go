package state

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	zcommon "github.com/protolambda/zrnt/eth2/beacon/common"
	"github.com/protolambda/ztyp/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leafNode(path []byte, value []byte) []byte {
	encoded, err := rlp.EncodeToBytes([][]byte{path, value})
	if err != nil {
		panic(err)
	}
	return encoded
}

func TestValidateAccountTrieNodeContent(t *testing.T) {
	node := leafNode([]byte{0x20}, []byte("account-leaf"))
	hash := crypto.Keccak256(node)

	path, err := FromUnpackedNibbles([]byte{1, 2, 3})
	require.NoError(t, err)
	key := &AccountTrieNodeKey{Path: *path, NodeHash: zcommon.Bytes32(hash)}

	var keyBuf bytes.Buffer
	require.NoError(t, key.Serialize(codec.NewEncodingWriter(&keyBuf)))
	contentKey := append([]byte{byte(AccountTrieNodeType)}, keyBuf.Bytes()...)

	content, err := (&TrieProof{Witnesses: [][]byte{node}}).MarshalSSZ()
	require.NoError(t, err)

	s := &StateNetwork{}
	assert.NoError(t, s.validateContent(contentKey, content))
}

func TestValidateAccountTrieNodeContentWrongHash(t *testing.T) {
	node := leafNode([]byte{0x20}, []byte("account-leaf"))
	wrongHash := crypto.Keccak256(leafNode([]byte{0x20}, []byte("other-leaf")))

	path, err := FromUnpackedNibbles([]byte{1, 2, 3})
	require.NoError(t, err)
	key := &AccountTrieNodeKey{Path: *path, NodeHash: zcommon.Bytes32(wrongHash)}

	var keyBuf bytes.Buffer
	require.NoError(t, key.Serialize(codec.NewEncodingWriter(&keyBuf)))
	contentKey := append([]byte{byte(AccountTrieNodeType)}, keyBuf.Bytes()...)

	content, err := (&TrieProof{Witnesses: [][]byte{node}}).MarshalSSZ()
	require.NoError(t, err)

	s := &StateNetwork{}
	err = s.validateContent(contentKey, content)
	assert.ErrorIs(t, err, ErrInvalidNodeHash)
}

func TestValidateContractStorageTrieNodeContent(t *testing.T) {
	node := leafNode([]byte{0x3a}, []byte("storage-leaf"))
	hash := crypto.Keccak256(node)

	path, err := FromUnpackedNibbles([]byte{4, 5})
	require.NoError(t, err)
	key := &ContractStorageTrieNodeKey{
		Address:  zcommon.Eth1Address(common.HexToAddress("0xaabb").Bytes()),
		Path:     *path,
		NodeHash: zcommon.Bytes32(hash),
	}

	var keyBuf bytes.Buffer
	require.NoError(t, key.Serialize(codec.NewEncodingWriter(&keyBuf)))
	contentKey := append([]byte{byte(ContractStorageTrieNodeType)}, keyBuf.Bytes()...)

	content, err := (&TrieProof{Witnesses: [][]byte{node}}).MarshalSSZ()
	require.NoError(t, err)

	s := &StateNetwork{}
	assert.NoError(t, s.validateContent(contentKey, content))
}

func TestValidateContractBytecodeContent(t *testing.T) {
	bytecode := []byte{0x60, 0x00, 0x60, 0x00, 0xf3}
	hash := crypto.Keccak256(bytecode)

	key := &ContractBytecodeKey{
		Address:  zcommon.Eth1Address(common.HexToAddress("0xccdd").Bytes()),
		NodeHash: zcommon.Bytes32(hash),
	}
	var keyBuf bytes.Buffer
	require.NoError(t, key.Serialize(codec.NewEncodingWriter(&keyBuf)))
	contentKey := append([]byte{byte(ContractBytecodeType)}, keyBuf.Bytes()...)

	s := &StateNetwork{}
	assert.NoError(t, s.validateContent(contentKey, bytecode))

	err := s.validateContent(contentKey, []byte{0x01})
	assert.ErrorIs(t, err, ErrInvalidNodeHash)
}

func TestVerifyTrieProofRejectsEmptyWitnesses(t *testing.T) {
	_, err := (&TrieProof{}).MarshalSSZ()
	require.NoError(t, err)
	err = verifyTrieProof(TrieProof{}, make([]byte, 32))
	assert.ErrorIs(t, err, ErrEmptyTrieProof)
}

func TestVerifyTrieProofRejectsMalformedNode(t *testing.T) {
	malformed := []byte{0xff, 0xff, 0xff}
	err := verifyTrieProof(TrieProof{Witnesses: [][]byte{malformed}}, crypto.Keccak256(malformed))
	assert.Error(t, err)
}
