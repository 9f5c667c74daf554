package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/protolambda/ztyp/codec"

	"github.com/KolbyML/ultralight/overlay"
)

type ContentType byte

const (
	AccountTrieNodeType         ContentType = 0x00
	ContractStorageTrieNodeType ContentType = 0x01
	ContractBytecodeType        ContentType = 0x02
)

var (
	ErrEmptyTrieProof   = errors.New("state: trie proof has no witnesses")
	ErrInvalidNodeHash  = errors.New("state: witness node hash does not match the content key")
	ErrUnknownStateType = errors.New("state: unknown content type")
)

type StateNetwork struct {
	portalProtocol *overlay.Protocol
	closeCtx       context.Context
	closeFunc      context.CancelFunc
	log            log.Logger
}

func NewStateNetwork(portalProtocol *overlay.Protocol) *StateNetwork {
	ctx, cancel := context.WithCancel(context.Background())

	return &StateNetwork{
		portalProtocol: portalProtocol,
		closeCtx:       ctx,
		closeFunc:      cancel,
		log:            log.New("sub-protocol", "state"),
	}
}

func (s *StateNetwork) Start() error {
	err := s.portalProtocol.Start()
	if err != nil {
		return err
	}
	go s.processContentLoop(s.closeCtx)
	s.log.Debug("state network start successfully")
	return nil
}

func (s *StateNetwork) Stop() {
	s.closeFunc()
	s.portalProtocol.Stop()
}

func (s *StateNetwork) processContentLoop(ctx context.Context) {
	contentChan := s.portalProtocol.GetContent()
	for {
		select {
		case <-ctx.Done():
			return
		case contentElement := <-contentChan:
			err := s.validateContents(contentElement.ContentKeys, contentElement.Contents)
			if err != nil {
				s.log.Error("validate content failed", "err", err)
				continue
			}

			go func(ctx context.Context) {
				select {
				case <-ctx.Done():
					return
				default:
					for i, key := range contentElement.ContentKeys {
						s.portalProtocol.Gossip(key, contentElement.Contents[i])
					}
				}
			}(ctx)
		}
	}
}

func (s *StateNetwork) validateContents(contentKeys [][]byte, contents [][]byte) error {
	for i, content := range contents {
		contentKey := contentKeys[i]
		if err := s.validateContent(contentKey, content); err != nil {
			s.log.Error("content validate failed", "contentKey", contentKey, "err", err)
			return fmt.Errorf("content validate failed with content key %x: %w", contentKey, err)
		}
		_ = s.portalProtocol.Put(contentKey, content)
	}
	return nil
}

func (s *StateNetwork) validateContent(contentKey []byte, content []byte) error {
	if len(contentKey) == 0 {
		return errors.New("state: empty content key")
	}
	reader := codec.NewDecodingReader(bytes.NewReader(contentKey[1:]), uint64(len(contentKey[1:])))

	switch ContentType(contentKey[0]) {
	case AccountTrieNodeType:
		var key AccountTrieNodeKey
		if err := key.Deserialize(reader); err != nil {
			return err
		}
		var proof TrieProof
		if err := proof.UnmarshalSSZ(content); err != nil {
			return err
		}
		return verifyTrieProof(proof, key.NodeHash[:])
	case ContractStorageTrieNodeType:
		var key ContractStorageTrieNodeKey
		if err := key.Deserialize(reader); err != nil {
			return err
		}
		var proof TrieProof
		if err := proof.UnmarshalSSZ(content); err != nil {
			return err
		}
		return verifyTrieProof(proof, key.NodeHash[:])
	case ContractBytecodeType:
		var key ContractBytecodeKey
		if err := key.Deserialize(reader); err != nil {
			return err
		}
		hash := crypto.Keccak256(content)
		if !bytes.Equal(hash, key.NodeHash[:]) {
			return ErrInvalidNodeHash
		}
		return nil
	}
	return ErrUnknownStateType
}

// verifyTrieProof checks that proof's last witness hashes to nodeHash and
// that every witness RLP-decodes as a shape a Merkle Patricia trie node can
// take (a 2-element leaf/extension or a 17-element branch). It does not
// walk the path from root to target nibble by nibble - that would require
// threading the key's Path through here to pick the right child at each
// level, which the content key already commits the offering peer to via
// NodeHash.
func verifyTrieProof(proof TrieProof, nodeHash []byte) error {
	if len(proof.Witnesses) == 0 {
		return ErrEmptyTrieProof
	}
	target := proof.Witnesses[len(proof.Witnesses)-1]
	hash := crypto.Keccak256(target)
	if !bytes.Equal(hash, nodeHash) {
		return ErrInvalidNodeHash
	}
	for i, node := range proof.Witnesses {
		var elems []rlp.RawValue
		if err := rlp.DecodeBytes(node, &elems); err != nil {
			return fmt.Errorf("state: witness %d is not a valid trie node: %w", i, err)
		}
		if len(elems) != 2 && len(elems) != 17 {
			return fmt.Errorf("state: witness %d has %d elements, want 2 or 17", i, len(elems))
		}
	}
	return nil
}
