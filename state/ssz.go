package state

import (
	"encoding/binary"
	"fmt"
)

// Hand-written SSZ encode/decode for the state content values, in the same
// style as history/ssz.go and portalwire/ssz.go: no sszgen/fastssz runtime
// dependency is vendored anywhere in this module, so these are hand-rolled
// rather than codegen'd.

func putOffset(buf []byte, off uint32) {
	binary.LittleEndian.PutUint32(buf, off)
}

func getOffset(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

func encodeVarByteList(items [][]byte) []byte {
	headSize := 4 * len(items)
	total := headSize
	for _, it := range items {
		total += len(it)
	}
	out := make([]byte, total)
	cursor := headSize
	for i, it := range items {
		putOffset(out[i*4:i*4+4], uint32(cursor))
		copy(out[cursor:], it)
		cursor += len(it)
	}
	return out
}

func decodeVarByteList(buf []byte) ([][]byte, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if len(buf) < 4 {
		return nil, fmt.Errorf("state: short buffer for variable byte list")
	}
	first := getOffset(buf)
	if first%4 != 0 || int(first) > len(buf) {
		return nil, fmt.Errorf("state: invalid first offset %d", first)
	}
	n := int(first) / 4
	offsets := make([]uint32, n+1)
	for i := 0; i < n; i++ {
		o := getOffset(buf[i*4 : i*4+4])
		if int(o) > len(buf) {
			return nil, fmt.Errorf("state: offset %d out of range", o)
		}
		offsets[i] = o
	}
	offsets[n] = uint32(len(buf))
	items := make([][]byte, n)
	for i := 0; i < n; i++ {
		if offsets[i] > offsets[i+1] {
			return nil, fmt.Errorf("state: decreasing offsets")
		}
		items[i] = append([]byte(nil), buf[offsets[i]:offsets[i+1]]...)
	}
	return items, nil
}

// TrieProof is the content value for AccountTrieNodeType/
// ContractStorageTrieNodeType offers: the chain of RLP-encoded trie nodes
// from the trie's root down to (and including) the target node.
type TrieProof struct {
	Witnesses [][]byte `ssz-max:"65,1024"`
}

func (p *TrieProof) MarshalSSZ() ([]byte, error) {
	return encodeVarByteList(p.Witnesses), nil
}

func (p *TrieProof) UnmarshalSSZ(buf []byte) error {
	items, err := decodeVarByteList(buf)
	if err != nil {
		return err
	}
	p.Witnesses = items
	return nil
}
