package state

import (
	"encoding/binary"
	"errors"
	"fmt"

	zcommon "github.com/protolambda/zrnt/eth2/beacon/common"
	"github.com/protolambda/ztyp/codec"
)

// maxNibbles is the longest path a 32-byte key's hex-nibble trie path can
// ever be: one nibble per 4 bits, or 64 for a full account/storage key.
const maxNibbles = 64

// Nibbles is a packed half-byte trie path, the way state content keys
// address a node partway down an account or contract storage trie. The
// wire encoding is a single flag byte - its high nibble is 1 if the path
// has an odd nibble count (with the low nibble holding that leading
// nibble), 0 otherwise - followed by the remaining nibbles packed two per
// byte.
type Nibbles struct {
	Nibbles []byte
}

// FromUnpackedNibbles validates an unpacked nibble slice (one nibble value,
// 0-15, per byte, at most maxNibbles long) and wraps it as a Nibbles.
func FromUnpackedNibbles(nibbles []byte) (*Nibbles, error) {
	if len(nibbles) > maxNibbles {
		return nil, fmt.Errorf("state: path has %d nibbles, max is %d", len(nibbles), maxNibbles)
	}
	for i, nb := range nibbles {
		if nb > 0x0f {
			return nil, fmt.Errorf("state: nibble %d out of range: %#x", i, nb)
		}
	}
	return &Nibbles{Nibbles: append([]byte(nil), nibbles...)}, nil
}

func (n *Nibbles) packedLength() int {
	if len(n.Nibbles)%2 == 1 {
		return 1 + (len(n.Nibbles)-1)/2
	}
	return 1 + len(n.Nibbles)/2
}

func (n *Nibbles) Serialize(w *codec.EncodingWriter) error {
	out := make([]byte, n.packedLength())
	rest := n.Nibbles
	if len(rest)%2 == 1 {
		out[0] = 0x10 | rest[0]
		rest = rest[1:]
	}
	for i := 0; i < len(rest); i += 2 {
		out[1+i/2] = rest[i]<<4 | rest[i+1]
	}
	return w.Write(out)
}

func (n *Nibbles) Deserialize(dr *codec.DecodingReader) error {
	size := dr.Scope()
	if size == 0 {
		return errors.New("state: empty nibbles encoding")
	}
	buf := make([]byte, size)
	if _, err := dr.Read(buf); err != nil {
		return err
	}
	flag := buf[0] >> 4
	switch flag {
	case 0:
		if buf[0]&0x0f != 0 {
			return errors.New("state: even-length nibbles must have an empty low nibble in the flag byte")
		}
	case 1:
	default:
		return fmt.Errorf("state: invalid nibbles flag %#x", flag)
	}

	nibbles := make([]byte, 0, 2*len(buf)-1)
	if flag == 1 {
		nibbles = append(nibbles, buf[0]&0x0f)
	}
	for _, b := range buf[1:] {
		nibbles = append(nibbles, b>>4, b&0x0f)
	}
	if len(nibbles) > maxNibbles {
		return fmt.Errorf("state: path has %d nibbles, max is %d", len(nibbles), maxNibbles)
	}
	n.Nibbles = nibbles
	return nil
}

func (n *Nibbles) FixedLength() uint64 {
	return 0
}

func (n *Nibbles) ByteLength() uint64 {
	return uint64(n.packedLength())
}

func writeOffset(w *codec.EncodingWriter, offset uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], offset)
	return w.Write(buf[:])
}

func readOffset(dr *codec.DecodingReader) (uint32, error) {
	var buf [4]byte
	if _, err := dr.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// AccountTrieNodeKey addresses one node of the main account trie: its path
// from the root plus the hash of the node itself.
type AccountTrieNodeKey struct {
	Path     Nibbles
	NodeHash zcommon.Bytes32
}

func (a *AccountTrieNodeKey) Serialize(w *codec.EncodingWriter) error {
	if err := writeOffset(w, uint32(4+32)); err != nil {
		return err
	}
	if err := a.NodeHash.Serialize(w); err != nil {
		return err
	}
	return a.Path.Serialize(w)
}

func (a *AccountTrieNodeKey) Deserialize(dr *codec.DecodingReader) error {
	if _, err := readOffset(dr); err != nil {
		return err
	}
	if err := a.NodeHash.Deserialize(dr); err != nil {
		return err
	}
	return a.Path.Deserialize(dr)
}

func (a *AccountTrieNodeKey) FixedLength() uint64 { return 0 }

func (a *AccountTrieNodeKey) ByteLength() uint64 {
	return 4 + 32 + a.Path.ByteLength()
}

// ContractStorageTrieNodeKey addresses one node of a contract's storage
// trie: the contract's address, the node's path from that trie's root, and
// the node's own hash.
type ContractStorageTrieNodeKey struct {
	Address  zcommon.Eth1Address
	Path     Nibbles
	NodeHash zcommon.Bytes32
}

func (c *ContractStorageTrieNodeKey) Serialize(w *codec.EncodingWriter) error {
	if err := c.Address.Serialize(w); err != nil {
		return err
	}
	if err := writeOffset(w, uint32(20+4+32)); err != nil {
		return err
	}
	if err := c.NodeHash.Serialize(w); err != nil {
		return err
	}
	return c.Path.Serialize(w)
}

func (c *ContractStorageTrieNodeKey) Deserialize(dr *codec.DecodingReader) error {
	if err := c.Address.Deserialize(dr); err != nil {
		return err
	}
	if _, err := readOffset(dr); err != nil {
		return err
	}
	if err := c.NodeHash.Deserialize(dr); err != nil {
		return err
	}
	return c.Path.Deserialize(dr)
}

func (c *ContractStorageTrieNodeKey) FixedLength() uint64 { return 0 }

func (c *ContractStorageTrieNodeKey) ByteLength() uint64 {
	return 20 + 4 + 32 + c.Path.ByteLength()
}

// ContractBytecodeKey addresses a contract's full deployed bytecode by the
// contract's address and its code hash.
type ContractBytecodeKey struct {
	Address  zcommon.Eth1Address
	NodeHash zcommon.Bytes32
}

func (c *ContractBytecodeKey) Serialize(w *codec.EncodingWriter) error {
	if err := c.Address.Serialize(w); err != nil {
		return err
	}
	return c.NodeHash.Serialize(w)
}

func (c *ContractBytecodeKey) Deserialize(dr *codec.DecodingReader) error {
	if err := c.Address.Deserialize(dr); err != nil {
		return err
	}
	return c.NodeHash.Deserialize(dr)
}

func (c *ContractBytecodeKey) FixedLength() uint64 { return 20 + 32 }

func (c *ContractBytecodeKey) ByteLength() uint64 { return 20 + 32 }
