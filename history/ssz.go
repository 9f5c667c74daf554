package history

import (
	"encoding/binary"
	"fmt"
)

// Hand-written SSZ encode/decode for the history content types, in the same
// style as portalwire/ssz.go: fixed fields in declared order, one 4-byte
// little-endian offset per variable field, payloads appended in order.

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
		return nil, fmt.Errorf("history: short buffer for variable byte list")
	}
	first := getOffset(buf)
	if first%4 != 0 || int(first) > len(buf) {
		return nil, fmt.Errorf("history: invalid first offset %d", first)
	}
	n := int(first) / 4
	offsets := make([]uint32, n+1)
	for i := 0; i < n; i++ {
		o := getOffset(buf[i*4 : i*4+4])
		if int(o) > len(buf) {
			return nil, fmt.Errorf("history: offset %d out of range", o)
		}
		offsets[i] = o
	}
	offsets[n] = uint32(len(buf))
	items := make([][]byte, n)
	for i := 0; i < n; i++ {
		if offsets[i] > offsets[i+1] {
			return nil, fmt.Errorf("history: decreasing offsets")
		}
		items[i] = append([]byte(nil), buf[offsets[i]:offsets[i+1]]...)
	}
	return items, nil
}

// --- HeaderRecord: two fixed 32-byte fields, no offsets needed ---

func (h *HeaderRecord) MarshalSSZ() ([]byte, error) {
	if len(h.BlockHash) != 32 || len(h.TotalDifficulty) != 32 {
		return nil, fmt.Errorf("history: header record fields must be 32 bytes")
	}
	out := make([]byte, 64)
	copy(out[0:32], h.BlockHash)
	copy(out[32:64], h.TotalDifficulty)
	return out, nil
}

func (h *HeaderRecord) UnmarshalSSZ(buf []byte) error {
	if len(buf) != 64 {
		return fmt.Errorf("history: header record must be 64 bytes, got %d", len(buf))
	}
	h.BlockHash = append([]byte(nil), buf[0:32]...)
	h.TotalDifficulty = append([]byte(nil), buf[32:64]...)
	return nil
}

// --- BlockBodyLegacy: Transactions (list of var bytes), Uncles (var bytes) ---

func (b *BlockBodyLegacy) MarshalSSZ() ([]byte, error) {
	txBody := encodeVarByteList(b.Transactions)
	const headSize = 8
	out := make([]byte, headSize+len(txBody)+len(b.Uncles))
	putOffset(out[0:4], headSize)
	putOffset(out[4:8], uint32(headSize+len(txBody)))
	copy(out[headSize:], txBody)
	copy(out[headSize+len(txBody):], b.Uncles)
	return out, nil
}

func (b *BlockBodyLegacy) UnmarshalSSZ(buf []byte) error {
	if len(buf) < 8 {
		return fmt.Errorf("history: short BlockBodyLegacy")
	}
	off1 := getOffset(buf[0:4])
	off2 := getOffset(buf[4:8])
	if off1 != 8 || off2 < off1 || int(off2) > len(buf) {
		return fmt.Errorf("history: bad BlockBodyLegacy offsets")
	}
	txs, err := decodeVarByteList(buf[off1:off2])
	if err != nil {
		return err
	}
	b.Transactions = txs
	b.Uncles = append([]byte(nil), buf[off2:]...)
	return nil
}

// --- PortalBlockBodyShanghai: Transactions, Uncles, Withdrawals ---

func (b *PortalBlockBodyShanghai) MarshalSSZ() ([]byte, error) {
	txBody := encodeVarByteList(b.Transactions)
	wBody := encodeVarByteList(b.Withdrawals)
	const headSize = 12
	out := make([]byte, headSize+len(txBody)+len(b.Uncles)+len(wBody))
	putOffset(out[0:4], headSize)
	putOffset(out[4:8], uint32(headSize+len(txBody)))
	putOffset(out[8:12], uint32(headSize+len(txBody)+len(b.Uncles)))
	cursor := headSize
	copy(out[cursor:], txBody)
	cursor += len(txBody)
	copy(out[cursor:], b.Uncles)
	cursor += len(b.Uncles)
	copy(out[cursor:], wBody)
	return out, nil
}

func (b *PortalBlockBodyShanghai) UnmarshalSSZ(buf []byte) error {
	if len(buf) < 12 {
		return fmt.Errorf("history: short PortalBlockBodyShanghai")
	}
	off1 := getOffset(buf[0:4])
	off2 := getOffset(buf[4:8])
	off3 := getOffset(buf[8:12])
	if off1 != 12 || off2 < off1 || off3 < off2 || int(off3) > len(buf) {
		return fmt.Errorf("history: bad PortalBlockBodyShanghai offsets")
	}
	txs, err := decodeVarByteList(buf[off1:off2])
	if err != nil {
		return err
	}
	withdrawals, err := decodeVarByteList(buf[off3:])
	if err != nil {
		return err
	}
	b.Transactions = txs
	b.Uncles = append([]byte(nil), buf[off2:off3]...)
	b.Withdrawals = withdrawals
	return nil
}

// --- SSZProof: Leaf (fixed 32), Witnesses (list of fixed 32-byte chunks) ---

func (s *SSZProof) MarshalSSZ() ([]byte, error) {
	if len(s.Leaf) != 32 {
		return nil, fmt.Errorf("history: proof leaf must be 32 bytes")
	}
	out := make([]byte, 32+4+32*len(s.Witnesses))
	copy(out[0:32], s.Leaf)
	putOffset(out[32:36], 36)
	for i, w := range s.Witnesses {
		if len(w) != 32 {
			return nil, fmt.Errorf("history: proof witness must be 32 bytes")
		}
		copy(out[36+32*i:36+32*(i+1)], w)
	}
	return out, nil
}

func (s *SSZProof) UnmarshalSSZ(buf []byte) error {
	if len(buf) < 36 {
		return fmt.Errorf("history: short SSZProof")
	}
	off := getOffset(buf[32:36])
	if off != 36 || int(off) > len(buf) {
		return fmt.Errorf("history: bad SSZProof offset %d", off)
	}
	body := buf[36:]
	if len(body)%32 != 0 {
		return fmt.Errorf("history: SSZProof witnesses not a multiple of 32 bytes")
	}
	n := len(body) / 32
	witnesses := make([][]byte, n)
	for i := 0; i < n; i++ {
		witnesses[i] = append([]byte(nil), body[32*i:32*(i+1)]...)
	}
	s.Leaf = append([]byte(nil), buf[0:32]...)
	s.Witnesses = witnesses
	return nil
}

// --- BlockHeaderProof: hand-written union, selector + optional SSZProof ---

func (p *BlockHeaderProof) MarshalSSZ() ([]byte, error) {
	if p.Selector == BlockHeaderProofNone {
		return []byte{BlockHeaderProofNone}, nil
	}
	if p.Proof == nil {
		return nil, fmt.Errorf("history: accumulator proof selector set without a proof")
	}
	body, err := p.Proof.MarshalSSZ()
	if err != nil {
		return nil, err
	}
	return append([]byte{p.Selector}, body...), nil
}

func (p *BlockHeaderProof) UnmarshalSSZ(buf []byte) error {
	if len(buf) == 0 {
		return fmt.Errorf("history: empty BlockHeaderProof")
	}
	p.Selector = buf[0]
	switch p.Selector {
	case BlockHeaderProofNone:
		p.Proof = nil
		return nil
	case BlockHeaderProofAccumulator:
		proof := new(SSZProof)
		if err := proof.UnmarshalSSZ(buf[1:]); err != nil {
			return err
		}
		p.Proof = proof
		return nil
	default:
		return fmt.Errorf("history: unknown BlockHeaderProof selector %d", p.Selector)
	}
}

// --- BlockHeaderWithProof: Header (var bytes), Proof (union, self-delimiting) ---

func (b *BlockHeaderWithProof) MarshalSSZ() ([]byte, error) {
	proof := b.Proof
	if proof == nil {
		proof = &BlockHeaderProof{Selector: BlockHeaderProofNone}
	}
	proofBytes, err := proof.MarshalSSZ()
	if err != nil {
		return nil, err
	}
	const headSize = 8
	out := make([]byte, headSize+len(b.Header)+len(proofBytes))
	putOffset(out[0:4], headSize)
	putOffset(out[4:8], uint32(headSize+len(b.Header)))
	copy(out[headSize:], b.Header)
	copy(out[headSize+len(b.Header):], proofBytes)
	return out, nil
}

func (b *BlockHeaderWithProof) UnmarshalSSZ(buf []byte) error {
	if len(buf) < 8 {
		return fmt.Errorf("history: short BlockHeaderWithProof")
	}
	off1 := getOffset(buf[0:4])
	off2 := getOffset(buf[4:8])
	if off1 != 8 || off2 < off1 || int(off2) > len(buf) {
		return fmt.Errorf("history: bad BlockHeaderWithProof offsets")
	}
	b.Header = append([]byte(nil), buf[off1:off2]...)
	proof := new(BlockHeaderProof)
	if err := proof.UnmarshalSSZ(buf[off2:]); err != nil {
		return err
	}
	b.Proof = proof
	return nil
}

// --- MasterAccumulator / EpochAccumulator: standalone lists of fixed chunks ---

func (m *MasterAccumulator) MarshalSSZ() ([]byte, error) {
	if len(m.HistoricalEpochs) > 1897 {
		return nil, fmt.Errorf("history: master accumulator exceeds 1897 epochs")
	}
	out := make([]byte, 32*len(m.HistoricalEpochs))
	for i, e := range m.HistoricalEpochs {
		if len(e) != 32 {
			return nil, fmt.Errorf("history: epoch root must be 32 bytes")
		}
		copy(out[32*i:32*(i+1)], e)
	}
	return out, nil
}

func (m *MasterAccumulator) UnmarshalSSZ(buf []byte) error {
	if len(buf)%32 != 0 {
		return fmt.Errorf("history: master accumulator buffer not a multiple of 32 bytes")
	}
	n := len(buf) / 32
	if n > 1897 {
		return fmt.Errorf("history: master accumulator exceeds 1897 epochs")
	}
	epochs := make([][]byte, n)
	for i := 0; i < n; i++ {
		epochs[i] = append([]byte(nil), buf[32*i:32*(i+1)]...)
	}
	m.HistoricalEpochs = epochs
	return nil
}

func (e *EpochAccumulator) MarshalSSZ() ([]byte, error) {
	if len(e.HeaderRecords) > epochSize {
		return nil, fmt.Errorf("history: epoch accumulator exceeds %d records", epochSize)
	}
	out := make([]byte, 64*len(e.HeaderRecords))
	for i, r := range e.HeaderRecords {
		if len(r) != 64 {
			return nil, fmt.Errorf("history: header record must be 64 bytes")
		}
		copy(out[64*i:64*(i+1)], r)
	}
	return out, nil
}

func (e *EpochAccumulator) UnmarshalSSZ(buf []byte) error {
	if len(buf)%64 != 0 {
		return fmt.Errorf("history: epoch accumulator buffer not a multiple of 64 bytes")
	}
	n := len(buf) / 64
	if n > epochSize {
		return fmt.Errorf("history: epoch accumulator exceeds %d records", epochSize)
	}
	records := make([][]byte, n)
	for i := 0; i < n; i++ {
		records[i] = append([]byte(nil), buf[64*i:64*(i+1)]...)
	}
	e.HeaderRecords = records
	return nil
}

// --- PortalReceipts: list of variable-length RLP receipt blobs ---

func (r *PortalReceipts) MarshalSSZ() ([]byte, error) {
	return encodeVarByteList(r.Receipts), nil
}

func (r *PortalReceipts) UnmarshalSSZ(buf []byte) error {
	items, err := decodeVarByteList(buf)
	if err != nil {
		return err
	}
	r.Receipts = items
	return nil
}
