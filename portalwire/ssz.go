package portalwire

import (
	"encoding/binary"
	"fmt"
)

// Hand-written SSZ encode/decode helpers in the style sszgen would emit:
// fixed-size fields are laid out in declared order, each variable-size
// field reserves a 4-byte little-endian offset in the fixed section and
// its payload is appended, in declared order, after the fixed section.
//
// Every message type here has at most one variable-size field, so the
// general multi-offset bookkeeping a full sszgen run needs collapses to a
// single offset; that simplification is intentional, not partial.

func putOffset(buf []byte, off uint32) {
	binary.LittleEndian.PutUint32(buf, off)
}

func getOffset(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

// encodeVarByteList encodes a list of variable-length byte strings: a run of
// 4-byte offsets (relative to the start of this blob) followed by the
// concatenated element bytes, in the SSZ list-of-variable-size-items form.
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

// decodeVarByteList is the inverse of encodeVarByteList.
func decodeVarByteList(buf []byte) ([][]byte, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if len(buf) < 4 {
		return nil, fmt.Errorf("portalwire: short buffer for variable byte list")
	}
	first := getOffset(buf)
	if first%4 != 0 || int(first) > len(buf) {
		return nil, fmt.Errorf("portalwire: invalid first offset %d", first)
	}
	n := int(first) / 4
	offsets := make([]uint32, n+1)
	for i := 0; i < n; i++ {
		o := getOffset(buf[i*4 : i*4+4])
		if int(o) > len(buf) {
			return nil, fmt.Errorf("portalwire: offset %d out of range", o)
		}
		offsets[i] = o
	}
	offsets[n] = uint32(len(buf))
	items := make([][]byte, n)
	for i := 0; i < n; i++ {
		if offsets[i] > offsets[i+1] {
			return nil, fmt.Errorf("portalwire: decreasing offsets")
		}
		items[i] = append([]byte(nil), buf[offsets[i]:offsets[i+1]]...)
	}
	return items, nil
}

// --- PingPongCustomData ---

func (p *PingPongCustomData) MarshalSSZ() ([]byte, error) {
	if len(p.Radius) != 32 {
		return nil, fmt.Errorf("portalwire: radius must be 32 bytes, got %d", len(p.Radius))
	}
	out := make([]byte, 32)
	copy(out, p.Radius)
	return out, nil
}

func (p *PingPongCustomData) UnmarshalSSZ(buf []byte) error {
	if len(buf) != 32 {
		return fmt.Errorf("portalwire: PingPongCustomData expects 32 bytes, got %d", len(buf))
	}
	p.Radius = append([]byte(nil), buf...)
	return nil
}

// --- Ping / Pong share a layout ---

func marshalEnrSeqPayload(enrSeq uint64, payload []byte) []byte {
	out := make([]byte, 12+len(payload))
	binary.LittleEndian.PutUint64(out[0:8], enrSeq)
	putOffset(out[8:12], 12)
	copy(out[12:], payload)
	return out
}

func unmarshalEnrSeqPayload(buf []byte) (uint64, []byte, error) {
	if len(buf) < 12 {
		return 0, nil, fmt.Errorf("portalwire: short ping/pong payload")
	}
	enrSeq := binary.LittleEndian.Uint64(buf[0:8])
	off := getOffset(buf[8:12])
	if off != 12 || int(off) > len(buf) {
		return 0, nil, fmt.Errorf("portalwire: bad ping/pong offset %d", off)
	}
	return enrSeq, append([]byte(nil), buf[12:]...), nil
}

func (p *Ping) MarshalSSZ() ([]byte, error) {
	return marshalEnrSeqPayload(p.EnrSeq, p.CustomPayload), nil
}

func (p *Ping) UnmarshalSSZ(buf []byte) error {
	seq, payload, err := unmarshalEnrSeqPayload(buf)
	if err != nil {
		return err
	}
	p.EnrSeq, p.CustomPayload = seq, payload
	return nil
}

func (p *Pong) MarshalSSZ() ([]byte, error) {
	return marshalEnrSeqPayload(p.EnrSeq, p.CustomPayload), nil
}

func (p *Pong) UnmarshalSSZ(buf []byte) error {
	seq, payload, err := unmarshalEnrSeqPayload(buf)
	if err != nil {
		return err
	}
	p.EnrSeq, p.CustomPayload = seq, payload
	return nil
}

// --- FindNodes ---

func (f *FindNodes) MarshalSSZ() ([]byte, error) {
	out := make([]byte, 4+2*len(f.Distances))
	putOffset(out[0:4], 4)
	for i, d := range f.Distances {
		out[4+2*i] = d[0]
		out[4+2*i+1] = d[1]
	}
	return out, nil
}

func (f *FindNodes) UnmarshalSSZ(buf []byte) error {
	if len(buf) < 4 {
		return fmt.Errorf("portalwire: short FindNodes")
	}
	off := getOffset(buf[0:4])
	if off != 4 {
		return fmt.Errorf("portalwire: bad FindNodes offset %d", off)
	}
	body := buf[4:]
	if len(body)%2 != 0 {
		return fmt.Errorf("portalwire: FindNodes distances not a multiple of 2 bytes")
	}
	n := len(body) / 2
	if n > 256 {
		return fmt.Errorf("portalwire: FindNodes distances exceed limit")
	}
	f.Distances = make([][2]byte, n)
	for i := 0; i < n; i++ {
		f.Distances[i][0] = body[2*i]
		f.Distances[i][1] = body[2*i+1]
	}
	return nil
}

// --- FindContent / Content share a single-variable-field layout ---

func marshalSingleVar(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	putOffset(out[0:4], 4)
	copy(out[4:], payload)
	return out
}

func unmarshalSingleVar(buf []byte) ([]byte, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("portalwire: short buffer")
	}
	off := getOffset(buf[0:4])
	if off != 4 || int(off) > len(buf) {
		return nil, fmt.Errorf("portalwire: bad offset %d", off)
	}
	return append([]byte(nil), buf[4:]...), nil
}

func (f *FindContent) MarshalSSZ() ([]byte, error) { return marshalSingleVar(f.ContentKey), nil }
func (f *FindContent) UnmarshalSSZ(buf []byte) error {
	v, err := unmarshalSingleVar(buf)
	if err != nil {
		return err
	}
	f.ContentKey = v
	return nil
}

func (c *Content) MarshalSSZ() ([]byte, error) { return marshalSingleVar(c.Content), nil }
func (c *Content) UnmarshalSSZ(buf []byte) error {
	v, err := unmarshalSingleVar(buf)
	if err != nil {
		return err
	}
	c.Content = v
	return nil
}

// --- Offer / Nodes / Enrs: single field, list of variable-size byte strings ---

func (o *Offer) MarshalSSZ() ([]byte, error) {
	if len(o.ContentKeys) > ContentKeysLimit {
		return nil, fmt.Errorf("portalwire: too many content keys")
	}
	return marshalSingleVar(encodeVarByteList(o.ContentKeys)), nil
}

func (o *Offer) UnmarshalSSZ(buf []byte) error {
	body, err := unmarshalSingleVar(buf)
	if err != nil {
		return err
	}
	keys, err := decodeVarByteList(body)
	if err != nil {
		return err
	}
	if len(keys) > ContentKeysLimit {
		return fmt.Errorf("portalwire: too many content keys")
	}
	o.ContentKeys = keys
	return nil
}

func (e *Enrs) MarshalSSZ() ([]byte, error) {
	return marshalSingleVar(encodeVarByteList(e.Enrs)), nil
}

func (e *Enrs) UnmarshalSSZ(buf []byte) error {
	body, err := unmarshalSingleVar(buf)
	if err != nil {
		return err
	}
	enrs, err := decodeVarByteList(body)
	if err != nil {
		return err
	}
	e.Enrs = enrs
	return nil
}

func (n *Nodes) MarshalSSZ() ([]byte, error) {
	body := encodeVarByteList(n.Enrs)
	out := make([]byte, 5+len(body))
	out[0] = n.Total
	putOffset(out[1:5], 5)
	copy(out[5:], body)
	return out, nil
}

func (n *Nodes) UnmarshalSSZ(buf []byte) error {
	if len(buf) < 5 {
		return fmt.Errorf("portalwire: short Nodes")
	}
	off := getOffset(buf[1:5])
	if off != 5 || int(off) > len(buf) {
		return fmt.Errorf("portalwire: bad Nodes offset %d", off)
	}
	enrs, err := decodeVarByteList(buf[5:])
	if err != nil {
		return err
	}
	n.Total = buf[0]
	n.Enrs = enrs
	return nil
}

// --- ConnectionId ---

func (c *ConnectionId) MarshalSSZ() ([]byte, error) {
	if len(c.Id) != 2 {
		return nil, fmt.Errorf("portalwire: connection id must be 2 bytes")
	}
	return append([]byte(nil), c.Id...), nil
}

func (c *ConnectionId) UnmarshalSSZ(buf []byte) error {
	if len(buf) != 2 {
		return fmt.Errorf("portalwire: connection id must be 2 bytes, got %d", len(buf))
	}
	c.Id = append([]byte(nil), buf...)
	return nil
}

// --- Accept ---

func (a *Accept) MarshalSSZ() ([]byte, error) {
	if len(a.ConnectionId) != 2 {
		return nil, fmt.Errorf("portalwire: connection id must be 2 bytes")
	}
	out := make([]byte, 6+len(a.ContentKeys))
	copy(out[0:2], a.ConnectionId)
	putOffset(out[2:6], 6)
	copy(out[6:], a.ContentKeys)
	return out, nil
}

func (a *Accept) UnmarshalSSZ(buf []byte) error {
	if len(buf) < 6 {
		return fmt.Errorf("portalwire: short Accept")
	}
	off := getOffset(buf[2:6])
	if off != 6 || int(off) > len(buf) {
		return fmt.Errorf("portalwire: bad Accept offset %d", off)
	}
	a.ConnectionId = append([]byte(nil), buf[0:2]...)
	a.ContentKeys = append([]byte(nil), buf[6:]...)
	return nil
}
