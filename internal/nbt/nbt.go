// Package nbt decodes and encodes the game's named binary tag format as it
// appears embedded in upstream API responses: a base64 text field wrapping a
// compressed byte stream wrapping a tree of named, typed nodes.
package nbt

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Type identifies the wire tag of a node.
type Type byte

const (
	TypeEnd Type = iota
	TypeByte
	TypeShort
	TypeInt
	TypeLong
	TypeFloat
	TypeDouble
	TypeByteArray
	TypeString
	TypeList
	TypeCompound
	TypeIntArray
	TypeLongArray
)

// maxDepth bounds list/compound nesting so hostile payloads cannot blow the
// stack. Real inventory payloads nest a handful of levels deep.
const maxDepth = 512

var (
	// ErrTruncated reports a stream that ended inside a value.
	ErrTruncated = errors.New("nbt: truncated stream")
	// ErrRootTag reports a stream whose root node is not a compound.
	ErrRootTag = errors.New("nbt: root tag must be a compound")
)

// Value is one decoded node. Plain converts the node into JSON-friendly data
// (maps, slices, numbers, strings) so consumers never see the wire format.
type Value interface {
	Type() Type
	Plain() any
}

type (
	Byte   int8
	Short  int16
	Int    int32
	Long   int64
	Float  float32
	Double float64
	String string

	ByteArray []byte
	IntArray  []int32
	LongArray []int64

	// List holds same-typed children. Elem records the declared element
	// tag so encoding round-trips empty lists faithfully.
	List struct {
		Elem  Type
		Items []Value
	}

	Compound map[string]Value

	// Opaque captures a node with an unknown tag id. The wire format
	// carries no length for unknown payloads, so the capture swallows the
	// remainder of the stream rather than rejecting the whole tree.
	Opaque struct {
		ID  byte
		Raw []byte
	}
)

func (Byte) Type() Type      { return TypeByte }
func (Short) Type() Type     { return TypeShort }
func (Int) Type() Type       { return TypeInt }
func (Long) Type() Type      { return TypeLong }
func (Float) Type() Type     { return TypeFloat }
func (Double) Type() Type    { return TypeDouble }
func (String) Type() Type    { return TypeString }
func (ByteArray) Type() Type { return TypeByteArray }
func (IntArray) Type() Type  { return TypeIntArray }
func (LongArray) Type() Type { return TypeLongArray }
func (List) Type() Type      { return TypeList }
func (Compound) Type() Type  { return TypeCompound }
func (Opaque) Type() Type    { return TypeEnd }

func (v Byte) Plain() any   { return int8(v) }
func (v Short) Plain() any  { return int16(v) }
func (v Int) Plain() any    { return int32(v) }
func (v Long) Plain() any   { return int64(v) }
func (v Float) Plain() any  { return float32(v) }
func (v Double) Plain() any { return float64(v) }
func (v String) Plain() any { return string(v) }

func (v ByteArray) Plain() any {
	out := make([]int8, len(v))
	for i, b := range v {
		out[i] = int8(b)
	}
	return out
}

func (v IntArray) Plain() any  { return []int32(v) }
func (v LongArray) Plain() any { return []int64(v) }

func (v List) Plain() any {
	out := make([]any, len(v.Items))
	for i, item := range v.Items {
		out[i] = item.Plain()
	}
	return out
}

func (v Compound) Plain() any {
	out := make(map[string]any, len(v))
	for name, item := range v {
		out[name] = item.Plain()
	}
	return out
}

func (v Opaque) Plain() any {
	return map[string]any{
		"_opaqueTag": int(v.ID),
		"_raw":       base64.StdEncoding.EncodeToString(v.Raw),
	}
}

// Lookup walks nested compounds by name, returning the addressed value.
func (v Compound) Lookup(path ...string) (Value, bool) {
	var current Value = v
	for _, name := range path {
		comp, ok := current.(Compound)
		if !ok {
			return nil, false
		}
		current, ok = comp[name]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

type decoder struct {
	r *bytes.Reader
	// stopped marks that an opaque capture consumed the rest of the
	// stream; open containers close out instead of reporting truncation.
	stopped bool
}

// Parse decodes a single uncompressed tag stream. The root must be a named
// compound, matching every payload the upstream emits.
func Parse(data []byte) (Compound, error) {
	d := &decoder{r: bytes.NewReader(data)}
	id, err := d.r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	if Type(id) != TypeCompound {
		return nil, fmt.Errorf("%w, got tag %d", ErrRootTag, id)
	}
	if _, err := d.readString(); err != nil {
		return nil, err
	}
	root, err := d.readCompound(0)
	if err != nil {
		return nil, err
	}
	return root, nil
}

func (d *decoder) readValue(id Type, depth int) (Value, error) {
	if depth > maxDepth {
		return nil, errors.New("nbt: nesting too deep")
	}
	switch id {
	case TypeByte:
		b, err := d.r.ReadByte()
		if err != nil {
			return nil, ErrTruncated
		}
		return Byte(b), nil
	case TypeShort:
		v, err := d.readUint(2)
		return Short(v), err
	case TypeInt:
		v, err := d.readUint(4)
		return Int(v), err
	case TypeLong:
		v, err := d.readUint(8)
		return Long(v), err
	case TypeFloat:
		v, err := d.readUint(4)
		return Float(math.Float32frombits(uint32(v))), err
	case TypeDouble:
		v, err := d.readUint(8)
		return Double(math.Float64frombits(v)), err
	case TypeByteArray:
		n, err := d.readLength()
		if err != nil {
			return nil, err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(d.r, buf); err != nil {
			return nil, ErrTruncated
		}
		return ByteArray(buf), nil
	case TypeString:
		s, err := d.readString()
		return String(s), err
	case TypeList:
		return d.readList(depth)
	case TypeCompound:
		return d.readCompound(depth)
	case TypeIntArray:
		n, err := d.readLength()
		if err != nil {
			return nil, err
		}
		out := make(IntArray, n)
		for i := range out {
			v, err := d.readUint(4)
			if err != nil {
				return nil, err
			}
			out[i] = int32(uint32(v))
		}
		return out, nil
	case TypeLongArray:
		n, err := d.readLength()
		if err != nil {
			return nil, err
		}
		out := make(LongArray, n)
		for i := range out {
			v, err := d.readUint(8)
			if err != nil {
				return nil, err
			}
			out[i] = int64(v)
		}
		return out, nil
	default:
		// Future tag id: the payload length is unknowable, so capture the
		// remainder of the stream verbatim and let parents close out.
		rest := make([]byte, d.r.Len())
		_, _ = io.ReadFull(d.r, rest)
		d.stopped = true
		return Opaque{ID: byte(id), Raw: rest}, nil
	}
}

func (d *decoder) readCompound(depth int) (Compound, error) {
	out := Compound{}
	for {
		id, err := d.r.ReadByte()
		if err != nil {
			if d.stopped {
				return out, nil
			}
			return nil, ErrTruncated
		}
		if Type(id) == TypeEnd {
			return out, nil
		}
		name, err := d.readString()
		if err != nil {
			if d.stopped {
				return out, nil
			}
			return nil, err
		}
		value, err := d.readValue(Type(id), depth+1)
		if err != nil {
			return nil, err
		}
		out[name] = value
		if d.stopped {
			return out, nil
		}
	}
}

func (d *decoder) readList(depth int) (List, error) {
	elem, err := d.r.ReadByte()
	if err != nil {
		return List{}, ErrTruncated
	}
	n, err := d.readLength()
	if err != nil {
		return List{}, err
	}
	out := List{Elem: Type(elem)}
	if n > 0 {
		out.Items = make([]Value, 0, min(n, 4096))
	}
	for i := 0; i < n; i++ {
		value, err := d.readValue(Type(elem), depth+1)
		if err != nil {
			return List{}, err
		}
		out.Items = append(out.Items, value)
		if d.stopped {
			break
		}
	}
	return out, nil
}

func (d *decoder) readString() (string, error) {
	v, err := d.readUint(2)
	if err != nil {
		return "", err
	}
	buf := make([]byte, v)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return "", ErrTruncated
	}
	return string(buf), nil
}

func (d *decoder) readLength() (int, error) {
	v, err := d.readUint(4)
	if err != nil {
		return 0, err
	}
	n := int(int32(uint32(v)))
	if n < 0 {
		return 0, errors.New("nbt: negative length")
	}
	if n > d.r.Len() {
		return 0, ErrTruncated
	}
	return n, nil
}

func (d *decoder) readUint(size int) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(d.r, buf[:size]); err != nil {
		return 0, ErrTruncated
	}
	switch size {
	case 2:
		return uint64(binary.BigEndian.Uint16(buf[:2])), nil
	case 4:
		return uint64(binary.BigEndian.Uint32(buf[:4])), nil
	default:
		return binary.BigEndian.Uint64(buf[:8]), nil
	}
}
