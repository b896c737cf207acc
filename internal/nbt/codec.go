package nbt

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// ErrUnknownContainer reports a compressed stream whose leading bytes match
// neither gzip nor zlib and that does not parse as a raw tag stream.
var ErrUnknownContainer = errors.New("nbt: unknown compression container")

// maxDecompressed caps inflated payload size. Inventory payloads measure in
// kilobytes; anything larger is hostile or corrupt.
const maxDecompressed = 8 << 20

// DecodeBase64 runs the full inbound pipeline: base64 decode, container
// detection and decompression, then a single-pass tree parse.
func DecodeBase64(field string) (Compound, error) {
	raw, err := base64.StdEncoding.DecodeString(field)
	if err != nil {
		return nil, fmt.Errorf("nbt: base64 decode: %w", err)
	}
	return Decode(raw)
}

// Decode decompresses and parses a compressed tag stream. The container is
// sniffed by magic bytes: gzip (1f 8b), zlib (78 xx), else the bytes are
// treated as an uncompressed stream. The magics are disjoint so the sniff
// order carries no ambiguity.
func Decode(data []byte) (Compound, error) {
	plain, err := Decompress(data)
	if err != nil {
		return nil, err
	}
	return Parse(plain)
}

// Decompress unwraps the compression container without parsing the payload.
func Decompress(data []byte) ([]byte, error) {
	switch {
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("nbt: gzip open: %w", err)
		}
		defer r.Close()
		return readCapped(r)
	case len(data) >= 2 && data[0] == 0x78:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("nbt: zlib open: %w", err)
		}
		defer r.Close()
		return readCapped(r)
	case len(data) >= 1 && Type(data[0]) == TypeCompound:
		return data, nil
	default:
		return nil, ErrUnknownContainer
	}
}

func readCapped(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, maxDecompressed+1))
	if err != nil {
		return nil, fmt.Errorf("nbt: decompress: %w", err)
	}
	if len(out) > maxDecompressed {
		return nil, errors.New("nbt: decompressed payload too large")
	}
	return out, nil
}

// EncodeBase64 runs the outbound pipeline: serialize the tree, gzip it, and
// base64 the result. The counterpart to DecodeBase64, used mainly by tests
// and fixtures.
func EncodeBase64(root Compound) (string, error) {
	raw, err := Encode(root)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return "", fmt.Errorf("nbt: gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("nbt: gzip close: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Encode serializes the tree as an uncompressed tag stream with an unnamed
// compound root.
func Encode(root Compound) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(TypeCompound))
	writeString(&buf, "")
	if err := writeCompound(&buf, root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCompound(buf *bytes.Buffer, c Compound) error {
	for name, value := range c {
		if _, ok := value.(Opaque); ok {
			return errors.New("nbt: cannot encode opaque node")
		}
		buf.WriteByte(byte(value.Type()))
		writeString(buf, name)
		if err := writeValue(buf, value); err != nil {
			return err
		}
	}
	buf.WriteByte(byte(TypeEnd))
	return nil
}

func writeValue(buf *bytes.Buffer, value Value) error {
	switch v := value.(type) {
	case Byte:
		buf.WriteByte(byte(v))
	case Short:
		writeUint(buf, uint64(uint16(v)), 2)
	case Int:
		writeUint(buf, uint64(uint32(v)), 4)
	case Long:
		writeUint(buf, uint64(v), 8)
	case Float:
		writeUint(buf, uint64(math.Float32bits(float32(v))), 4)
	case Double:
		writeUint(buf, math.Float64bits(float64(v)), 8)
	case String:
		writeString(buf, string(v))
	case ByteArray:
		writeUint(buf, uint64(uint32(len(v))), 4)
		buf.Write(v)
	case IntArray:
		writeUint(buf, uint64(uint32(len(v))), 4)
		for _, n := range v {
			writeUint(buf, uint64(uint32(n)), 4)
		}
	case LongArray:
		writeUint(buf, uint64(uint32(len(v))), 4)
		for _, n := range v {
			writeUint(buf, uint64(n), 8)
		}
	case List:
		elem := v.Elem
		if len(v.Items) > 0 {
			elem = v.Items[0].Type()
		}
		buf.WriteByte(byte(elem))
		writeUint(buf, uint64(uint32(len(v.Items))), 4)
		for _, item := range v.Items {
			if item.Type() != elem {
				return errors.New("nbt: mixed list element types")
			}
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
	case Compound:
		return writeCompound(buf, v)
	default:
		return fmt.Errorf("nbt: cannot encode %T", value)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint(buf, uint64(uint16(len(s))), 2)
	buf.WriteString(s)
}

func writeUint(buf *bytes.Buffer, v uint64, size int) {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], v<<(8*(8-size)))
	buf.Write(scratch[:size])
}
