// Package codec implements the Serializer: a canonical, self-delimiting
// encoding for byte strings, unicode strings, unsigned integers, tuples,
// and string-keyed maps. It is the wire format protocol messages and
// onion layers are built from — every value carries its own length, so a
// decoder never needs an external schema to know where one value ends
// and the next begins.
package codec

import (
	"encoding/binary"
	"sort"

	"github.com/onionmesh/onionmesh/distrimerr"
)

// Tag bytes identify the kind of value that follows.
const (
	tagBytes byte = iota + 1
	tagString
	tagUint
	tagTuple
	tagMap
)

// Encode serializes v, which must be built from []byte, string, uint64,
// []any (tuple), and map[string]any (string-keyed map), recursively.
func Encode(v any) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return encodeBytes(tagBytes, x), nil
	case string:
		return encodeBytes(tagString, []byte(x)), nil
	case uint64:
		return encodeUint(x), nil
	case int:
		return encodeUint(uint64(x)), nil
	case []any:
		return encodeTuple(x)
	case map[string]any:
		return encodeMap(x)
	default:
		return nil, distrimerr.New(distrimerr.Protocol, "codec: unsupported value type %T", v)
	}
}

func encodeBytes(tag byte, b []byte) []byte {
	hdr := make([]byte, 1+binary.MaxVarintLen64)
	hdr[0] = tag
	n := binary.PutUvarint(hdr[1:], uint64(len(b)))
	out := make([]byte, 0, 1+n+len(b))
	out = append(out, hdr[:1+n]...)
	out = append(out, b...)
	return out
}

func encodeUint(u uint64) []byte {
	buf := make([]byte, 1+binary.MaxVarintLen64)
	buf[0] = tagUint
	n := binary.PutUvarint(buf[1:], u)
	return buf[:1+n]
}

func encodeTuple(items []any) ([]byte, error) {
	body := make([]byte, 0, 64)
	for _, item := range items {
		enc, err := Encode(item)
		if err != nil {
			return nil, err
		}
		body = append(body, enc...)
	}
	hdr := make([]byte, 1+binary.MaxVarintLen64)
	hdr[0] = tagTuple
	n := binary.PutUvarint(hdr[1:], uint64(len(items)))
	out := append(hdr[:1+n], body...)
	return out, nil
}

func encodeMap(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	body := make([]byte, 0, 64)
	for _, k := range keys {
		keyEnc, err := Encode(k)
		if err != nil {
			return nil, err
		}
		valEnc, err := Encode(m[k])
		if err != nil {
			return nil, err
		}
		body = append(body, keyEnc...)
		body = append(body, valEnc...)
	}
	hdr := make([]byte, 1+binary.MaxVarintLen64)
	hdr[0] = tagMap
	n := binary.PutUvarint(hdr[1:], uint64(len(keys)))
	out := append(hdr[:1+n], body...)
	return out, nil
}

// Decode parses a single value from the front of data and returns it along
// with whatever bytes remain — including any trailing padding, which
// callers are expected to discard. A malformed or truncated encoding
// fails with distrimerr.Protocol.
func Decode(data []byte) (any, []byte, error) {
	if len(data) < 1 {
		return nil, nil, distrimerr.New(distrimerr.Protocol, "codec: empty input")
	}
	tag := data[0]
	rest := data[1:]

	switch tag {
	case tagBytes:
		b, rest, err := decodeLenPrefixed(rest)
		if err != nil {
			return nil, nil, err
		}
		return b, rest, nil
	case tagString:
		b, rest, err := decodeLenPrefixed(rest)
		if err != nil {
			return nil, nil, err
		}
		return string(b), rest, nil
	case tagUint:
		u, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, nil, distrimerr.New(distrimerr.Protocol, "codec: malformed uint")
		}
		return u, rest[n:], nil
	case tagTuple:
		count, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, nil, distrimerr.New(distrimerr.Protocol, "codec: malformed tuple length")
		}
		rest = rest[n:]
		items := make([]any, 0, count)
		for i := uint64(0); i < count; i++ {
			var v any
			var err error
			v, rest, err = Decode(rest)
			if err != nil {
				return nil, nil, distrimerr.Wrap(distrimerr.Protocol, err, "codec: tuple element %d", i)
			}
			items = append(items, v)
		}
		return items, rest, nil
	case tagMap:
		count, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, nil, distrimerr.New(distrimerr.Protocol, "codec: malformed map length")
		}
		rest = rest[n:]
		out := make(map[string]any, count)
		for i := uint64(0); i < count; i++ {
			var kv, vv any
			var err error
			kv, rest, err = Decode(rest)
			if err != nil {
				return nil, nil, distrimerr.Wrap(distrimerr.Protocol, err, "codec: map key %d", i)
			}
			key, ok := kv.(string)
			if !ok {
				return nil, nil, distrimerr.New(distrimerr.Protocol, "codec: map key %d is not a string", i)
			}
			vv, rest, err = Decode(rest)
			if err != nil {
				return nil, nil, distrimerr.Wrap(distrimerr.Protocol, err, "codec: map value for %q", key)
			}
			out[key] = vv
		}
		return out, rest, nil
	default:
		return nil, nil, distrimerr.New(distrimerr.Protocol, "codec: unknown tag %d", tag)
	}
}

func decodeLenPrefixed(data []byte) ([]byte, []byte, error) {
	length, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, nil, distrimerr.New(distrimerr.Protocol, "codec: malformed length")
	}
	data = data[n:]
	if uint64(len(data)) < length {
		return nil, nil, distrimerr.New(distrimerr.Protocol, "codec: truncated value, want %d bytes have %d", length, len(data))
	}
	return data[:length], data[length:], nil
}
