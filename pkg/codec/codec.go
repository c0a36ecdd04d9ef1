// Package codec implements the deterministic serialization and hashing
// primitives that every replayable identifier in AEX is built from:
// execution_id, request_hash, policy_hash, route_hash and the event chain.
//
// The contract is byte-identical output for byte-identical input across
// processes and releases, so the encoding is fully pinned here: object keys
// sorted, no whitespace, all non-ASCII escaped as \uXXXX.
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf16"
)

// CanonicalJSON serializes a value into stable JSON for replay-safe hashes.
// Arbitrary structs are normalized through encoding/json first so that only
// the decoded tree shape (maps, slices, numbers, strings) matters.
func CanonicalJSON(v any) (string, error) {
	tree, err := normalize(v)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, tree); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// MustCanonicalJSON is CanonicalJSON for values already known to be
// JSON-encodable (decoded request bodies, map literals). It panics otherwise.
func MustCanonicalJSON(v any) string {
	s, err := CanonicalJSON(v)
	if err != nil {
		panic(fmt.Sprintf("codec: canonicalization failed: %v", err))
	}
	return s
}

// StableHash creates a stable SHA-256 digest over multiple string parts.
// Each part is framed with a trailing newline so that ("ab","c") and
// ("a","bc") hash differently.
func StableHash(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// normalize converts v into the canonical tree shape. Values that are
// already decoded JSON (map[string]any / []any / json.Number / primitives)
// pass through; everything else round-trips through encoding/json with
// number preservation.
func normalize(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64,
		map[string]any, []any:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("codec: normalize: %w", err)
	}
	return tree, nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		encodeString(buf, val)
	case json.Number:
		buf.WriteString(val.String())
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case float64:
		return encodeFloat(buf, val)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, k)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		// Remaining scalar kinds (small ints, float32, structs reached via
		// interface) take the normalize path once.
		tree, err := normalize(forceRemarshal(val))
		if err != nil {
			return err
		}
		return encodeCanonical(buf, tree)
	}
	return nil
}

// forceRemarshal wraps a value so normalize does not short-circuit on an
// already-listed type.
type remarshal struct{ V any }

func forceRemarshal(v any) any { return remarshal{V: v} }

func (r remarshal) MarshalJSON() ([]byte, error) { return json.Marshal(r.V) }

func encodeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("codec: non-finite number not representable in canonical JSON")
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		// Whole-valued floats render without an exponent or trailing ".0" so
		// 50 and 50.0 hash identically.
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

const hexDigits = "0123456789abcdef"

// encodeString writes a JSON string with every non-printable-ASCII rune
// escaped as \uXXXX (surrogate pairs above the BMP), matching the pinned
// canonical form.
func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			switch {
			case r < 0x20 || r > 0x7e:
				if r > 0xffff {
					hi, lo := utf16.EncodeRune(r)
					writeUnicodeEscape(buf, hi)
					writeUnicodeEscape(buf, lo)
				} else {
					writeUnicodeEscape(buf, r)
				}
			default:
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

func writeUnicodeEscape(buf *bytes.Buffer, r rune) {
	buf.WriteString(`\u`)
	buf.WriteByte(hexDigits[(r>>12)&0xf])
	buf.WriteByte(hexDigits[(r>>8)&0xf])
	buf.WriteByte(hexDigits[(r>>4)&0xf])
	buf.WriteByte(hexDigits[r&0xf])
}
