// Package canon provides deterministic canonical-JSON serialization and
// SHA-256 hashing for audit artifacts (execution plans, effective config,
// compliance fingerprints).
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// HashPrefix is prepended to every audit hash produced by this package.
const HashPrefix = "sha256:"

// CanonicalJSON returns the canonical JSON representation of v per the rules
// in spec §4.2: lexicographically sorted object keys at every level, array
// order preserved, NFC-normalized strings, shortest round-trip numbers, and
// no insignificant whitespace.
//
// v is first marshaled with the standard encoder (so struct tags and
// json.Marshaler implementations are respected), then re-serialized through
// a recursive canonicalizer that controls key order and number/string
// formatting precisely. This mirrors RFC 8785 (JSON Canonicalization
// Scheme); CrossCheck can be used in tests to confirm agreement with the
// reference gowebpki/jcs transform.
func CanonicalJSON(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal failed: %w", err)
	}

	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canon: decode failed: %w", err)
	}

	return marshalCanonical(generic)
}

// CrossCheck re-canonicalizes data (which must already be valid JSON) using
// the gowebpki/jcs reference implementation and returns the result, so a
// caller can compare it byte-for-byte with CanonicalJSON's own output; it
// does not perform that comparison itself. Used in tests; not on the
// hot path, since the hand-rolled path controls json.Number formatting that
// jcs.Transform does not need to (jcs.Transform expects float64-compatible
// JSON numbers, not arbitrary-precision decimal strings).
func CrossCheck(data []byte) ([]byte, error) {
	out, err := jcs.Transform(data)
	if err != nil {
		return nil, fmt.Errorf("canon: jcs cross-check failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns "sha256:<hex>" over the canonical JSON of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns "sha256:<hex>" of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

func marshalCanonical(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		return marshalCanonicalString(t)
	case []interface{}:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalCanonical(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalCanonicalString(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')

			vb, err := marshalCanonical(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		// Fallback: let the standard encoder handle any remaining primitive.
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	}
}

// marshalCanonicalString NFC-normalizes s and then JSON-encodes it without
// HTML escaping.
func marshalCanonicalString(s string) ([]byte, error) {
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
