// Package canonical provides the deterministic JSON serialization used for
// event hashing. Two implementations of the control plane must agree on
// these bytes exactly, so the rules are fixed:
//
//  1. Object keys sorted lexicographically by UTF-8 bytes (RFC 8785).
//  2. Non-finite numbers (NaN, ±Inf) normalize to null.
//  3. Integers outside the float64-safe range serialize as decimal strings.
//  4. Arrays are recursed; nothing is reordered inside them.
//  5. No HTML escaping.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"

	"github.com/gowebpki/jcs"
)

// maxSafeInt is the largest integer exactly representable as a float64.
const maxSafeInt = int64(1) << 53

// Marshal returns the canonical JSON encoding of v.
func Marshal(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform: %w", err)
	}
	return out, nil
}

// Hash returns "sha256:" + hex(SHA-256(Marshal(v))).
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// HashBytes hashes raw bytes with the same prefix convention.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// normalize rewrites v so that a plain json.Marshal of the result obeys the
// canonical rules. Structs round-trip through encoding/json first so their
// tags apply before normalization.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string, json.Number:
		return t, nil
	case float32:
		return normalizeFloat(float64(t)), nil
	case float64:
		return normalizeFloat(t), nil
	case int:
		return normalizeInt(int64(t)), nil
	case int8, int16, int32:
		return t, nil
	case int64:
		return normalizeInt(t), nil
	case uint, uint8, uint16, uint32, uint64, uintptr:
		n, _ := new(big.Int).SetString(fmt.Sprintf("%d", t), 10)
		return normalizeBig(n), nil
	case *big.Int:
		return normalizeBig(t), nil
	case big.Int:
		return normalizeBig(&t), nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			n, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			n, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	default:
		// Structs, typed slices, typed maps: flatten through encoding/json
		// into generics, then normalize the generic form.
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("canonical: normalize %T: %w", t, err)
		}
		var generic any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&generic); err != nil {
			return nil, fmt.Errorf("canonical: decode intermediate: %w", err)
		}
		// Guard against cycles: generic is now only maps/slices/scalars.
		if _, isMap := generic.(map[string]any); isMap {
			return normalize(generic)
		}
		if _, isSlice := generic.([]any); isSlice {
			return normalize(generic)
		}
		return generic, nil
	}
}

func normalizeFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

func normalizeInt(n int64) any {
	if n > maxSafeInt || n < -maxSafeInt {
		return fmt.Sprintf("%d", n)
	}
	return n
}

func normalizeBig(n *big.Int) any {
	if n == nil {
		return nil
	}
	if n.IsInt64() {
		return normalizeInt(n.Int64())
	}
	return n.String()
}
