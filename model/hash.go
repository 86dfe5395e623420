package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// HashDigits is the number of decimal digits floats are normalized to
// before hashing, so that numerically equal inputs produced by different
// clients hash identically.
const HashDigits = 10

// CanonicalHash computes the content hash of an arbitrary JSON-serializable
// value. The canonical form is stable under map key order, normalizes
// floats to HashDigits decimal digits, trims string whitespace, and drops
// null values, so re-submission of equal content always yields the same
// digest.
func CanonicalHash(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize value for hashing: %w", err)
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return "", fmt.Errorf("failed to decode value for hashing: %w", err)
	}

	var b strings.Builder
	writeCanonical(&b, tree)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}

func writeCanonical(b *strings.Builder, v interface{}) {
	switch val := v.(type) {
	case nil:
		// nulls are dropped by the map writer; bare nulls canonicalize empty
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		b.WriteByte('"')
		b.WriteString(strings.TrimSpace(val))
		b.WriteByte('"')
	case json.Number:
		b.WriteString(canonicalNumber(val))
	case []interface{}:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			if val[k] == nil {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteByte('"')
			b.WriteString(k)
			b.WriteString("\":")
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	default:
		fmt.Fprintf(b, "%v", val)
	}
}

// canonicalNumber renders integers verbatim and rounds floats to HashDigits
// decimal digits with trailing zeros trimmed, so 1.0 and 1 canonicalize
// identically.
func canonicalNumber(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	f, err := n.Float64()
	if err != nil {
		return n.String()
	}
	shift := math.Pow10(HashDigits)
	f = math.Round(f*shift) / shift
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") && !strings.Contains(s, "e") {
		return s
	}
	return s
}
