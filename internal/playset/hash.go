package playset

import (
	"math"
	"sort"
	"strconv"
)

// Structural hash constants. Clients recompute the same function over their
// reconstructed past-horizon state, so every value here is wire protocol.
const (
	hashNull      = 100
	hashUndefined = 101
	hashTrue      = 102
	hashFalse     = 103
	hashArray     = 105
	hashNumber    = 106
	hashString    = 107
	hashObject    = 108
	hashOther     = 109

	hashContainerSuffix = 200
	hashStringSuffix    = 300

	hashModulus = 2147483647
)

func combine(a, b int64) int64 {
	return (a*65537 + b*8191 + 127) % hashModulus
}

// StructuralHash folds a JSON-shaped value (nil, bool, float64, string,
// []any, map[string]any) into a 31-bit hash. Object keys are visited in
// lexicographic order and negative zero is coerced to zero so serialization
// quirks cannot produce divergent hashes.
func StructuralHash(value any) int32 {
	return int32(structuralHash(value))
}

func structuralHash(value any) int64 {
	switch v := value.(type) {
	case nil:
		return hashNull
	case bool:
		if v {
			return hashTrue
		}
		return hashFalse
	case float64:
		return numberHash(v)
	case string:
		return stringHash(v)
	case []any:
		h := int64(hashArray)
		for _, item := range v {
			h = combine(h, structuralHash(item))
		}
		return combine(h, hashContainerSuffix)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		h := int64(hashObject)
		for _, key := range keys {
			h = combine(h, stringHash(key))
			h = combine(h, structuralHash(v[key]))
		}
		return combine(h, hashContainerSuffix)
	default:
		return hashOther
	}
}

func numberHash(v float64) int64 {
	if v == 0 && math.Signbit(v) {
		v = 0
	}
	h := int64(hashNumber)
	for _, c := range strconv.FormatFloat(v, 'g', -1, 64) {
		h = combine(h, int64(c))
	}
	return h
}

func stringHash(s string) int64 {
	h := int64(hashString)
	for _, c := range s {
		h = combine(h, int64(c))
	}
	return combine(h, hashStringSuffix)
}
