package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/coreos/update-agent/uerrors"
)

// maxSafeInt is 2^53-1, the largest integer a float64 (and therefore most
// JSON consumers) can represent exactly. Spec §3/§8: integers in
// [-(2^53-1), 2^53-1] parse as numbers; producers must encode anything
// larger as a string.
const maxSafeInt = (int64(1) << 53) - 1

// ParseMetaData decodes and validates a meta-data JSON object per spec
// §4.3: top-level object only, each value a string, an in-range integer, or
// an array of those (no nesting).
func ParseMetaData(raw []byte) (map[string]MetaDataValue, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var top map[string]json.RawMessage
	if err := dec.Decode(&top); err != nil {
		return nil, uerrors.Wrap(uerrors.CodeMetaDataStructure, err, "meta-data must be a JSON object")
	}

	out := make(map[string]MetaDataValue, len(top))
	for k, v := range top {
		val, err := parseMetaValue(v)
		if err != nil {
			return nil, uerrors.Wrap(uerrors.CodeMetaDataStructure, err, "meta-data key %q", k)
		}
		out[k] = val
	}
	return out, nil
}

func parseMetaValue(raw json.RawMessage) (MetaDataValue, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty value")
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, err
		}
		return s, nil
	case '[':
		var rawItems []json.RawMessage
		if err := json.Unmarshal(trimmed, &rawItems); err != nil {
			return nil, err
		}
		items := make([]MetaDataValue, 0, len(rawItems))
		for _, item := range rawItems {
			// Arrays of arrays, or arrays of objects, are not permitted:
			// only scalar string/integer members.
			v, err := parseScalar(item)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	default:
		return parseScalar(trimmed)
	}
}

func parseScalar(raw json.RawMessage) (MetaDataValue, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty scalar")
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, err
		}
		return s, nil
	}

	var num json.Number
	if err := json.Unmarshal(trimmed, &num); err != nil {
		return nil, fmt.Errorf("value %q is neither a string nor an integer", string(trimmed))
	}

	i, err := num.Int64()
	if err != nil {
		return nil, uerrors.New(uerrors.CodeMetaDataOutOfRange,
			"value %s is not an integer (producers must encode non-integers as strings)", num.String())
	}
	if i > maxSafeInt || i < -maxSafeInt {
		return nil, uerrors.New(uerrors.CodeMetaDataOutOfRange,
			"integer %d outside of [-(2^53-1), 2^53-1]; encode as a string instead", i)
	}
	return i, nil
}

// GetInt returns v as an int64 if it is an integer. GetInt does no range
// check of its own: ParseMetaData already rejects out-of-range integers at
// parse time, so the only error GetInt reports is a type mismatch for
// non-integer values.
func GetInt(v MetaDataValue) (int64, error) {
	i, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("value is not an integer")
	}
	return i, nil
}

// GetDouble returns v as a float64, accepting both string-encoded and
// integer values so callers can recover values producers pushed outside the
// int64-exact range by round-tripping through a string.
func GetDouble(v MetaDataValue) (float64, error) {
	switch t := v.(type) {
	case int64:
		return float64(t), nil
	case string:
		var f float64
		if _, err := fmt.Sscanf(t, "%g", &f); err != nil {
			return 0, fmt.Errorf("value %q is not numeric", t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("value is not numeric")
	}
}
