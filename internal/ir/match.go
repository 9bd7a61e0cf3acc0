package ir

import "fmt"

// NormalizeMatch converts a raw match value into a MatchValue.
//
// Accepted shapes:
//   - ["192.168.11.0", 24] -> value with width/mask 24
//   - ["0x0c"] or "10.0.0.1" -> exact value, no auxiliary element
//   - 12 (bare integer) -> (12, 0), Coerced set
//
// The bare-integer rule is legacy behavior. A zero width is almost never
// intended on prefix or ternary fields; callers log Coerced matches
// instead of correcting them.
func NormalizeMatch(raw any) (MatchValue, error) {
	switch val := raw.(type) {
	case []any:
		switch len(val) {
		case 1:
			if err := checkScalar(val[0]); err != nil {
				return MatchValue{}, err
			}
			return MatchValue{Value: val[0]}, nil
		case 2:
			if err := checkScalar(val[0]); err != nil {
				return MatchValue{}, err
			}
			if err := checkScalar(val[1]); err != nil {
				return MatchValue{}, err
			}
			return MatchValue{Value: val[0], Aux: val[1]}, nil
		default:
			return MatchValue{}, fmt.Errorf("match list must have 1 or 2 elements, got %d", len(val))
		}
	case string:
		return MatchValue{Value: val}, nil
	case int64:
		return MatchValue{Value: val, Aux: int64(0), Coerced: true}, nil
	case int:
		return MatchValue{Value: int64(val), Aux: int64(0), Coerced: true}, nil
	default:
		return MatchValue{}, fmt.Errorf("unsupported match value %v (%T)", raw, raw)
	}
}

// NormalizeMatchFields normalizes every field of a decoded match object.
func NormalizeMatchFields(obj map[string]any) (map[string]MatchValue, error) {
	out := make(map[string]MatchValue, len(obj))
	for field, raw := range obj {
		mv, err := NormalizeMatch(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}
		out[field] = mv
	}
	return out, nil
}

func checkScalar(v any) error {
	switch v.(type) {
	case string, int64:
		return nil
	default:
		return fmt.Errorf("match element must be a string or integer, got %T", v)
	}
}
