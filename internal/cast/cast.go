// Package cast provides small duck-typed conversions for values decoded out
// of bencode dictionaries, which surface as `any` (int64, string, []any,
// map[string]any) with no static type information.
package cast

import "fmt"

// ToString coerces v to a string. Byte slices are converted directly; any
// other type falls back to its bencode wire type mismatch being reported.
func ToString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	default:
		return "", fmt.Errorf("cast: expected string, got %T", v)
	}
}

// ToBytes coerces v to a byte slice.
func ToBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case string:
		return []byte(x), nil
	case []byte:
		return x, nil
	default:
		return nil, fmt.Errorf("cast: expected bytes, got %T", v)
	}
}

// ToInt coerces v to an int, accepting any of the integer types a decoder or
// caller might plausibly produce.
func ToInt(v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int8:
		return int(x), nil
	case int16:
		return int(x), nil
	case int32:
		return int(x), nil
	case int64:
		return int(x), nil
	case uint:
		return int(x), nil
	case uint8:
		return int(x), nil
	case uint16:
		return int(x), nil
	case uint32:
		return int(x), nil
	case uint64:
		return int(x), nil
	default:
		return 0, fmt.Errorf("cast: expected integer, got %T", v)
	}
}

// ToStringSlice coerces v, expected to be a []any of strings, into a
// []string.
func ToStringSlice(v any) ([]string, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("cast: expected list, got %T", v)
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		s, err := ToString(item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ToTieredStrings coerces v, expected to be a []any of []any of strings (the
// shape of a bencoded announce-list), into a [][]string.
func ToTieredStrings(v any) ([][]string, error) {
	tiers, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("cast: expected list of tiers, got %T", v)
	}

	out := make([][]string, 0, len(tiers))
	for _, tier := range tiers {
		urls, err := ToStringSlice(tier)
		if err != nil {
			return nil, err
		}
		out = append(out, urls)
	}
	return out, nil
}
