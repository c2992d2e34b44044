package bedrock

import "fmt"

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// toNumber converts JSON and Jsonnet decoded numbers; other values yield zero.
func toNumber[T number](v any) T {
	switch v := v.(type) {
	case int:
		return T(v)
	case int32:
		return T(v)
	case int64:
		return T(v)
	case uint:
		return T(v)
	case uint32:
		return T(v)
	case uint64:
		return T(v)
	case float32:
		return T(v)
	case float64:
		return T(v)
	}
	return T(0)
}

func toStrings(v any) ([]string, error) {
	switch v := v.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		strs := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected element type %T", item)
			}
			strs = append(strs, s)
		}
		return strs, nil
	default:
		return nil, fmt.Errorf("unexpected type %T", v)
	}
}
