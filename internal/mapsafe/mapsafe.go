// Package mapsafe reads typed values out of decoded JSON objects.
package mapsafe

// Get returns m[key] converted to T, or def when the key is missing or
// holds an incompatible type. JSON numbers decode as float64, so integer
// targets accept whole floats.
func Get[T any](m map[string]any, key string, def T) T {
	val, ok := m[key]
	if !ok || val == nil {
		return def
	}

	switch any(def).(type) {
	case int:
		switch x := val.(type) {
		case int:
			return any(x).(T)
		case float64:
			if x != float64(int(x)) {
				return def
			}
			return any(int(x)).(T)
		}
	case float64:
		switch x := val.(type) {
		case float64:
			return any(x).(T)
		case int:
			return any(float64(x)).(T)
		}
	default:
		if v, ok := val.(T); ok {
			return v
		}
	}

	return def
}
