package model

// Manifest is the snapshot lineage descriptor produced by a segment and
// relayed verbatim to the remote authority when requesting a partial
// snapshot. The node treats its contents as opaque beyond the accessor
// helpers below; the set of keys is owned by the snapshot container format.
type Manifest map[string]any

// Clone returns a shallow copy of the manifest.
func (m Manifest) Clone() Manifest {
	if m == nil {
		return nil
	}
	out := make(Manifest, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// String returns the string value stored under key, if any.
func (m Manifest) String(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Number returns the numeric value stored under key, if any.
// JSON round-trips store all numbers as float64.
func (m Manifest) Number(key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}
