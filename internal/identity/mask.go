package identity

// RedactionMarker replaces every designated sensitive field before a
// profile leaves this package.
const RedactionMarker = "REDACTED"

// MaskProfile projects a downstream profile with its sensitive fields
// redacted: the stable identifier and every phone number. The phone list
// keeps its length so the projection shape stays stable; all other fields
// pass through unchanged. The input map is not modified.
func MaskProfile(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	if _, ok := out["id"]; ok {
		out["id"] = RedactionMarker
	}
	if phones, ok := out["businessPhones"].([]any); ok {
		masked := make([]any, len(phones))
		for i := range phones {
			masked[i] = RedactionMarker
		}
		out["businessPhones"] = masked
	}
	return out
}
