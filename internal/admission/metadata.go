package admission

import "encoding/json"

// KeySet builds the key set consumed by IsMetadataObject.
func KeySet(keys ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// IsMetadataObject reports whether v is a JSON object carrying any key of
// keys. Arrays, scalars and nil are never metadata.
func IsMetadataObject(v any, keys map[string]struct{}) bool {
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}
	for k := range obj {
		if _, hit := keys[k]; hit {
			return true
		}
	}
	return false
}

// IsMetadataText parses text and applies IsMetadataObject. Text that is not
// valid JSON is an ordinary answer.
func IsMetadataText(text string, keys map[string]struct{}) bool {
	if len(text) == 0 || text[0] != '{' {
		return false
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return false
	}
	return IsMetadataObject(v, keys)
}
