package helper

// GetMapKeys returns the keys of a string map. Useful for logging which
// parameters a request carried without logging their values.
func GetMapKeys(m map[string]string) []string {
	if m == nil {
		return []string{}
	}

	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	return keys
}
