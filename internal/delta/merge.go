package delta

// Merge applies patch to current and returns the merged result without
// mutating either input. Nested maps merge key by key; arrays and
// scalars are replaced wholesale. Replaying an identical patch is a
// no-op, so any contiguous re-chunking of an ordered delta sequence
// merges to the same final state.
func Merge(current map[string]any, patch map[string]any) map[string]any {
	if patch == nil {
		return cloneMap(current)
	}
	merged := cloneMap(current)
	if merged == nil {
		merged = make(map[string]any, len(patch))
	}
	for key, value := range patch {
		patchMap, patchIsMap := value.(map[string]any)
		if !patchIsMap {
			merged[key] = cloneValue(value)
			continue
		}
		currentMap, currentIsMap := merged[key].(map[string]any)
		if !currentIsMap {
			merged[key] = Merge(nil, patchMap)
			continue
		}
		merged[key] = Merge(currentMap, patchMap)
	}
	return merged
}

func cloneMap(value map[string]any) map[string]any {
	if value == nil {
		return nil
	}
	cloned := make(map[string]any, len(value))
	for key, entry := range value {
		cloned[key] = cloneValue(entry)
	}
	return cloned
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		cloned := make([]any, len(typed))
		for i, entry := range typed {
			cloned[i] = cloneValue(entry)
		}
		return cloned
	default:
		return value
	}
}
