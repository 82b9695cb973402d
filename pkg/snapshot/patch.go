// Package snapshot implements the per-user business-snapshot document:
// a JSON object mutated only via RFC 7386 JSON Merge Patch, with
// non-blocking push and cancellable blocking peek semantics.
package snapshot

// MergePatch applies an RFC 7386 JSON Merge Patch: for every key in
// patch, a null value deletes the key from target, an object value
// recurses, and anything else overwrites target's value outright. target
// is mutated in place and also returned.
func MergePatch(target map[string]interface{}, patch map[string]interface{}) map[string]interface{} {
	if target == nil {
		target = make(map[string]interface{})
	}
	for key, patchValue := range patch {
		if patchValue == nil {
			delete(target, key)
			continue
		}

		patchObj, patchIsObj := patchValue.(map[string]interface{})
		if !patchIsObj {
			target[key] = patchValue
			continue
		}

		existing, existingIsObj := target[key].(map[string]interface{})
		if !existingIsObj {
			existing = make(map[string]interface{})
		}
		target[key] = MergePatch(existing, patchObj)
	}
	return target
}
