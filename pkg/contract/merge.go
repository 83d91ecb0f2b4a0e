package contract

// Merge applies a sparse overlay onto a JSON document in place. Nested
// objects merge recursively; any other value replaces the existing one.
// Keys absent from the overlay are left untouched, so an identity overlay
// leaves the document unchanged.
func Merge(dst, overlay map[string]interface{}) {
	for k, v := range overlay {
		ov, overlayIsObj := v.(map[string]interface{})
		dv, dstIsObj := dst[k].(map[string]interface{})
		if overlayIsObj && dstIsObj {
			Merge(dv, ov)
			continue
		}
		dst[k] = v
	}
}

// SetPath writes value at a dotted path, creating intermediate objects
func SetPath(doc map[string]interface{}, value interface{}, path ...string) {
	for _, k := range path[:len(path)-1] {
		next, ok := doc[k].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			doc[k] = next
		}
		doc = next
	}
	doc[path[len(path)-1]] = value
}

// GetPath reads the value at a dotted path; nil when any segment is missing
func GetPath(doc map[string]interface{}, path ...string) interface{} {
	var cur interface{} = doc
	for _, k := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[k]
	}
	return cur
}
