package pipeline

import (
	"hash/fnv"
	"sort"
)

// VersionHash derives a structural hash from a pipeline name and version
// string. Bumping the version invalidates every output the pipeline built.
func VersionHash(name, version string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(version))
	return h.Sum32()
}

// HashFields fingerprints an ordered list of strings followed by a map whose
// keys are visited in sorted order.
func HashFields(fields []string, attrs map[string]string) uint32 {
	h := fnv.New32a()
	for _, f := range fields {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(attrs[k]))
		h.Write([]byte{0})
	}
	return h.Sum32()
}
