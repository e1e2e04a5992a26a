package depset

import (
	"encoding/binary"
	"hash/crc32"
)

// TreeHashes returns, per node index, the node's combined hash folded with
// the tree hashes of its children in child order. A leaf's tree hash is its
// combined hash. A back edge inside a cycle contributes the combined hash of
// its target.
func (s *Set) TreeHashes() []uint32 {
	const (
		unvisited = iota
		visiting
		visited
	)
	n := len(s.nodes)
	out := make([]uint32, n)
	state := make([]uint8, n)

	var visit func(i int) uint32
	visit = func(i int) uint32 {
		switch state[i] {
		case visiting:
			return s.nodes[i].CombinedHash()
		case visited:
			return out[i]
		}
		state[i] = visiting
		node := s.nodes[i]
		h := node.CombinedHash()
		if len(node.Children) > 0 {
			buf := binary.LittleEndian.AppendUint32(make([]byte, 0, 4*(len(node.Children)+1)), h)
			for _, c := range node.Children {
				buf = binary.LittleEndian.AppendUint32(buf, visit(c))
			}
			h = crc32.ChecksumIEEE(buf)
		}
		out[i], state[i] = h, visited
		return h
	}
	for i := range s.nodes {
		visit(i)
	}
	return out
}
