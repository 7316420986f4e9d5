// Package planner computes balanced partitions of encrypted items into
// chunks and scatters item IDs across chunks with a deterministic,
// cryptographically seeded shuffle.
package planner

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// DefaultChunkSize is the target number of items per chunk.
const DefaultChunkSize = 64

// Plan partitions n items into balanced chunk sizes.
//
// The chunk size is a target, not a hard cap: when n exceeds chunkSize the
// plan produces k = floor(n/chunkSize) chunks, so the largest chunk is
// ceil(n/k) and may exceed chunkSize (e.g. n=65, chunkSize=64 yields one
// chunk of 65). Sizes always sum to n and differ by at most one.
//
// n = 0 yields a single empty chunk, reserved for interface uniformity;
// callers may short-circuit it.
func Plan(n, chunkSize int) []int {
	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}
	if n <= chunkSize {
		return []int{n}
	}

	k := n / chunkSize
	base := n / k
	rem := n % k

	sizes := make([]int, k)
	for i := range sizes {
		sizes[i] = base
		if i < rem {
			sizes[i]++
		}
	}
	return sizes
}

// Seed derives the shuffle seed for an election operation. The seed is
// stable across processes so re-planning the same job reproduces the same
// assignment.
func Seed(electionID, operationType string) [32]byte {
	h := blake3.New()
	h.Write([]byte(electionID))
	h.Write([]byte{0})
	h.Write([]byte(operationType))
	var seed [32]byte
	copy(seed[:], h.Sum(nil))
	return seed
}

// Assign scatters item IDs across the planned chunks. Every item appears in
// exactly one chunk and chunk i receives exactly sizes[i] items. The
// Fisher-Yates permutation is driven by a blake3-derived stream, so the
// assignment is deterministic for a given seed.
func Assign(items []string, sizes []int, seed [32]byte) map[int][]string {
	shuffled := make([]string, len(items))
	copy(shuffled, items)

	rng := newSeededStream(seed)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := int(rng.uint64n(uint64(i + 1)))
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}

	out := make(map[int][]string, len(sizes))
	pos := 0
	for chunk, size := range sizes {
		out[chunk] = shuffled[pos : pos+size : pos+size]
		pos += size
	}
	return out
}

// seededStream yields deterministic uint64s by hashing a counter under the
// seed. blake3 keyed hashing makes the stream uniform and reproducible.
type seededStream struct {
	seed    [32]byte
	counter uint64
}

func newSeededStream(seed [32]byte) *seededStream {
	return &seededStream{seed: seed}
}

func (s *seededStream) next() uint64 {
	h, _ := blake3.NewKeyed(s.seed[:])
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], s.counter)
	s.counter++
	h.Write(buf[:])
	return binary.BigEndian.Uint64(h.Sum(nil))
}

// uint64n returns a uniform value in [0, n) using rejection sampling to
// avoid modulo bias.
func (s *seededStream) uint64n(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	max := ^uint64(0) - (^uint64(0) % n)
	for {
		v := s.next()
		if v < max {
			return v % n
		}
	}
}
