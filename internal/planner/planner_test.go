package planner

import (
	"fmt"
	"testing"
)

func TestPlan_SumAndBalance(t *testing.T) {
	for n := 0; n <= 1000; n++ {
		sizes := Plan(n, 64)

		sum := 0
		min, max := sizes[0], sizes[0]
		for _, s := range sizes {
			sum += s
			if s < min {
				min = s
			}
			if s > max {
				max = s
			}
		}

		if sum != n {
			t.Fatalf("Plan(%d): sizes sum to %d", n, sum)
		}
		if max-min > 1 {
			t.Fatalf("Plan(%d): sizes %v differ by more than 1", n, sizes)
		}
	}
}

func TestPlan_Boundaries(t *testing.T) {
	cases := []struct {
		n, chunkSize int
		want         []int
	}{
		{0, 64, []int{0}},
		{1, 64, []int{1}},
		{10, 64, []int{10}},
		{64, 64, []int{64}},
		// Chunk size is a target: 65 items still yield one chunk.
		{65, 64, []int{65}},
		{128, 64, []int{64, 64}},
		{162, 64, []int{81, 81}},
		{200, 64, []int{67, 67, 66}},
	}

	for _, c := range cases {
		got := Plan(c.n, c.chunkSize)
		if len(got) != len(c.want) {
			t.Errorf("Plan(%d, %d) = %v, want %v", c.n, c.chunkSize, got, c.want)
			continue
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("Plan(%d, %d) = %v, want %v", c.n, c.chunkSize, got, c.want)
				break
			}
		}
	}
}

func TestPlan_InvalidChunkSizeFallsBack(t *testing.T) {
	sizes := Plan(100, 0)
	sum := 0
	for _, s := range sizes {
		sum += s
	}
	if sum != 100 {
		t.Errorf("Plan with invalid chunk size: sum = %d, want 100", sum)
	}
}

func TestAssign_NoGainNoLoss(t *testing.T) {
	items := make([]string, 162)
	for i := range items {
		items[i] = fmt.Sprintf("ballot-%04d", i)
	}

	sizes := Plan(len(items), 64)
	seed := Seed("election-1", "TALLY")
	assigned := Assign(items, sizes, seed)

	seen := make(map[string]int)
	for chunk, ids := range assigned {
		if len(ids) != sizes[chunk] {
			t.Errorf("chunk %d has %d items, want %d", chunk, len(ids), sizes[chunk])
		}
		for _, id := range ids {
			seen[id]++
		}
	}

	if len(seen) != len(items) {
		t.Fatalf("assignment covers %d distinct items, want %d", len(seen), len(items))
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("item %s appears %d times", id, count)
		}
	}
}

func TestAssign_Deterministic(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e", "f", "g"}
	sizes := Plan(len(items), 3)
	seed := Seed("e1", "PARTIAL_DECRYPT")

	first := Assign(items, sizes, seed)
	second := Assign(items, sizes, seed)

	for chunk := range first {
		if len(first[chunk]) != len(second[chunk]) {
			t.Fatalf("chunk %d length differs across runs", chunk)
		}
		for i := range first[chunk] {
			if first[chunk][i] != second[chunk][i] {
				t.Fatalf("chunk %d differs across runs", chunk)
			}
		}
	}
}

func TestSeed_DistinguishesOperations(t *testing.T) {
	a := Seed("e1", "TALLY")
	b := Seed("e1", "COMBINE")
	c := Seed("e2", "TALLY")

	if a == b || a == c {
		t.Error("seeds for distinct (election, operation) pairs must differ")
	}
}
