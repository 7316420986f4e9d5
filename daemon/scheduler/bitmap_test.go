package scheduler

import (
	"testing"
)

func TestChunkBitmap_SetAndHas(t *testing.T) {
	bitmap := NewChunkBitmap(100)

	if err := bitmap.SetChunk(5); err != nil {
		t.Fatalf("SetChunk failed: %v", err)
	}

	if !bitmap.HasChunk(5) {
		t.Error("Expected chunk 5 to be set")
	}
	if bitmap.HasChunk(4) {
		t.Error("Expected chunk 4 to not be set")
	}
}

func TestChunkBitmap_SetOutOfRange(t *testing.T) {
	bitmap := NewChunkBitmap(10)

	if err := bitmap.SetChunk(10); err == nil {
		t.Error("Expected error for out-of-range chunk")
	}
	if err := bitmap.SetChunk(-1); err == nil {
		t.Error("Expected error for negative chunk")
	}
}

func TestChunkBitmap_SetIdempotent(t *testing.T) {
	bitmap := NewChunkBitmap(10)

	bitmap.SetChunk(3)
	bitmap.SetChunk(3)

	settled, total := bitmap.GetProgress()
	if settled != 1 || total != 10 {
		t.Errorf("GetProgress = (%d, %d), want (1, 10)", settled, total)
	}
}

func TestChunkBitmap_GetMissing(t *testing.T) {
	bitmap := NewChunkBitmap(10)

	// Set chunks 0, 2, 4, 6, 8
	for i := 0; i < 10; i += 2 {
		bitmap.SetChunk(i)
	}

	missing := bitmap.GetMissing()
	expected := []int{1, 3, 5, 7, 9}

	if len(missing) != len(expected) {
		t.Fatalf("Expected %d missing chunks, got %d", len(expected), len(missing))
	}
	for i, chunk := range expected {
		if missing[i] != chunk {
			t.Errorf("Expected missing chunk %d, got %d", chunk, missing[i])
		}
	}
}

func TestChunkBitmap_IsComplete(t *testing.T) {
	bitmap := NewChunkBitmap(5)

	if bitmap.IsComplete() {
		t.Error("Empty bitmap should not be complete")
	}

	for i := 0; i < 5; i++ {
		bitmap.SetChunk(i)
	}

	if !bitmap.IsComplete() {
		t.Error("Bitmap should be complete after setting all chunks")
	}
}

func TestChunkBitmap_ZeroChunks(t *testing.T) {
	bitmap := NewChunkBitmap(0)

	if !bitmap.IsComplete() {
		t.Error("Zero-chunk bitmap is vacuously complete")
	}
}
