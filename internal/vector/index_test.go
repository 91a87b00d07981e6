package vector

import (
	"math"
	"path/filepath"
	"testing"

	"oakci/internal/types"
)

func newTestIndex(t *testing.T, dim int) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "vectors.db"), dim)
	if err != nil {
		t.Fatalf("Failed to open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestUpsertAndSearch(t *testing.T) {
	idx := newTestIndex(t, 3)

	entries := []struct {
		ref string
		emb []float32
	}{
		{"chunk-a", []float32{1, 0, 0}},
		{"chunk-b", []float32{0, 1, 0}},
		{"chunk-c", []float32{0.9, 0.1, 0}},
	}
	for _, e := range entries {
		err := idx.Upsert(&Entry{
			Kind: types.KindCode, RefID: e.ref, FilePath: e.ref + ".go", DocType: types.DocCode,
		}, e.emb)
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	results, err := idx.Search([]float32{1, 0, 0}, SearchOptions{Limit: 2})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results[0].RefID != "chunk-a" {
		t.Errorf("Expected chunk-a first, got %s (score %f)", results[0].RefID, results[0].Score)
	}
	if results[1].RefID != "chunk-c" {
		t.Errorf("Expected chunk-c second, got %s", results[1].RefID)
	}
	if results[0].Score < 0.99 {
		t.Errorf("Identical vector should score ~1.0, got %f", results[0].Score)
	}
}

func TestUpsertReplacesByID(t *testing.T) {
	idx := newTestIndex(t, 3)

	e := &Entry{Kind: types.KindObservation, RefID: "obs-1"}
	if err := idx.Upsert(e, []float32{1, 0, 0}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := idx.Upsert(&Entry{Kind: types.KindObservation, RefID: "obs-1"}, []float32{0, 1, 0}); err != nil {
		t.Fatalf("Re-upsert failed: %v", err)
	}

	counts, _ := idx.Count()
	if counts[types.KindObservation] != 1 {
		t.Errorf("Expected 1 entry after replace, got %d", counts[types.KindObservation])
	}

	results, _ := idx.Search([]float32{0, 1, 0}, SearchOptions{Limit: 1})
	if len(results) != 1 || results[0].Score < 0.99 {
		t.Errorf("Replacement embedding not active: %+v", results)
	}
}

func TestSearchKindFilter(t *testing.T) {
	idx := newTestIndex(t, 3)

	idx.Upsert(&Entry{Kind: types.KindCode, RefID: "c1", DocType: types.DocCode}, []float32{1, 0, 0})
	idx.Upsert(&Entry{Kind: types.KindObservation, RefID: "o1"}, []float32{1, 0, 0})
	idx.Upsert(&Entry{Kind: types.KindPlan, RefID: "p1"}, []float32{1, 0, 0})

	results, err := idx.Search([]float32{1, 0, 0}, SearchOptions{
		Kinds: []types.VectorKind{types.KindObservation}, Limit: 10})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].Kind != types.KindObservation {
		t.Errorf("Kind filter leaked: %d results", len(results))
	}
}

func TestSearchDocTypeFilter(t *testing.T) {
	idx := newTestIndex(t, 3)

	idx.Upsert(&Entry{Kind: types.KindCode, RefID: "c1", DocType: types.DocCode}, []float32{1, 0, 0})
	idx.Upsert(&Entry{Kind: types.KindCode, RefID: "t1", DocType: types.DocTests}, []float32{1, 0, 0})
	idx.Upsert(&Entry{Kind: types.KindCode, RefID: "g1", DocType: types.DocGenerated}, []float32{1, 0, 0})

	results, err := idx.Search([]float32{1, 0, 0}, SearchOptions{
		Kinds:    []types.VectorKind{types.KindCode},
		DocTypes: []types.DocType{types.DocCode, types.DocTests},
		Limit:    10,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("Expected generated chunk excluded, got %d results", len(results))
	}
}

func TestDeleteByFileOnlyTouchesCode(t *testing.T) {
	idx := newTestIndex(t, 3)

	idx.Upsert(&Entry{Kind: types.KindCode, RefID: "c1", FilePath: "a.go"}, []float32{1, 0, 0})
	idx.Upsert(&Entry{Kind: types.KindCode, RefID: "c2", FilePath: "b.go"}, []float32{0, 1, 0})
	idx.Upsert(&Entry{Kind: types.KindObservation, RefID: "o1", FilePath: "a.go"}, []float32{0, 0, 1})

	if err := idx.DeleteByFile("a.go"); err != nil {
		t.Fatalf("DeleteByFile failed: %v", err)
	}

	counts, _ := idx.Count()
	if counts[types.KindCode] != 1 {
		t.Errorf("Expected 1 code entry left, got %d", counts[types.KindCode])
	}
	if counts[types.KindObservation] != 1 {
		t.Errorf("Observation entry for the same path must survive, got %d", counts[types.KindObservation])
	}
}

func TestClearByKind(t *testing.T) {
	idx := newTestIndex(t, 3)

	idx.Upsert(&Entry{Kind: types.KindCode, RefID: "c1"}, []float32{1, 0, 0})
	idx.Upsert(&Entry{Kind: types.KindPlan, RefID: "p1"}, []float32{0, 1, 0})

	if err := idx.Clear(types.KindCode); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	counts, _ := idx.Count()
	if counts[types.KindCode] != 0 || counts[types.KindPlan] != 1 {
		t.Errorf("Clear touched wrong kinds: %+v", counts)
	}
}

func TestContentHashes(t *testing.T) {
	idx := newTestIndex(t, 3)

	idx.Upsert(&Entry{Kind: types.KindCode, RefID: "c1", ContentHash: "h1"}, []float32{1, 0, 0})
	idx.Upsert(&Entry{Kind: types.KindCode, RefID: "c2", ContentHash: "h2"}, []float32{0, 1, 0})

	hashes, err := idx.ContentHashes(types.KindCode)
	if err != nil {
		t.Fatalf("ContentHashes failed: %v", err)
	}
	if hashes["c1"] != "h1" || hashes["c2"] != "h2" {
		t.Errorf("Unexpected hash map: %v", hashes)
	}
}

func TestDimensionEnforcement(t *testing.T) {
	idx := newTestIndex(t, 3)

	if err := idx.Upsert(&Entry{Kind: types.KindCode, RefID: "c1"}, []float32{1, 0}); err == nil {
		t.Error("Expected dimension error on upsert")
	}
	if _, err := idx.Search([]float32{1, 0}, SearchOptions{}); err == nil {
		t.Error("Expected dimension error on search")
	}
}

func TestBlobRoundTrip(t *testing.T) {
	in := []float32{1.5, -2.25, 0, 3.14159}
	out := decodeFloat32Blob(encodeFloat32Blob(in))
	if len(out) != len(in) {
		t.Fatalf("Expected %d floats, got %d", len(in), len(out))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("Index %d: %f != %f", i, in[i], out[i])
		}
	}
	if decodeFloat32Blob([]byte{1, 2, 3}) != nil {
		t.Error("Truncated blob should decode to nil")
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := cosineSimilarity([]float32{1, 0}, []float32{1, 0}); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("Identical vectors: %f", got)
	}
	if got := cosineSimilarity([]float32{1, 0}, []float32{0, 1}); math.Abs(got) > 1e-9 {
		t.Errorf("Orthogonal vectors: %f", got)
	}
	if got := cosineSimilarity([]float32{1, 0}, []float32{-1, 0}); math.Abs(got+1.0) > 1e-9 {
		t.Errorf("Opposite vectors: %f", got)
	}
	if got := cosineSimilarity([]float32{0, 0}, []float32{1, 0}); got != 0 {
		t.Errorf("Zero vector: %f", got)
	}
}
