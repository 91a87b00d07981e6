package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"oakci/internal/config"
)

func embedServer(t *testing.T, dim int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req openaiEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var resp openaiEmbedResponse
		// Reverse order to exercise index-based reassembly.
		for i := len(req.Input) - 1; i >= 0; i-- {
			emb := make([]float32, dim)
			emb[0] = float32(len(req.Input[i]))
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: emb, Index: i})
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestOpenAIEmbedBatchReassemblesByIndex(t *testing.T) {
	srv := embedServer(t, 4)
	defer srv.Close()

	eng, err := NewOpenAIEngine(OpenAIOptions{
		BaseURL: srv.URL, Model: "nomic-embed-text", Dimension: 4, BatchSize: 2,
	})
	if err != nil {
		t.Fatalf("NewOpenAIEngine failed: %v", err)
	}

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	out, err := eng.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if len(out) != len(texts) {
		t.Fatalf("Expected %d embeddings, got %d", len(texts), len(out))
	}
	for i, text := range texts {
		if out[i][0] != float32(len(text)) {
			t.Errorf("Embedding %d out of order: got marker %f, want %d", i, out[i][0], len(text))
		}
	}
}

func TestOpenAIDimensionMismatch(t *testing.T) {
	srv := embedServer(t, 4)
	defer srv.Close()

	eng, err := NewOpenAIEngine(OpenAIOptions{BaseURL: srv.URL, Model: "m", Dimension: 8})
	if err != nil {
		t.Fatalf("NewOpenAIEngine failed: %v", err)
	}
	if _, err := eng.Embed(context.Background(), "hello"); err == nil {
		t.Error("Expected dimension mismatch error")
	}
}

func TestOpenAIAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"message": "invalid api key", "type": "auth"},
		})
	}))
	defer srv.Close()

	eng, _ := NewOpenAIEngine(OpenAIOptions{BaseURL: srv.URL, Model: "m", Dimension: 4})
	_, err := eng.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("Expected API error")
	}
}

func TestOpenAITimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	eng, _ := NewOpenAIEngine(OpenAIOptions{
		BaseURL: srv.URL, Model: "m", Dimension: 4, Timeout: 20 * time.Millisecond})
	if _, err := eng.Embed(context.Background(), "hello"); err == nil {
		t.Error("Expected timeout error")
	}
}

func TestFactorySelectsProvider(t *testing.T) {
	cfg := config.EmbeddingConfig{
		Provider: "openai", BaseURL: "http://localhost:11434/v1", Model: "nomic-embed-text", Dimension: 768,
	}
	eng, err := NewEngine(cfg, 30*time.Second)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if eng.Name() != "openai:nomic-embed-text" {
		t.Errorf("Unexpected engine name: %s", eng.Name())
	}
	if eng.Dimensions() != 768 {
		t.Errorf("Unexpected dimensions: %d", eng.Dimensions())
	}

	cfg.Provider = "ollama"
	eng, err = NewEngine(cfg, 30*time.Second)
	if err != nil {
		t.Fatalf("NewEngine failed for ollama: %v", err)
	}
	if eng.Name() != "ollama:nomic-embed-text" {
		t.Errorf("Unexpected engine name: %s", eng.Name())
	}

	cfg.Provider = "bogus"
	if _, err := NewEngine(cfg, 30*time.Second); err == nil {
		t.Error("Expected error for unknown provider")
	}
}

func TestOllamaStripsV1Suffix(t *testing.T) {
	eng, err := NewOllamaEngine("http://localhost:11434/v1", "m", 4, 0)
	if err != nil {
		t.Fatalf("NewOllamaEngine failed: %v", err)
	}
	if eng.endpoint != "http://localhost:11434" {
		t.Errorf("Expected /v1 stripped, got %s", eng.endpoint)
	}
}
