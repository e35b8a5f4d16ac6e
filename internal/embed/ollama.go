// Package embed provides the embedding providers behind the store's
// Embedder capability: Ollama's local HTTP API, or nothing at all.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/roelfdiedericks/codemem/internal/errs"
	. "github.com/roelfdiedericks/codemem/internal/logging"
)

// DefaultModel is the embedding model requested when the config names
// none.
const DefaultModel = "nomic-embed-text"

// OllamaProvider generates embeddings via a local Ollama server.
type OllamaProvider struct {
	url    string
	model  string
	client *http.Client
}

// NewOllamaProvider constructs a provider against url (default
// http://localhost:11434) and model.
func NewOllamaProvider(url, model string) *OllamaProvider {
	if url == "" {
		url = "http://localhost:11434"
	}
	if model == "" {
		model = DefaultModel
	}
	return &OllamaProvider{
		url:    strings.TrimSuffix(url, "/"),
		model:  model,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// Model returns the model name vectors are keyed by in the store.
func (p *OllamaProvider) Model() string {
	return p.model
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed satisfies store.Embedder.
func (p *OllamaProvider) Embed(text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	body, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errs.RetryableTransient("ollama embed request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errs.RetryableTransient(fmt.Sprintf("ollama returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))), nil)
	}

	var parsed ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned empty embedding")
	}

	out := make([]float32, len(parsed.Embedding))
	for i, v := range parsed.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

// Available probes the server with a tiny embed call.
func (p *OllamaProvider) Available() bool {
	_, err := p.Embed("ping")
	if err != nil {
		L_debug("embed: ollama unavailable", "url", p.url, "error", err)
		return false
	}
	return true
}
