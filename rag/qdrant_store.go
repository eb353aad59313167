package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QdrantConfig configures the Qdrant VectorStore implementation.
//
// Notes:
// - Qdrant point IDs are UUIDs; a stable UUID is derived from the chunk ID.
// - Chunk text and linkage live in the point payload (text, document_id,
//   chunk_index, parent_id).
type QdrantConfig struct {
	Host    string        `json:"host" yaml:"host"`
	Port    int           `json:"port" yaml:"port"`
	BaseURL string        `json:"base_url,omitempty" yaml:"base_url"`
	APIKey  string        `json:"api_key,omitempty" yaml:"api_key"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout"`

	Distance string `json:"distance,omitempty" yaml:"distance"` // Cosine (default), Dot, Euclid
	Wait     *bool  `json:"wait,omitempty" yaml:"wait"`         // Wait for operation completion (default true)
}

// QdrantStore implements VectorStore using Qdrant's REST API.
// Collections are created on demand, one per project vector space.
type QdrantStore struct {
	cfg QdrantConfig

	baseURL string
	client  *http.Client
	logger  *zap.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// NewQdrantStore creates a Qdrant-backed VectorStore.
func NewQdrantStore(cfg QdrantConfig, logger *zap.Logger) *QdrantStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Distance == "" {
		cfg.Distance = "Cosine"
	}
	if cfg.Wait == nil {
		wait := true
		cfg.Wait = &wait
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}

	return &QdrantStore{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With(zap.String("component", "qdrant_store")),
		ensured: make(map[string]bool),
	}
}

var qdrantNamespace = uuid.MustParse("8f6a2c1e-9b3d-4f7a-b5e8-1d4c7a2f9e6b")

func qdrantPointID(chunkID string) string {
	// Stable UUID derived from chunk ID (supports any string input).
	return uuid.NewSHA1(qdrantNamespace, []byte(chunkID)).String()
}

func (s *QdrantStore) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(s.cfg.APIKey) != "" {
		// Qdrant convention.
		req.Header.Set("api-key", s.cfg.APIKey)
	}
}

func (s *QdrantStore) doJSON(ctx context.Context, method, path string, in any, out any) (int, error) {
	endpoint := s.baseURL + path

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, err
	}
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("qdrant request failed: method=%s path=%s status=%d body=%s", method, path, resp.StatusCode, string(raw))
	}

	if out == nil {
		return resp.StatusCode, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, err
	}
	return resp.StatusCode, nil
}

// EnsureCollection creates the collection if it does not exist yet.
func (s *QdrantStore) EnsureCollection(ctx context.Context, collection string, vectorSize int) error {
	if strings.TrimSpace(collection) == "" {
		return fmt.Errorf("qdrant collection is required")
	}
	if vectorSize <= 0 {
		return fmt.Errorf("qdrant vector size must be > 0")
	}

	s.mu.Lock()
	done := s.ensured[collection]
	s.mu.Unlock()
	if done {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": s.cfg.Distance,
		},
	}

	path := fmt.Sprintf("/collections/%s", url.PathEscape(collection))
	status, err := s.doJSON(ctx, http.MethodPut, path, body, nil)
	// Qdrant returns 409 if the collection already exists.
	if err != nil && status != http.StatusConflict {
		return err
	}

	s.mu.Lock()
	s.ensured[collection] = true
	s.mu.Unlock()
	return nil
}

// Upsert writes points into the collection.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	vectorSize := 0
	for i, p := range points {
		if p.ID == "" {
			return fmt.Errorf("point[%d] has empty id", i)
		}
		if len(p.Vector) == 0 {
			return fmt.Errorf("point[%d] has no vector", i)
		}
		if vectorSize == 0 {
			vectorSize = len(p.Vector)
		}
		if len(p.Vector) != vectorSize {
			return fmt.Errorf("point[%d] vector dimension mismatch: got=%d want=%d", i, len(p.Vector), vectorSize)
		}
	}

	if err := s.EnsureCollection(ctx, collection, vectorSize); err != nil {
		return err
	}

	type qpoint struct {
		ID      string         `json:"id"`
		Vector  []float64      `json:"vector"`
		Payload map[string]any `json:"payload,omitempty"`
	}

	qpoints := make([]qpoint, 0, len(points))
	for _, p := range points {
		payload := p.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		payload["chunk_id"] = p.ID
		qpoints = append(qpoints, qpoint{
			ID:      qdrantPointID(p.ID),
			Vector:  p.Vector,
			Payload: payload,
		})
	}

	req := struct {
		Points []qpoint `json:"points"`
	}{Points: qpoints}

	path := fmt.Sprintf("/collections/%s/points", url.PathEscape(collection))
	if s.cfg.Wait == nil || *s.cfg.Wait {
		path += "?wait=true"
	}

	var resp any
	if _, err := s.doJSON(ctx, http.MethodPut, path, req, &resp); err != nil {
		return err
	}

	s.logger.Debug("qdrant upsert completed",
		zap.String("collection", collection),
		zap.Int("count", len(points)))
	return nil
}

// Search queries the collection; Qdrant applies score_threshold server-side.
func (s *QdrantStore) Search(ctx context.Context, collection string, vector []float64, limit int, scoreThreshold float64) ([]RetrievalCandidate, error) {
	if strings.TrimSpace(collection) == "" {
		return nil, fmt.Errorf("qdrant collection is required")
	}
	if limit <= 0 {
		return []RetrievalCandidate{}, nil
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is required")
	}

	req := struct {
		Vector         []float64 `json:"vector"`
		Limit          int       `json:"limit"`
		ScoreThreshold float64   `json:"score_threshold,omitempty"`
		WithPayload    bool      `json:"with_payload"`
		WithVector     bool      `json:"with_vector"`
	}{
		Vector:         vector,
		Limit:          limit,
		ScoreThreshold: scoreThreshold,
		WithPayload:    true,
		WithVector:     false,
	}

	type qdrantResult struct {
		ID      any            `json:"id"`
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	}
	var resp struct {
		Result []qdrantResult `json:"result"`
		Status string         `json:"status"`
	}

	path := fmt.Sprintf("/collections/%s/points/search", url.PathEscape(collection))
	if _, err := s.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}

	out := make([]RetrievalCandidate, 0, len(resp.Result))
	for _, r := range resp.Result {
		id := fmt.Sprint(r.ID)
		if r.Payload != nil {
			// Recover original chunk ID from payload (preferred).
			if v, ok := r.Payload["chunk_id"].(string); ok && v != "" {
				id = v
			}
		}
		out = append(out, candidateFromPayload(id, collection, r.Score, r.Payload))
	}

	return out, nil
}

// CollectionExists reports whether the collection exists.
func (s *QdrantStore) CollectionExists(ctx context.Context, collection string) (bool, error) {
	path := fmt.Sprintf("/collections/%s/exists", url.PathEscape(collection))

	var resp struct {
		Result struct {
			Exists bool `json:"exists"`
		} `json:"result"`
	}
	if _, err := s.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.Result.Exists, nil
}

// DeleteCollection removes the collection.
func (s *QdrantStore) DeleteCollection(ctx context.Context, collection string) error {
	path := fmt.Sprintf("/collections/%s", url.PathEscape(collection))
	if _, err := s.doJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.ensured, collection)
	s.mu.Unlock()
	return nil
}

// Count returns the number of points in the collection.
func (s *QdrantStore) Count(ctx context.Context, collection string) (int, error) {
	path := fmt.Sprintf("/collections/%s/points/count", url.PathEscape(collection))

	req := map[string]any{"exact": true}
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if _, err := s.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}
