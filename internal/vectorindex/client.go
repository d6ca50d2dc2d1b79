// Package vectorindex implements the vector index manager (C8): Qdrant-wire
// collection lifecycle, payload-index inference and idempotent creation,
// and point upsert/search, per spec §4.8.
package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relayai/core/internal/domain"
	"github.com/relayai/core/internal/metrics"
)

// baseIndexFields is the configured base set of payload fields every
// collection indexes regardless of model class, per spec §4.8.
var baseIndexFields = []string{"user_id", "tenant_id", "workspace_id", "model_id", "status", "visibility", "type"}

// settleDelay is how long Client waits after creating a collection before
// issuing payload-index creation calls, per spec §4.8.
var settleDelay = 500 * time.Millisecond

// Client is a thin Qdrant REST client plus the index-ensured cache spec
// §4.8 names.
type Client struct {
	httpClient *http.Client
	baseURL    string

	ensuredMu sync.Mutex
	ensured   map[string]map[string]bool // collection -> filter field -> verified
}

// New creates a vectorindex Client against a Qdrant-compatible baseURL.
func New(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		ensured:    make(map[string]map[string]bool),
	}
}

// CreateCollection PUTs the collection, waits for it to settle, then
// creates payload indexes for the inferred field set. Idempotent: an
// "already exists" response from Qdrant is treated as success.
func (c *Client) CreateCollection(ctx context.Context, desc domain.CollectionDescriptor, columns []ColumnSource) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     desc.VectorDimensions,
			"distance": qdrantDistance(desc.Distance),
		},
	}
	if desc.SegmentNumber > 0 {
		body["segment_number"] = desc.SegmentNumber
	}
	if desc.ReplicationFactor > 0 {
		body["replication_factor"] = desc.ReplicationFactor
	}

	if err := c.doIdempotent(ctx, http.MethodPut, "/collections/"+desc.Name, body); err != nil {
		return fmt.Errorf("create collection %s: %w", desc.Name, err)
	}

	select {
	case <-time.After(settleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	fields := InferIndexFields(desc, columns)
	return c.EnsureIndexes(ctx, desc.Name, fields)
}

// DeleteCollection deletes a collection. Left undefined whether an
// in-flight upsert can race a delete — spec §4.8's Open Question 3 leaves
// this unspecified and this client does not add locking around it.
func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	err := c.doIdempotent(ctx, http.MethodDelete, "/collections/"+name, nil)
	c.ensuredMu.Lock()
	delete(c.ensured, name)
	c.ensuredMu.Unlock()
	return err
}

// CollectionExists reports whether a collection is present.
func (c *Client) CollectionExists(ctx context.Context, name string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/collections/"+name, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, domain.NewTransientError("collection exists check", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// ColumnSource describes one field of the model backing a collection, for
// belongs-to foreign-key discovery and custom index declarations.
type ColumnSource struct {
	Column      domain.ColumnDescriptor
	IsForeignKey bool
	IsCustomIndex bool
}

// InferIndexFields computes the union of base fields, belongs-to foreign
// keys, and custom indexes, each typed via domain.InferPayloadType.
func InferIndexFields(desc domain.CollectionDescriptor, columns []ColumnSource) map[string]domain.PayloadFieldType {
	fields := make(map[string]domain.PayloadFieldType, len(baseIndexFields)+len(columns))
	for _, name := range baseIndexFields {
		fields[name] = domain.PayloadKeyword
	}
	for _, col := range columns {
		if col.IsForeignKey || col.IsCustomIndex {
			fields[col.Column.Name] = domain.InferPayloadType(col.Column)
		}
	}
	for name, typ := range desc.PayloadIndexes {
		fields[name] = typ
	}
	return fields
}

// EnsureIndexes creates any payload indexes in fields not already recorded
// in the process-wide verified cache, treating "already exists"/"already
// indexed" as success.
func (c *Client) EnsureIndexes(ctx context.Context, collection string, fields map[string]domain.PayloadFieldType) error {
	missing := c.missingFields(collection, fields)
	if len(missing) == 0 {
		return nil
	}

	for name, typ := range missing {
		body := map[string]any{
			"field_name":   name,
			"field_schema": qdrantFieldSchema(typ),
		}
		if err := c.doIdempotent(ctx, http.MethodPut, "/collections/"+collection+"/index", body); err != nil {
			return fmt.Errorf("create payload index %s.%s: %w", collection, name, err)
		}
		c.markEnsured(collection, name)
	}
	return nil
}

func (c *Client) missingFields(collection string, fields map[string]domain.PayloadFieldType) map[string]domain.PayloadFieldType {
	c.ensuredMu.Lock()
	defer c.ensuredMu.Unlock()

	verified := c.ensured[collection]
	missing := make(map[string]domain.PayloadFieldType)
	for name, typ := range fields {
		if verified == nil || !verified[name] {
			missing[name] = typ
		}
	}
	return missing
}

func (c *Client) markEnsured(collection, field string) {
	c.ensuredMu.Lock()
	defer c.ensuredMu.Unlock()
	if c.ensured[collection] == nil {
		c.ensured[collection] = make(map[string]bool)
	}
	c.ensured[collection][field] = true
}

// Upsert writes points to a collection.
func (c *Client) Upsert(ctx context.Context, collection string, records []domain.VectorRecord) error {
	points := make([]map[string]any, len(records))
	for i, r := range records {
		points[i] = map[string]any{
			"id":      r.PointID,
			"vector":  r.Vector,
			"payload": r.Metadata,
		}
	}
	body := map[string]any{"points": points}
	if err := c.doIdempotent(ctx, http.MethodPut, "/collections/"+collection+"/points", body); err != nil {
		return err
	}
	metrics.RecordVectorUpsert(collection, len(records))
	metrics.Global().RecordVectorUpsert(int64(len(records)))
	return nil
}

// Search posts a vector query and returns scored hits with metadata.
func (c *Client) Search(ctx context.Context, collection string, vector []float32, limit int, scoreThreshold float64, filter map[string]any) ([]domain.SearchResult, error) {
	if filter != nil {
		fields := make(map[string]domain.PayloadFieldType, len(filter))
		for k := range filter {
			fields[k] = domain.PayloadKeyword
		}
		if err := c.EnsureIndexes(ctx, collection, fields); err != nil {
			return nil, err
		}
	}

	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if scoreThreshold > 0 {
		body["score_threshold"] = scoreThreshold
	}
	if filter != nil {
		body["filter"] = filter
	}

	respBody, err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body)
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Result []struct {
			ID      string         `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, domain.NewTransientError("decode search response", err)
	}

	out := make([]domain.SearchResult, 0, len(decoded.Result))
	for _, hit := range decoded.Result {
		content, _ := hit.Payload["content"].(string)
		out = append(out, domain.SearchResult{ID: hit.ID, Content: content, Score: hit.Score, Metadata: hit.Payload})
	}
	return out, nil
}

// PointID derives the stable point_id spec §4.8 names:
// hash(model_class || "_" || model_id), with a chunk index suffix appended
// when content was chunked.
func PointID(modelClass, modelID string, chunkIndex int, hasChunkIndex bool) string {
	name := modelClass + "_" + modelID
	if hasChunkIndex {
		name = fmt.Sprintf("%s_%d", name, chunkIndex)
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func qdrantDistance(d domain.Distance) string {
	switch d {
	case domain.DistanceDot:
		return "Dot"
	case domain.DistanceEuclid:
		return "Euclid"
	default:
		return "Cosine"
	}
}

func qdrantFieldSchema(typ domain.PayloadFieldType) string {
	switch typ {
	case domain.PayloadInteger:
		return "integer"
	case domain.PayloadFloat:
		return "float"
	case domain.PayloadBool:
		return "bool"
	default:
		return "keyword"
	}
}

// doIdempotent performs a write call and swallows "already exists"/"already
// indexed" style failures, per spec §4.8. A "not found" failure is swallowed
// only for DELETE, so deleting a missing collection succeeds.
func (c *Client) doIdempotent(ctx context.Context, method, path string, body any) error {
	_, err := c.do(ctx, method, path, body)
	if err == nil {
		return nil
	}
	if isAlreadyDone(err) {
		return nil
	}
	if method == http.MethodDelete && strings.Contains(strings.ToLower(err.Error()), "not found") {
		return nil
	}
	return err
}

func isAlreadyDone(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "already indexed")
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, domain.NewValidationError("marshal vector index request", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, domain.NewValidationError("build vector index request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewTransientError(method+" "+path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewTransientError("read vector index response", err)
	}

	if resp.StatusCode >= 500 {
		return respBody, domain.NewTransientError(fmt.Sprintf("%s %s failed (status %d): %s", method, path, resp.StatusCode, truncate(respBody)), nil)
	}
	if resp.StatusCode >= 400 {
		return respBody, domain.NewPermanentError(fmt.Sprintf("%s %s failed (status %d): %s", method, path, resp.StatusCode, truncate(respBody)), nil)
	}
	return respBody, nil
}

func truncate(body []byte) string {
	const max = 256
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "..."
}
