package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/everoute/mef-eline/pkg/collaborators"
)

// DefaultTimeout bounds every document-store call.
const DefaultTimeout = 15 * time.Second

// HTTPStore is a JSON-over-HTTP Store implementation, matching the shape
// the other out-of-process collaborators in this system use: the actual
// MongoDB driver sits behind this external service, out of the core's
// scope (spec.md §1).
type HTTPStore struct {
	baseURL string // e.g. "http://docstore:8080/evcs/"
	http    *retryablehttp.Client
	timeout time.Duration
}

// NewHTTPStore builds an HTTPStore against baseURL.
func NewHTTPStore(baseURL string) *HTTPStore {
	return &HTTPStore{
		baseURL: baseURL,
		http:    collaborators.NewHTTPClient(DefaultTimeout, "docstore"),
		timeout: DefaultTimeout,
	}
}

type upsertBody struct {
	Set         map[string]interface{} `json:"$set"`
	SetOnInsert map[string]interface{} `json:"$setOnInsert"`
}

// Upsert writes fields via $set, leaving inserted_at untouched on update
// and $setOnInsert-ing it on first write (spec.md §6).
func (s *HTTPStore) Upsert(ctx context.Context, id string, fields map[string]interface{}) error {
	return s.UpsertMany(ctx, map[string]map[string]interface{}{id: fields})
}

// UpsertMany writes several EVC documents in one bulk call (used by the
// link-down pipeline's final bulk write, spec.md §4.6).
func (s *HTTPStore) UpsertMany(ctx context.Context, docs map[string]map[string]interface{}) error {
	if len(docs) == 0 {
		return nil
	}
	body := make(map[string]upsertBody, len(docs))
	for id, fields := range docs {
		body[id] = upsertBody{Set: fields, SetOnInsert: map[string]interface{}{"inserted_at": time.Now()}}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "docstore: encode upsert")
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := retryablehttp.NewRequest(http.MethodPatch, s.baseURL, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "docstore: build request")
	}
	req = req.WithContext(reqCtx)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "docstore: transport error")
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("docstore: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Load fetches one EVC document by id.
func (s *HTTPStore) Load(ctx context.Context, id string) (Document, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := retryablehttp.NewRequest(http.MethodGet, s.baseURL+id, nil)
	if err != nil {
		return Document{}, false, errors.Wrap(err, "docstore: build request")
	}
	req = req.WithContext(reqCtx)

	resp, err := s.http.Do(req)
	if err != nil {
		return Document{}, false, errors.Wrap(err, "docstore: transport error")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Document{}, false, nil
	}
	if resp.StatusCode/100 != 2 {
		return Document{}, false, fmt.Errorf("docstore: unexpected status %d", resp.StatusCode)
	}

	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return Document{}, false, errors.Wrap(err, "docstore: decode response")
	}
	return doc, true, nil
}

// LoadAll fetches every EVC document (including archived ones; callers
// filter per spec.md §3).
func (s *HTTPStore) LoadAll(ctx context.Context) ([]Document, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := retryablehttp.NewRequest(http.MethodGet, s.baseURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "docstore: build request")
	}
	req = req.WithContext(reqCtx)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "docstore: transport error")
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("docstore: unexpected status %d", resp.StatusCode)
	}

	var docs []Document
	if err := json.NewDecoder(resp.Body).Decode(&docs); err != nil {
		return nil, errors.Wrap(err, "docstore: decode response")
	}
	return docs, nil
}
