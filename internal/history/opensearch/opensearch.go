package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/islo-labs/doubleagent/internal/errdefs"
	"github.com/islo-labs/doubleagent/internal/history"
)

// Sink indexes events as documents of one OpenSearch (or Elasticsearch)
// index and reads them back through _search.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	resp, err := s.post(ctx, "_doc", e)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return checkStatus(resp)
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source history.Event `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Recent returns up to n events, newest first. A missing index reads as empty.
func (s *Sink) Recent(ctx context.Context, n int) ([]history.Event, error) {
	query := map[string]any{
		"size": history.Limit(n),
		"sort": []any{map[string]any{"occurred_at": map[string]string{"order": "desc"}}},
	}
	resp, err := s.post(ctx, "_search", query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode opensearch response: %w", err)
	}
	out := make([]history.Event, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		h.Source.OccurredAt = h.Source.OccurredAt.UTC()
		out = append(out, h.Source)
	}
	return out, nil
}

func (s *Sink) post(ctx context.Context, endpoint string, body any) (*http.Response, error) {
	u := fmt.Sprintf("%s/%s/%s", s.baseURL, s.index, endpoint)
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &errdefs.TransportError{URL: u, Err: err}
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("opensearch status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}
