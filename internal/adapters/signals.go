package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-resty/resty/v2"

	"github.com/Rajchodisetti/session-trader/internal/decision"
)

// snapshotDoc is the signal producer's wire format. Older producers wrote a
// bare array of signals with no macro envelope.
type snapshotDoc struct {
	decision.SentimentSnapshot
	decision.MacroEnvironment
}

func parseSnapshot(data []byte) (decision.SentimentSnapshot, decision.MacroEnvironment, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var signals []decision.Signal
		if err := json.Unmarshal(trimmed, &signals); err != nil {
			return decision.SentimentSnapshot{}, decision.MacroEnvironment{}, fmt.Errorf("parse signal array: %w", err)
		}
		return decision.SentimentSnapshot{Signals: signals}, decision.MacroEnvironment{Reason: "legacy format (no macro data)"}, nil
	}
	var doc snapshotDoc
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return decision.SentimentSnapshot{}, decision.MacroEnvironment{}, fmt.Errorf("parse snapshot: %w", err)
	}
	return doc.SentimentSnapshot, doc.MacroEnvironment, nil
}

// FileSignals reads the snapshot the signal producer drops on disk.
type FileSignals struct {
	path string
}

func NewFileSignals(path string) *FileSignals { return &FileSignals{path: path} }

func (f *FileSignals) Snapshot(ctx context.Context) (decision.SentimentSnapshot, decision.MacroEnvironment, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return decision.SentimentSnapshot{}, decision.MacroEnvironment{}, fmt.Errorf("read %s: %w", f.path, err)
	}
	return parseSnapshot(data)
}

// HTTPSignals fetches the snapshot from GET /v1/snapshot.
type HTTPSignals struct {
	client *Client
}

func NewHTTPSignals(c *Client) *HTTPSignals { return &HTTPSignals{client: c} }

func (h *HTTPSignals) Snapshot(ctx context.Context) (decision.SentimentSnapshot, decision.MacroEnvironment, error) {
	resp, err := h.client.Do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.Get("/v1/snapshot")
	})
	if err != nil {
		return decision.SentimentSnapshot{}, decision.MacroEnvironment{}, err
	}
	return parseSnapshot(resp.Body())
}
