// Package provider holds enrichment providers for the dispatch cascade: a
// NATS request/reply client for remote services and a caching decorator.
package provider

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeusync/worldcore/internal/core/cascade"
	"github.com/zeusync/worldcore/internal/core/models"
)

type wireRequest struct {
	TaskID     string                    `json:"task_id"`
	Tier       string                    `json:"tier"`
	Entity     uint64                    `json:"entity"`
	Key        string                    `json:"key,omitempty"`
	Version    uint64                    `json:"version"`
	Kind       string                    `json:"kind,omitempty"`
	Components map[string]models.Payload `json:"components"`
	TimeoutMs  int64                     `json:"timeout_ms"`
}

type wirePatch struct {
	Type    string         `json:"type"`
	Payload models.Payload `json:"payload,omitempty"`
	Remove  bool           `json:"remove,omitempty"`
}

type wireResponse struct {
	Patches  []wirePatch `json:"patches"`
	Score    float64     `json:"score"`
	Escalate bool        `json:"escalate,omitempty"`
	Error    string      `json:"error,omitempty"`
}

func EncodeRequest(req cascade.Request) ([]byte, error) {
	w := wireRequest{
		TaskID:     req.TaskID,
		Tier:       req.Tier.String(),
		Entity:     uint64(req.Entity.ID),
		Key:        req.Entity.Key,
		Version:    uint64(req.Entity.Version),
		Components: make(map[string]models.Payload, len(req.Entity.Components)),
		TimeoutMs:  req.Timeout.Milliseconds(),
	}
	if len(req.Delta.Diffs) > 0 {
		w.Kind = req.Delta.Kind.String()
	}
	for t, p := range req.Entity.Components {
		w.Components[string(t)] = p
	}
	return json.Marshal(w)
}

func DecodeRequest(data []byte) (cascade.Request, error) {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return cascade.Request{}, fmt.Errorf("decode enrichment request: %w", err)
	}
	tier, err := models.ParseTier(w.Tier)
	if err != nil {
		return cascade.Request{}, err
	}
	req := cascade.Request{
		TaskID: w.TaskID,
		Tier:   tier,
		Entity: models.EntityContext{
			ID:         models.EntityID(w.Entity),
			Key:        w.Key,
			Version:    models.Version(w.Version),
			Components: make(map[models.ComponentType]models.Payload, len(w.Components)),
		},
		Timeout: time.Duration(w.TimeoutMs) * time.Millisecond,
	}
	for t, p := range w.Components {
		req.Entity.Components[models.ComponentType(t)] = p
	}
	return req, nil
}

func EncodeResponse(resp cascade.Response, err error) ([]byte, error) {
	w := wireResponse{Score: resp.Score, Escalate: resp.Escalate, Patches: make([]wirePatch, len(resp.Patches))}
	for i, p := range resp.Patches {
		w.Patches[i] = wirePatch{Type: string(p.Type), Payload: p.Payload, Remove: p.Remove}
	}
	if err != nil {
		w.Error = err.Error()
	}
	return json.Marshal(w)
}

// DecodeResponse parses a provider reply. A reply carrying an error decodes
// to cascade.ErrUnavailable.
func DecodeResponse(data []byte) (cascade.Response, error) {
	var w wireResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return cascade.Response{}, fmt.Errorf("%w: decode reply: %w", cascade.ErrUnavailable, err)
	}
	if w.Error != "" {
		return cascade.Response{}, fmt.Errorf("%w: %s", cascade.ErrUnavailable, w.Error)
	}
	resp := cascade.Response{Score: w.Score, Escalate: w.Escalate, Patches: make([]models.ComponentPatch, 0, len(w.Patches))}
	for _, p := range w.Patches {
		if p.Type == "" {
			continue
		}
		payload, err := models.Normalize(p.Payload)
		if err != nil {
			return cascade.Response{}, fmt.Errorf("%w: patch %q: %w", cascade.ErrUnavailable, p.Type, err)
		}
		resp.Patches = append(resp.Patches, models.ComponentPatch{Type: models.ComponentType(p.Type), Payload: payload, Remove: p.Remove})
	}
	return resp, nil
}
