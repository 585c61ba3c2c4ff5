package gateway

import (
	"encoding/json"
	"time"

	"github.com/zeusync/worldcore/internal/core/models"
)

type diffView struct {
	Type    models.ComponentType `json:"type"`
	Version models.Version       `json:"version"`
	Removed bool                 `json:"removed,omitempty"`
	Changed []string             `json:"changed,omitempty"`
	Payload models.Payload       `json:"payload,omitempty"`
}

type deltaView struct {
	Cursor      Cursor          `json:"cursor,omitempty"`
	Entity      models.EntityID `json:"entity"`
	Key         string          `json:"key,omitempty"`
	Source      models.SourceID `json:"source,omitempty"`
	Kind        string          `json:"kind"`
	Version     models.Version  `json:"version"`
	Confidence  string          `json:"confidence"`
	Tier        string          `json:"tier,omitempty"`
	Score       float64         `json:"score,omitempty"`
	CommittedAt string          `json:"committed_at,omitempty"`
	Diffs       []diffView      `json:"diffs"`
}

type componentView struct {
	Type       models.ComponentType `json:"type"`
	Version    models.Version       `json:"version"`
	Confidence string               `json:"confidence"`
	Payload    models.Payload       `json:"payload"`
}

type entityView struct {
	ID         models.EntityID `json:"id"`
	Key        string          `json:"key,omitempty"`
	Version    models.Version  `json:"version"`
	Owner      models.SourceID `json:"owner,omitempty"`
	Components []componentView `json:"components"`
}

// RenderDelta is the JSON form of a delta sent to text consumers. Cursor is
// omitted when zero.
func RenderDelta(c Cursor, d models.SyncDelta) ([]byte, error) {
	v := deltaView{
		Cursor:     c,
		Entity:     d.Entity,
		Key:        d.Key,
		Source:     d.Source,
		Kind:       d.Kind.String(),
		Version:    d.Version,
		Confidence: d.Confidence.String(),
		Diffs:      make([]diffView, 0, len(d.Diffs)),
	}
	if d.Kind == models.DeltaEnrichment {
		v.Tier, v.Score = d.Tier.String(), d.Score
	}
	if !d.CommittedAt.IsZero() {
		v.CommittedAt = d.CommittedAt.UTC().Format(time.RFC3339Nano)
	}
	for _, diff := range d.Diffs {
		v.Diffs = append(v.Diffs, diffView{
			Type:    diff.Type,
			Version: diff.Version,
			Removed: diff.Removed,
			Changed: diff.Changed,
			Payload: diff.Payload,
		})
	}
	return json.Marshal(v)
}

func RenderEntity(s EntitySnapshot) ([]byte, error) {
	v := entityView{
		ID:         s.ID,
		Key:        s.Key,
		Version:    s.Version,
		Owner:      s.Owner,
		Components: make([]componentView, 0, len(s.Components)),
	}
	for _, c := range s.Components {
		v.Components = append(v.Components, componentView{
			Type:       c.Type,
			Version:    c.Version,
			Confidence: c.Confidence.String(),
			Payload:    c.Payload,
		})
	}
	return json.Marshal(v)
}
