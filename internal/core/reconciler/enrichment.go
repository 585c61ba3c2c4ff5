package reconciler

import (
	"context"

	"github.com/zeusync/worldcore/internal/core/errs"
	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/observability/log"
	"github.com/zeusync/worldcore/internal/core/store"
)

// EnrichmentSource is the source id carried by enrichment deltas.
const EnrichmentSource models.SourceID = "enrichment"

// MergeEnrichment commits a dispatch result as a follow-up delta with a new
// version. Merging the same task twice is a no-op. Components confirmed or
// removed after the result's base version keep their state. It reports
// whether anything was written.
func (r *Reconciler) MergeEnrichment(ctx context.Context, res models.EnrichmentResult) (bool, error) {
	es, ok := r.entities.get(res.Entity)
	if !ok {
		return false, nil
	}

	es.mu.Lock()
	if es.removed {
		es.mu.Unlock()
		return false, nil
	}
	if res.TaskID != "" {
		if _, seen := es.enrichments[res.TaskID]; seen {
			es.mu.Unlock()
			return false, nil
		}
		es.enrichments[res.TaskID] = struct{}{}
	}

	view, _ := r.store.Entity(es.id)
	confidence := models.Confirmed
	var changes []store.Change
	for _, p := range res.Patches {
		if !r.registry.Has(p.Type) {
			r.metrics.UnknownComponents.WithLabelValues(string(p.Type)).Inc()
			continue
		}
		if at, ok := es.detached[p.Type]; ok && at > res.BaseVersion {
			r.logger.Debug("Skipped enrichment of removed component",
				log.Uint64("entity_id", uint64(es.id)),
				log.String("component", string(p.Type)),
				log.Uint64("base", uint64(res.BaseVersion)),
				log.Uint64("removed", uint64(at)),
			)
			continue
		}
		meta := r.meta(es, p.Type)
		if meta.writer != "" && meta.confirmedAt > res.BaseVersion {
			r.logger.Debug("Skipped enrichment of newer component",
				log.Uint64("entity_id", uint64(es.id)),
				log.String("component", string(p.Type)),
				log.Uint64("base", uint64(res.BaseVersion)),
				log.Uint64("confirmed", uint64(meta.confirmedAt)),
			)
			continue
		}
		if meta.pending != nil {
			confidence = models.Provisional
		}
		if p.Remove {
			changes = append(changes, store.Change{Type: p.Type, Remove: true})
			continue
		}
		cur, _ := view.Component(p.Type)
		changes = append(changes, store.Change{Type: p.Type, Payload: models.Merge(cur.Payload, p.Payload)})
	}
	if len(changes) == 0 {
		es.mu.Unlock()
		return false, nil
	}

	head := models.SyncDelta{
		Source:     EnrichmentSource,
		Kind:       models.DeltaEnrichment,
		Confidence: confidence,
		Tier:       res.Tier,
		Score:      res.Score,
	}
	delta, err := r.commit(ctx, es, head, changes, func(m *componentMeta, c store.Change, _ models.Version) {
		if m.pending == nil && !c.Remove {
			m.confirmed = c.Payload
		}
	})
	es.mu.Unlock()
	if err != nil {
		if errs.IsFatal(err) {
			return false, err
		}
		r.logger.Warn("Enrichment merge failed", log.Uint64("entity_id", uint64(es.id)), log.Error(err))
		return false, err
	}

	r.logger.Debug("Enrichment merged",
		log.Uint64("entity_id", uint64(delta.Entity)),
		log.String("tier", res.Tier.String()),
		log.Uint64("version", uint64(delta.Version)),
	)
	return true, nil
}
