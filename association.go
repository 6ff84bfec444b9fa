package arbor

import (
	"context"
	"fmt"
	"time"
)

// associationStartupDelaySecs lets the bulletin and embeddings settle
// before the first pass.
const associationStartupDelaySecs = 10

// associationNeighborLimit caps embedding neighbors considered per memory.
const associationNeighborLimit = 10

// runAssociationLoop discovers semantic edges by embedding similarity.
// The first pass backfills all existing memories; subsequent passes only
// process memories created or updated since the previous pass.
func (cx *Cortex) runAssociationLoop(ctx context.Context) {
	cx.logger.Info("association loop started")

	if !sleepOrDone(ctx, associationStartupDelaySecs*time.Second) {
		return
	}

	backfilled := cx.RunAssociationPass(ctx, nil)
	cx.logger.Info("association backfill complete", "associations_created", backfilled)

	lastPass := time.Now().UTC()
	for {
		interval := time.Duration(cx.deps.Runtime.Cortex.Load().AssociationIntervalSecs) * time.Second
		if !sleepOrDone(ctx, interval) {
			return
		}

		since := lastPass
		lastPass = time.Now().UTC()

		if created := cx.RunAssociationPass(ctx, &since); created > 0 {
			cx.logger.Info("association pass complete", "associations_created", created)
		}
	}
}

// RunAssociationPass runs one mining pass. since == nil means backfill
// over all non-forgotten memories. For each candidate, up to ten
// embedding neighbors above the similarity threshold become edges:
// Updates above the updates threshold, RelatedTo otherwise, with weight
// mapped linearly from the similarity band into [0.5, 1.0]. The pass
// stops once the per-pass cap is hit and logs one summary.
func (cx *Cortex) RunAssociationPass(ctx context.Context, since *time.Time) int {
	cfg := cx.deps.Runtime.Cortex.Load()
	simThreshold := cfg.AssociationSimilarityThreshold
	updatesThreshold := cfg.AssociationUpdatesThreshold
	maxPerPass := cfg.AssociationMaxPerPass
	isBackfill := since == nil

	index := cx.deps.Search.Index()
	if index == nil {
		return 0
	}

	memoryIDs, err := cx.deps.Memory.ListIDs(ctx, since)
	if err != nil {
		cx.logger.Warn("failed to fetch memories for association pass", "error", err)
		return 0
	}
	if len(memoryIDs) == 0 {
		return 0
	}

	created := 0
	for _, memoryID := range memoryIDs {
		if created >= maxPerPass {
			break
		}

		neighbors, err := index.FindSimilar(ctx, memoryID, simThreshold, associationNeighborLimit)
		if err != nil {
			cx.logger.Debug("similarity search failed for memory", "memory_id", memoryID, "error", err)
			continue
		}

		for _, neighbor := range neighbors {
			if created >= maxPerPass {
				break
			}

			relation := RelatedTo
			if neighbor.Similarity >= updatesThreshold {
				relation = Updates
			}

			// Map the similarity band [threshold, 1] onto weight [0.5, 1].
			weight := 0.5 + (neighbor.Similarity-simThreshold)/(1-simThreshold)*0.5

			assoc := NewAssociation(memoryID, neighbor.ID, relation).WithWeight(weight)
			if err := cx.deps.Memory.CreateAssociation(ctx, assoc); err != nil {
				cx.logger.Debug("failed to create association", "error", err)
				continue
			}
			created++
		}
	}

	if created > 0 {
		summary := fmt.Sprintf("Created %d associations from %d new memories", created, len(memoryIDs))
		if isBackfill {
			summary = fmt.Sprintf("Backfill: created %d associations from %d memories", created, len(memoryIDs))
		}
		cx.deps.CortexLog.Log("association_created", summary, map[string]any{
			"associations_created": created,
			"memories_processed":   len(memoryIDs),
			"backfill":             isBackfill,
			"similarity_threshold": simThreshold,
			"updates_threshold":    updatesThreshold,
		})
	}
	return created
}
