// internal/service/reconciler.go
package service

import (
	"log"
	"time"

	"github.com/Lookout84/toagro-backend-sub000/internal/repository"
)

// Reconciler sweeps processing tasks that nobody has touched for
// StaleAfter and marks them failed. A worker that crashes mid-run
// leaves its task stuck in processing with no other trace; this sweep
// is the only way such tasks ever reach a terminal state.
type Reconciler struct {
	TaskRepo   repository.TaskRepositoryInterface
	StaleAfter time.Duration
}

func (r *Reconciler) Sweep() {
	cutoff := time.Now().Add(-r.StaleAfter)
	stale, err := r.TaskRepo.ListStaleProcessing(cutoff)
	if err != nil {
		log.Println("⚠️ Reconciler: failed to list stale tasks:", err)
		return
	}

	for _, t := range stale {
		if err := r.TaskRepo.MarkFailed(t.ID); err != nil {
			log.Println("⚠️ Reconciler: failed to mark task", t.ID, "failed:", err)
			continue
		}
		log.Println("🧹 Reconciler: marked stuck task", t.ID, "failed (last update", t.UpdatedAt.Format(time.RFC3339), ")")
	}
}
