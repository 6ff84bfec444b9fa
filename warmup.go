package arbor

import (
	"context"
	"strings"
	"time"
)

// warmupDisabledPollSecs is how often a disabled warmup loop re-checks
// its config.
const warmupDisabledPollSecs = 10

// runWarmupLoop transitions the runtime through Cold → Warming →
// Warm|Degraded. Warmup runs asynchronously and never blocks channel
// responsiveness.
func (cx *Cortex) runWarmupLoop(ctx context.Context) {
	cx.logger.Info("warmup loop started")
	completedInitialPass := false

	for {
		cfg := *cx.deps.Runtime.Warmup.Load()

		if !cfg.Enabled {
			cx.deps.Runtime.UpdateWarmupStatus(func(s *WarmupStatus) {
				s.State = WarmupCold
				s.BulletinAgeSecs = BulletinAge(s.LastRefreshUnixMS, NowUnixMilli())
			})
			if !sleepOrDone(ctx, warmupDisabledPollSecs*time.Second) {
				return
			}
			completedInitialPass = false
			continue
		}

		sleepSecs := cfg.StartupDelaySecs
		if completedInitialPass {
			sleepSecs = cfg.RefreshSecs
		}
		if sleepSecs < 1 {
			sleepSecs = 1
		}
		if !sleepOrDone(ctx, time.Duration(sleepSecs)*time.Second) {
			return
		}

		reason := "startup"
		if completedInitialPass {
			reason = "scheduled"
		}
		cx.RunWarmupOnce(ctx, reason, false)
		completedInitialPass = true
	}
}

// RunWarmupOnce executes a single warmup pass under the warmup lock:
//
//  1. If warmup is disabled and not forced, publish Cold and return.
//  2. Publish Warming.
//  3. With eager embedding load on, embed the literal "warmup" token to
//     page the embedding model in; errors are recorded but don't abort.
//  4. Run a bulletin pass.
//  5. No errors → Warm with a fresh refresh stamp; otherwise Degraded,
//     preserving the previous refresh stamp.
func (cx *Cortex) RunWarmupOnce(ctx context.Context, reason string, force bool) {
	lock := cx.deps.Runtime.WarmupLock()
	lock.Lock()
	defer lock.Unlock()

	cfg := *cx.deps.Runtime.Warmup.Load()
	if !cfg.Enabled && !force {
		cx.deps.Runtime.UpdateWarmupStatus(func(s *WarmupStatus) {
			s.State = WarmupCold
			s.BulletinAgeSecs = BulletinAge(s.LastRefreshUnixMS, NowUnixMilli())
		})
		return
	}

	cx.deps.Runtime.UpdateWarmupStatus(func(s *WarmupStatus) {
		s.State = WarmupWarming
		s.LastError = ""
		s.BulletinAgeSecs = BulletinAge(s.LastRefreshUnixMS, NowUnixMilli())
	})

	var errors []string
	embeddingReady := false

	if cfg.EagerEmbeddingLoad {
		if err := cx.deps.Search.WarmEmbedder(ctx); err != nil {
			errors = append(errors, "embedding warmup failed: "+err.Error())
		} else {
			embeddingReady = true
		}
	}

	if !cx.GenerateBulletin(ctx) {
		errors = append(errors, "bulletin generation failed")
	}

	if len(errors) == 0 {
		cx.deps.Runtime.UpdateWarmupStatus(func(s *WarmupStatus) {
			s.State = WarmupWarm
			s.EmbeddingReady = embeddingReady || s.EmbeddingReady
			s.LastRefreshUnixMS = NowUnixMilli()
			s.LastError = ""
			s.BulletinAgeSecs = 0
		})
		cx.deps.CortexLog.Log("warmup_succeeded", "Warmup pass completed",
			map[string]any{
				"reason":          reason,
				"embedding_ready": embeddingReady,
				"forced":          force,
			})
		return
	}

	lastError := strings.Join(errors, "; ")
	cx.deps.Runtime.UpdateWarmupStatus(func(s *WarmupStatus) {
		s.State = WarmupDegraded
		s.EmbeddingReady = embeddingReady || s.EmbeddingReady
		s.LastError = lastError
		s.BulletinAgeSecs = BulletinAge(s.LastRefreshUnixMS, NowUnixMilli())
	})
	cx.deps.CortexLog.Log("warmup_failed", "Warmup pass failed",
		map[string]any{
			"reason": reason,
			"errors": errors,
			"forced": force,
		})
}

// TriggerForcedWarmup spawns a one-shot forced warmup pass in the
// background and reports recovery latency once it lands. Used as a
// readiness guard on worker/branch/cron dispatch when the agent is Cold
// or Degraded; it never blocks the caller.
func (cx *Cortex) TriggerForcedWarmup(ctx context.Context, dispatchType string) {
	go func() {
		started := time.Now()
		cx.RunWarmupOnce(ctx, "dispatch_"+dispatchType, true)
		if cx.deps.Runtime.ReadyForWork() {
			cx.logger.Info("forced warmup recovered",
				"dispatch_type", dispatchType,
				"latency_ms", time.Since(started).Milliseconds())
		}
	}()
}
