package arbor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Cortex is the per-agent set of background maintenance loops: bulletin
// synthesis, warmup, association mining, and ready-task pickup. Its
// primary output is the memory bulletin — a periodically refreshed,
// LLM-curated summary of the agent's current knowledge injected into
// every channel's system prompt.
//
// The cortex also buffers high-level activity signals from the event bus
// for health monitoring.
type Cortex struct {
	deps   *AgentDeps
	logger *slog.Logger

	mu      sync.Mutex
	signals []Signal
}

// signalBufferCap bounds the rolling signal window.
const signalBufferCap = 100

// Signal is a high-level activity observation, not raw conversation.
type Signal struct {
	Kind      string    `json:"kind"`
	ChannelID ChannelID `json:"channel_id,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	At        time.Time `json:"at"`
}

// NewCortex creates the cortex for an agent.
func NewCortex(deps *AgentDeps) *Cortex {
	return &Cortex{deps: deps, logger: deps.logger().With("component", "cortex")}
}

// Start launches all four loops plus the observation loop. They stop
// when ctx is cancelled.
func (cx *Cortex) Start(ctx context.Context) {
	go cx.runObserveLoop(ctx)
	go cx.runBulletinLoop(ctx)
	go cx.runWarmupLoop(ctx)
	go cx.runAssociationLoop(ctx)
	go cx.runReadyTaskLoop(ctx)
}

// runObserveLoop folds bus events into the signal buffer.
func (cx *Cortex) runObserveLoop(ctx context.Context) {
	sub := cx.deps.Bus.Subscribe()
	defer sub.Close()
	for {
		event, err := sub.Next(ctx)
		if err != nil {
			if _, lagged := err.(*ErrLagged); lagged {
				continue
			}
			return
		}
		cx.Observe(event)
	}
}

// Observe extracts a signal from a process event, if it carries one.
func (cx *Cortex) Observe(event ProcessEvent) {
	var signal *Signal
	switch event.Kind {
	case EventMemorySaved:
		signal = &Signal{Kind: "memory_saved", Summary: "memory " + event.MemoryID}
	case EventWorkerComplete:
		summary := event.Result
		if idx := strings.IndexByte(summary, '\n'); idx >= 0 {
			summary = summary[:idx]
		}
		signal = &Signal{Kind: "worker_completed", Summary: summary}
	case EventCompactionTriggered:
		signal = &Signal{Kind: "compaction", ChannelID: event.ChannelID}
	}
	if signal == nil {
		return
	}
	signal.At = time.Now()

	cx.mu.Lock()
	cx.signals = append(cx.signals, *signal)
	if len(cx.signals) > signalBufferCap {
		cx.signals = cx.signals[len(cx.signals)-signalBufferCap:]
	}
	cx.mu.Unlock()
}

// Signals returns a copy of the rolling signal window.
func (cx *Cortex) Signals() []Signal {
	cx.mu.Lock()
	defer cx.mu.Unlock()
	out := make([]Signal, len(cx.signals))
	copy(out, cx.signals)
	return out
}

// --- Bulletin loop ---

// bulletin startup retry policy.
const (
	bulletinStartupRetries   = 3
	bulletinRetryDelaySecs   = 15
	bulletinActiveTasksLimit = 20
)

// bulletinSection defines one gathered slice of memory for synthesis.
type bulletinSection struct {
	label      string
	mode       SearchMode
	memoryType *MemoryType
	sortBy     MemorySort
	maxResults int
}

func typePtr(t MemoryType) *MemoryType { return &t }

var bulletinSections = []bulletinSection{
	{"Identity & Core Facts", SearchTyped, typePtr(MemoryIdentity), SortByImportance, 15},
	{"Recent Memories", SearchRecent, nil, SortByRecent, 15},
	{"Decisions", SearchTyped, typePtr(MemoryDecision), SortByRecent, 10},
	{"High-Importance Context", SearchImportant, nil, SortByImportance, 10},
	{"Preferences & Patterns", SearchTyped, typePtr(MemoryPreference), SortByImportance, 10},
	{"Active Goals", SearchTyped, typePtr(MemoryGoal), SortByRecent, 10},
	{"Recent Events", SearchTyped, typePtr(MemoryEvent), SortByRecent, 10},
	{"Observations", SearchTyped, typePtr(MemoryObservation), SortByRecent, 5},
}

// runBulletinLoop generates the bulletin immediately on startup (with
// retries), then refreshes on the configured interval. Each pass is
// followed by profile regeneration.
func (cx *Cortex) runBulletinLoop(ctx context.Context) {
	cx.logger.Info("bulletin loop started")

	for attempt := 0; attempt <= bulletinStartupRetries; attempt++ {
		ok := cx.withWarmupLock(func() bool { return cx.GenerateBulletin(ctx) })
		if ok {
			break
		}
		if attempt < bulletinStartupRetries {
			cx.deps.CortexLog.Log("bulletin_failed",
				fmt.Sprintf("Bulletin generation failed, retrying (attempt %d/%d)", attempt+1, bulletinStartupRetries),
				map[string]any{"attempt": attempt + 1, "max_retries": bulletinStartupRetries})
			if !sleepOrDone(ctx, bulletinRetryDelaySecs*time.Second) {
				return
			}
		}
	}
	cx.GenerateProfile(ctx)

	for {
		interval := time.Duration(cx.deps.Runtime.Cortex.Load().BulletinIntervalSecs) * time.Second
		if !sleepOrDone(ctx, interval) {
			return
		}
		cx.withWarmupLock(func() bool { return cx.GenerateBulletin(ctx) })
		cx.GenerateProfile(ctx)
	}
}

// withWarmupLock serializes bulletin/warmup work through the agent's
// warmup lock.
func (cx *Cortex) withWarmupLock(fn func() bool) bool {
	lock := cx.deps.Runtime.WarmupLock()
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// gatherBulletinSections queries the store across all section
// configurations and formats them for synthesis.
func (cx *Cortex) gatherBulletinSections(ctx context.Context) string {
	var out strings.Builder

	for _, section := range bulletinSections {
		cfg := DefaultSearchConfig()
		cfg.Mode = section.mode
		cfg.MemoryType = section.memoryType
		cfg.SortBy = section.sortBy
		cfg.MaxResults = section.maxResults

		results, err := cx.deps.Search.Search(ctx, "", cfg)
		if err != nil {
			cx.logger.Warn("bulletin section query failed", "section", section.label, "error", err)
			continue
		}
		if len(results) == 0 {
			continue
		}

		fmt.Fprintf(&out, "### %s\n\n", section.label)
		for _, r := range results {
			firstLine := r.Memory.Content
			if idx := strings.IndexByte(firstLine, '\n'); idx >= 0 {
				firstLine = firstLine[:idx]
			}
			fmt.Fprintf(&out, "- [%s] (importance: %.1f) %s\n",
				r.Memory.MemoryType, r.Memory.Importance, firstLine)
		}
		out.WriteString("\n")
	}

	if tasks := cx.gatherActiveTasks(ctx); tasks != "" {
		out.WriteString(tasks)
	}
	return out.String()
}

// gatherActiveTasks formats non-done tasks as a bulletin section.
func (cx *Cortex) gatherActiveTasks(ctx context.Context) string {
	var all []Task
	for _, status := range []TaskStatus{TaskInProgress, TaskReady, TaskBacklog, TaskPendingApproval} {
		s := status
		tasks, err := cx.deps.Tasks.List(ctx, cx.deps.AgentID, &s, bulletinActiveTasksLimit)
		if err != nil {
			cx.logger.Warn("failed to gather active tasks for bulletin", "error", err)
			return ""
		}
		all = append(all, tasks...)
	}
	if len(all) == 0 {
		return ""
	}

	var out strings.Builder
	out.WriteString("### Active Tasks\n\n")
	for _, task := range all {
		progress := ""
		if len(task.Subtasks) > 0 {
			done := 0
			for _, st := range task.Subtasks {
				if st.Completed {
					done++
				}
			}
			progress = fmt.Sprintf(" [%d/%d]", done, len(task.Subtasks))
		}
		fmt.Fprintf(&out, "- #%d [%s] (%s) %s%s\n",
			task.TaskNumber, task.Status, task.Priority, task.Title, progress)
	}
	out.WriteString("\n")
	return out.String()
}

// GenerateBulletin runs one bulletin pass: gather sections, synthesize
// through the cortex LLM, publish atomically. On failure the previous
// bulletin is preserved and the warmup status moves to Degraded. Returns
// whether the pass succeeded.
func (cx *Cortex) GenerateBulletin(ctx context.Context) bool {
	cx.logger.Info("generating memory bulletin")
	started := time.Now()

	raw := cx.gatherBulletinSections(ctx)
	sectionCount := strings.Count(raw, "### ")

	if raw == "" {
		cx.logger.Info("no memories found, skipping bulletin synthesis")
		cx.deps.Runtime.SetBulletin("")
		cx.deps.CortexLog.Log("bulletin_generated", "Bulletin skipped: no memories in graph",
			map[string]any{
				"word_count":  0,
				"sections":    0,
				"duration_ms": time.Since(started).Milliseconds(),
				"skipped":     true,
			})
		return true
	}

	cortexCfg := cx.deps.Runtime.Cortex.Load()
	prompts := cx.deps.Runtime.Prompts.Load()
	routing := cx.deps.Runtime.Routing.Load()
	model := routing.Resolve(ProcessBranch, "")

	resp, _, err := cx.deps.Completer.Complete(ctx, routing, model, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(prompts.CortexBulletin),
			UserMessage(prompts.RenderSynthesis(cortexCfg.BulletinMaxWords, raw)),
		},
	})
	durationMS := time.Since(started).Milliseconds()

	if err != nil {
		cx.logger.Error("bulletin synthesis failed, keeping previous bulletin", "error", err)
		cx.deps.Runtime.UpdateWarmupStatus(func(s *WarmupStatus) {
			s.BulletinAgeSecs = BulletinAge(s.LastRefreshUnixMS, NowUnixMilli())
			if s.State != WarmupWarming {
				s.State = WarmupDegraded
				s.LastError = "bulletin generation failed: " + err.Error()
			}
		})
		cx.deps.CortexLog.Log("bulletin_failed",
			fmt.Sprintf("Bulletin synthesis failed after %dms: %v", durationMS, err),
			map[string]any{"error": err.Error(), "duration_ms": durationMS, "model": model})
		return false
	}

	bulletin := resp.Content
	wordCount := len(strings.Fields(bulletin))
	cx.deps.Runtime.SetBulletin(bulletin)
	cx.deps.Runtime.UpdateWarmupStatus(func(s *WarmupStatus) {
		s.LastRefreshUnixMS = NowUnixMilli()
		s.BulletinAgeSecs = 0
		if s.State != WarmupWarming {
			s.State = WarmupWarm
			s.LastError = ""
		}
	})
	cx.logger.Info("bulletin generated", "words", wordCount, "sections", sectionCount)
	cx.deps.CortexLog.Log("bulletin_generated",
		fmt.Sprintf("Bulletin generated: %d words, %d sections, %dms", wordCount, sectionCount, durationMS),
		map[string]any{
			"word_count":  wordCount,
			"sections":    sectionCount,
			"duration_ms": durationMS,
			"model":       model,
		})
	return true
}

// --- Profile generation ---

// profileResponse is the LLM response shape for profile generation.
type profileResponse struct {
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`
	Bio         string `json:"bio"`
}

// GenerateProfile regenerates the agent profile card from identity files
// and the current bulletin, and persists it.
func (cx *Cortex) GenerateProfile(ctx context.Context) {
	if cx.deps.Profiles == nil {
		return
	}
	cx.logger.Info("generating agent profile")
	started := time.Now()

	prompts := cx.deps.Runtime.Prompts.Load()
	identity := cx.deps.Runtime.Identity.Load().Render()
	bulletin := cx.deps.Runtime.Bulletin()

	routing := cx.deps.Runtime.Routing.Load()
	model := routing.Resolve(ProcessBranch, "")

	resp, _, err := cx.deps.Completer.Complete(ctx, routing, model, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(prompts.CortexProfile),
			UserMessage(prompts.RenderProfileSynthesis(identity, bulletin)),
		},
	})
	durationMS := time.Since(started).Milliseconds()
	if err != nil {
		cx.logger.Warn("profile generation LLM call failed", "error", err)
		cx.deps.CortexLog.Log("profile_failed",
			fmt.Sprintf("Profile generation failed after %dms: %v", durationMS, err),
			map[string]any{"error": err.Error(), "duration_ms": durationMS, "model": model})
		return
	}

	cleaned := strings.TrimSpace(resp.Content)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var parsed profileResponse
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		cx.logger.Warn("failed to parse profile response as JSON", "error", err)
		cx.deps.CortexLog.Log("profile_failed",
			"Profile generation failed: could not parse LLM response — "+err.Error(),
			map[string]any{"error": err.Error(), "raw_response": cleaned})
		return
	}

	now := time.Now().UTC()
	profile := AgentProfile{
		AgentID:     cx.deps.AgentID,
		DisplayName: parsed.DisplayName,
		Status:      parsed.Status,
		Bio:         parsed.Bio,
		AvatarSeed:  cx.deps.AgentID, // stable seed
		GeneratedAt: now,
		UpdatedAt:   now,
	}
	if err := cx.deps.Profiles.UpsertProfile(ctx, profile); err != nil {
		cx.logger.Warn("failed to persist agent profile", "error", err)
		return
	}

	cx.logger.Info("agent profile generated",
		"display_name", parsed.DisplayName, "status", parsed.Status)
	cx.deps.CortexLog.Log("profile_generated",
		fmt.Sprintf("Profile generated: %s — %q (%dms)",
			orElse(parsed.DisplayName, "unnamed"), orElse(parsed.Status, "no status"), durationMS),
		map[string]any{
			"display_name": parsed.DisplayName,
			"status":       parsed.Status,
			"duration_ms":  durationMS,
			"model":        model,
		})
}

func orElse(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// sleepOrDone sleeps for d, returning false when ctx ends first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
