package arbor

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// scriptedProvider returns canned responses in order, then repeats the
// last one. An entry with err non-nil fails that call.
type scriptedStep struct {
	resp ChatResponse
	err  error
}

type scriptedProvider struct {
	mu    sync.Mutex
	steps []scriptedStep
	calls int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(_ context.Context, _ ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.steps) {
		idx = len(p.steps) - 1
	}
	p.calls++
	step := p.steps[idx]
	return step.resp, step.err
}

// scriptedFactory hands out one provider per model, falling back to a
// default provider for unlisted models.
type scriptedFactory struct {
	mu        sync.Mutex
	providers map[string]Provider
	fallback  Provider
	made      []string
}

func (f *scriptedFactory) Make(model string) (Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.made = append(f.made, model)
	if p, ok := f.providers[model]; ok {
		return p, nil
	}
	if f.fallback != nil {
		return f.fallback, nil
	}
	return nil, &ErrConfig{Message: "no provider for " + model}
}

func textProvider(text string) *scriptedProvider {
	return &scriptedProvider{steps: []scriptedStep{{resp: ChatResponse{Content: text}}}}
}

// newTestCompleter builds a Completer with sleeping stubbed out.
func newTestCompleter(factory ModelFactory) *Completer {
	c := NewCompleter(factory)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

// --- in-memory memory store ---

type fakeMemoryStore struct {
	mu           sync.Mutex
	memories     map[string]Memory
	associations map[string]Association // keyed source|target|relation
	accesses     map[string]int
}

func newFakeMemoryStore() *fakeMemoryStore {
	return &fakeMemoryStore{
		memories:     make(map[string]Memory),
		associations: make(map[string]Association),
		accesses:     make(map[string]int),
	}
}

func (s *fakeMemoryStore) Save(_ context.Context, m Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[m.ID] = m
	return nil
}

func (s *fakeMemoryStore) Load(_ context.Context, id string) (Memory, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	return m, ok, nil
}

func (s *fakeMemoryStore) Update(_ context.Context, m Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[m.ID]; !ok {
		return &ErrMemory{Op: "update", Message: "not found"}
	}
	s.memories[m.ID] = m
	return nil
}

func (s *fakeMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memories, id)
	for key, a := range s.associations {
		if a.SourceID == id || a.TargetID == id {
			delete(s.associations, key)
		}
	}
	return nil
}

func (s *fakeMemoryStore) RecordAccess(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accesses[id]++
	return nil
}

func assocKey(a Association) string {
	return a.SourceID + "|" + a.TargetID + "|" + string(a.RelationType)
}

func (s *fakeMemoryStore) CreateAssociation(_ context.Context, a Association) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := assocKey(a)
	if existing, ok := s.associations[key]; ok {
		existing.Weight = a.Weight
		s.associations[key] = existing
		return nil
	}
	s.associations[key] = a
	return nil
}

func (s *fakeMemoryStore) GetAssociations(_ context.Context, memoryID string) ([]Association, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Association
	for _, a := range s.associations {
		if a.SourceID == memoryID || a.TargetID == memoryID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeMemoryStore) GetAssociationsBetween(_ context.Context, ids []string) ([]Association, error) {
	in := make(map[string]bool, len(ids))
	for _, id := range ids {
		in[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Association
	for _, a := range s.associations {
		if in[a.SourceID] && in[a.TargetID] {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeMemoryStore) list(filter func(Memory) bool) []Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Memory
	for _, m := range s.memories {
		if m.Forgotten {
			continue
		}
		if filter == nil || filter(m) {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeMemoryStore) GetByType(_ context.Context, t MemoryType, limit int) ([]Memory, error) {
	out := s.list(func(m Memory) bool { return m.MemoryType == t })
	sortByImportance(out)
	return capSlice(out, limit), nil
}

func (s *fakeMemoryStore) GetHighImportance(_ context.Context, threshold float32, limit int) ([]Memory, error) {
	out := s.list(func(m Memory) bool { return m.Importance >= threshold })
	sortByImportance(out)
	return capSlice(out, limit), nil
}

func (s *fakeMemoryStore) SearchContent(_ context.Context, query string, limit int) ([]Memory, error) {
	lower := strings.ToLower(query)
	out := s.list(func(m Memory) bool { return strings.Contains(strings.ToLower(m.Content), lower) })
	sortByImportance(out)
	return capSlice(out, limit), nil
}

func (s *fakeMemoryStore) GetSorted(_ context.Context, sortBy MemorySort, limit int, memoryType *MemoryType) ([]Memory, error) {
	out := s.list(func(m Memory) bool {
		return memoryType == nil || m.MemoryType == *memoryType
	})
	switch sortBy {
	case SortByRecent:
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	default:
		sortByImportance(out)
	}
	return capSlice(out, limit), nil
}

func (s *fakeMemoryStore) GetNeighbors(ctx context.Context, id string, depth int, exclude []string) ([]Memory, error) {
	return nil, nil
}

func (s *fakeMemoryStore) ListIDs(_ context.Context, since *time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, m := range s.memories {
		if m.Forgotten {
			continue
		}
		if since != nil && !m.CreatedAt.After(*since) && !m.UpdatedAt.After(*since) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func sortByImportance(out []Memory) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
}

func capSlice(out []Memory, limit int) []Memory {
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// fakeIndex is a scripted embedding index.
type fakeIndex struct {
	mu        sync.Mutex
	vectors   map[string][]float32
	neighbors map[string][]Neighbor // FindSimilar script per memory id
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{vectors: make(map[string][]float32), neighbors: make(map[string][]Neighbor)}
}

func (f *fakeIndex) Upsert(_ context.Context, id string, v []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors[id] = v
	return nil
}

func (f *fakeIndex) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vectors, id)
	return nil
}

func (f *fakeIndex) Search(_ context.Context, _ []float32, topK int) ([]Neighbor, error) {
	return nil, nil
}

func (f *fakeIndex) FindSimilar(_ context.Context, id string, threshold float32, limit int) ([]Neighbor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Neighbor
	for _, n := range f.neighbors[id] {
		if n.Similarity >= threshold && len(out) < limit {
			out = append(out, n)
		}
	}
	return out, nil
}

// --- task store fake ---

type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[int64]*Task
	next  int64
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[int64]*Task), next: 1}
}

func (f *fakeTaskStore) Create(_ context.Context, agentID AgentID, input CreateTaskInput) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task := Task{
		TaskNumber: f.next,
		AgentID:    agentID,
		Title:      input.Title,
		Status:     input.Status,
		Priority:   orDefault(input.Priority, "normal"),
		Subtasks:   input.Subtasks,
	}
	f.tasks[f.next] = &task
	f.next++
	return task, nil
}

func (f *fakeTaskStore) Get(_ context.Context, _ AgentID, n int64) (Task, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[n]
	if !ok {
		return Task{}, false, nil
	}
	return *t, true, nil
}

func (f *fakeTaskStore) List(_ context.Context, _ AgentID, status *TaskStatus, limit int) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Task
	for _, t := range f.tasks {
		if status == nil || t.Status == *status {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskNumber < out[j].TaskNumber })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeTaskStore) Update(_ context.Context, _ AgentID, n int64, input UpdateTaskInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[n]
	if !ok {
		return &ErrMemory{Op: "task", Message: "not found"}
	}
	if input.Status != nil {
		t.Status = *input.Status
	}
	if input.ClearWorkerID {
		t.WorkerID = ""
	} else if input.WorkerID != nil {
		t.WorkerID = *input.WorkerID
	}
	return nil
}

func (f *fakeTaskStore) ClaimNextReady(_ context.Context, _ AgentID) (Task, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var numbers []int64
	for n, t := range f.tasks {
		if t.Status == TaskReady {
			numbers = append(numbers, n)
		}
	}
	if len(numbers) == 0 {
		return Task{}, false, nil
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	t := f.tasks[numbers[0]]
	t.Status = TaskInProgress
	return *t, true, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// --- logging fakes ---

type recordedEvent struct {
	eventType string
	summary   string
	details   map[string]any
}

type fakeCortexLog struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeCortexLog) Log(eventType, summary string, details map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{eventType, summary, details})
}

func (f *fakeCortexLog) LoadEvents(context.Context, int, int, string) ([]CortexEvent, error) {
	return nil, nil
}

func (f *fakeCortexLog) CountEvents(context.Context, string) (int64, error) { return 0, nil }

func (f *fakeCortexLog) byType(eventType string) []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedEvent
	for _, e := range f.events {
		if e.eventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fakeConvoLog struct{}

func (fakeConvoLog) LogUserMessage(ChannelID, string, string, string, map[string]any) {}
func (fakeConvoLog) LogAssistantMessage(ChannelID, string, string)                    {}
func (fakeConvoLog) LoadRecent(context.Context, ChannelID, int) ([]ConversationMessage, error) {
	return nil, nil
}

type fakeRunLog struct {
	mu          sync.Mutex
	started     []WorkerID
	completed   map[WorkerID]bool // worker id -> success
	transcripts map[WorkerID]int64
}

func newFakeRunLog() *fakeRunLog {
	return &fakeRunLog{completed: make(map[WorkerID]bool), transcripts: make(map[WorkerID]int64)}
}

func (f *fakeRunLog) LogBranchStarted(ChannelID, BranchID, string) {}
func (f *fakeRunLog) LogBranchCompleted(BranchID, string)          {}

func (f *fakeRunLog) LogWorkerStarted(_ ChannelID, workerID WorkerID, _, _ string, _ AgentID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, workerID)
}

func (f *fakeRunLog) LogWorkerCompleted(workerID WorkerID, _ string, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[workerID] = success
}

func (f *fakeRunLog) LogWorkerTranscript(workerID WorkerID, _ []byte, toolCalls int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts[workerID] = toolCalls
}

func (f *fakeRunLog) LoadChannelTimeline(context.Context, ChannelID, int, *time.Time) ([]TimelineItem, error) {
	return nil, nil
}

func (f *fakeRunLog) ListWorkerRuns(context.Context, AgentID, int, int, string) ([]WorkerRunSummary, int64, error) {
	return nil, 0, nil
}

func (f *fakeRunLog) GetWorkerDetail(context.Context, AgentID, WorkerID) (WorkerRunDetail, bool, error) {
	return WorkerRunDetail{}, false, nil
}

type fakeMessaging struct {
	mu       sync.Mutex
	injected []InboundMessage
}

func (f *fakeMessaging) InjectMessage(_ context.Context, msg InboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected = append(f.injected, msg)
	return nil
}

func (f *fakeMessaging) Broadcast(context.Context, string, string, OutboundResponse) error {
	return nil
}

func (f *fakeMessaging) RegisterAndStart(context.Context, MessagingAdapter) error { return nil }
func (f *fakeMessaging) RemoveAdapter(string) error                               { return nil }

// newTestDeps wires a full in-memory dependency bundle around a
// scripted provider.
func newTestDeps(provider Provider) (*AgentDeps, *fakeCortexLog, *fakeTaskStore, *fakeRunLog) {
	store := newFakeMemoryStore()
	index := newFakeIndex()
	cortexLog := &fakeCortexLog{}
	tasks := newFakeTaskStore()
	runs := newFakeRunLog()

	factory := &scriptedFactory{fallback: provider}
	deps := &AgentDeps{
		AgentID:   "testagent",
		Runtime:   NewRuntimeConfig("testagent"),
		Bus:       NewBus(),
		Memory:    store,
		Search:    NewMemorySearch(store, index, nil),
		Tasks:     tasks,
		Convo:     fakeConvoLog{},
		Runs:      runs,
		CortexLog: cortexLog,
		Completer: newTestCompleter(factory),
		Messaging: &fakeMessaging{},
		AgentNames: map[AgentID]string{
			"testagent": "Test Agent",
		},
	}
	return deps, cortexLog, tasks, runs
}

// Poll windows for fire-and-forget assertions.
const (
	waitShort = 2 * time.Second
	waitTiny  = 200 * time.Millisecond
)

// waitUntil polls fn until it returns true or the deadline passes.
func waitUntil(timeout time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fn()
}
