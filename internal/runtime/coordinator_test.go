package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/cortex/internal/activity"
	"github.com/nidhogg/cortex/internal/approval"
	"github.com/nidhogg/cortex/internal/checkpoint"
	"github.com/nidhogg/cortex/internal/fault"
	"github.com/nidhogg/cortex/internal/memory"
	"github.com/nidhogg/cortex/internal/store"
)

// In-memory doubles for the coordinator's collaborators. The checkpoint
// fake keeps full history so tests can assert on what was durable when.

type fakeCheckpoints struct {
	mu     sync.Mutex
	byID   map[string]*checkpoint.Checkpoint
	order  []string
	seeded *checkpoint.Checkpoint
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{byID: make(map[string]*checkpoint.Checkpoint)}
}

func (f *fakeCheckpoints) Put(ctx context.Context, req checkpoint.PutRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.ThreadID == "" {
		return "", fmt.Errorf("%w: thread id is empty", fault.ErrValidation)
	}
	cp := &checkpoint.Checkpoint{
		ID:              uuid.New().String(),
		ThreadID:        req.ThreadID,
		Namespace:       req.Namespace,
		ParentID:        req.ParentID,
		ChannelValues:   req.ChannelValues,
		ChannelVersions: req.ChannelVersions,
		VersionsSeen:    req.VersionsSeen,
		PendingSends:    req.PendingSends,
		CreatedAt:       time.Now(),
	}
	f.byID[cp.ID] = cp
	f.order = append(f.order, cp.ID)
	return cp.ID, nil
}

func (f *fakeCheckpoints) GetLatest(ctx context.Context, threadID, namespace string) (*checkpoint.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.order) - 1; i >= 0; i-- {
		cp := f.byID[f.order[i]]
		if cp.ThreadID == threadID && cp.Namespace == namespace {
			return cp, nil
		}
	}
	if f.seeded != nil && f.seeded.ThreadID == threadID && f.seeded.Namespace == namespace {
		return f.seeded, nil
	}
	return nil, fmt.Errorf("%w: no checkpoints for thread %s", fault.ErrNotFound, threadID)
}

func (f *fakeCheckpoints) last(t *testing.T) *checkpoint.Checkpoint {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.order) == 0 {
		t.Fatal("no checkpoints written")
	}
	return f.byID[f.order[len(f.order)-1]]
}

type fakeMemories struct {
	results []memory.Retrieved
	queries int
}

func (f *fakeMemories) Retrieve(ctx context.Context, req memory.RetrieveRequest) ([]memory.Retrieved, error) {
	f.queries++
	return f.results, nil
}

// fakeGate resolves every request with a fixed verdict.
type fakeGate struct {
	mu       sync.Mutex
	verdict  approval.Status
	timeout  bool
	awaitErr error
	requests []*approval.Request
	awaited  []string
}

func (f *fakeGate) Request(ctx context.Context, in approval.RequestInput) (*approval.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req := &approval.Request{
		ID:     uuid.New().String(),
		RunID:  in.RunID,
		Reason: in.Reason,
		Status: approval.StatusPending,
	}
	f.requests = append(f.requests, req)
	return req, nil
}

func (f *fakeGate) Get(ctx context.Context, id string) (*approval.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if r.ID == id {
			return r, nil
		}
	}
	// Resumption may poll a request created before the fake existed.
	req := &approval.Request{ID: id, Status: approval.StatusPending}
	f.requests = append(f.requests, req)
	return req, nil
}

func (f *fakeGate) AwaitDecision(ctx context.Context, id string, pollInterval, timeout time.Duration) (*approval.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.awaited = append(f.awaited, id)
	if f.timeout {
		return nil, fmt.Errorf("%w: no decision", fault.ErrTimedOut)
	}
	if f.awaitErr != nil {
		return nil, f.awaitErr
	}
	for _, r := range f.requests {
		if r.ID == id {
			r.Status = f.verdict
			r.ReviewedBy = "reviewer-1"
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: approval request %s", fault.ErrNotFound, id)
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []activity.Entry
}

func (f *fakeAudit) Append(ctx context.Context, e activity.Entry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return uuid.New().String(), nil
}

func (f *fakeAudit) ofType(st activity.StepType) []activity.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []activity.Entry
	for _, e := range f.entries {
		if e.StepType == st {
			out = append(out, e)
		}
	}
	return out
}

type fakePublisher struct {
	mu    sync.Mutex
	sends []checkpoint.PendingSend
}

func (f *fakePublisher) Publish(ctx context.Context, runID string, send checkpoint.PendingSend) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, send)
	return nil
}

type fakeRuns struct {
	mu       sync.Mutex
	statuses []store.RunStatus
}

func (f *fakeRuns) CreateRun(ctx context.Context, id string, input map[string]any) error {
	return nil
}

func (f *fakeRuns) UpdateRunStatus(ctx context.Context, id string, status store.RunStatus, result map[string]any, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeRuns) final() store.RunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return ""
	}
	return f.statuses[len(f.statuses)-1]
}

type fakeEmbedder struct{ dim int }

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, f.dim)
		vec[0] = 1
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return f.dim }

type harness struct {
	checkpoints *fakeCheckpoints
	memories    *fakeMemories
	gate        *fakeGate
	audit       *fakeAudit
	publisher   *fakePublisher
	runs        *fakeRuns
	executed    []Action
	mu          sync.Mutex
}

func newHarness(opts Options) (*harness, *Coordinator) {
	h := &harness{
		checkpoints: newFakeCheckpoints(),
		memories:    &fakeMemories{},
		gate:        &fakeGate{verdict: approval.StatusApproved},
		audit:       &fakeAudit{},
		publisher:   &fakePublisher{},
		runs:        &fakeRuns{},
	}
	exec := func(ctx context.Context, action Action) (json.RawMessage, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.executed = append(h.executed, action)
		return json.RawMessage(`{"ok":true}`), nil
	}
	c := New(h.checkpoints, h.memories, h.gate, h.audit, h.publisher, h.runs,
		&fakeEmbedder{dim: 4}, exec, opts, zap.NewNop())
	return h, c
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestRunCompletesAndCheckpointsEveryStep(t *testing.T) {
	h, c := newHarness(Options{})

	step := func(ctx context.Context, in StepInput) (*StepResult, error) {
		switch in.Step {
		case 1:
			return &StepResult{
				Consumer: "planner",
				Updates:  map[string]json.RawMessage{"plan": raw(`"draft"`)},
			}, nil
		case 2:
			return &StepResult{
				Consumer: "planner",
				Updates:  map[string]json.RawMessage{"plan": raw(`"final"`)},
				Done:     true,
			}, nil
		}
		t.Fatalf("unexpected step %d", in.Step)
		return nil, nil
	}

	out, err := c.Run(context.Background(), "run-happy", step)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != store.RunCompleted || out.Steps != 2 {
		t.Fatalf("outcome = %+v, want completed in 2 steps", out)
	}
	if h.runs.final() != store.RunCompleted {
		t.Errorf("final run status = %s, want completed", h.runs.final())
	}
	if len(h.checkpoints.order) != 2 {
		t.Fatalf("wrote %d checkpoints, want one per step", len(h.checkpoints.order))
	}

	last := h.checkpoints.last(t)
	if string(last.ChannelValues["plan"]) != `"final"` {
		t.Errorf("final plan = %s", last.ChannelValues["plan"])
	}
	if last.ChannelVersions["plan"] != 2 {
		t.Errorf("plan version = %d, want 2 after two updates", last.ChannelVersions["plan"])
	}
	// The consumer saw version 1 going into step 2.
	if last.VersionsSeen["planner"]["plan"] != 1 {
		t.Errorf("versions seen = %v", last.VersionsSeen["planner"])
	}
	if out.LastCheckpointID != last.ID {
		t.Errorf("outcome checkpoint = %s, want %s", out.LastCheckpointID, last.ID)
	}
}

func TestRunPublishesSendsAfterCheckpointing(t *testing.T) {
	h, c := newHarness(Options{})

	step := func(ctx context.Context, in StepInput) (*StepResult, error) {
		return &StepResult{
			Sends: []checkpoint.PendingSend{
				{ID: "send-1", Channel: "outbox", Payload: raw(`"ping"`)},
			},
			Done: true,
		}, nil
	}

	if _, err := c.Run(context.Background(), "run-sends", step); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(h.publisher.sends) != 1 || h.publisher.sends[0].ID != "send-1" {
		t.Fatalf("published = %+v, want the queued send", h.publisher.sends)
	}
	// The send was durable on a checkpoint before delivery.
	last := h.checkpoints.last(t)
	if len(last.PendingSends) != 1 || last.PendingSends[0].ID != "send-1" {
		t.Errorf("checkpointed sends = %+v", last.PendingSends)
	}
}

func TestNonSensitiveActionSkipsGate(t *testing.T) {
	h, c := newHarness(Options{})

	step := func(ctx context.Context, in StepInput) (*StepResult, error) {
		return &StepResult{
			Action: &Action{Name: "lookup", Payload: raw(`{"q":1}`)},
			Done:   true,
		}, nil
	}

	if _, err := c.Run(context.Background(), "run-plain-action", step); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(h.gate.requests) != 0 {
		t.Errorf("gate consulted for a non-sensitive action")
	}
	if len(h.executed) != 1 || h.executed[0].Name != "lookup" {
		t.Fatalf("executed = %+v", h.executed)
	}
	if got := h.audit.ofType(activity.StepAction); len(got) != 1 {
		t.Errorf("action entries = %d, want 1", len(got))
	}
}

func TestSensitiveActionWaitsForApproval(t *testing.T) {
	h, c := newHarness(Options{})
	h.gate.verdict = approval.StatusApproved

	step := func(ctx context.Context, in StepInput) (*StepResult, error) {
		return &StepResult{
			Action: &Action{Name: "send_email", Sensitive: true, Reason: "external side effect"},
			Done:   true,
		}, nil
	}

	out, err := c.Run(context.Background(), "run-gated", step)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != store.RunCompleted {
		t.Fatalf("status = %s, want completed", out.Status)
	}
	if len(h.gate.requests) != 1 || len(h.gate.awaited) != 1 {
		t.Fatalf("gate interactions: requests=%d awaited=%d, want 1/1", len(h.gate.requests), len(h.gate.awaited))
	}
	if len(h.executed) != 1 {
		t.Fatalf("approved action not executed")
	}
	if got := h.audit.ofType(activity.StepDecision); len(got) != 1 {
		t.Errorf("decision entries = %d, want 1", len(got))
	}
}

func TestRejectedActionIsNeverExecuted(t *testing.T) {
	h, c := newHarness(Options{})
	h.gate.verdict = approval.StatusRejected

	step := func(ctx context.Context, in StepInput) (*StepResult, error) {
		return &StepResult{
			Action: &Action{Name: "delete_all", Sensitive: true, Reason: "destructive"},
			Done:   true,
		}, nil
	}

	out, err := c.Run(context.Background(), "run-rejected", step)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != store.RunCompleted {
		t.Fatalf("status = %s, want completed (run continues past a rejection)", out.Status)
	}
	if len(h.executed) != 0 {
		t.Fatalf("rejected action executed: %+v", h.executed)
	}
}

func TestDecisionTimeoutSuspendsWithIntent(t *testing.T) {
	h, c := newHarness(Options{})
	h.gate.timeout = true

	step := func(ctx context.Context, in StepInput) (*StepResult, error) {
		return &StepResult{
			Action: &Action{Name: "wire_funds", Sensitive: true, Reason: "money moves"},
			Done:   true,
		}, nil
	}

	out, err := c.Run(context.Background(), "run-suspend", step)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != store.RunSuspended {
		t.Fatalf("status = %s, want suspended", out.Status)
	}
	if len(h.executed) != 0 {
		t.Fatalf("undecided action executed")
	}

	// The suspension checkpoint carries the intent plus its request ID.
	last := h.checkpoints.last(t)
	if len(last.PendingSends) != 1 || last.PendingSends[0].Channel != actionChannel {
		t.Fatalf("suspension checkpoint sends = %+v", last.PendingSends)
	}
	var env actionEnvelope
	if err := json.Unmarshal(last.PendingSends[0].Payload, &env); err != nil {
		t.Fatalf("decode intent: %v", err)
	}
	if env.Action.Name != "wire_funds" {
		t.Errorf("intent action = %s", env.Action.Name)
	}
	if env.ApprovalID == "" || env.ApprovalID != h.gate.requests[0].ID {
		t.Errorf("intent approval id = %q, want %q", env.ApprovalID, h.gate.requests[0].ID)
	}
}

func TestResumeReplaysIntentAgainstSameRequest(t *testing.T) {
	h, c := newHarness(Options{})
	h.gate.timeout = true

	step := func(ctx context.Context, in StepInput) (*StepResult, error) {
		return &StepResult{
			Action: &Action{Name: "wire_funds", Sensitive: true, Reason: "money moves"},
			Done:   true,
		}, nil
	}

	out, err := c.Run(context.Background(), "run-resume", step)
	if err != nil || out.Status != store.RunSuspended {
		t.Fatalf("first run: %v / %+v", err, out)
	}
	originalReq := h.gate.requests[0].ID

	// Operator approves while the run is down; resumption replays the
	// recorded intent and must poll the original request, not open a
	// second one.
	h.gate.timeout = false
	h.gate.verdict = approval.StatusApproved

	resumed := func(ctx context.Context, in StepInput) (*StepResult, error) {
		return &StepResult{Done: true}, nil
	}
	out, err = c.Run(context.Background(), "run-resume", resumed)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if out.Status != store.RunCompleted {
		t.Fatalf("resume status = %s, want completed", out.Status)
	}
	if len(h.gate.requests) != 1 {
		t.Fatalf("resume opened %d extra approval requests", len(h.gate.requests)-1)
	}
	if last := h.gate.awaited[len(h.gate.awaited)-1]; last != originalReq {
		t.Errorf("resume awaited %s, want original request %s", last, originalReq)
	}
	if len(h.executed) != 1 || h.executed[0].Name != "wire_funds" {
		t.Fatalf("replayed action not executed: %+v", h.executed)
	}
}

func TestIntentCarriesRequestIDBeforeAwaiting(t *testing.T) {
	h, c := newHarness(Options{})
	// The gate collapses while the coordinator is blocked on a
	// decision; the run fails without suspending.
	h.gate.awaitErr = errors.New("gate backend unreachable")

	step := func(ctx context.Context, in StepInput) (*StepResult, error) {
		return &StepResult{
			Action: &Action{Name: "wire_funds", Sensitive: true, Reason: "money moves"},
			Done:   true,
		}, nil
	}

	out, err := c.Run(context.Background(), "run-await-fail", step)
	if err == nil {
		t.Fatal("expected the gate failure to surface")
	}
	if out.Status != store.RunFailed {
		t.Fatalf("status = %s, want failed", out.Status)
	}

	// The request ID was durable before AwaitDecision ran, so the
	// crashy wait lost nothing.
	last := h.checkpoints.last(t)
	if len(last.PendingSends) != 1 || last.PendingSends[0].Channel != actionChannel {
		t.Fatalf("checkpointed sends = %+v", last.PendingSends)
	}
	var env actionEnvelope
	if err := json.Unmarshal(last.PendingSends[0].Payload, &env); err != nil {
		t.Fatalf("decode intent: %v", err)
	}
	if env.ApprovalID == "" || env.ApprovalID != h.gate.requests[0].ID {
		t.Errorf("intent approval id = %q, want %q", env.ApprovalID, h.gate.requests[0].ID)
	}

	// Recovery replays the intent against the original request; no
	// second request opens.
	h.gate.awaitErr = nil
	h.gate.verdict = approval.StatusApproved

	resumed := func(ctx context.Context, in StepInput) (*StepResult, error) {
		return &StepResult{Done: true}, nil
	}
	out, err = c.Run(context.Background(), "run-await-fail", resumed)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if out.Status != store.RunCompleted {
		t.Fatalf("resume status = %s, want completed", out.Status)
	}
	if len(h.gate.requests) != 1 {
		t.Fatalf("resume opened %d extra approval requests", len(h.gate.requests)-1)
	}
	if len(h.executed) != 1 || h.executed[0].Name != "wire_funds" {
		t.Fatalf("replayed action not executed: %+v", h.executed)
	}
}

func TestResumeRepublishesPlainSends(t *testing.T) {
	h, c := newHarness(Options{})
	h.checkpoints.seeded = &checkpoint.Checkpoint{
		ID:              uuid.New().String(),
		ThreadID:        "run-replay",
		ChannelValues:   map[string]json.RawMessage{},
		ChannelVersions: map[string]int64{},
		VersionsSeen:    map[string]map[string]int64{},
		PendingSends: []checkpoint.PendingSend{
			{ID: "send-crashed", Channel: "outbox", Payload: raw(`"lost?"`)},
		},
	}

	step := func(ctx context.Context, in StepInput) (*StepResult, error) {
		return &StepResult{Done: true}, nil
	}
	if _, err := c.Run(context.Background(), "run-replay", step); err != nil {
		t.Fatalf("run: %v", err)
	}

	var replayed bool
	for _, s := range h.publisher.sends {
		if s.ID == "send-crashed" {
			replayed = true
		}
	}
	if !replayed {
		t.Errorf("crashed send not republished on resume")
	}
}

func TestStepErrorFailsRun(t *testing.T) {
	h, c := newHarness(Options{})

	boom := errors.New("planner exploded")
	step := func(ctx context.Context, in StepInput) (*StepResult, error) {
		return nil, boom
	}

	out, err := c.Run(context.Background(), "run-boom", step)
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want step error", err)
	}
	if out.Status != store.RunFailed {
		t.Errorf("status = %s, want failed", out.Status)
	}
	if h.runs.final() != store.RunFailed {
		t.Errorf("run row status = %s, want failed", h.runs.final())
	}
	if got := h.audit.ofType(activity.StepError); len(got) == 0 {
		t.Errorf("no error entry recorded")
	}
}

func TestStepBudgetExhaustionFails(t *testing.T) {
	_, c := newHarness(Options{MaxSteps: 3})

	step := func(ctx context.Context, in StepInput) (*StepResult, error) {
		return &StepResult{}, nil // never done
	}

	out, err := c.Run(context.Background(), "run-forever", step)
	if err == nil {
		t.Fatal("expected budget exhaustion error")
	}
	if out.Status != store.RunFailed || out.Steps != 3 {
		t.Fatalf("outcome = %+v, want failed after 3 steps", out)
	}
}

func TestCancellationBetweenSteps(t *testing.T) {
	h, c := newHarness(Options{})
	ctx, cancel := context.WithCancel(context.Background())

	steps := 0
	step := func(ctx context.Context, in StepInput) (*StepResult, error) {
		steps++
		cancel() // takes effect before the next super-step
		return &StepResult{
			Updates: map[string]json.RawMessage{"n": raw(fmt.Sprintf("%d", steps))},
		}, nil
	}

	out, err := c.Run(ctx, "run-cancel", step)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if out.Status != store.RunCancelled {
		t.Errorf("status = %s, want cancelled", out.Status)
	}
	if steps != 1 {
		t.Errorf("ran %d steps after cancel, want 1", steps)
	}
	// The completed step's checkpoint is durable for later resumption.
	last := h.checkpoints.last(t)
	if string(last.ChannelValues["n"]) != "1" {
		t.Errorf("checkpoint lost on cancel: %v", last.ChannelValues)
	}
}

func TestMemoriesRankedByWeight(t *testing.T) {
	h, c := newHarness(Options{})
	h.memories.results = []memory.Retrieved{
		{Memory: &memory.Memory{ID: "m-similar", Importance: 0.2}, Similarity: 0.95},
		{Memory: &memory.Memory{ID: "m-important", Importance: 0.9}, Similarity: 0.75},
	}

	var seen []WeightedMemory
	step := func(ctx context.Context, in StepInput) (*StepResult, error) {
		seen = in.Memories
		return &StepResult{Done: true}, nil
	}

	// Memory consultation only happens once there is working state.
	h.checkpoints.seeded = &checkpoint.Checkpoint{
		ID:              uuid.New().String(),
		ThreadID:        "run-mem",
		ChannelValues:   map[string]json.RawMessage{"topic": raw(`"budget"`)},
		ChannelVersions: map[string]int64{"topic": 1},
		VersionsSeen:    map[string]map[string]int64{},
	}

	if _, err := c.Run(context.Background(), "run-mem", step); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("step saw %d memories, want 2", len(seen))
	}
	// 0.75*0.9 = 0.675 outranks 0.95*0.2 = 0.19.
	if seen[0].Memory.ID != "m-important" {
		t.Errorf("top memory = %s, want importance-weighted winner", seen[0].Memory.ID)
	}
	if seen[0].Weight <= seen[1].Weight {
		t.Errorf("weights not descending: %v, %v", seen[0].Weight, seen[1].Weight)
	}
}

func TestStaleChannels(t *testing.T) {
	cp := &checkpoint.Checkpoint{
		ChannelVersions: map[string]int64{"a": 3, "b": 1, "c": 2},
		VersionsSeen: map[string]map[string]int64{
			"worker": {"a": 3, "b": 0},
		},
	}

	got := StaleChannels(cp, "worker")
	want := []string{"b", "c"}
	if len(got) != len(want) {
		t.Fatalf("stale = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stale = %v, want %v", got, want)
		}
	}

	// An unknown consumer owes everything.
	if got := StaleChannels(cp, "newcomer"); len(got) != 3 {
		t.Errorf("newcomer stale = %v, want all channels", got)
	}
}

func TestContextTextIsStable(t *testing.T) {
	values := map[string]json.RawMessage{
		"zeta":  raw(`"z"`),
		"alpha": raw(`"a"`),
	}
	first := contextText(values)
	for i := 0; i < 10; i++ {
		if contextText(values) != first {
			t.Fatal("context rendering varies across calls")
		}
	}
	if first != "alpha: \"a\"\nzeta: \"z\"\n" {
		t.Errorf("rendering = %q", first)
	}
}
