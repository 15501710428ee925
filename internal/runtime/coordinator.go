// Package runtime drives one agent run as a sequence of super-steps.
// Each step reads the latest checkpoint, computes updates, and writes
// a new checkpoint before any side effect executes, so a crash at any
// point leaves a resumable intent rather than a lost or double effect.
// Many coordinators run in parallel across runs; a single run is
// strictly sequential.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/cortex/internal/activity"
	"github.com/nidhogg/cortex/internal/approval"
	"github.com/nidhogg/cortex/internal/checkpoint"
	"github.com/nidhogg/cortex/internal/embedding"
	"github.com/nidhogg/cortex/internal/fault"
	"github.com/nidhogg/cortex/internal/memory"
	"github.com/nidhogg/cortex/internal/store"
)

// actionChannel carries gated actions inside checkpoint pending sends.
const actionChannel = "__actions__"

// putRetries bounds Conflict retries on checkpoint append.
const putRetries = 3

// Checkpoints is the slice of the checkpoint store the coordinator uses.
type Checkpoints interface {
	Put(ctx context.Context, req checkpoint.PutRequest) (string, error)
	GetLatest(ctx context.Context, threadID, namespace string) (*checkpoint.Checkpoint, error)
}

// Memories is the retrieval entry point for decision context.
type Memories interface {
	Retrieve(ctx context.Context, req memory.RetrieveRequest) ([]memory.Retrieved, error)
}

// Gate is the approval surface the coordinator blocks on.
type Gate interface {
	Request(ctx context.Context, in approval.RequestInput) (*approval.Request, error)
	Get(ctx context.Context, id string) (*approval.Request, error)
	AwaitDecision(ctx context.Context, id string, pollInterval, timeout time.Duration) (*approval.Request, error)
}

// Audit appends to the activity log.
type Audit interface {
	Append(ctx context.Context, e activity.Entry) (string, error)
}

// Publisher delivers pending sends. Deliveries are at-least-once;
// receivers dedupe on the send ID.
type Publisher interface {
	Publish(ctx context.Context, runID string, send checkpoint.PendingSend) error
}

// Runs tracks run lifecycle rows. Satisfied by *store.Store.
type Runs interface {
	CreateRun(ctx context.Context, id string, input map[string]any) error
	UpdateRunStatus(ctx context.Context, id string, status store.RunStatus, result map[string]any, errorMessage string) error
}

// ActionExecutor performs an approved (or non-sensitive) action and
// returns its observable result. Executors must be safe to retry:
// after a crash the recorded intent replays.
type ActionExecutor func(ctx context.Context, action Action) (json.RawMessage, error)

// Options tune one coordinator.
type Options struct {
	Namespace       string
	AgentID         string
	MaxSteps        int
	ApprovalTTL     time.Duration
	DecisionTimeout time.Duration
	PollInterval    time.Duration
	MemoryThreshold float64
	MemoryLimit     int
}

func (o *Options) applyDefaults() {
	if o.MaxSteps <= 0 {
		o.MaxSteps = 25
	}
	if o.ApprovalTTL <= 0 {
		o.ApprovalTTL = 24 * time.Hour
	}
	if o.DecisionTimeout <= 0 {
		o.DecisionTimeout = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
}

// Outcome reports how a run ended.
type Outcome struct {
	RunID            string
	Status           store.RunStatus
	Steps            int
	LastCheckpointID string
}

// Coordinator composes the stores into a run loop.
type Coordinator struct {
	checkpoints Checkpoints
	memories    Memories
	gate        Gate
	audit       Audit
	publisher   Publisher
	runs        Runs
	embedder    embedding.Provider
	execute     ActionExecutor
	opts        Options
	logger      *zap.Logger
}

// New creates a coordinator. publisher may be nil when no delivery bus
// is configured; sends then stay queued on checkpoints until a bus
// drains them.
func New(
	checkpoints Checkpoints,
	memories Memories,
	gate Gate,
	audit Audit,
	publisher Publisher,
	runs Runs,
	embedder embedding.Provider,
	execute ActionExecutor,
	opts Options,
	logger *zap.Logger,
) *Coordinator {
	opts.applyDefaults()
	return &Coordinator{
		checkpoints: checkpoints,
		memories:    memories,
		gate:        gate,
		audit:       audit,
		publisher:   publisher,
		runs:        runs,
		embedder:    embedder,
		execute:     execute,
		opts:        opts,
		logger:      logger,
	}
}

// actionEnvelope is the pending-send payload of a gated action. The
// approval request ID travels with the intent so resumption picks up
// the same request instead of re-asking.
type actionEnvelope struct {
	Action     Action `json:"action"`
	ApprovalID string `json:"approval_id,omitempty"`
}

// Run executes (or resumes) one run. The run ID doubles as the
// checkpoint thread ID. Cancellation happens between super-steps only;
// resuming after cancellation and recovering from a crash are the same
// code path — re-read the latest checkpoint and continue.
func (c *Coordinator) Run(ctx context.Context, runID string, step StepFunc) (*Outcome, error) {
	if runID == "" {
		return nil, fmt.Errorf("%w: run id is empty", fault.ErrValidation)
	}

	if err := c.runs.CreateRun(ctx, runID, nil); err != nil {
		return nil, err
	}
	if err := c.runs.UpdateRunStatus(ctx, runID, store.RunRunning, nil, ""); err != nil {
		return nil, err
	}

	state, lastID, err := c.loadState(ctx, runID)
	if err != nil {
		return c.fail(ctx, runID, 0, lastID, err)
	}

	// Crash/suspend recovery: re-apply intents recorded on the last
	// durable checkpoint before computing anything new.
	if len(state.PendingSends) > 0 {
		newLast, outcome, done, err := c.replayPending(ctx, runID, state, lastID)
		if err != nil || done {
			return outcome, err
		}
		lastID = newLast
	}

	for stepN := 1; stepN <= c.opts.MaxSteps; stepN++ {
		if err := ctx.Err(); err != nil {
			// Cancelled between super-steps; the latest checkpoint is
			// durable, so resumption just re-enters Run.
			_ = c.runs.UpdateRunStatus(ctx, runID, store.RunCancelled, nil, "")
			return &Outcome{RunID: runID, Status: store.RunCancelled, Steps: stepN - 1, LastCheckpointID: lastID}, err
		}

		mems, err := c.consultMemory(ctx, state.ChannelValues)
		if err != nil {
			return c.fail(ctx, runID, stepN, lastID, err)
		}

		res, err := step(ctx, StepInput{
			Step:            stepN,
			ChannelValues:   cloneValues(state.ChannelValues),
			ChannelVersions: cloneVersions(state.ChannelVersions),
			VersionsSeen:    cloneSeen(state.VersionsSeen),
			Memories:        mems,
		})
		if err != nil {
			c.log(ctx, runID, activity.StepError, fmt.Sprintf("step %d failed: %v", stepN, err))
			return c.fail(ctx, runID, stepN, lastID, err)
		}

		next := advance(state, res)

		var envelope *actionEnvelope
		if res.Action != nil {
			envelope = &actionEnvelope{Action: *res.Action}
			send, err := envelope.toSend()
			if err != nil {
				return c.fail(ctx, runID, stepN, lastID, err)
			}
			next.PendingSends = append(next.PendingSends, send)
		}

		// Checkpoint-before-effect: the new state, queued sends and
		// action intent must be durable before anything executes.
		newID, err := c.putWithRetry(ctx, checkpoint.PutRequest{
			ThreadID:        runID,
			Namespace:       c.opts.Namespace,
			ParentID:        lastID,
			ChannelValues:   next.ChannelValues,
			ChannelVersions: next.ChannelVersions,
			VersionsSeen:    next.VersionsSeen,
			PendingSends:    next.PendingSends,
		})
		if err != nil {
			return c.fail(ctx, runID, stepN, lastID, err)
		}
		lastID = newID
		state = next

		for _, send := range res.Sends {
			if err := c.publish(ctx, runID, send); err != nil {
				return c.fail(ctx, runID, stepN, lastID, err)
			}
		}

		if res.Action != nil {
			proceed, newLast, outcome, err := c.runAction(ctx, runID, stepN, lastID, state, envelope)
			lastID = newLast
			if !proceed {
				return outcome, err
			}
		}

		if res.Done {
			_ = c.runs.UpdateRunStatus(ctx, runID, store.RunCompleted, resultSummary(state), "")
			c.logger.Info("run completed", zap.String("run", runID), zap.Int("steps", stepN))
			return &Outcome{RunID: runID, Status: store.RunCompleted, Steps: stepN, LastCheckpointID: lastID}, nil
		}
	}

	return c.fail(ctx, runID, c.opts.MaxSteps, lastID,
		fmt.Errorf("step budget of %d exhausted", c.opts.MaxSteps))
}

// loadState reads the latest checkpoint, or a fresh empty state when
// the partition has no history yet.
func (c *Coordinator) loadState(ctx context.Context, runID string) (*checkpoint.Checkpoint, string, error) {
	cp, err := c.checkpoints.GetLatest(ctx, runID, c.opts.Namespace)
	if errors.Is(err, fault.ErrNotFound) {
		return &checkpoint.Checkpoint{
			ThreadID:        runID,
			Namespace:       c.opts.Namespace,
			ChannelValues:   map[string]json.RawMessage{},
			ChannelVersions: map[string]int64{},
			VersionsSeen:    map[string]map[string]int64{},
		}, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return cp, cp.ID, nil
}

// replayPending re-applies the intents of the last durable checkpoint.
// Plain sends republish (receivers dedupe on send ID); a gated action
// resumes against its original approval request. Returns done=true
// when the run should not continue stepping (suspend or failure).
func (c *Coordinator) replayPending(ctx context.Context, runID string, state *checkpoint.Checkpoint, lastID string) (string, *Outcome, bool, error) {
	for _, send := range state.PendingSends {
		if send.Channel != actionChannel {
			if err := c.publish(ctx, runID, send); err != nil {
				outcome, err := c.fail(ctx, runID, 0, lastID, err)
				return lastID, outcome, true, err
			}
			continue
		}

		var env actionEnvelope
		if err := json.Unmarshal(send.Payload, &env); err != nil {
			outcome, err := c.fail(ctx, runID, 0, lastID, fmt.Errorf("decode action intent: %w", err))
			return lastID, outcome, true, err
		}
		proceed, newLast, outcome, err := c.runAction(ctx, runID, 0, lastID, state, &env)
		lastID = newLast
		if !proceed {
			return lastID, outcome, true, err
		}
	}
	return lastID, nil, false, nil
}

// runAction drives a recorded action intent through the gate (when
// sensitive) and executes it. Returns proceed=false when the run ends
// here (suspended or failed); the returned checkpoint ID reflects any
// intent checkpoint written along the way.
func (c *Coordinator) runAction(ctx context.Context, runID string, stepN int, lastID string, state *checkpoint.Checkpoint, env *actionEnvelope) (bool, string, *Outcome, error) {
	action := env.Action

	if !action.Sensitive {
		proceed, outcome, err := c.applyAction(ctx, runID, stepN, lastID, action)
		return proceed, lastID, outcome, err
	}

	req, err := c.resolveRequest(ctx, runID, env)
	if err != nil {
		outcome, failErr := c.fail(ctx, runID, stepN, lastID, err)
		return false, lastID, outcome, failErr
	}

	// Checkpoint-before-effect applies to the request too: the intent
	// must carry the request ID before anyone blocks on the decision,
	// so a crash while waiting resumes against this request instead of
	// opening a second one.
	if env.ApprovalID != req.ID {
		env.ApprovalID = req.ID
		send, sendErr := env.toSend()
		if sendErr == nil {
			var newID string
			newID, sendErr = c.putWithRetry(ctx, checkpoint.PutRequest{
				ThreadID:        runID,
				Namespace:       c.opts.Namespace,
				ParentID:        lastID,
				ChannelValues:   state.ChannelValues,
				ChannelVersions: state.ChannelVersions,
				VersionsSeen:    state.VersionsSeen,
				PendingSends:    []checkpoint.PendingSend{send},
			})
			if sendErr == nil {
				lastID = newID
			}
		}
		if sendErr != nil {
			outcome, failErr := c.fail(ctx, runID, stepN, lastID, sendErr)
			return false, lastID, outcome, failErr
		}
	}

	decided, err := c.gate.AwaitDecision(ctx, req.ID, c.opts.PollInterval, c.opts.DecisionTimeout)
	if errors.Is(err, fault.ErrTimedOut) {
		// The intent is already durable with its request ID; suspend
		// and let resumption poll the same request.
		_ = c.runs.UpdateRunStatus(ctx, runID, store.RunSuspended, nil, "")
		c.log(ctx, runID, activity.StepDecision,
			fmt.Sprintf("suspended awaiting approval %s for action %q", req.ID, action.Name))
		return false, lastID, &Outcome{RunID: runID, Status: store.RunSuspended, Steps: stepN, LastCheckpointID: lastID}, nil
	}
	if err != nil {
		outcome, failErr := c.fail(ctx, runID, stepN, lastID, err)
		return false, lastID, outcome, failErr
	}

	switch decided.Status {
	case approval.StatusApproved:
		c.log(ctx, runID, activity.StepDecision,
			fmt.Sprintf("action %q approved by %s", action.Name, decided.ReviewedBy))
		proceed, outcome, err := c.applyAction(ctx, runID, stepN, lastID, action)
		return proceed, lastID, outcome, err
	case approval.StatusRejected:
		c.log(ctx, runID, activity.StepDecision,
			fmt.Sprintf("action %q rejected by %s: %s", action.Name, decided.ReviewedBy, decided.ReviewNotes))
		return true, lastID, nil, nil
	default: // expired
		c.log(ctx, runID, activity.StepError,
			fmt.Sprintf("approval for action %q expired unreviewed", action.Name))
		return true, lastID, nil, nil
	}
}

// resolveRequest returns the action's approval request, creating one
// only when the intent does not already carry a request ID.
func (c *Coordinator) resolveRequest(ctx context.Context, runID string, env *actionEnvelope) (*approval.Request, error) {
	if env.ApprovalID != "" {
		return c.gate.Get(ctx, env.ApprovalID)
	}
	return c.gate.Request(ctx, approval.RequestInput{
		RunID:       runID,
		RequestedBy: c.opts.AgentID,
		Reason:      env.Action.Reason,
		Context:     map[string]any{"action": env.Action.Name},
		ProposedAction: map[string]any{
			"name":    env.Action.Name,
			"payload": json.RawMessage(env.Action.Payload),
		},
		TTL: c.opts.ApprovalTTL,
	})
}

// applyAction executes the action and records the observation.
func (c *Coordinator) applyAction(ctx context.Context, runID string, stepN int, lastID string, action Action) (bool, *Outcome, error) {
	if c.execute == nil {
		c.log(ctx, runID, activity.StepError,
			fmt.Sprintf("no executor configured for action %q", action.Name))
		return true, nil, nil
	}
	result, err := c.execute(ctx, action)
	if err != nil {
		c.log(ctx, runID, activity.StepError,
			fmt.Sprintf("action %q failed: %v", action.Name, err))
		outcome, failErr := c.fail(ctx, runID, stepN, lastID, err)
		return false, outcome, failErr
	}
	c.logWithTool(ctx, runID, activity.StepAction,
		fmt.Sprintf("executed action %q", action.Name), action.Name, action.Payload, result)
	return true, nil, nil
}

// consultMemory embeds the working context and folds retrieved
// memories, weighted by similarity times importance, into the step
// input, strongest first.
func (c *Coordinator) consultMemory(ctx context.Context, values map[string]json.RawMessage) ([]WeightedMemory, error) {
	if c.memories == nil || c.embedder == nil || len(values) == 0 {
		return nil, nil
	}
	vectors, err := c.embedder.Embed(ctx, []string{contextText(values)})
	if err != nil {
		return nil, fmt.Errorf("embed working context: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}
	hits, err := c.memories.Retrieve(ctx, memory.RetrieveRequest{
		Query:     vectors[0],
		Threshold: c.opts.MemoryThreshold,
		Limit:     c.opts.MemoryLimit,
		AgentID:   c.opts.AgentID,
	})
	if err != nil {
		return nil, err
	}

	weighted := make([]WeightedMemory, len(hits))
	for i, h := range hits {
		weighted[i] = WeightedMemory{
			Memory:     h.Memory,
			Similarity: h.Similarity,
			Weight:     h.Similarity * h.Memory.Importance,
		}
	}
	sort.SliceStable(weighted, func(i, j int) bool {
		return weighted[i].Weight > weighted[j].Weight
	})
	return weighted, nil
}

// putWithRetry retries checkpoint appends on optimistic-concurrency
// conflicts, bounded.
func (c *Coordinator) putWithRetry(ctx context.Context, req checkpoint.PutRequest) (string, error) {
	var lastErr error
	for attempt := 0; attempt < putRetries; attempt++ {
		id, err := c.checkpoints.Put(ctx, req)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, fault.ErrConflict) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func (c *Coordinator) publish(ctx context.Context, runID string, send checkpoint.PendingSend) error {
	if c.publisher == nil {
		return nil
	}
	return c.publisher.Publish(ctx, runID, send)
}

func (c *Coordinator) fail(ctx context.Context, runID string, stepN int, lastID string, err error) (*Outcome, error) {
	_ = c.runs.UpdateRunStatus(ctx, runID, store.RunFailed, nil, err.Error())
	c.logger.Warn("run failed", zap.String("run", runID), zap.Int("step", stepN), zap.Error(err))
	return &Outcome{RunID: runID, Status: store.RunFailed, Steps: stepN, LastCheckpointID: lastID}, err
}

func (c *Coordinator) log(ctx context.Context, runID string, stepType activity.StepType, content string) {
	_, err := c.audit.Append(ctx, activity.Entry{
		RunID:    runID,
		StepType: stepType,
		Content:  content,
		AgentID:  c.opts.AgentID,
	})
	if err != nil {
		c.logger.Warn("failed to append activity entry", zap.String("run", runID), zap.Error(err))
	}
}

func (c *Coordinator) logWithTool(ctx context.Context, runID string, stepType activity.StepType, content, tool string, input, output json.RawMessage) {
	_, err := c.audit.Append(ctx, activity.Entry{
		RunID:      runID,
		StepType:   stepType,
		Content:    content,
		AgentID:    c.opts.AgentID,
		ToolName:   tool,
		ToolInput:  input,
		ToolOutput: output,
	})
	if err != nil {
		c.logger.Warn("failed to append activity entry", zap.String("run", runID), zap.Error(err))
	}
}

func (e *actionEnvelope) toSend() (checkpoint.PendingSend, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return checkpoint.PendingSend{}, fmt.Errorf("encode action intent: %w", err)
	}
	return checkpoint.PendingSend{
		ID:      uuid.New().String(),
		Channel: actionChannel,
		Payload: payload,
	}, nil
}

// advance produces the next checkpoint state: updated channels get
// their versions bumped, and the consumer records the versions it
// observed going in. Maps are snapshotted, never shared, so branch
// checkpoints cannot corrupt each other's view.
func advance(state *checkpoint.Checkpoint, res *StepResult) *checkpoint.Checkpoint {
	next := &checkpoint.Checkpoint{
		ThreadID:        state.ThreadID,
		Namespace:       state.Namespace,
		ChannelValues:   cloneValues(state.ChannelValues),
		ChannelVersions: cloneVersions(state.ChannelVersions),
		VersionsSeen:    cloneSeen(state.VersionsSeen),
		PendingSends:    append([]checkpoint.PendingSend{}, res.Sends...),
	}

	if res.Consumer != "" {
		observed := cloneVersions(state.ChannelVersions)
		next.VersionsSeen[res.Consumer] = observed
	}
	for ch, val := range res.Updates {
		next.ChannelValues[ch] = val
		next.ChannelVersions[ch] = state.ChannelVersions[ch] + 1
	}
	return next
}

func resultSummary(state *checkpoint.Checkpoint) map[string]any {
	summary := make(map[string]any, len(state.ChannelValues))
	for ch, val := range state.ChannelValues {
		summary[ch] = json.RawMessage(val)
	}
	return summary
}

func cloneValues(m map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneVersions(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSeen(m map[string]map[string]int64) map[string]map[string]int64 {
	out := make(map[string]map[string]int64, len(m))
	for k, v := range m {
		out[k] = cloneVersions(v)
	}
	return out
}
