package runtime

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/nidhogg/cortex/internal/checkpoint"
	"github.com/nidhogg/cortex/internal/memory"
)

// StepInput is what a step function sees at the start of a super-step:
// the working state from the latest checkpoint plus the memories
// relevant to it.
type StepInput struct {
	Step            int
	ChannelValues   map[string]json.RawMessage
	ChannelVersions map[string]int64
	VersionsSeen    map[string]map[string]int64
	Memories        []WeightedMemory
}

// WeightedMemory folds retrieval similarity and stored importance into
// a single ranking weight for decision input.
type WeightedMemory struct {
	Memory     *memory.Memory
	Similarity float64
	Weight     float64
}

// Action is a side effect a step wants performed. Sensitive actions
// are held at the approval gate before execution.
type Action struct {
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Sensitive bool            `json:"sensitive"`
	Reason    string          `json:"reason,omitempty"`
}

// StepResult is what a step function produced: channel updates, queued
// sends, an optional action, and whether the run is finished.
type StepResult struct {
	// Consumer identifies the node for versions-seen bookkeeping.
	Consumer string
	Updates  map[string]json.RawMessage
	Sends    []checkpoint.PendingSend
	Action   *Action
	Done     bool
}

// StepFunc computes one super-step. The coordinator calls it
// sequentially; implementations must not retain the input maps.
type StepFunc func(ctx context.Context, in StepInput) (*StepResult, error)

// StaleChannels returns the channels whose version exceeds what the
// consumer has recorded in versions-seen, i.e. the inputs that require
// it to re-run. An empty result means the consumer is up to date.
func StaleChannels(cp *checkpoint.Checkpoint, consumer string) []string {
	seen := cp.VersionsSeen[consumer]
	var stale []string
	for ch, v := range cp.ChannelVersions {
		if seen == nil || v > seen[ch] {
			stale = append(stale, ch)
		}
	}
	sort.Strings(stale)
	return stale
}

// contextText flattens channel values into a stable text rendering for
// embedding. Channel order is sorted so identical state always embeds
// identically.
func contextText(values map[string]json.RawMessage) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []byte
	for _, k := range keys {
		out = append(out, k...)
		out = append(out, ':', ' ')
		out = append(out, values[k]...)
		out = append(out, '\n')
	}
	return string(out)
}
