package checkpoint

import (
	"encoding/json"
	"time"
)

// Checkpoint is one immutable snapshot of graph execution state within
// a (thread, namespace) partition. Checkpoints form a tree: a nil
// parent marks the partition root, and branch points have multiple
// children.
type Checkpoint struct {
	ID        string `json:"id"`
	ThreadID  string `json:"thread_id"`
	Namespace string `json:"namespace"`
	// ParentID is empty for the partition root.
	ParentID string `json:"parent_id,omitempty"`

	// ChannelValues holds the latest value per named channel.
	ChannelValues map[string]json.RawMessage `json:"channel_values"`
	// ChannelVersions tracks the monotonically increasing version of
	// each channel, bumped whenever the channel's value changes.
	ChannelVersions map[string]int64 `json:"channel_versions"`
	// VersionsSeen records, per consumer, the channel versions it has
	// already observed. A consumer re-runs only when a channel it
	// depends on is newer than its own entry here.
	VersionsSeen map[string]map[string]int64 `json:"versions_seen"`
	// PendingSends are messages scheduled but not yet applied, carried
	// forward so a crash between decide-and-apply loses nothing.
	PendingSends []PendingSend `json:"pending_sends"`

	CreatedAt time.Time `json:"created_at"`
}

// PendingSend is a queued message awaiting delivery. ID is the
// delivery identity: receivers deduplicate on it, which makes
// at-least-once replay after a crash safe.
type PendingSend struct {
	ID      string          `json:"id"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// PutRequest carries the state for a new checkpoint node.
type PutRequest struct {
	ThreadID        string
	Namespace       string
	ParentID        string
	ChannelValues   map[string]json.RawMessage
	ChannelVersions map[string]int64
	VersionsSeen    map[string]map[string]int64
	PendingSends    []PendingSend
}
