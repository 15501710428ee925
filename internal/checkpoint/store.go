// Package checkpoint persists the versioned, branchable execution
// history of graph runs. Nodes are append-only: a new super-step is a
// new tree leaf, never an in-place update, so the last durable
// checkpoint is always consistent after a crash.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nidhogg/cortex/internal/fault"
	"github.com/nidhogg/cortex/internal/store"
)

// ErrInvalidParent marks a Put whose parent does not exist or belongs
// to a different (thread, namespace) partition.
var ErrInvalidParent = fmt.Errorf("invalid parent checkpoint: %w", fault.ErrValidation)

// Store provides the checkpoint tree on PostgreSQL.
type Store struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates a checkpoint store on the shared connection pool.
func NewStore(base *store.Store, logger *zap.Logger) *Store {
	return &Store{db: base.Pool(), logger: logger}
}

const checkpointColumns = `id, thread_id, namespace, COALESCE(parent_id::text, ''),
       channel_values, channel_versions, versions_seen, pending_sends, created_at`

// Put creates a new immutable checkpoint node and returns its ID.
// The parent, when supplied, must exist in the same partition.
func (s *Store) Put(ctx context.Context, req PutRequest) (string, error) {
	if req.ThreadID == "" {
		return "", fmt.Errorf("%w: thread id is empty", fault.ErrValidation)
	}

	if req.ParentID != "" {
		var thread, ns string
		err := s.db.QueryRow(ctx,
			`SELECT thread_id, namespace FROM graph_checkpoints WHERE id = $1`,
			req.ParentID,
		).Scan(&thread, &ns)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: %s does not exist", ErrInvalidParent, req.ParentID)
		}
		if err != nil {
			return "", fmt.Errorf("lookup parent %s: %w", req.ParentID, err)
		}
		if thread != req.ThreadID || ns != req.Namespace {
			return "", fmt.Errorf("%w: %s belongs to partition (%s, %s)",
				ErrInvalidParent, req.ParentID, thread, ns)
		}
	}

	values, err := json.Marshal(orEmptyValues(req.ChannelValues))
	if err != nil {
		return "", fmt.Errorf("marshal channel values: %w", err)
	}
	versions, err := json.Marshal(orEmptyVersions(req.ChannelVersions))
	if err != nil {
		return "", fmt.Errorf("marshal channel versions: %w", err)
	}
	seen, err := json.Marshal(orEmptySeen(req.VersionsSeen))
	if err != nil {
		return "", fmt.Errorf("marshal versions seen: %w", err)
	}
	sends, err := json.Marshal(orEmptySends(req.PendingSends))
	if err != nil {
		return "", fmt.Errorf("marshal pending sends: %w", err)
	}

	id := uuid.New().String()
	err = store.WithRetry(ctx, func() error {
		_, execErr := s.db.Exec(ctx, `
			INSERT INTO graph_checkpoints
				(id, thread_id, namespace, parent_id, channel_values, channel_versions, versions_seen, pending_sends)
			VALUES ($1, $2, $3, NULLIF($4, '')::uuid, $5, $6, $7, $8)`,
			id, req.ThreadID, req.Namespace, req.ParentID, values, versions, seen, sends,
		)
		return execErr
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", fmt.Errorf("%w: checkpoint append collided, retry with fresh state", fault.ErrConflict)
		}
		return "", fmt.Errorf("put checkpoint: %w", err)
	}

	s.logger.Debug("checkpoint saved",
		zap.String("id", id),
		zap.String("thread", req.ThreadID),
		zap.String("namespace", req.Namespace))
	return id, nil
}

// GetLatest returns the most recently created checkpoint of a
// partition, or fault.ErrNotFound when the partition has no history.
func (s *Store) GetLatest(ctx context.Context, threadID, namespace string) (*Checkpoint, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+checkpointColumns+`
		FROM graph_checkpoints
		WHERE thread_id = $1 AND namespace = $2
		ORDER BY seq DESC LIMIT 1`, threadID, namespace)

	cp, err := scanCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no checkpoints for thread %s", fault.ErrNotFound, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("get latest checkpoint: %w", err)
	}
	return cp, nil
}

// GetByID returns a checkpoint by its identifier.
func (s *Store) GetByID(ctx context.Context, id string) (*Checkpoint, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+checkpointColumns+`
		FROM graph_checkpoints WHERE id = $1`, id)

	cp, err := scanCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: checkpoint %s", fault.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s: %w", id, err)
	}
	return cp, nil
}

// ListAncestors walks from the partition root to the given checkpoint.
// A parent reference that loops or dangles yields fault.ErrCorruptHistory
// instead of hanging.
func (s *Store) ListAncestors(ctx context.Context, id string) ([]*Checkpoint, error) {
	seen := make(map[string]bool)
	var chain []*Checkpoint

	current := id
	for current != "" {
		if seen[current] {
			return nil, fmt.Errorf("%w: cycle through checkpoint %s", fault.ErrCorruptHistory, current)
		}
		seen[current] = true

		cp, err := s.GetByID(ctx, current)
		if errors.Is(err, fault.ErrNotFound) {
			if current == id {
				return nil, err
			}
			return nil, fmt.Errorf("%w: dangling parent %s", fault.ErrCorruptHistory, current)
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, cp)
		current = cp.ParentID
	}

	// Walked leaf-to-root; callers want root-to-leaf.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// ListChildren returns the direct children of a checkpoint in creation
// order, for branch inspection.
func (s *Store) ListChildren(ctx context.Context, id string) ([]*Checkpoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+checkpointColumns+`
		FROM graph_checkpoints WHERE parent_id = $1
		ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", id, err)
	}
	defer rows.Close()

	var children []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child checkpoint: %w", err)
		}
		children = append(children, cp)
	}
	return children, rows.Err()
}

// ListByThread returns a partition's checkpoints newest-first, capped
// at limit. Used for history inspection and replay tooling.
func (s *Store) ListByThread(ctx context.Context, threadID, namespace string, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+checkpointColumns+`
		FROM graph_checkpoints
		WHERE thread_id = $1 AND namespace = $2
		ORDER BY seq DESC LIMIT $3`, threadID, namespace, limit)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

func scanCheckpoint(row pgx.Row) (*Checkpoint, error) {
	var cp Checkpoint
	var values, versions, seen, sends []byte
	var createdAt time.Time

	err := row.Scan(&cp.ID, &cp.ThreadID, &cp.Namespace, &cp.ParentID,
		&values, &versions, &seen, &sends, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(values, &cp.ChannelValues); err != nil {
		return nil, fmt.Errorf("unmarshal channel values: %w", err)
	}
	if err := json.Unmarshal(versions, &cp.ChannelVersions); err != nil {
		return nil, fmt.Errorf("unmarshal channel versions: %w", err)
	}
	if err := json.Unmarshal(seen, &cp.VersionsSeen); err != nil {
		return nil, fmt.Errorf("unmarshal versions seen: %w", err)
	}
	if err := json.Unmarshal(sends, &cp.PendingSends); err != nil {
		return nil, fmt.Errorf("unmarshal pending sends: %w", err)
	}
	cp.CreatedAt = createdAt
	return &cp, nil
}

func orEmptyValues(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return map[string]json.RawMessage{}
	}
	return m
}

func orEmptyVersions(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}

func orEmptySeen(m map[string]map[string]int64) map[string]map[string]int64 {
	if m == nil {
		return map[string]map[string]int64{}
	}
	return m
}

func orEmptySends(s []PendingSend) []PendingSend {
	if s == nil {
		return []PendingSend{}
	}
	return s
}
