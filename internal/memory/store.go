// Package memory implements the importance-weighted associative memory
// store. Rows and embeddings live in PostgreSQL; an ANN index (Qdrant)
// narrows retrieval candidates, which are then re-ranked with exact
// cosine similarity so ordering is deterministic.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nidhogg/cortex/internal/fault"
	"github.com/nidhogg/cortex/internal/store"
	"github.com/nidhogg/cortex/internal/vectorstore"
)

// DefaultImportance is applied when a caller does not score a memory.
const DefaultImportance = 0.5

// DefaultThreshold is the retrieval similarity cutoff when unset.
const DefaultThreshold = 0.7

// DefaultLimit caps retrieval results when unset.
const DefaultLimit = 5

// overfetch widens the ANN candidate pool so exact re-ranking has
// room to reorder near-threshold hits.
const overfetch = 4

// Index is the approximate-nearest-neighbor index the store writes
// through to. Satisfied by vectorstore.Client.
type Index interface {
	EnsureCollection(ctx context.Context, name string, dimension uint64) error
	Upsert(ctx context.Context, collection, id string, vector []float32, payload map[string]string) error
	Search(ctx context.Context, collection string, q vectorstore.SearchQuery) ([]*vectorstore.SearchResult, error)
}

// Store is the similarity-ranked memory store.
type Store struct {
	db         *pgxpool.Pool
	index      Index
	collection string
	dimension  int
	logger     *zap.Logger
}

// NewStore creates a memory store over the shared pool and ANN index.
func NewStore(base *store.Store, index Index, collection string, dimension int, logger *zap.Logger) *Store {
	return &Store{
		db:         base.Pool(),
		index:      index,
		collection: collection,
		dimension:  dimension,
		logger:     logger,
	}
}

// Init ensures the ANN collection exists with the configured dimension.
func (s *Store) Init(ctx context.Context) error {
	return s.index.EnsureCollection(ctx, s.collection, uint64(s.dimension))
}

// StoreRequest carries a new memory. A nil Importance takes
// DefaultImportance.
type StoreRequest struct {
	Content    string
	Embedding  []float32
	Type       Type
	Importance *float64
	AgentID    string
	Metadata   map[string]any
}

// Store persists a memory row and indexes its embedding, returning the
// new memory ID.
func (s *Store) Store(ctx context.Context, req StoreRequest) (string, error) {
	if len(req.Embedding) != s.dimension {
		return "", fmt.Errorf("%w: embedding dimension %d, index expects %d",
			fault.ErrValidation, len(req.Embedding), s.dimension)
	}
	if !req.Type.Valid() {
		return "", fmt.Errorf("%w: unknown memory type %q", fault.ErrValidation, req.Type)
	}
	importance := DefaultImportance
	if req.Importance != nil {
		importance = *req.Importance
	}
	if importance < 0 || importance > 1 {
		return "", fmt.Errorf("%w: importance %v outside [0,1]", fault.ErrValidation, importance)
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	id := uuid.New().String()
	err := store.WithRetry(ctx, func() error {
		_, execErr := s.db.Exec(ctx, `
			INSERT INTO memories (id, agent_id, content, embedding, memory_type, importance, metadata)
			VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)`,
			id, req.AgentID, req.Content, req.Embedding, string(req.Type), importance, metadata,
		)
		return execErr
	})
	if err != nil {
		return "", fmt.Errorf("store memory: %w", err)
	}

	payload := map[string]string{"memory_type": string(req.Type)}
	if req.AgentID != "" {
		payload["agent_id"] = req.AgentID
	}
	if err := s.index.Upsert(ctx, s.collection, id, req.Embedding, payload); err != nil {
		return "", fmt.Errorf("index memory %s: %w", id, err)
	}

	s.logger.Debug("memory stored",
		zap.String("id", id),
		zap.String("type", string(req.Type)),
		zap.Float64("importance", importance))
	return id, nil
}

// RetrieveRequest narrows a retrieval. Zero Threshold and Limit take
// the defaults (0.7, 5).
type RetrieveRequest struct {
	Query     []float32
	Threshold float64
	Limit     int
	AgentID   string
}

// Retrieve returns memories with cosine similarity strictly greater
// than the threshold, ordered by descending similarity with insertion
// order breaking ties. Each returned memory's access_count is
// incremented atomically and last_accessed set to the retrieval time;
// concurrent retrievals never lose increments.
func (s *Store) Retrieve(ctx context.Context, req RetrieveRequest) ([]Retrieved, error) {
	if len(req.Query) != s.dimension {
		return nil, fmt.Errorf("%w: query dimension %d, index expects %d",
			fault.ErrValidation, len(req.Query), s.dimension)
	}
	threshold := req.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	query := vectorstore.SearchQuery{
		Vector:   req.Query,
		TopK:     uint64(limit * overfetch),
		MinScore: float32(threshold),
	}
	if req.AgentID != "" {
		query.PayloadEq = map[string]string{"agent_id": req.AgentID}
	}
	hits, err := s.index.Search(ctx, s.collection, query)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}

	candidates, err := s.loadCandidates(ctx, ids)
	if err != nil {
		return nil, err
	}

	// Exact re-rank: the ANN score is approximate; the contract is on
	// true cosine similarity, strictly above the threshold.
	kept := candidates[:0]
	for _, c := range candidates {
		c.similarity = cosineSimilarity(req.Query, c.memory.Embedding)
		if c.similarity > threshold {
			kept = append(kept, c)
		}
	}
	sortRanked(kept)
	if len(kept) > limit {
		kept = kept[:limit]
	}
	if len(kept) == 0 {
		return nil, nil
	}

	if err := s.touch(ctx, kept); err != nil {
		return nil, err
	}

	out := make([]Retrieved, len(kept))
	for i, c := range kept {
		out[i] = Retrieved{Memory: c.memory, Similarity: c.similarity}
	}
	return out, nil
}

// loadCandidates hydrates memory rows for the given IDs.
func (s *Store) loadCandidates(ctx context.Context, ids []string) ([]ranked, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, COALESCE(agent_id, ''), content, embedding, memory_type,
		       importance, access_count, last_accessed, metadata, seq, created_at
		FROM memories WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}
	defer rows.Close()

	var candidates []ranked
	for rows.Next() {
		var m Memory
		var seq int64
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Content, &m.Embedding, &m.Type,
			&m.Importance, &m.AccessCount, &m.LastAccessed, &m.Metadata, &seq, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		candidates = append(candidates, ranked{memory: &m, seq: seq})
	}
	return candidates, rows.Err()
}

// touch applies the retrieval side effect: a per-row atomic increment,
// never read-modify-write, so concurrent retrievals cannot lose counts.
func (s *Store) touch(ctx context.Context, kept []ranked) error {
	ids := make([]string, len(kept))
	byID := make(map[string]*Memory, len(kept))
	for i, c := range kept {
		ids[i] = c.memory.ID
		byID[c.memory.ID] = c.memory
	}

	rows, err := s.db.Query(ctx, `
		UPDATE memories
		SET access_count = access_count + 1, last_accessed = NOW()
		WHERE id = ANY($1)
		RETURNING id, access_count, last_accessed`, ids)
	if err != nil {
		return fmt.Errorf("touch memories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var count int64
		var at time.Time
		if err := rows.Scan(&id, &count, &at); err != nil {
			return fmt.Errorf("scan touch result: %w", err)
		}
		if m := byID[id]; m != nil {
			m.AccessCount = count
			m.LastAccessed = &at
		}
	}
	return rows.Err()
}

// Reinforce revises a memory's importance, clamped to [0,1]. The
// consolidation process uses this to promote frequently retrieved
// memories.
func (s *Store) Reinforce(ctx context.Context, id string, newImportance float64) error {
	if newImportance < 0 {
		newImportance = 0
	} else if newImportance > 1 {
		newImportance = 1
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE memories SET importance = $2 WHERE id = $1`, id, newImportance)
	if err != nil {
		return fmt.Errorf("reinforce memory %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: memory %s", fault.ErrNotFound, id)
	}
	return nil
}

// Get returns a single memory row without touching access bookkeeping.
func (s *Store) Get(ctx context.Context, id string) (*Memory, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, COALESCE(agent_id, ''), content, embedding, memory_type,
		       importance, access_count, last_accessed, metadata, created_at
		FROM memories WHERE id = $1`, id)

	var m Memory
	err := row.Scan(&m.ID, &m.AgentID, &m.Content, &m.Embedding, &m.Type,
		&m.Importance, &m.AccessCount, &m.LastAccessed, &m.Metadata, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: memory %s", fault.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	return &m, nil
}
