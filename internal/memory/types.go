package memory

import (
	"encoding/json"
	"time"
)

// Type classifies a memory. Classification only affects retrieval
// weighting by consumers, not storage shape.
type Type string

const (
	TypeEpisodic   Type = "episodic"
	TypeSemantic   Type = "semantic"
	TypeProcedural Type = "procedural"
	TypeWorking    Type = "working"
)

// Valid reports whether t is a known memory type.
func (t Type) Valid() bool {
	switch t {
	case TypeEpisodic, TypeSemantic, TypeProcedural, TypeWorking:
		return true
	}
	return false
}

// Memory is one long-term memory row. AgentID is a non-owning
// back-reference: memories survive agent deletion.
type Memory struct {
	ID           string          `json:"id"`
	AgentID      string          `json:"agent_id,omitempty"`
	Content      string          `json:"content"`
	Embedding    []float32       `json:"embedding,omitempty"`
	Type         Type            `json:"memory_type"`
	Importance   float64         `json:"importance"`
	AccessCount  int64           `json:"access_count"`
	LastAccessed *time.Time      `json:"last_accessed,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Retrieved pairs a memory with its similarity to the query embedding.
type Retrieved struct {
	Memory     *Memory `json:"memory"`
	Similarity float64 `json:"similarity"`
}
