package models

import "time"

// CheckpointKind names the dialect-specific position type.
type CheckpointKind string

const (
	CheckpointLSN         CheckpointKind = "lsn"
	CheckpointSCN         CheckpointKind = "scn"
	CheckpointBinlog      CheckpointKind = "binlog"
	CheckpointResumeToken CheckpointKind = "resume_token"
	CheckpointOffset      CheckpointKind = "offset"
)

// Checkpoint is the resumable position captured when a full load's snapshot
// became consistent. It belongs to exactly one full-load run.
type Checkpoint struct {
	ID            string            `json:"id"`
	PipelineID    string            `json:"pipeline_id"`
	RunID         string            `json:"run_id"`
	Kind          CheckpointKind    `json:"kind"`
	Position      string            `json:"position"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CapturedAt    time.Time         `json:"captured_at"`
	InvalidatedAt *time.Time        `json:"invalidated_at,omitempty"`
}

// Valid reports whether the checkpoint may seed a connector.
func (c *Checkpoint) Valid() bool {
	return c != nil && c.Position != "" && c.Kind != "" && c.InvalidatedAt == nil
}

// Clone returns a deep copy.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	if c.InvalidatedAt != nil {
		at := *c.InvalidatedAt
		out.InvalidatedAt = &at
	}
	return &out
}
