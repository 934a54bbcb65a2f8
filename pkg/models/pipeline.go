// Package models defines the records the orchestrator persists: pipelines,
// connections and the checkpoints captured at the full-load/CDC boundary.
package models

import (
	"fmt"
	"strings"
	"time"
)

// PipelineMode selects which phases a pipeline runs.
type PipelineMode string

const (
	ModeFullLoadOnly   PipelineMode = "FULL_LOAD_ONLY"
	ModeCDCOnly        PipelineMode = "CDC_ONLY"
	ModeFullLoadAndCDC PipelineMode = "FULL_LOAD_AND_CDC"
)

// IncludesFullLoad reports whether the mode runs a bulk copy.
func (m PipelineMode) IncludesFullLoad() bool {
	return m == ModeFullLoadOnly || m == ModeFullLoadAndCDC
}

// IncludesCDC reports whether the mode runs connectors.
func (m PipelineMode) IncludesCDC() bool {
	return m == ModeCDCOnly || m == ModeFullLoadAndCDC
}

// Valid reports whether m is one of the known modes.
func (m PipelineMode) Valid() bool {
	switch m {
	case ModeFullLoadOnly, ModeCDCOnly, ModeFullLoadAndCDC:
		return true
	}
	return false
}

// PipelineStatus is the externally visible lifecycle state.
type PipelineStatus string

const (
	StatusDraft    PipelineStatus = "DRAFT"
	StatusStarting PipelineStatus = "STARTING"
	StatusRunning  PipelineStatus = "RUNNING"
	StatusStopped  PipelineStatus = "STOPPED"
	StatusFailed   PipelineStatus = "FAILED"
)

// FullLoadStatus tracks the bulk-copy phase.
type FullLoadStatus string

const (
	FullLoadNotStarted FullLoadStatus = "NOT_STARTED"
	FullLoadInProgress FullLoadStatus = "IN_PROGRESS"
	FullLoadCompleted  FullLoadStatus = "COMPLETED"
	FullLoadFailed     FullLoadStatus = "FAILED"
)

// CDCStatus tracks the streaming phase.
type CDCStatus string

const (
	CDCNotStarted CDCStatus = "NOT_STARTED"
	CDCStarting   CDCStatus = "STARTING"
	CDCRunning    CDCStatus = "RUNNING"
	CDCPaused     CDCStatus = "PAUSED"
	CDCFailed     CDCStatus = "FAILED"
)

// Pipeline moves data from one source connection to one target connection.
// Only the orchestrator writes the status fields.
type Pipeline struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Mode               PipelineMode   `json:"mode"`
	SourceConnectionID string         `json:"source_connection_id"`
	TargetConnectionID string         `json:"target_connection_id"`
	Tables             []string       `json:"tables"`
	Status             PipelineStatus `json:"status"`
	FullLoadStatus     FullLoadStatus `json:"full_load_status"`
	CDCStatus          CDCStatus      `json:"cdc_status"`
	Checkpoint         *Checkpoint    `json:"checkpoint,omitempty"`
	// FullLoadNotNeeded is set when the executor reported that no copy was
	// required, so CDC may start without a checkpoint.
	FullLoadNotNeeded   bool      `json:"full_load_not_needed"`
	SourceConnectorName string    `json:"source_connector_name,omitempty"`
	SinkConnectorName   string    `json:"sink_connector_name,omitempty"`
	FailedStep          string    `json:"failed_step,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// NewPipeline returns a DRAFT pipeline with all phase statuses reset.
func NewPipeline(id, name string, mode PipelineMode, sourceID, targetID string, tables []string) *Pipeline {
	now := time.Now().UTC()
	return &Pipeline{
		ID:                 id,
		Name:               name,
		Mode:               mode,
		SourceConnectionID: sourceID,
		TargetConnectionID: targetID,
		Tables:             append([]string(nil), tables...),
		Status:             StatusDraft,
		FullLoadStatus:     FullLoadNotStarted,
		CDCStatus:          CDCNotStarted,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Validate checks the user-supplied fields.
func (p *Pipeline) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if !p.Mode.Valid() {
		return fmt.Errorf("unknown pipeline mode %q", p.Mode)
	}
	if p.SourceConnectionID == "" || p.TargetConnectionID == "" {
		return fmt.Errorf("source and target connections are required")
	}
	if len(p.Tables) == 0 {
		return fmt.Errorf("at least one table is required")
	}
	seen := make(map[string]struct{}, len(p.Tables))
	for _, t := range p.Tables {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("table names must not be empty")
		}
		if _, dup := seen[t]; dup {
			return fmt.Errorf("duplicate table %q", t)
		}
		seen[t] = struct{}{}
	}
	return nil
}

// CanStartCDC reports whether cdc_status may move to STARTING or RUNNING.
func (p *Pipeline) CanStartCDC() bool {
	if !p.Mode.IncludesCDC() {
		return false
	}
	return p.Mode == ModeCDCOnly || p.FullLoadStatus == FullLoadCompleted
}

// Startable reports whether start is allowed from the current status.
func (p *Pipeline) Startable() bool {
	return p.Status == StatusDraft || p.Status == StatusStopped
}

// Active reports whether connectors may be running for this pipeline.
func (p *Pipeline) Active() bool {
	return p.Status == StatusStarting || p.Status == StatusRunning
}

// Clone returns a deep copy safe to mutate.
func (p *Pipeline) Clone() *Pipeline {
	if p == nil {
		return nil
	}
	out := *p
	out.Tables = append([]string(nil), p.Tables...)
	if p.Checkpoint != nil {
		out.Checkpoint = p.Checkpoint.Clone()
	}
	return &out
}

// TableRef is a schema-qualified table name.
type TableRef struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

// String returns schema.table.
func (t TableRef) String() string {
	if t.Schema == "" {
		return t.Table
	}
	return t.Schema + "." + t.Table
}

// ParseTable splits "schema.table"; bare names take defaultSchema.
func ParseTable(raw, defaultSchema string) (TableRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return TableRef{}, fmt.Errorf("table name is empty")
	}
	parts := strings.Split(raw, ".")
	switch len(parts) {
	case 1:
		return TableRef{Schema: defaultSchema, Table: parts[0]}, nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return TableRef{}, fmt.Errorf("invalid table name %q", raw)
		}
		return TableRef{Schema: parts[0], Table: parts[1]}, nil
	default:
		return TableRef{}, fmt.Errorf("invalid table name %q (expected schema.table)", raw)
	}
}

// ParseTables resolves every pipeline table against defaultSchema, keeping order.
func ParseTables(raw []string, defaultSchema string) ([]TableRef, error) {
	out := make([]TableRef, 0, len(raw))
	for _, r := range raw {
		ref, err := ParseTable(r, defaultSchema)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}
