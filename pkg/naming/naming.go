// Package naming is the only place stream and connector identifiers are
// derived. A pipeline's names are resolved once, cached, and the same
// Resolution is threaded into both the source and the sink documents.
package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/ajitpratap0/relay/pkg/config"
	"github.com/ajitpratap0/relay/pkg/errors"
	"github.com/ajitpratap0/relay/pkg/models"
)

const (
	// DefaultPlaceholder replaces characters outside the allowed set.
	DefaultPlaceholder = '_'
	// DefaultMaxLength is the longest stream name the log accepts.
	DefaultMaxLength = 249

	shortIDLength = 8
)

// CaseRule is the identifier folding a source dialect applies.
type CaseRule int

const (
	// CasePreserve leaves identifiers as written.
	CasePreserve CaseRule = iota
	// CaseLower folds identifiers to lower case.
	CaseLower
	// CaseUpper folds identifiers to upper case.
	CaseUpper
)

func (r CaseRule) String() string {
	switch r {
	case CaseLower:
		return "lower"
	case CaseUpper:
		return "upper"
	default:
		return "preserve"
	}
}

// Apply folds s according to the rule.
func (r CaseRule) Apply(s string) string {
	switch r {
	case CaseLower:
		return strings.ToLower(s)
	case CaseUpper:
		return strings.ToUpper(s)
	default:
		return s
	}
}

// Allowed reports whether c may appear in a stream name unchanged.
func Allowed(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.', c == '_', c == '-':
		return true
	}
	return false
}

// Sanitize replaces every rune outside the allowed set with placeholder.
// Runs of placeholders are kept as they are; the output length in runes
// always equals the input length.
func Sanitize(raw string, placeholder rune) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, c := range raw {
		if Allowed(c) {
			b.WriteRune(c)
			continue
		}
		b.WriteRune(placeholder)
	}
	return b.String()
}

// ShortID is the pipeline-scoped fragment used in prefixes: the first eight
// characters of the ID with hyphens removed.
func ShortID(pipelineID string) string {
	id := strings.ReplaceAll(pipelineID, "-", "")
	if len(id) > shortIDLength {
		id = id[:shortIDLength]
	}
	return strings.ToLower(id)
}

// Stream binds a table to its canonical stream name.
type Stream struct {
	Table models.TableRef `json:"table"`
	Name  string          `json:"name"`
}

// Resolution is the complete set of identifiers for one pipeline.
type Resolution struct {
	Prefix          string   `json:"prefix"`
	Streams         []Stream `json:"streams"`
	SourceConnector string   `json:"source_connector"`
	SinkConnector   string   `json:"sink_connector"`
}

// Names returns the stream names in table order.
func (r *Resolution) Names() []string {
	names := make([]string, len(r.Streams))
	for i, s := range r.Streams {
		names[i] = s.Name
	}
	return names
}

// Tables returns the folded tables in order, as "schema.table".
func (r *Resolution) Tables() []string {
	tables := make([]string, len(r.Streams))
	for i, s := range r.Streams {
		tables[i] = s.Table.String()
	}
	return tables
}

// Request identifies what to resolve.
type Request struct {
	PipelineID string
	CaseRule   CaseRule
	Tables     []models.TableRef
}

func (r Request) fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d", r.PipelineID, r.CaseRule)
	for _, t := range r.Tables {
		fmt.Fprintf(h, "|%s\x00%s", t.Schema, t.Table)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Resolver computes and caches Resolutions.
type Resolver struct {
	prefix      string
	placeholder rune
	maxLength   int

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	fingerprint string
	resolution  *Resolution
}

// NewResolver validates the naming section and returns a Resolver.
func NewResolver(cfg config.NamingConfig) (*Resolver, error) {
	placeholder := DefaultPlaceholder
	if cfg.Placeholder != "" {
		r, size := utf8.DecodeRuneInString(cfg.Placeholder)
		if size != len(cfg.Placeholder) || !Allowed(r) {
			return nil, errors.ConfigurationError("naming.placeholder",
				fmt.Sprintf("%q is not an allowed stream name character", cfg.Placeholder))
		}
		placeholder = r
	}
	maxLength := cfg.MaxLength
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "relay"
	}
	return &Resolver{
		prefix:      prefix,
		placeholder: placeholder,
		maxLength:   maxLength,
		cache:       make(map[string]cacheEntry),
	}, nil
}

// Resolve returns the pipeline's names, computing them on first use. A later
// call with different tables or case rule replaces the cached entry.
func (r *Resolver) Resolve(req Request) (*Resolution, error) {
	if req.PipelineID == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "pipeline id is required to resolve names")
	}
	if len(req.Tables) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "at least one table is required to resolve names").
			WithDetail("pipeline_id", req.PipelineID)
	}

	fp := req.fingerprint()

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.cache[req.PipelineID]; ok && entry.fingerprint == fp {
		return entry.resolution, nil
	}

	res, err := r.compute(req)
	if err != nil {
		return nil, err
	}
	r.cache[req.PipelineID] = cacheEntry{fingerprint: fp, resolution: res}
	return res, nil
}

// Forget drops a pipeline's cached names.
func (r *Resolver) Forget(pipelineID string) {
	r.mu.Lock()
	delete(r.cache, pipelineID)
	r.mu.Unlock()
}

func (r *Resolver) compute(req Request) (*Resolution, error) {
	prefix := Sanitize(fmt.Sprintf("%s_%s", r.prefix, ShortID(req.PipelineID)), r.placeholder)

	res := &Resolution{
		Prefix:          prefix,
		Streams:         make([]Stream, 0, len(req.Tables)),
		SourceConnector: prefix + "-source",
		SinkConnector:   prefix + "-sink",
	}

	seen := make(map[string]string, len(req.Tables))
	for _, t := range req.Tables {
		folded := models.TableRef{
			Schema: req.CaseRule.Apply(t.Schema),
			Table:  req.CaseRule.Apply(t.Table),
		}
		raw := prefix + "." + folded.Table
		if folded.Schema != "" {
			raw = prefix + "." + folded.Schema + "." + folded.Table
		}
		name := Sanitize(raw, r.placeholder)

		if n := utf8.RuneCountInString(name); n > r.maxLength {
			return nil, errors.ConfigurationError("naming.max_length",
				fmt.Sprintf("stream name for %s is %d characters, limit is %d", t, n, r.maxLength))
		}
		if other, dup := seen[name]; dup {
			return nil, errors.ConfigurationError("tables",
				fmt.Sprintf("tables %s and %s resolve to the same stream %q", other, t, name))
		}
		seen[name] = t.String()
		res.Streams = append(res.Streams, Stream{Table: folded, Name: name})
	}
	return res, nil
}

// Equal reports whether two stream lists are byte-identical, in order.
func Equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
