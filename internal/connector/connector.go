// internal/connector/connector.go
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"work-items-sync/internal/database"
	custom_errors "work-items-sync/internal/errors"
	"work-items-sync/internal/model"
	"work-items-sync/internal/tags"
)

// Mapper turns one raw provider document into a mapped record. Every provider
// implements it; it is also what the batch reprocessor replays stored
// payloads through.
type Mapper interface {
	// IntegrationType is the lowercase integration_type this mapper serves (e.g. "jira").
	IntegrationType() string

	// MapRecord maps a raw document. A *custom_errors.MappingError means the
	// document is unusable and should be skipped.
	MapRecord(src *database.WorkItemsSource, payload json.RawMessage) (*model.Record, error)
}

// Page is one batch of raw documents fetched from a provider.
type Page struct {
	Payloads   []json.RawMessage
	NextCursor string
}

// Fetcher is implemented by providers that can pull documents themselves.
// An empty cursor starts a fetch; an empty NextCursor ends it.
type Fetcher interface {
	FetchBatch(ctx context.Context, src *database.WorkItemsSource, cursor string) (*Page, error)
}

// Registry dispatches on integration_type.
type Registry struct {
	mu      sync.RWMutex
	mappers map[string]Mapper
}

// NewRegistry creates a registry holding the given mappers.
func NewRegistry(mappers ...Mapper) *Registry {
	r := &Registry{mappers: make(map[string]Mapper)}
	for _, m := range mappers {
		r.Register(m)
	}
	return r
}

// Register adds or replaces the mapper for its integration type.
func (r *Registry) Register(m Mapper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappers[strings.ToLower(m.IntegrationType())] = m
}

// Mapper returns the mapper for an integration type.
func (r *Registry) Mapper(integrationType string) (Mapper, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappers[strings.ToLower(integrationType)]
	if !ok {
		return nil, &custom_errors.UnknownIntegrationError{IntegrationType: integrationType}
	}
	return m, nil
}

// Fetcher returns the fetcher for an integration type, if its provider has one.
func (r *Registry) Fetcher(integrationType string) (Fetcher, bool) {
	m, err := r.Mapper(integrationType)
	if err != nil {
		return nil, false
	}
	f, ok := m.(Fetcher)
	return f, ok
}

// List returns the registered integration types, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.mappers))
	for name := range r.mappers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SourceConfig is the decoded, provider-neutral part of a source's
// parameters and custom field metadata.
type SourceConfig struct {
	TagRules     []tags.Rule
	CustomFields []tags.CustomField
	BaseURL      string
	Owner        string
	Repo         string
	Project      string
}

type sourceParameters struct {
	TagRules []tags.Rule `json:"tag_rules"`
	BaseURL  string      `json:"base_url"`
	Owner    string      `json:"owner"`
	Repo     string      `json:"repo"`
	Project  string      `json:"project"`
}

// DecodeSourceConfig reads the parameters and custom_fields documents of a source.
func DecodeSourceConfig(src *database.WorkItemsSource) (*SourceConfig, error) {
	var params sourceParameters
	if len(src.Parameters) > 0 {
		if err := json.Unmarshal(src.Parameters, &params); err != nil {
			return nil, fmt.Errorf("decode parameters of source %s: %w", src.Key, err)
		}
	}
	var fields []tags.CustomField
	if len(src.CustomFields) > 0 {
		if err := json.Unmarshal(src.CustomFields, &fields); err != nil {
			return nil, fmt.Errorf("decode custom fields of source %s: %w", src.Key, err)
		}
	}
	return &SourceConfig{
		TagRules:     params.TagRules,
		CustomFields: fields,
		BaseURL:      strings.TrimRight(params.BaseURL, "/"),
		Owner:        params.Owner,
		Repo:         params.Repo,
		Project:      params.Project,
	}, nil
}
