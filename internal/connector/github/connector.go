// internal/connector/github/connector.go
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v62/github"

	"work-items-sync/internal/connector"
	"work-items-sync/internal/database"
	custom_errors "work-items-sync/internal/errors"
	"work-items-sync/internal/model"
	"work-items-sync/internal/tags"
)

// IntegrationType is the integration_type value served by this package.
const IntegrationType = "github"

// Connector fetches repository issues and maps them to records.
type Connector struct {
	client *Client
}

// NewConnector wraps a client. A nil client yields a mapper-only connector
// whose FetchBatch always fails.
func NewConnector(client *Client) *Connector {
	return &Connector{client: client}
}

func (c *Connector) IntegrationType() string { return IntegrationType }

// FetchBatch fetches one page of issues updated since the source was last
// synced. The cursor is the GitHub page number.
func (c *Connector) FetchBatch(ctx context.Context, src *database.WorkItemsSource, cursor string) (*connector.Page, error) {
	if c.client == nil {
		return nil, fmt.Errorf("github connector has no API client")
	}
	cfg, err := connector.DecodeSourceConfig(src)
	if err != nil {
		return nil, err
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("source %s: parameters must name owner and repo", src.Key)
	}

	page := 1
	if cursor != "" {
		if page, err = strconv.Atoi(cursor); err != nil {
			return nil, fmt.Errorf("invalid github cursor %q: %w", cursor, err)
		}
	}
	var since time.Time
	if src.LastSynced != nil {
		since = *src.LastSynced
	}

	issues, err := c.client.ListIssues(ctx, cfg.Owner, cfg.Repo, since, page)
	if err != nil {
		return nil, err
	}

	out := &connector.Page{}
	for _, issue := range issues.Issues {
		raw, err := json.Marshal(issue)
		if err != nil {
			return nil, fmt.Errorf("encode issue %d: %w", issue.GetNumber(), err)
		}
		out.Payloads = append(out.Payloads, raw)
	}
	if issues.NextPage != 0 {
		out.NextCursor = strconv.Itoa(issues.NextPage)
	}
	return out, nil
}

// MapRecord maps a GitHub issue document as returned by the REST API.
func (c *Connector) MapRecord(src *database.WorkItemsSource, payload json.RawMessage) (*model.Record, error) {
	var issue github.Issue
	if err := json.Unmarshal(payload, &issue); err != nil {
		return nil, &custom_errors.MappingError{Field: "api_payload", Reason: err.Error()}
	}
	if issue.GetID() == 0 {
		return nil, &custom_errors.MappingError{Field: "id", Reason: "issue id is missing"}
	}
	cfg, err := connector.DecodeSourceConfig(src)
	if err != nil {
		return nil, err
	}

	sourceID := strconv.FormatInt(issue.GetID(), 10)
	number := issue.GetNumber()
	repo := cfg.Repo
	if repo == "" && issue.GetRepository() != nil {
		repo = issue.GetRepository().GetName()
	}
	displayID := fmt.Sprintf("#%d", number)
	if repo != "" {
		displayID = fmt.Sprintf("%s#%d", repo, number)
	}

	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}

	rec := &model.Record{
		SourceID:              sourceID,
		SourceDisplayID:       model.Some(displayID),
		Name:                  model.Some(issue.GetTitle()),
		Description:           model.FromPtr(issue.Body),
		WorkItemType:          model.Some("Issue"),
		IsBug:                 model.Some(hasLabel(labels, "bug")),
		IsEpic:                model.Some(hasLabel(labels, "epic")),
		URL:                   model.Some(issue.GetHTMLURL()),
		SourceState:           model.Some(issue.GetState()),
		CommitIdentifiers:     model.Some(commitIdentifiers(cfg.Owner, repo, number)),
		ParentSourceDisplayID: model.Null[string](),
		APIPayload:            model.Some(payload),
		Tags: model.Some(tags.Evaluate(tags.Input{
			Document:     payload,
			Labels:       labels,
			WorkItemType: "Issue",
			Rules:        cfg.TagRules,
			CustomFields: cfg.CustomFields,
		})),
	}
	if m := issue.GetMilestone(); m != nil {
		rec.Releases = model.Some([]string{m.GetTitle()})
	} else {
		rec.Releases = model.Some([]string{})
	}
	if issue.CreatedAt != nil {
		rec.SourceCreatedAt = model.Some(issue.GetCreatedAt().UTC())
	}
	if issue.UpdatedAt != nil {
		rec.SourceLastUpdated = model.Some(issue.GetUpdatedAt().UTC())
	}
	return rec, nil
}

func hasLabel(labels []string, name string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, name) {
			return true
		}
	}
	return false
}

func commitIdentifiers(owner, repo string, number int) []string {
	ids := []string{fmt.Sprintf("#%d", number), fmt.Sprintf("GH-%d", number)}
	if owner != "" && repo != "" {
		ids = append(ids, fmt.Sprintf("%s/%s#%d", owner, repo, number))
	}
	return ids
}
