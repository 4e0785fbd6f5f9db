// internal/publish/publish.go
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"work-items-sync/internal/model"
)

// Publisher delivers committed change sets to downstream consumers. Delivery
// is at least once; a publish failure never undoes the sync that produced it.
type Publisher interface {
	Publish(ctx context.Context, cs *model.ChangeSet) error
	Close() error
}

// Event is the message body for one changed work item.
type Event struct {
	SourceKey uuid.UUID `json:"source_key"`
	model.SyncResult
}

// SubjectFor returns the subject change events of a source are published on.
func SubjectFor(prefix string, sourceKey uuid.UUID) string {
	return fmt.Sprintf("%s.changed.%s", prefix, sourceKey)
}

// Messages builds one message per changed result of cs. Unchanged results
// are not published.
func Messages(prefix string, cs *model.ChangeSet) ([]*nats.Msg, error) {
	changed := cs.Changed()
	msgs := make([]*nats.Msg, 0, len(changed))
	subject := SubjectFor(prefix, cs.SourceKey)
	for _, r := range changed {
		data, err := json.Marshal(Event{SourceKey: cs.SourceKey, SyncResult: r})
		if err != nil {
			return nil, fmt.Errorf("encode event for %s: %w", r.Key, err)
		}
		msg := nats.NewMsg(subject)
		msg.Data = data
		msg.Header.Set("Content-Type", "application/json")
		msg.Header.Set("Work-Item-Key", r.Key.String())
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// LogPublisher only logs change sets. It is used when no NATS server is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, cs *model.ChangeSet) error {
	changed := cs.Changed()
	if len(changed) == 0 {
		return nil
	}
	var created int
	for _, r := range changed {
		if r.IsNew {
			created++
		}
	}
	p.logger.Info("Work items changed",
		"source_key", cs.SourceKey,
		"changed", len(changed),
		"new", created,
		"rejected", len(cs.Rejected),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
