package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/retry"
)

// ProfileSaver persists profile snapshots.
type ProfileSaver interface {
	SaveProfile(ctx context.Context, snap *profile.Snapshot) error
}

// Targets are the downstream systems events are delivered to. Any of them
// may be nil, in which case the matching kinds are dropped.
type Targets struct {
	Repository domain.Repository
	Bus        domain.EventBus
	Profiles   ProfileSaver
}

// Register installs the standard handler for every event kind.
func (o *Outbox) Register(t Targets) {
	if t.Repository != nil {
		o.Handle(KindTransactionRecorded, func(ctx context.Context, ev Event) error {
			rec, ok := ev.Payload.(*domain.TransactionRecord)
			if !ok {
				return retry.Permanent(fmt.Errorf("unexpected payload %T", ev.Payload))
			}
			return t.Repository.SaveTransaction(ctx, rec)
		})
	}

	if t.Repository != nil || t.Bus != nil {
		o.Handle(KindAlertUpserted, func(ctx context.Context, ev Event) error {
			a, ok := ev.Payload.(*domain.Alert)
			if !ok {
				return retry.Permanent(fmt.Errorf("unexpected payload %T", ev.Payload))
			}
			if t.Repository != nil {
				if err := t.Repository.UpsertAlert(ctx, a); err != nil {
					return err
				}
			}
			if t.Bus == nil {
				return nil
			}
			topic := domain.TopicAlertUpdated
			if a.Occurrences == 1 && a.Status == domain.AlertNew && a.CreatedAt.Equal(a.UpdatedAt) {
				topic = domain.TopicAlertRaised
			}
			return publishJSON(ctx, t.Bus, topic, a.CustomerID, a)
		})
	}

	if t.Profiles != nil {
		o.Handle(KindProfileSnapshot, func(ctx context.Context, ev Event) error {
			snap, ok := ev.Payload.(*profile.Snapshot)
			if !ok {
				return retry.Permanent(fmt.Errorf("unexpected payload %T", ev.Payload))
			}
			return t.Profiles.SaveProfile(ctx, snap)
		})
	}

	if t.Bus != nil {
		o.Handle(KindDecisionPublished, func(ctx context.Context, ev Event) error {
			out, ok := ev.Payload.(*domain.ScoreOutcome)
			if !ok {
				return retry.Permanent(fmt.Errorf("unexpected payload %T", ev.Payload))
			}
			return publishJSON(ctx, t.Bus, domain.TopicDecision, out.CustomerID, out)
		})
	}
}

func publishJSON(ctx context.Context, bus domain.EventBus, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return retry.Permanent(fmt.Errorf("encode %s: %w", topic, err))
	}
	return bus.Publish(ctx, topic, key, data)
}
