package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fluxionlabs/fluxion/pkg/eventbus"
	"github.com/fluxionlabs/fluxion/pkg/events"
	"github.com/fluxionlabs/fluxion/pkg/models"
	"github.com/fluxionlabs/fluxion/pkg/persistence"
)

// Trigger mints a session for the workflow at the given logical instant and
// announces it. The instant is the session's identity: a second trigger for
// the same (workflow, instant) fails with ErrSessionExists. Used by the
// schedule loop and by manual triggering.
func Trigger(ctx context.Context, p persistence.Persistence, publisher eventbus.EventPublisher, logger *slog.Logger, workflowID string, scheduledAt time.Time) (int64, error) {
	def, err := p.Workflows().WorkflowByID(ctx, workflowID)
	if err != nil {
		return 0, fmt.Errorf("load workflow %s: %w", workflowID, err)
	}

	scheduledAt = scheduledAt.UTC()
	session := &models.Session{
		WorkflowID:  workflowID,
		ScheduledAt: scheduledAt,
	}

	sessionID, err := p.Sessions().CreateSession(ctx, session, def.Instantiate(0))
	if err != nil {
		return 0, err
	}

	if publisher != nil {
		event := events.SessionCreated{
			BaseEvent:   events.NewBaseEvent(events.SessionCreatedEvent, sessionID),
			WorkflowID:  workflowID,
			ScheduledAt: scheduledAt,
		}

		if err := publisher.Publish(ctx, strconv.FormatInt(sessionID, 10), event); err != nil {
			logger.Error("Failed to publish session created event",
				"session_id", sessionID, "error", err)
		}
	}

	return sessionID, nil
}
