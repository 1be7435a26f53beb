package sync

import (
	"context"

	"github.com/gofrs/uuid"
)

type auditEvent map[string]interface{}

func (s *Syncer) newAuditEvent(
	uuid uuid.UUID,
	action string,
	err error,
) auditEvent {
	event := auditEvent{}

	event["eventType"] = s.eventsConfig.EventType
	event["id"] = uuid.String()
	event["action"] = action
	event["error"] = err != nil
	if err != nil {
		event["errorMessage"] = err.Error()
	}

	return event
}

func (s *Syncer) newQueryEvent(uuid uuid.UUID, result *QueryResult) auditEvent {
	event := s.newAuditEvent(uuid, "query_end", result.Err)

	event["query"] = result.Name
	event["eventTitle"] = result.Title
	event["status"] = string(result.Status)
	event["pages"] = result.Fetch.Pages
	event["records"] = result.Fetch.Records
	event["duplicateRecords"] = result.Fetch.Duplicates
	event["stopReason"] = string(result.Fetch.StopReason)
	event["mispEventId"] = result.Summary.EventID
	event["added"] = result.Summary.Added
	event["duplicates"] = result.Summary.Duplicates
	event["failed"] = result.Summary.Failed

	return event
}

func (s *Syncer) pushEvent(ctx context.Context, event auditEvent) {
	if !s.eventsConfig.Enabled || s.i.NrClient == nil {
		return
	}

	if err := s.i.NrClient.Events.CreateEventWithContext(
		context.WithoutCancel(ctx),
		s.eventsConfig.AccountId,
		event,
	); err != nil {
		s.log.Warnf("failed to push event: %s", err)
	}
}
