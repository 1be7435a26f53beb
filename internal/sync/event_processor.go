package sync

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/webamon/webamon-misp-sync/internal/provider"
	"github.com/webamon/webamon-misp-sync/pkg/misp"
	"github.com/webamon/webamon-misp-sync/pkg/retry"
)

// Sink is the part of the MISP client the synchronizer needs.
type Sink interface {
	SearchEvents(ctx context.Context, title string) ([]misp.Event, error)
	CreateEvent(ctx context.Context, spec *misp.EventSpec) (*misp.Event, error)
	AddAttribute(
		ctx context.Context,
		eventID string,
		attr *misp.Attribute,
	) (*misp.Attribute, error)
}

type attributeResult int

const (
	ATTRIBUTE_ADDED attributeResult = iota
	ATTRIBUTE_DUPLICATE
	ATTRIBUTE_FAILED
)

func (r attributeResult) String() string {
	switch r {
	case ATTRIBUTE_ADDED:
		return "added"
	case ATTRIBUTE_DUPLICATE:
		return "duplicate"
	}
	return "failed"
}

const (
	eventDistribution  = 0
	eventThreatLevelID = 2
	eventAnalysis      = 0
)

type Summary struct {
	EventID    string
	Created    bool
	Added      int
	Duplicates int
	Failed     int
}

func (s *Summary) record(result attributeResult) {
	switch result {
	case ATTRIBUTE_ADDED:
		s.Added += 1
	case ATTRIBUTE_DUPLICATE:
		s.Duplicates += 1
	default:
		s.Failed += 1
	}
}

// classifySinkError stops retrying rejections a retry cannot fix.
func classifySinkError(err error) retry.Action {
	if misp.Classify(err) != misp.ERROR_KIND_OTHER {
		return retry.Abort
	}
	return retry.Retry
}

// classifyEventError retries event lookup and creation only on failures a
// retry can fix.
func classifyEventError(err error) retry.Action {
	if misp.IsTransient(err) {
		return retry.Retry
	}
	return retry.Abort
}

func (s *Syncer) notifyRetry(op string) retry.NotifyFn {
	return func(attempt, attempts int, err error) {
		s.log.Warnf(
			"misp %s error on attempt %d/%d: %s, retrying...",
			op,
			attempt,
			attempts,
			err,
		)
	}
}

// synchronize makes sure an event titled title exists and adds every
// attribute mapped from records to it. Only failing to find or create the
// event is an error, attribute failures are counted in the summary.
func (s *Syncer) synchronize(
	ctx context.Context,
	queryName string,
	title string,
	records []provider.Record,
	tags []string,
) (*Summary, error) {
	summary := &Summary{}

	event, err := s.findEvent(ctx, title)
	if err != nil {
		return summary, err
	}

	if event != nil {
		s.log.Infof("updating existing event: %s", title)
	} else {
		s.log.Infof("creating new event: %s", title)

		event, err = s.createEvent(ctx, title, tags)
		if err != nil {
			return summary, err
		}

		summary.Created = true
	}

	if event.ID == "" {
		return summary, fmt.Errorf("event %q has no id", title)
	}

	summary.EventID = event.ID

	for _, record := range records {
		for _, attr := range MapRecord(record, tags, s.reportURLBase) {
			if err := ctx.Err(); err != nil {
				return summary, err
			}

			result := s.addAttribute(ctx, event.ID, &attr)
			summary.record(result)

			if s.i.Metrics != nil {
				s.i.Metrics.Attributes.WithLabelValues(
					queryName,
					result.String(),
				).Inc()
			}
		}
	}

	if summary.Duplicates > 0 {
		s.log.Infof(
			"added %d new attributes to event %s, skipped %d duplicates",
			summary.Added,
			summary.EventID,
			summary.Duplicates,
		)
	} else {
		s.log.Infof(
			"added %d attributes to event %s",
			summary.Added,
			summary.EventID,
		)
	}

	if summary.Failed > 0 {
		s.log.Warnf(
			"%d attributes could not be added to event %s",
			summary.Failed,
			summary.EventID,
		)
	}

	return summary, nil
}

// findEvent returns the event whose title is exactly title, or nil when
// there is none. Search failures are never treated as "not found".
func (s *Syncer) findEvent(ctx context.Context, title string) (*misp.Event, error) {
	defer newrelic.FromContext(ctx).StartSegment("misp/findEvent").End()

	var events []misp.Event

	err := s.retry.Do(
		ctx,
		classifyEventError,
		s.notifyRetry("search"),
		func() error {
			var err error
			events, err = s.sink.SearchEvents(ctx, title)
			return err
		},
	)
	if err != nil {
		return nil, fmt.Errorf("event search failed: %w", err)
	}

	for idx := range events {
		if events[idx].Info == title {
			return &events[idx], nil
		}
	}

	return nil, nil
}

func (s *Syncer) createEvent(
	ctx context.Context,
	title string,
	tags []string,
) (*misp.Event, error) {
	defer newrelic.FromContext(ctx).StartSegment("misp/createEvent").End()

	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("failed to generate event uuid: %w", err)
	}

	spec := &misp.EventSpec{
		UUID:          id.String(),
		Info:          title,
		Date:          s.now().Format(dateLayout),
		Distribution:  eventDistribution,
		ThreatLevelID: eventThreatLevelID,
		Analysis:      eventAnalysis,
		Tags:          misp.NewTags(tags),
	}

	var event *misp.Event

	err = s.retry.Do(
		ctx,
		classifyEventError,
		s.notifyRetry("add_event"),
		func() error {
			var err error
			event, err = s.sink.CreateEvent(ctx, spec)
			return err
		},
	)
	if err != nil {
		return nil, fmt.Errorf("event creation failed: %w", err)
	}

	if event.ID == "" {
		return nil, fmt.Errorf("created event %q has no id", title)
	}

	return event, nil
}

func (s *Syncer) addAttribute(
	ctx context.Context,
	eventID string,
	attr *Attribute,
) attributeResult {
	payload := attr.toMisp()

	err := s.retry.Do(
		ctx,
		classifySinkError,
		s.notifyRetry("add_attribute"),
		func() error {
			_, err := s.sink.AddAttribute(ctx, eventID, payload)
			return err
		},
	)
	if err == nil {
		s.log.Tracef("added attribute %s:%s", payload.Type, payload.Value)
		return ATTRIBUTE_ADDED
	}

	switch misp.Classify(err) {
	case misp.ERROR_KIND_DUPLICATE:
		s.log.Debugf("attribute already exists: %s:%s", payload.Type, payload.Value)
		return ATTRIBUTE_DUPLICATE

	case misp.ERROR_KIND_VALIDATION:
		s.log.Warnf(
			"validation error for %s:%s - %s",
			payload.Type,
			payload.Value,
			err,
		)
		return ATTRIBUTE_FAILED
	}

	s.log.Errorf(
		"misp add_attribute error for %s:%s after %d attempts: %s",
		payload.Type,
		payload.Value,
		s.retry.Attempts(),
		err,
	)

	return ATTRIBUTE_FAILED
}
