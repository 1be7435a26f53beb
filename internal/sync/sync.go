package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	log "github.com/sirupsen/logrus"

	"github.com/webamon/webamon-misp-sync/internal/provider"
	"github.com/webamon/webamon-misp-sync/pkg/interop"
	"github.com/webamon/webamon-misp-sync/pkg/retry"
)

const (
	dateLayout       = "2006-01-02"
	eventTitleFormat = "Webamon Import - %s (%s)"
)

type QueryStatus string

const (
	QUERY_OK         QueryStatus = "ok"
	QUERY_NO_RESULTS QueryStatus = "no_results"
	QUERY_ABORTED    QueryStatus = "aborted"
)

type QueryResult struct {
	Name    string
	Title   string
	Status  QueryStatus
	Fetch   provider.FetchStats
	Summary Summary
	Err     error
}

type Report struct {
	RunID   string
	Queries []QueryResult
}

// Aborted reports how many queries stopped before their attributes were
// synchronized.
func (r *Report) Aborted() int {
	n := 0
	for _, q := range r.Queries {
		if q.Status == QUERY_ABORTED {
			n += 1
		}
	}
	return n
}

func (r *Report) Totals() Summary {
	total := Summary{}
	for _, q := range r.Queries {
		total.Added += q.Summary.Added
		total.Duplicates += q.Summary.Duplicates
		total.Failed += q.Summary.Failed
	}
	return total
}

type Syncer struct {
	i             *interop.Interop
	log           *log.Logger
	queries       []Query
	provider      provider.Provider
	sink          Sink
	retry         retry.Policy
	reportURLBase string
	eventsConfig  eventsConfig
	now           func() time.Time
}

func New(i *interop.Interop) (*Syncer, error) {
	queries, err := loadQueries(
		i.Logger,
		i.Config.GetString("queriesFile"),
		i.Config.GetStringMap("queryDefaults"),
	)
	if err != nil {
		return nil, err
	}

	p, err := provider.GetProvider(i)
	if err != nil {
		return nil, err
	}

	eventsConfig := eventsConfig{}
	if err := i.Config.UnmarshalKey("events", &eventsConfig); err != nil {
		return nil, fmt.Errorf("invalid events config: %w", err)
	}

	if eventsConfig.Enabled && eventsConfig.AccountId == 0 {
		return nil, fmt.Errorf("events.accountId must be set when events are enabled")
	}

	s := newSyncer(i, queries, p, i.Misp)
	s.eventsConfig = eventsConfig
	if base := i.Config.GetString("misp.reportUrlBase"); base != "" {
		s.reportURLBase = base
	}

	return s, nil
}

func newSyncer(
	i *interop.Interop,
	queries []Query,
	p provider.Provider,
	sink Sink,
) *Syncer {
	return &Syncer{
		i:             i,
		log:           i.Logger,
		queries:       queries,
		provider:      p,
		sink:          sink,
		retry:         i.Retry,
		reportURLBase: DefaultReportURLBase,
		now:           time.Now,
	}
}

// Sync runs every query in order. A query that fails is recorded in the
// report and the next one still runs; only cancellation stops the batch.
func (s *Syncer) Sync(ctx context.Context) (*Report, error) {
	txn := s.i.App.StartTransaction("sync")
	defer txn.End()

	ctx = newrelic.NewContext(ctx, txn)

	runID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run id: %w", err)
	}

	report := &Report{RunID: runID.String()}

	s.log.Infof("starting sync run %s with %d queries", report.RunID, len(s.queries))
	s.pushEvent(ctx, s.newAuditEvent(runID, "sync_start", nil))

	for idx := range s.queries {
		if err := ctx.Err(); err != nil {
			s.log.Warnf("sync run interrupted before query %s", s.queries[idx].Name)
			s.pushEvent(ctx, s.newAuditEvent(runID, "sync_end", err))
			return report, err
		}

		result := s.syncQuery(ctx, &s.queries[idx])
		report.Queries = append(report.Queries, result)

		if s.i.Metrics != nil {
			s.i.Metrics.Queries.WithLabelValues(string(result.Status)).Inc()
		}

		s.pushEvent(ctx, s.newQueryEvent(runID, &result))
	}

	totals := report.Totals()

	s.log.Infof(
		"sync run %s complete: %d queries, %d aborted, %d attributes added, %d duplicates, %d failed",
		report.RunID,
		len(report.Queries),
		report.Aborted(),
		totals.Added,
		totals.Duplicates,
		totals.Failed,
	)

	var runErr error
	if aborted := report.Aborted(); aborted > 0 {
		runErr = fmt.Errorf("%d of %d queries aborted", aborted, len(report.Queries))
	} else if s.i.Metrics != nil {
		s.i.Metrics.LastRunSuccess.SetToCurrentTime()
	}

	s.pushEvent(ctx, s.newAuditEvent(runID, "sync_end", runErr))
	s.pushMetrics(ctx)

	return report, nil
}

// syncQuery fetches, maps and synchronizes one query. It never panics and
// never returns an error; the outcome is in the result.
func (s *Syncer) syncQuery(ctx context.Context, q *Query) (result QueryResult) {
	result = QueryResult{
		Name:  q.Name,
		Title: fmt.Sprintf(eventTitleFormat, q.Name, s.now().Format(dateLayout)),
	}

	defer func() {
		if r := recover(); r != nil {
			result.Status = QUERY_ABORTED
			result.Err = fmt.Errorf("panic: %v", r)
			s.log.Errorf("query %s aborted: %s", q.Name, result.Err)
		}
	}()

	s.log.Infof("running query for: %s", q.Name)

	if len(q.Fields) > 0 {
		s.log.Debugf("requesting fields for %s: %v", q.Name, q.Fields)
	}

	seg := newrelic.FromContext(ctx).StartSegment("fetch")
	fetched, err := s.provider.Fetch(ctx, q.Request())
	seg.End()

	if fetched != nil {
		result.Fetch = fetched.Stats
		s.recordFetch(q.Name, &fetched.Stats)
	}

	if err != nil {
		result.Status = QUERY_ABORTED
		result.Err = fmt.Errorf("fetch failed: %w", err)
		s.log.Errorf("query %s aborted: %s", q.Name, result.Err)
		return result
	}

	s.log.Infof(
		"fetched %d records for %s in %d pages (%d duplicates dropped, stopped: %s)",
		fetched.Stats.Records,
		q.Name,
		fetched.Stats.Pages,
		fetched.Stats.Duplicates,
		fetched.Stats.StopReason,
	)

	if len(fetched.Records) == 0 {
		result.Status = QUERY_NO_RESULTS
		s.log.Warnf("no results for %s", q.Name)
		return result
	}

	seg = newrelic.FromContext(ctx).StartSegment("synchronize")
	summary, err := s.synchronize(ctx, q.Name, result.Title, fetched.Records, q.Tags)
	seg.End()

	if summary != nil {
		result.Summary = *summary
	}

	if err != nil {
		result.Status = QUERY_ABORTED
		result.Err = err
		s.log.Errorf("query %s aborted: %s", q.Name, err)
		return result
	}

	result.Status = QUERY_OK

	return result
}

func (s *Syncer) recordFetch(name string, stats *provider.FetchStats) {
	if s.i.Metrics == nil {
		return
	}

	s.i.Metrics.PagesFetched.WithLabelValues(name).Add(float64(stats.Pages))
	s.i.Metrics.RecordsFetched.WithLabelValues(name).Add(float64(stats.Records))
	s.i.Metrics.DuplicateRecords.WithLabelValues(name).Add(float64(stats.Duplicates))
}

func (s *Syncer) pushMetrics(ctx context.Context) {
	url := s.i.Config.GetString("metrics.pushgatewayUrl")
	if url == "" || s.i.Metrics == nil {
		return
	}

	if err := s.i.Metrics.Push(ctx, url, s.i.Config.GetString("metrics.job")); err != nil {
		s.log.Warnf("failed to push metrics: %s", err)
	}
}
