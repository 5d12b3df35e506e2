// Package ingest fetches one data kind for one entity through the request
// governor and upserts the rows into the sink.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/apierror"
	"github.com/occamssword/fmp-data-system-sub000/internal/core/domain"
	"github.com/occamssword/fmp-data-system-sub000/internal/infra/api/provider"
	"github.com/occamssword/fmp-data-system-sub000/internal/metrics"
	"github.com/occamssword/fmp-data-system-sub000/internal/resilience"
)

// Requester issues budgeted upstream requests (the governor).
type Requester interface {
	MakeRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error)
}

// Sink stores records idempotently.
type Sink interface {
	UpsertBatch(ctx context.Context, records []domain.Record) (int, error)
}

// Ingester runs fetch-parse-upsert for a single task.
type Ingester struct {
	api   Requester
	sink  Sink
	exec  *resilience.Executor
	kinds map[string]domain.DataKind
	log   *slog.Logger
}

// New creates an ingester. kinds is used to rebuild tasks from failed-job payloads.
func New(api Requester, sink Sink, exec *resilience.Executor, kinds []domain.DataKind, log *slog.Logger) *Ingester {
	if log == nil {
		log = slog.Default()
	}
	byName := make(map[string]domain.DataKind, len(kinds))
	for _, k := range kinds {
		byName[k.Name] = k
	}
	return &Ingester{
		api:   api,
		sink:  sink,
		exec:  exec,
		kinds: byName,
		log:   log.With("component", "ingest"),
	}
}

// UpsertOperation names the sink write for a kind in breakers and failed jobs.
func UpsertOperation(kind string) string {
	return "upsert:" + kind
}

// Ingest fetches and stores one task under the resilience layer. It returns
// the number of records written; an empty dataset is not an error.
func (i *Ingester) Ingest(ctx context.Context, task domain.Task) (int, error) {
	records, err := resilience.Run(ctx, i.exec, task.Operation(), task.Payload(),
		func(ctx context.Context) ([]domain.Record, error) {
			return i.Fetch(ctx, task)
		})
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	return resilience.Run(ctx, i.exec, UpsertOperation(task.Kind.Name), task.Payload(),
		func(ctx context.Context) (int, error) {
			return i.store(ctx, task, records)
		})
}

// Fetch performs one budgeted request for task and parses the response.
func (i *Ingester) Fetch(ctx context.Context, task domain.Task) ([]domain.Record, error) {
	endpoint := strings.ReplaceAll(task.Kind.Endpoint, "{entity}", url.PathEscape(task.Entity))

	params := url.Values{}
	if !task.From.IsZero() {
		params.Set("from", task.From.Format(domain.DateLayout))
	}
	if !task.To.IsZero() {
		params.Set("to", task.To.Format(domain.DateLayout))
	}
	if task.Kind.Period != "" {
		params.Set("period", task.Kind.Period)
	}

	body, err := i.api.MakeRequest(provider.WithOperation(ctx, task.Kind.Name), endpoint, params)
	if err != nil {
		return nil, err
	}
	return ParseRecords(task, body)
}

func (i *Ingester) store(ctx context.Context, task domain.Task, records []domain.Record) (int, error) {
	n, err := i.sink.UpsertBatch(ctx, records)
	if err != nil {
		return 0, err
	}
	metrics.RecordsUpserted.WithLabelValues(task.Kind.Name).Add(float64(n))
	i.log.Debug("Records upserted", "task", task.String(), "count", n)
	return n, nil
}

// Handler replays a failed fetch or upsert from its payload. It does a single
// raw attempt; the failed-job processor supplies the resilience wrapping.
func (i *Ingester) Handler() resilience.JobHandler {
	return func(ctx context.Context, payload domain.Payload) error {
		task, err := i.TaskFromPayload(payload)
		if err != nil {
			return err
		}
		records, err := i.Fetch(ctx, task)
		if err != nil {
			if k, ok := apierror.KindOf(err); ok && k == apierror.KindNotFound {
				return nil
			}
			return err
		}
		if len(records) == 0 {
			return nil
		}
		_, err = i.store(ctx, task, records)
		return err
	}
}

// TaskFromPayload rebuilds a task from a failed-job payload.
func (i *Ingester) TaskFromPayload(p domain.Payload) (domain.Task, error) {
	kind, ok := i.kinds[p["kind"]]
	if !ok {
		return domain.Task{}, apierror.New(apierror.KindValidationFailure, "unknown data kind %q", p["kind"])
	}
	if p["entity"] == "" {
		return domain.Task{}, apierror.New(apierror.KindValidationFailure, "payload has no entity")
	}

	task := domain.Task{Entity: p["entity"], Kind: kind}
	var err error
	if v := p["from"]; v != "" {
		if task.From, err = time.Parse(domain.DateLayout, v); err != nil {
			return domain.Task{}, apierror.Wrap(apierror.KindValidationFailure, fmt.Errorf("from: %w", err))
		}
	}
	if v := p["to"]; v != "" {
		if task.To, err = time.Parse(domain.DateLayout, v); err != nil {
			return domain.Task{}, apierror.Wrap(apierror.KindValidationFailure, fmt.Errorf("to: %w", err))
		}
	}
	return task, nil
}

// Register installs the replay handler for every configured kind.
func (i *Ingester) Register(p *resilience.FailedJobProcessor) {
	h := i.Handler()
	for name, kind := range i.kinds {
		t := domain.Task{Kind: kind}
		p.Register(t.Operation(), h)
		p.Register(UpsertOperation(name), h)
	}
}
