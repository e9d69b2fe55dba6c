package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/middleware"
)

// Sync fetches every document in the request's scope and ingests them on a
// bounded pool. A failing document never aborts the run. When ctx is
// cancelled no further documents are started; documents already in flight
// finish, and Sync returns the partial summary with the context error.
func (o *Orchestrator) Sync(ctx context.Context, req SyncRequest) (*Summary, error) {
	if o.connectors == nil {
		return nil, errors.New("no connectors configured")
	}
	conns, err := o.connectors.Resolve(req.Scope)
	if err != nil {
		return nil, err
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx = middleware.WithSyncRunID(ctx, runID)

	pool, err := ants.NewPool(o.concurrency)
	if err != nil {
		return nil, fmt.Errorf("create sync pool: %w", err)
	}
	defer pool.Release()

	start := time.Now()
	summary := &Summary{RunID: runID, Trigger: req.Trigger}
	o.logger.InfoContext(ctx, "sync started", "trigger", req.Trigger, "source", req.Scope.Source, "connectors", len(conns))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	inflight := context.WithoutCancel(ctx)
	run := func(doc corpus.RawDocument) {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			out := o.IngestDocument(inflight, doc)
			mu.Lock()
			summary.add(out)
			mu.Unlock()
		})
		if err != nil {
			wg.Done()
			o.logger.ErrorContext(ctx, "failed to schedule document", "uri", doc.URI, "error", err)
			mu.Lock()
			summary.add(Outcome{State: StateFailedRetryable})
			mu.Unlock()
		}
	}

feed:
	for _, c := range conns {
		docs, errs := c.Fetch(ctx, req.Scope)
		for docs != nil || errs != nil {
			select {
			case <-ctx.Done():
				break feed
			case doc, ok := <-docs:
				if !ok {
					docs = nil
					continue
				}
				if ctx.Err() != nil {
					break feed
				}
				run(doc)
			case ferr, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				o.logger.WarnContext(ctx, "fetch error", "source", c.Source(), "error", ferr)
				mu.Lock()
				summary.FetchErrors++
				mu.Unlock()
			}
		}
	}

	wg.Wait()
	summary.Duration = time.Since(start)
	summary.Cancelled = ctx.Err() != nil

	o.logger.InfoContext(ctx, "sync finished",
		"stored", summary.Stored,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"fetch_errors", summary.FetchErrors,
		"cancelled", summary.Cancelled,
		"duration", summary.Duration)

	if summary.Cancelled {
		return summary, ctx.Err()
	}
	return summary, nil
}
