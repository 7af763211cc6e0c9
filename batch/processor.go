// Package batch coalesces individually submitted scan requests into
// size or time bounded batches before admission and dispatch.
package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"scanflow/backpressure"
	"scanflow/config"
	"scanflow/logger"
	"scanflow/models"
)

// Scanner executes one scan against the external service.
type Scanner interface {
	Scan(ctx context.Context, req models.ScanRequest) ([]models.VerticalSpread, error)
}

// Request is one flushed batch and its per-symbol outcome.
type Request struct {
	ID          string
	Requests    []models.ScanRequest
	CreatedAt   time.Time
	CompletedAt time.Time
	Results     map[string][]models.VerticalSpread
	Errors      map[string]string
}

type result struct {
	spreads []models.VerticalSpread
	err     error
}

type pending struct {
	req models.ScanRequest
	res chan result
}

// Processor collects submitted requests and flushes them as batches,
// each executed under a bounded concurrency semaphore. One failing
// request never aborts its siblings; every caller's result resolves
// independently.
type Processor struct {
	cfg     config.BatchConfig
	scanner Scanner
	bp      *backpressure.Handler
	log     *logger.Entry

	queue chan pending
	sem   chan struct{}

	mu        sync.Mutex
	completed map[string]*Request
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	totalRequests   int64
	totalBatches    int64
	successful      int64
	failed          int64
	avgBatchSeconds float64
}

// NewProcessor wires the batch collector to the given scanner and
// admission handler.
func NewProcessor(cfg config.BatchConfig, scanner Scanner, bp *backpressure.Handler) *Processor {
	queueSize := cfg.Size * cfg.MaxConcurrentBatches
	if queueSize < cfg.Size {
		queueSize = cfg.Size
	}
	return &Processor{
		cfg:       cfg,
		scanner:   scanner,
		bp:        bp,
		log:       logger.GetLogger().WithComponent("batch"),
		queue:     make(chan pending, queueSize),
		sem:       make(chan struct{}, cfg.MaxConcurrentBatches),
		completed: make(map[string]*Request),
	}
}

// Start launches the collector loop.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("batch processor already running")
	}
	p.running = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.wg.Add(1)
	go p.collector(ctx)

	p.log.WithFields(logger.Fields{
		"batch_size":    p.cfg.Size,
		"batch_timeout": p.cfg.Timeout.String(),
		"max_batches":   p.cfg.MaxConcurrentBatches,
	}).Info("batch processor started")
	return nil
}

// Stop flushes everything still queued and waits for in-flight batches
// to finish. Calling Stop more than once is safe.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	// Reject anything that slipped into the queue while shutting down
	// so no caller is left waiting on a result that will never come.
	for {
		select {
		case item := <-p.queue:
			item.res <- result{err: errors.New("batch processor stopped")}
		default:
			p.log.Info("batch processor stopped")
			return
		}
	}
}

// Submit enqueues one request and blocks until its result resolves.
// Requests submitted after Stop are rejected immediately.
func (p *Processor) Submit(ctx context.Context, req models.ScanRequest) ([]models.VerticalSpread, error) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil, errors.New("batch processor not running")
	}
	p.mu.Unlock()

	item := pending{req: req, res: make(chan result, 1)}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p.queue <- item:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-item.res:
		return r.spreads, r.err
	}
}

// SubmitBatch submits all requests at once and gathers their results
// keyed by symbol. Failed symbols map to an empty slice; the first
// error is reported alongside the partial results.
func (p *Processor) SubmitBatch(ctx context.Context, reqs []models.ScanRequest) (map[string][]models.VerticalSpread, error) {
	type keyed struct {
		symbol  string
		spreads []models.VerticalSpread
		err     error
	}

	out := make(chan keyed, len(reqs))
	for _, req := range reqs {
		go func(req models.ScanRequest) {
			spreads, err := p.Submit(ctx, req)
			out <- keyed{symbol: req.Symbol, spreads: spreads, err: err}
		}(req)
	}

	results := make(map[string][]models.VerticalSpread, len(reqs))
	var firstErr error
	for range reqs {
		k := <-out
		if k.err != nil {
			if firstErr == nil {
				firstErr = k.err
			}
			results[k.symbol] = []models.VerticalSpread{}
			continue
		}
		results[k.symbol] = k.spreads
	}
	return results, firstErr
}

// collector accumulates queued requests until the batch fills or the
// timeout deadline passes, then flushes the group.
func (p *Processor) collector(ctx context.Context) {
	defer p.wg.Done()

	for {
		var first pending
		select {
		case <-ctx.Done():
			p.drainAndFlush()
			return
		case first = <-p.queue:
		}

		items := []pending{first}
		timer := time.NewTimer(p.cfg.Timeout)

	accumulate:
		for len(items) < p.cfg.Size {
			select {
			case <-ctx.Done():
				timer.Stop()
				p.flush(items, "shutdown")
				p.drainAndFlush()
				return
			case item := <-p.queue:
				items = append(items, item)
			case <-timer.C:
				break accumulate
			}
		}
		timer.Stop()

		reason := "timeout"
		if len(items) >= p.cfg.Size {
			reason = "size"
		}
		p.flush(items, reason)
	}
}

// drainAndFlush empties whatever is still queued at shutdown so no
// caller is left waiting forever.
func (p *Processor) drainAndFlush() {
	var items []pending
	for {
		select {
		case item := <-p.queue:
			items = append(items, item)
		default:
			if len(items) > 0 {
				p.flush(items, "shutdown")
			}
			return
		}
	}
}

func (p *Processor) flush(items []pending, reason string) {
	if len(items) == 0 {
		return
	}

	reqs := make([]models.ScanRequest, len(items))
	for i, item := range items {
		reqs[i] = item.req
	}
	batch := &Request{
		ID:        uuid.New().String(),
		Requests:  reqs,
		CreatedAt: time.Now(),
		Results:   make(map[string][]models.VerticalSpread),
		Errors:    make(map[string]string),
	}

	p.log.WithFields(logger.Fields{
		"batch_id": batch.ID,
		"size":     len(items),
		"reason":   reason,
	}).Debug("flushing batch")

	p.wg.Add(1)
	go p.execute(batch, items)
}

// execute runs one flushed batch under the concurrency semaphore.
func (p *Processor) execute(batch *Request, items []pending) {
	defer p.wg.Done()

	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	ctx := context.Background()
	start := time.Now()
	var successes, failures int64

	for i, item := range items {
		spreads, err := p.executeOne(ctx, item.req)
		if err != nil {
			batch.Errors[item.req.Symbol] = err.Error()
			failures++
			items[i].res <- result{err: err}
			continue
		}
		batch.Results[item.req.Symbol] = spreads
		successes++
		items[i].res <- result{spreads: spreads}
	}

	batch.CompletedAt = time.Now()
	elapsed := batch.CompletedAt.Sub(start)

	p.mu.Lock()
	p.completed[batch.ID] = batch
	p.totalBatches++
	p.totalRequests += int64(len(items))
	p.successful += successes
	p.failed += failures
	// Arithmetic running mean over all processed batches.
	p.avgBatchSeconds += (elapsed.Seconds() - p.avgBatchSeconds) / float64(p.totalBatches)
	p.mu.Unlock()

	logger.IncrementBatchProcessed(len(items))
	p.log.LogMetric("batch", "batch_processed", len(items), "counter", logger.Fields{
		"batch_id": batch.ID,
		"failures": failures,
		"elapsed":  elapsed.String(),
	})
}

func (p *Processor) executeOne(ctx context.Context, req models.ScanRequest) ([]models.VerticalSpread, error) {
	if err := p.bp.WaitIfNeeded(ctx); err != nil {
		return nil, err
	}
	return p.scanner.Scan(ctx, req)
}

// BatchStatus returns a completed batch by id.
func (p *Processor) BatchStatus(id string) (*Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch, ok := p.completed[id]
	return batch, ok
}

// Metrics returns a snapshot of processor counters.
func (p *Processor) Metrics() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]interface{}{
		"total_requests":      p.totalRequests,
		"total_batches":       p.totalBatches,
		"successful_requests": p.successful,
		"failed_requests":     p.failed,
		"average_batch_time":  p.avgBatchSeconds,
	}
}
