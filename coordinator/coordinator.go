// Package coordinator orchestrates scan jobs: caching, admission,
// a fixed worker pool and job lifecycle tracking.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"scanflow/backpressure"
	"scanflow/config"
	"scanflow/internal/clock"
	"scanflow/logger"
	"scanflow/models"
)

// Scanner executes one scan against the external service.
type Scanner interface {
	Scan(ctx context.Context, req models.ScanRequest) ([]models.VerticalSpread, error)
}

// Emitter publishes events toward the brokerage connection layer.
type Emitter interface {
	Emit(event models.Event) bool
}

// JobStatus is the lifecycle state of a scan job. Transitions are
// monotonic: Pending, Processing, then Completed or Failed.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// ScanJob is one queued scan. Its status is mutated only by the worker
// that dequeued it; waiters block on the done channel.
type ScanJob struct {
	ID        string
	Request   models.ScanRequest
	CreatedAt time.Time

	mu     sync.Mutex
	status JobStatus
	result []models.VerticalSpread
	errMsg string
	done   chan struct{}
}

func (j *ScanJob) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *ScanJob) setStatus(s JobStatus) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

func (j *ScanJob) complete(spreads []models.VerticalSpread) {
	j.mu.Lock()
	j.status = JobCompleted
	j.result = spreads
	j.mu.Unlock()
	close(j.done)
}

func (j *ScanJob) fail(errMsg string) {
	j.mu.Lock()
	j.status = JobFailed
	j.errMsg = errMsg
	j.mu.Unlock()
	close(j.done)
}

// Coordinator is the top-level facade in front of the scan service.
type Coordinator struct {
	cfg     config.CoordinatorConfig
	scanner Scanner
	bp      *backpressure.Handler
	emitter Emitter
	cache   *ttlCache
	clk     clock.Clock
	log     *logger.Entry

	jobs chan *ScanJob
	sem  chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	totalScans      int64
	successfulScans int64
	failedScans     int64
	cacheHits       int64
	avgScanSeconds  float64
}

// New builds a coordinator. A nil clock selects the system clock; a
// nil emitter drops events.
func New(cfg config.CoordinatorConfig, scanner Scanner, bp *backpressure.Handler, emitter Emitter, clk clock.Clock) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	return &Coordinator{
		cfg:     cfg,
		scanner: scanner,
		bp:      bp,
		emitter: emitter,
		cache:   newTTLCache(cfg.CacheTTL, clk),
		clk:     clk,
		log:     logger.GetLogger().WithComponent("coordinator"),
		jobs:    make(chan *ScanJob, cfg.QueueSize),
		sem:     make(chan struct{}, cfg.MaxConcurrentScans),
	}
}

// Start launches the worker pool and the cache janitor.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("coordinator already running")
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	for i := 0; i < c.cfg.MaxConcurrentScans; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}

	c.wg.Add(1)
	go c.janitor(ctx)

	c.log.WithFields(logger.Fields{
		"workers":    c.cfg.MaxConcurrentScans,
		"queue_size": c.cfg.QueueSize,
		"cache_ttl":  c.cfg.CacheTTL.String(),
	}).Info("scan coordinator started")
	return nil
}

// Stop cancels the workers and the janitor and waits for them to exit.
// Calling Stop more than once is safe.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	// Fail anything that slipped into the queue while shutting down so
	// no caller is left blocked on a job no worker will pick up.
	for {
		select {
		case job := <-c.jobs:
			job.fail("coordinator shutting down")
		default:
			c.log.Info("scan coordinator stopped")
			return
		}
	}
}

// ScanSymbol scans one symbol through the job queue, serving a cached
// result when one is still fresh.
func (c *Coordinator) ScanSymbol(ctx context.Context, symbol string, filters []models.ScanFilter, useCache bool) ([]models.VerticalSpread, error) {
	req := models.ScanRequest{
		Symbol:  symbol,
		Filters: filters,
		Limit:   100,
		SortBy:  "score",
	}

	if useCache {
		if spreads, ok := c.cache.get(req.CacheKey()); ok {
			c.mu.Lock()
			c.cacheHits++
			c.mu.Unlock()
			logger.IncrementCacheHit()
			c.log.WithFields(logger.Fields{"symbol": symbol}).Debug("cache hit")
			return spreads, nil
		}
	}

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil, errors.New("coordinator not running")
	}
	c.mu.Unlock()

	job := &ScanJob{
		ID:        uuid.New().String(),
		Request:   req,
		CreatedAt: c.clk.Now(),
		status:    JobPending,
		done:      make(chan struct{}),
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c.jobs <- job:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-job.done:
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	if job.status == JobCompleted {
		return job.result, nil
	}
	return nil, fmt.Errorf("scan failed for %s: %s", symbol, job.errMsg)
}

func (c *Coordinator) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	log := c.log.WithFields(logger.Fields{"worker": id})
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-c.jobs:
			select {
			case <-ctx.Done():
				job.fail("coordinator shutting down")
				return
			case c.sem <- struct{}{}:
			}
			c.process(ctx, job, log)
			<-c.sem
		}
	}
}

func (c *Coordinator) process(ctx context.Context, job *ScanJob, log *logger.Entry) {
	queueTime := c.clk.Now().Sub(job.CreatedAt)

	if err := c.bp.WaitIfNeeded(ctx); err != nil {
		c.recordFailure(job, err, "admission_rejected")
		return
	}

	job.setStatus(JobProcessing)
	start := c.clk.Now()
	spreads, err := c.scanner.Scan(ctx, job.Request)
	duration := c.clk.Now().Sub(start)

	c.bp.RecordRequest(duration, err == nil, queueTime)

	if err != nil {
		c.recordFailure(job, err, "scan_failed")
		return
	}

	c.cache.set(job.Request.CacheKey(), spreads)

	c.mu.Lock()
	c.totalScans++
	c.successfulScans++
	c.avgScanSeconds += (duration.Seconds() - c.avgScanSeconds) / float64(c.successfulScans)
	c.mu.Unlock()

	logger.IncrementScanCompleted(len(spreads))
	logger.LogPerformanceEntry(log, "coordinator", "scan", duration, logger.Fields{
		"symbol":        job.Request.Symbol,
		"spreads_found": len(spreads),
	})

	c.emit(models.Event{
		Type: models.EventScanCompleted,
		Data: map[string]interface{}{
			"symbol":        job.Request.Symbol,
			"spreads_found": len(spreads),
			"scan_time":     duration.Seconds(),
		},
		Timestamp: c.clk.Now(),
	})

	job.complete(spreads)
}

func (c *Coordinator) recordFailure(job *ScanJob, err error, errorType string) {
	c.mu.Lock()
	c.totalScans++
	c.failedScans++
	c.mu.Unlock()

	logger.IncrementScanFailed()
	c.log.WithError(err).WithFields(logger.Fields{
		"symbol":     job.Request.Symbol,
		"error_type": errorType,
	}).Error("scan job failed")

	c.emit(models.Event{
		Type: models.EventError,
		Data: map[string]interface{}{
			"error_type": errorType,
			"symbol":     job.Request.Symbol,
			"error":      err.Error(),
		},
		Timestamp: c.clk.Now(),
	})

	job.fail(err.Error())
}

func (c *Coordinator) emit(event models.Event) {
	if c.emitter == nil {
		return
	}
	c.emitter.Emit(event)
}

func (c *Coordinator) janitor(ctx context.Context) {
	defer c.wg.Done()

	interval := c.cfg.JanitorInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := c.cache.evictExpired(); evicted > 0 {
				c.log.WithFields(logger.Fields{"evicted": evicted}).Debug("expired cache entries evicted")
			}
		}
	}
}

// Metrics returns a snapshot of coordinator state, including the
// nested admission handler snapshot.
func (c *Coordinator) Metrics() map[string]interface{} {
	c.mu.Lock()
	m := map[string]interface{}{
		"total_scans":       c.totalScans,
		"successful_scans":  c.successfulScans,
		"failed_scans":      c.failedScans,
		"cache_hits":        c.cacheHits,
		"average_scan_time": c.avgScanSeconds,
	}
	c.mu.Unlock()

	m["cache_size"] = c.cache.size()
	m["queue_depth"] = len(c.jobs)
	m["backpressure"] = c.bp.Metrics()
	return m
}
