// Package service runs the worker pool that drains the incident queue
// through the orchestrator and captures basic telemetry.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/internal/pipeline"
	"github.com/telhawk-systems/telhawk-triage/internal/queue"
)

// Runner processes one delivery to a settled outcome.
type Runner interface {
	Run(ctx context.Context, d queue.Delivery) (pipeline.Outcome, error)
}

// Config tunes the worker pool.
type Config struct {
	// Workers is the number of concurrent incident processors.
	Workers int

	// ShutdownTimeout bounds the in-flight drain after the pull context is
	// cancelled.
	ShutdownTimeout time.Duration

	// LeaseInterval is how often in-flight deliveries extend their ack
	// deadline. Zero disables keep-alives; wire it to half the consumer's
	// ack wait so a slow analysis never triggers redelivery mid-run.
	LeaseInterval time.Duration
}

// Processor pulls deliveries from a queue source and hands each to the
// runner on one of a fixed pool of workers.
type Processor struct {
	cfg    Config
	source queue.Source
	runner Runner
	logger *logging.Logger

	startedAt    time.Time
	processed    atomic.Uint64
	published    atomic.Uint64
	deadLettered atomic.Uint64
	requeued     atomic.Uint64
	skipped      atomic.Uint64
	abandoned    atomic.Uint64

	wg sync.WaitGroup
}

// New creates a Processor over a queue source.
func New(cfg Config, src queue.Source, runner Runner, logger *logging.Logger) *Processor {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 60 * time.Second
	}
	return &Processor{
		cfg:       cfg,
		source:    src,
		runner:    runner,
		logger:    logger,
		startedAt: time.Now().UTC(),
	}
}

// Run blocks until the source drains or the context is cancelled. Workers
// stop pulling the moment ctx is cancelled; deliveries already in flight
// finish under a detached context so an incident mid-stage is not cut off,
// bounded by ShutdownTimeout.
func (p *Processor) Run(ctx context.Context) error {
	procCtx := context.WithoutCancel(ctx)

	p.logger.Info("worker pool starting", "workers", p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, procCtx, i+1)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool drained", "processed", p.processed.Load())
		return nil
	case <-ctx.Done():
	}

	p.logger.Info("shutdown requested, draining in-flight incidents",
		"timeout", p.cfg.ShutdownTimeout)
	select {
	case <-done:
		p.logger.Info("worker pool stopped", "processed", p.processed.Load())
		return nil
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn("shutdown timeout exceeded, abandoning in-flight work")
		return fmt.Errorf("drain timed out after %s", p.cfg.ShutdownTimeout)
	}
}

func (p *Processor) worker(pullCtx, procCtx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.With(logging.Component("worker"), "worker", id)

	for {
		if pullCtx.Err() != nil {
			return
		}

		d, err := p.source.Next(pullCtx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info("queue drained, worker exiting")
				return
			}
			if pullCtx.Err() != nil {
				return
			}
			log.Warn("queue receive failed", logging.Error(err))
			continue
		}

		p.process(procCtx, d, log)
	}
}

func (p *Processor) process(ctx context.Context, d queue.Delivery, log *logging.Logger) {
	stop := p.keepAlive(ctx, d, log)
	defer stop()

	outcome, err := p.runner.Run(ctx, d)
	p.processed.Add(1)
	switch outcome {
	case pipeline.OutcomePublished:
		p.published.Add(1)
	case pipeline.OutcomeDeadLettered:
		p.deadLettered.Add(1)
	case pipeline.OutcomeRequeued:
		p.requeued.Add(1)
	case pipeline.OutcomeSkipped:
		p.skipped.Add(1)
	case pipeline.OutcomeAbandoned:
		p.abandoned.Add(1)
		// The orchestrator left the delivery unsettled on purpose; the
		// broker redelivers after the ack wait.
		log.Warn("delivery abandoned", logging.Error(err))
	}
}

// keepAlive extends the delivery's ack deadline on a ticker while the
// incident is in flight. The returned stop func is idempotent.
func (p *Processor) keepAlive(ctx context.Context, d queue.Delivery, log *logging.Logger) func() {
	if p.cfg.LeaseInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var once sync.Once
	ticker := time.NewTicker(p.cfg.LeaseInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.Extend(); err != nil {
					log.Warn("lease extension failed", logging.Error(err))
				}
			}
		}
	}()
	return func() {
		once.Do(func() { close(done) })
	}
}

// Stats is a snapshot of the pool's counters.
type Stats struct {
	UptimeSeconds int64  `json:"uptime_seconds"`
	Workers       int    `json:"workers"`
	Processed     uint64 `json:"processed"`
	Published     uint64 `json:"published"`
	DeadLettered  uint64 `json:"dead_lettered"`
	Requeued      uint64 `json:"requeued"`
	Skipped       uint64 `json:"skipped"`
	Abandoned     uint64 `json:"abandoned"`
}

// Health returns live status for health checks.
func (p *Processor) Health() Stats {
	return Stats{
		UptimeSeconds: int64(time.Since(p.startedAt).Seconds()),
		Workers:       p.cfg.Workers,
		Processed:     p.processed.Load(),
		Published:     p.published.Load(),
		DeadLettered:  p.deadLettered.Load(),
		Requeued:      p.requeued.Load(),
		Skipped:       p.skipped.Load(),
		Abandoned:     p.abandoned.Load(),
	}
}
