package transfer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelTransfers is the pool size when none is configured.
const DefaultParallelTransfers = 4

// Job is one unit of pool work, typically a closure over a Worker call.
type Job func(ctx context.Context) Result

// Pool runs jobs on a bounded number of goroutines. Jobs report failures in
// their Result, so one failing job never stops the others.
type Pool struct {
	workers int
	logger  *slog.Logger
}

// NewPool creates a pool of the given width.
func NewPool(workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultParallelTransfers
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{workers: workers, logger: logger}
}

// Run executes jobs and returns their results in submission order.
func (p *Pool) Run(ctx context.Context, jobs []Job) []Result {
	batch := uuid.NewString()
	results := make([]Result, len(jobs))

	p.logger.Info("transfer batch started",
		slog.String("batch_id", batch),
		slog.Int("jobs", len(jobs)),
		slog.Int("workers", p.workers),
	)

	var g errgroup.Group
	g.SetLimit(p.workers)

	for i, job := range jobs {
		g.Go(func() error {
			results[i] = job(ctx)
			return nil
		})
	}

	_ = g.Wait() //nolint:errcheck // jobs never return errors

	counts := make(map[Outcome]int)
	for i := range results {
		counts[results[i].Outcome]++
	}

	p.logger.Info("transfer batch finished",
		slog.String("batch_id", batch),
		slog.Int("succeeded", counts[Succeeded]),
		slog.Int("already_in_progress", counts[AlreadyInProgress]),
		slog.Int("cancelled", counts[Cancelled]),
		slog.Int("failed", len(results)-counts[Succeeded]-counts[AlreadyInProgress]-counts[Cancelled]),
	)

	return results
}

// Stream is an open-ended submission queue for long-running callers such as
// the capture watcher. Results are delivered to the callback one at a time.
type Stream struct {
	ctx      context.Context //nolint:containedctx // lives as long as the stream
	g        errgroup.Group
	mu       sync.Mutex
	onResult func(Result)
}

// Stream opens a queue bound to ctx. onResult may be nil.
func (p *Pool) Stream(ctx context.Context, onResult func(Result)) *Stream {
	s := &Stream{ctx: ctx, onResult: onResult}
	s.g.SetLimit(p.workers)

	return s
}

// Submit schedules job, blocking while every worker is busy.
func (s *Stream) Submit(job Job) {
	s.g.Go(func() error {
		res := job(s.ctx)

		if s.onResult != nil {
			s.mu.Lock()
			s.onResult(res)
			s.mu.Unlock()
		}

		return nil
	})
}

// Wait blocks until every submitted job has finished.
func (s *Stream) Wait() {
	_ = s.g.Wait() //nolint:errcheck // jobs never return errors
}
