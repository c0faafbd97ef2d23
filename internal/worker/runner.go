package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/leaseq/leaseq/internal/model"
	"github.com/leaseq/leaseq/internal/queue"
	"github.com/leaseq/leaseq/internal/repository"
	"github.com/leaseq/leaseq/internal/util"
	"go.uber.org/zap"
)

// Queue is the consumer-side surface of the engine.
type Queue interface {
	Claim(ctx context.Context, workerID string) (*queue.Delivery, error)
	Renew(ctx context.Context, messageID, workerID string) (model.Lease, error)
	ReportSuccess(ctx context.Context, messageID, workerID string) error
	ReportFailure(ctx context.Context, messageID, workerID, errText string) (bool, error)
	LeaseTTL() time.Duration
}

// Handler processes one delivered message. A nil return reports success; any
// error reports a failed attempt. The context is cancelled if lease custody
// is lost mid-processing, and handlers must stop promptly when that happens.
type Handler interface {
	Handle(ctx context.Context, m model.Message) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, m model.Message) error

func (f HandlerFunc) Handle(ctx context.Context, m model.Message) error { return f(ctx, m) }

// Runner is the dispatch loop: claim -> handle -> report, fanned out over
// Workers goroutines, each with its own worker identity. A heartbeat renews
// the lease at TTL/3 while the handler runs; processing is at-least-once and
// handlers must tolerate redelivery.
type Runner struct {
	Queue   Queue
	Handler Handler

	// Behavior
	Workers      int
	PollInterval time.Duration
	Wake         <-chan struct{}
	Log          *zap.Logger
}

// NewRunner builds a runner with sane defaults.
func NewRunner(q Queue, h Handler, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		Queue:        q,
		Handler:      h,
		Workers:      8,
		PollInterval: time.Second,
		Log:          log,
	}
}

// Run starts the worker goroutines and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if r.Queue == nil || r.Handler == nil {
		return errors.New("runner: queue and handler are required")
	}
	if r.Workers <= 0 {
		r.Workers = 8
	}
	if r.PollInterval <= 0 {
		r.PollInterval = time.Second
	}

	var wg sync.WaitGroup
	for i := 0; i < r.Workers; i++ {
		workerID := util.New()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.loop(ctx, workerID)
		}()
	}

	wg.Wait()
	return ctx.Err()
}

func (r *Runner) loop(ctx context.Context, workerID string) {
	pc := queue.NewPollControl(r.PollInterval, r.Wake)
	log := r.Log.With(zap.String("worker_id", workerID))

	for {
		if err := pc.Wait(ctx); err != nil {
			return
		}

		d, err := r.Queue.Claim(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("claim", zap.Error(err))
			pc.Failed()
			continue
		}
		pc.Succeeded()
		if d == nil {
			continue
		}

		r.process(ctx, d, workerID, log)
	}
}

// process runs the handler under a cancellable context guarded by the lease
// heartbeat. When custody is lost the outcome is not reported; the message
// belongs to whoever claims it next.
func (r *Runner) process(ctx context.Context, d *queue.Delivery, workerID string, log *zap.Logger) {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan struct{})
	lost := make(chan struct{})
	go r.heartbeat(hctx, d.Message.ID, workerID, cancel, stop, lost, log)

	err := r.Handler.Handle(hctx, d.Message)
	close(stop)

	select {
	case <-lost:
		log.Warn("lease custody lost, abandoning message",
			zap.String("message_id", d.Message.ID))
		return
	default:
	}
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		dead, rerr := r.Queue.ReportFailure(ctx, d.Message.ID, workerID, err.Error())
		if rerr != nil && !errors.Is(rerr, repository.ErrAlreadyTerminal) {
			log.Error("report failure", zap.String("message_id", d.Message.ID), zap.Error(rerr))
			return
		}
		if dead {
			log.Warn("message dead-lettered",
				zap.String("message_id", d.Message.ID),
				zap.String("name", d.Message.Name))
		}
		return
	}

	if serr := r.Queue.ReportSuccess(ctx, d.Message.ID, workerID); serr != nil && !errors.Is(serr, repository.ErrAlreadyTerminal) {
		log.Error("report success", zap.String("message_id", d.Message.ID), zap.Error(serr))
	}
}

// heartbeat renews the lease at TTL/3 until stop closes. On ErrNotHolder or
// ErrLeaseExpired it cancels the handler and signals lost custody; transient
// renewal errors are retried on the next tick inside the remaining margin.
func (r *Runner) heartbeat(ctx context.Context, messageID, workerID string, cancel context.CancelFunc, stop, lost chan struct{}, log *zap.Logger) {
	interval := r.Queue.LeaseTTL() / 3
	if interval <= 0 {
		interval = time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-tick.C:
			_, err := r.Queue.Renew(ctx, messageID, workerID)
			if err == nil {
				continue
			}
			if errors.Is(err, repository.ErrNotHolder) || errors.Is(err, repository.ErrLeaseExpired) {
				close(lost)
				cancel()
				return
			}
			log.Warn("lease renewal", zap.String("message_id", messageID), zap.Error(err))
		}
	}
}
