// Package sendqueue serializes the outbound sends of one session.
package sendqueue

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lk2023060901/altpool-go/pkg/log"
	"github.com/lk2023060901/altpool-go/pkg/metrics"
	"github.com/lk2023060901/altpool-go/pkg/util/conc"
)

const rateGroup = "sendqueue"

// Action performs one send. The context is canceled when the queue closes.
type Action func(ctx context.Context) error

// Queue runs enqueued actions one at a time, in order, leaving at least
// minInterval between the end of one action and the start of the next.
// A failed action is logged and dropped. The queue is unbounded.
type Queue struct {
	log.Binder

	clock       clockwork.Clock
	minInterval time.Duration

	mu      sync.Mutex
	pending []Action
	closed  bool
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   *conc.Future[struct{}]
}

func New(clock clockwork.Clock, minInterval time.Duration) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		clock:       clock,
		minInterval: minInterval,
		wake:        make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	q.BindLogger(log.With())
	q.done = conc.Go(func() (struct{}, error) {
		q.work()
		return struct{}{}, nil
	})
	return q
}

// BindLogger derives the queue logger from base. Send failures of every
// queue share one rate group.
func (q *Queue) BindLogger(base *log.MLogger) {
	q.SetLogger(base.With(log.FieldComponent("sendqueue")).WithRateGroup(rateGroup, 1, 30))
}

// Enqueue appends action and returns immediately. It reports false when the
// queue is closed.
func (q *Queue) Enqueue(action Action) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, action)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Len is the number of actions waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close drops pending actions, cancels the running one and waits for the
// worker to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.done.Await()
		return
	}
	q.closed = true
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	q.cancel()
	q.done.Await()
	if dropped > 0 {
		q.Logger().Debug("send queue closed with pending actions", zap.Int("dropped", dropped))
	}
}

func (q *Queue) next() (Action, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	action := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return action, true
}

func (q *Queue) work() {
	var lastEnd time.Time
	for {
		action, ok := q.next()
		if !ok {
			select {
			case <-q.ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		if !lastEnd.IsZero() {
			if wait := q.minInterval - q.clock.Since(lastEnd); wait > 0 {
				select {
				case <-q.ctx.Done():
					return
				case <-q.clock.After(wait):
				}
			}
		}
		if q.ctx.Err() != nil {
			return
		}

		if err := action(q.ctx); err != nil {
			metrics.SendTotal.WithLabelValues(metrics.FailLabel).Inc()
			q.Logger().RatedWarn(5, "send failed, dropped", zap.Error(err))
		} else {
			metrics.SendTotal.WithLabelValues(metrics.SuccessLabel).Inc()
		}
		lastEnd = q.clock.Now()
	}
}
