package stream

import (
	"context"

	"github.com/hupe1980/taskrelay/core"
	"github.com/hupe1980/taskrelay/ledger"
	"github.com/hupe1980/taskrelay/logging"
)

// Source resolves a task's ledger. *ledger.Store satisfies it.
type Source interface {
	Get(taskID string) (*ledger.Ledger, error)
}

var _ Source = (*ledger.Store)(nil)

// Options configures a Server.
type Options struct {
	// Buffer is the capacity of each subscription's step channel.
	Buffer int

	Logger logging.Logger
}

// Server serves ordered, resumable step subscriptions.
type Server struct {
	source Source
	opts   Options
	logger logging.Logger
}

// New creates a Server reading ledgers from source.
func New(source Source, optFns ...func(o *Options)) *Server {
	opts := Options{
		Buffer: 16,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Buffer < 0 {
		opts.Buffer = 0
	}

	return &Server{
		source: source,
		opts:   opts,
		logger: logging.OrNoOp(opts.Logger),
	}
}

// Subscribe replays every step with Seq > afterSeq and then follows live
// appends. The step channel is closed after the terminal step has been
// delivered, or early when ctx ends, in which case ctx's error is sent on
// the error channel first. Pass -1 to start from the beginning.
//
// Subscribing to a closed ledger with afterSeq at or past the terminal step
// yields no steps. Re-subscribing with the last received Seq never repeats
// or skips a step.
func (s *Server) Subscribe(ctx context.Context, taskID string, afterSeq int64) (<-chan core.Step, <-chan error, error) {
	l, err := s.source.Get(taskID)
	if err != nil {
		return nil, nil, err
	}

	steps := make(chan core.Step, s.opts.Buffer)
	errs := make(chan error, 1)

	s.logger.Debug("stream.subscribe", "task_id", taskID, "after_seq", afterSeq)

	go func() {
		defer close(errs)
		defer close(steps)

		cursor := afterSeq

		for {
			batch, closed, changed := l.Snapshot(cursor)

			for _, step := range batch {
				select {
				case steps <- step:
					cursor = step.Seq
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}

			if closed {
				return
			}

			select {
			case <-changed:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return steps, errs, nil
}

// Collect subscribes and drains the subscription until the terminal step,
// returning the steps received so far together with any error.
func (s *Server) Collect(ctx context.Context, taskID string, afterSeq int64) ([]core.Step, error) {
	ch, errs, err := s.Subscribe(ctx, taskID, afterSeq)
	if err != nil {
		return nil, err
	}

	var out []core.Step
	for step := range ch {
		out = append(out, step)
	}

	return out, <-errs
}
