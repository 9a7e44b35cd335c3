package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hupe1980/taskrelay/core"
)

// HandlerOptions configures the SSE handler.
type HandlerOptions struct {
	// TaskID extracts the task from the request. Defaults to the "id" path
	// value.
	TaskID func(r *http.Request) string

	// Heartbeat is the interval of keep-alive comments. Zero disables them.
	Heartbeat time.Duration
}

// Handler streams a task's steps as Server-Sent Events. Each event carries
// the step's Seq as its id and the step kind as its type, so browsers
// resume through Last-Event-ID. An explicit ?after= query parameter takes
// precedence. The response ends after the terminal step.
func (s *Server) Handler(optFns ...func(o *HandlerOptions)) http.Handler {
	opts := HandlerOptions{
		TaskID:    func(r *http.Request) string { return r.PathValue("id") },
		Heartbeat: 15 * time.Second,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		afterSeq, err := resumeCursor(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		taskID := opts.TaskID(r)

		steps, errs, err := s.Subscribe(r.Context(), taskID, afterSeq)
		if err != nil {
			if errors.Is(err, core.ErrLedgerNotFound) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		fmt.Fprintf(w, ": connected to %s\n\n", taskID) //nolint:errcheck
		flusher.Flush()

		var heartbeat <-chan time.Time
		if opts.Heartbeat > 0 {
			ticker := time.NewTicker(opts.Heartbeat)
			defer ticker.Stop()
			heartbeat = ticker.C
		}

		for {
			select {
			case step, ok := <-steps:
				if !ok {
					if err := <-errs; err != nil {
						s.logger.Debug("stream.sse.closed", "task_id", taskID, "error", err.Error())
					}
					return
				}

				if err := writeEvent(w, step); err != nil {
					s.logger.Warn("stream.sse.write_failed", "task_id", taskID, "seq", step.Seq, "error", err.Error())
					return
				}
				flusher.Flush()
			case <-heartbeat:
				fmt.Fprintf(w, ": heartbeat %s\n\n", time.Now().UTC().Format(time.RFC3339)) //nolint:errcheck
				flusher.Flush()
			}
		}
	})
}

func resumeCursor(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}

	if raw == "" {
		return -1, nil
	}

	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < -1 {
		return 0, fmt.Errorf("invalid resume cursor %q", raw)
	}

	return seq, nil
}

func writeEvent(w http.ResponseWriter, step core.Step) error {
	data, err := json.Marshal(step)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", step.Seq, step.Kind, data)

	return err
}
