package engine

import (
	"context"

	logx "scrapewatch/pkg/logx"
)

type request struct {
	name   string
	manual bool
}

// requestQueue is the FIFO of deferred trigger requests. Callers hold the engine lock.
type requestQueue struct {
	items []request
}

func (q *requestQueue) push(r request) { q.items = append(q.items, r) }

func (q *requestQueue) pop() (request, bool) {
	if len(q.items) == 0 {
		return request{}, false
	}
	r := q.items[0]
	q.items[0] = request{}
	q.items = q.items[1:]
	return r, true
}

func (q *requestQueue) len() int { return len(q.items) }

// QueueLen returns the number of deferred requests.
func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.len()
}

// startDrain hands the queue to a background drain. Deferred requests
// belong to other callers, so they run on a context that keeps ctx's values
// but not its cancellation, and the current caller does not wait for them.
func (e *Engine) startDrain(ctx context.Context) {
	e.mu.Lock()
	idle := e.draining || e.queue.len() == 0
	e.mu.Unlock()
	if idle {
		return
	}
	go e.drain(context.WithoutCancel(ctx))
}

// drain re-submits deferred requests while there is spare capacity.
//
// Only one drain runs at a time; a completion that finds a drain in progress
// returns immediately. Each pass handles at most the requests present when it
// started, so a request that is deferred again waits for the next completion.
func (e *Engine) drain(ctx context.Context) {
	e.mu.Lock()
	if e.draining || e.queue.len() == 0 {
		e.mu.Unlock()
		return
	}
	e.draining = true
	budget := e.queue.len()
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.draining = false
		e.mu.Unlock()
	}()

	for ; budget > 0; budget-- {
		e.mu.Lock()
		if e.active >= e.cfg.MaxConcurrent {
			e.mu.Unlock()
			return
		}
		req, ok := e.queue.pop()
		e.mu.Unlock()
		if !ok {
			return
		}
		e.log.Debug("job.dequeued", logx.String("job", req.name), logx.Bool("manual", req.manual))
		e.Execute(ctx, req.name, req.manual)
	}
}
