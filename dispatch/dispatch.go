// Package dispatch implements the request dispatcher and its executor
// pool: incoming DB-engine requests are handed to add_request, assigned to
// one worker, and run to completion on that worker's own goroutine so
// request submission order within a connection is preserved as execution
// order. Each worker owns a FIFO channel in place of the condvar-guarded
// queue a non-Go implementation would reach for; a channel receive is
// already "block until nonempty or closed".
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/latticedb/lattice/dberr"
	"github.com/latticedb/lattice/engine/request"
)

// Handler executes one request against the engine and returns its result
// (a row set, an affected-row count, a catalog listing - whatever shape
// the concrete request kind implies) or an error.
type Handler func(ctx context.Context, req request.Request) (interface{}, error)

// ConnectionHandle lets a Work item detect that its originating connection
// has already gone away by the time the executor gets to it - a weak
// reference to the originating connection handler. The executor still
// fulfils the promise, it just skips running Handler.
type ConnectionHandle interface {
	// Live reports whether the owning connection is still around. It must
	// be safe to call from the worker goroutine.
	Live() bool
}

// Result is what a submitted Work item's promise resolves to.
type Result struct {
	Value     interface{}
	Err       error
	Cancelled bool
}

// Work is one unit handed to the dispatcher: a request_id supplied by the
// client, a response_id assigned by the worker that runs it, the
// statement_count this request represents within its connection's batch,
// a weak reference to the originating connection, and the typed request
// itself.
type Work struct {
	RequestID      uint64
	StatementCount uint32
	Conn           ConnectionHandle
	Req            request.Request

	// ResponseID is assigned by AddRequest; any caller-supplied value is
	// overwritten.
	ResponseID uint64

	done chan Result
}

// Promise returns the channel the submitter blocks on for this Work's
// result. It is closed after exactly one send.
func (w *Work) Promise() <-chan Result { return w.done }

// Metrics are the Prometheus collectors the dispatcher registers so an
// operator can watch queue depth and throughput per worker.
type Metrics struct {
	QueueDepth      *prometheus.GaugeVec
	RequestsHandled *prometheus.CounterVec
	RequestsDropped prometheus.Counter
}

// NewMetrics builds and registers a fresh Metrics set against reg. Passing
// a nil reg is valid and yields unregistered (but still usable) metrics,
// useful in tests that don't want to touch the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lattice_dispatch_queue_depth",
			Help: "Number of requests queued per executor worker.",
		}, []string{"worker"}),
		RequestsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_dispatch_requests_handled_total",
			Help: "Requests completed per executor worker, by outcome.",
		}, []string{"worker", "outcome"}),
		RequestsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lattice_dispatch_requests_dropped_total",
			Help: "Requests discarded because their connection had already gone away.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.QueueDepth, m.RequestsHandled, m.RequestsDropped)
	}
	return m
}

// Dispatcher owns a fixed-size pool of executor workers, each with its own
// FIFO queue. add_request's current scheduling policy is a placeholder:
// every request goes to worker #0. Any policy that preserves per-
// connection ordering is a valid replacement; nothing besides
// assignWorker below would need to change.
type Dispatcher struct {
	handler Handler
	metrics *Metrics
	workers []*worker

	// shutdownMu is held for reading by every AddRequest and for writing
	// only by Shutdown, so a send to a worker's queue channel can never
	// race with that same channel being closed.
	shutdownMu sync.RWMutex
	closing    int32
	wg         sync.WaitGroup

	nextResponseID uint64
}

type worker struct {
	id    int
	queue chan *Work
}

// New starts a Dispatcher with the given number of executor workers. size
// must be at least 1.
func New(size int, handler Handler, metrics *Metrics) *Dispatcher {
	if size < 1 {
		size = 1
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	d := &Dispatcher{handler: handler, metrics: metrics, workers: make([]*worker, size)}
	for i := range d.workers {
		w := &worker{id: i, queue: make(chan *Work, 256)}
		d.workers[i] = w
		d.wg.Add(1)
		go d.run(w)
	}
	return d
}

// assignWorker implements the current scheduling policy: dispatch
// everything to worker #0.
func (d *Dispatcher) assignWorker(_ *Work) *worker {
	return d.workers[0]
}

// AddRequest enqueues w on the worker its policy assigns it to and
// returns the channel its result will arrive on. Called after Shutdown,
// it does not enqueue w; the returned channel delivers a cancelled Result.
func (d *Dispatcher) AddRequest(w *Work) <-chan Result {
	w.done = make(chan Result, 1)
	w.ResponseID = atomic.AddUint64(&d.nextResponseID, 1)

	d.shutdownMu.RLock()
	defer d.shutdownMu.RUnlock()
	if atomic.LoadInt32(&d.closing) != 0 {
		w.done <- Result{Cancelled: true}
		close(w.done)
		return w.done
	}
	target := d.assignWorker(w)
	d.metrics.QueueDepth.WithLabelValues(workerLabel(target.id)).Inc()
	target.queue <- w
	return w.done
}

func (d *Dispatcher) run(w *worker) {
	defer d.wg.Done()
	label := workerLabel(w.id)
	for work := range w.queue {
		d.metrics.QueueDepth.WithLabelValues(label).Dec()
		if atomic.LoadInt32(&d.closing) != 0 {
			work.done <- Result{Cancelled: true}
			close(work.done)
			continue
		}
		d.execute(work, label)
	}
}

func (d *Dispatcher) execute(work *Work, label string) {
	if work.Conn != nil && !work.Conn.Live() {
		d.metrics.RequestsDropped.Inc()
		work.done <- Result{Cancelled: true}
		close(work.done)
		return
	}

	ctx := context.Background()
	value, err := d.handler(ctx, work.Req)
	outcome := "ok"
	if err != nil {
		outcome = dberr.CodeOf(err).String()
	}
	d.metrics.RequestsHandled.WithLabelValues(label, outcome).Inc()
	work.done <- Result{Value: value, Err: err}
	close(work.done)
}

// Shutdown signals every worker to drain its queue without executing
// further work (each queued item's promise resolves to "cancelled"), then
// waits for all worker goroutines to exit. It is safe to call at most
// once.
func (d *Dispatcher) Shutdown() {
	d.shutdownMu.Lock()
	atomic.StoreInt32(&d.closing, 1)
	for _, w := range d.workers {
		close(w.queue)
	}
	d.shutdownMu.Unlock()
	d.wg.Wait()
}

func workerLabel(id int) string {
	const letters = "0123456789"
	if id < len(letters) {
		return letters[id : id+1]
	}
	return "n"
}
