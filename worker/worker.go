// Package worker implements the single-threaded cooperative executor each
// Sender/Connection set lives on: one goroutine, one event loop, posted
// closures and timers, no intra-Worker locks.
package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/Meander-Cloud/go-schedule/scheduler"

	"github.com/RakhithJK/LogDevice/config"
	"github.com/RakhithJK/LogDevice/errs"
	"github.com/RakhithJK/LogDevice/logging"
	"github.com/RakhithJK/LogDevice/messages"
)

type closure struct {
	f  func()
	t0 time.Time
}

func newClosure() *closure {
	return &closure{f: nil, t0: time.Time{}}
}

func (e *closure) reset() {
	e.f = nil
	e.t0 = time.Time{}
}

// Worker wraps go-schedule's Scheduler[Group] exactly as
// github.com/Meander-Cloud/go-elect/arbiter.Arbiter does: a pooled *closure
// posted onto an async event channel, drained on the single scheduler
// goroutine. This is the "no-intra-Worker-locks" concurrency boundary
// required by the concurrency model: every Connection and Sender this
// Worker owns is only ever touched from closures run here.
type Worker struct {
	logPrefix string
	logDebug  bool

	s        *scheduler.Scheduler[Group]
	closurepl sync.Pool
	closurech chan *closure

	shuttingDown bool

	registry map[RequestType]map[RequestID]Request
	regmu    sync.Mutex // guards registry map and shuttingDown only; request bodies run on the Worker goroutine
}

func NewWorker(c *config.Settings) *Worker {
	eventChannelLength := c.EventChannelLengthOrDefault()

	w := &Worker{
		logPrefix: c.LogPrefix,
		logDebug:  c.LogDebug,

		s: scheduler.NewScheduler[Group](
			&scheduler.Options{
				LogPrefix: c.LogPrefix,
				LogDebug:  c.LogDebug,
			},
		),
		closurepl: sync.Pool{
			New: func() any {
				return newClosure()
			},
		},
		closurech: make(chan *closure, eventChannelLength),

		registry: make(map[RequestType]map[RequestID]Request),
	}

	w.s.ProcessAsync(
		&scheduler.ScheduleAsyncEvent[Group]{
			AsyncVariant: scheduler.NewAsyncVariant(
				false,
				nil,
				w.closurech,
				func(_ *scheduler.Scheduler[Group], _ *scheduler.AsyncVariant[Group], recv interface{}) {
					w.handle(recv)
				},
				func(_ *scheduler.Scheduler[Group], v *scheduler.AsyncVariant[Group]) {
					logging.For(w.logPrefix).WithField("selectCount", v.SelectCount).Debug("closurech released")
				},
			),
		},
	)

	// ownership of internal state transfers to the scheduler goroutine
	w.s.RunAsync()

	return w
}

// Shutdown blocks until every pending closure has drained and the
// scheduler goroutine has exited. Intended to be called from a dedicated
// coordinator goroutine, not from inside a closure running on this Worker.
func (w *Worker) Shutdown() {
	w.regmu.Lock()
	w.shuttingDown = true
	w.regmu.Unlock()

	w.s.Shutdown() // wait
}

// Scheduler exposes the underlying scheduler for timer-group scheduling
// (worker.Group-scoped TimerAsync/ReleaseGroupEvent), mirroring
// arbiter.Arbiter.Scheduler().
func (w *Worker) Scheduler() *scheduler.Scheduler[Group] {
	return w.s
}

func (w *Worker) getClosure() *closure {
	v := w.closurepl.Get()
	e, ok := v.(*closure)
	if !ok {
		panic(fmt.Sprintf("%s: failed to cast closure, v=%#v", w.logPrefix, v))
	}
	return e
}

func (w *Worker) returnClosure(e *closure) {
	e.reset()
	w.closurepl.Put(e)
}

// scheduler goroutine
func (w *Worker) handle(recv interface{}) {
	e, ok := recv.(*closure)
	if !ok {
		logging.For(w.logPrefix).Errorf("failed to cast closure, recv=%#v", recv)
		return
	}
	defer w.returnClosure(e)

	t1 := time.Now().UTC()

	func() {
		defer func() {
			rec := recover()
			if rec != nil {
				logging.For(w.logPrefix).Errorf("closure recovered from panic: %+v", rec)
			}
		}()
		e.f()
	}()

	if w.logDebug {
		logging.For(w.logPrefix).Debugf(
			"closure goQueueWait=%dus, elapsed=%dus",
			t1.Sub(e.t0).Microseconds(),
			time.Since(t1).Microseconds(),
		)
	}
}

// Add posts a bare closure to run on the Worker goroutine. Safe from any
// goroutine.
func (w *Worker) Add(f func()) error {
	w.regmu.Lock()
	shuttingDown := w.shuttingDown
	w.regmu.Unlock()
	if shuttingDown {
		return errs.ErrWorkerShuttingDown
	}

	e := w.getClosure()
	e.f = f
	e.t0 = time.Now().UTC()

	select {
	case w.closurech <- e:
	default:
		w.returnClosure(e)
		return fmt.Errorf("%s: %w", w.logPrefix, errs.ErrDispatchQueueFull)
	}

	return nil
}

// Post registers req in the per-type registry and runs req.Run on the
// Worker goroutine. Safe from any goroutine.
func (w *Worker) Post(req Request) error {
	w.regmu.Lock()
	if w.shuttingDown {
		w.regmu.Unlock()
		return errs.ErrWorkerShuttingDown
	}
	byID, found := w.registry[req.Type()]
	if !found {
		byID = make(map[RequestID]Request)
		w.registry[req.Type()] = byID
	}
	byID[req.ID()] = req
	w.regmu.Unlock()

	return w.Add(func() {
		req.Run(w)
	})
}

// Cancel removes a request from its registry without invoking OnReply,
// for callers that gave up waiting (e.g. a request-level timeout, which
// is the caller's responsibility, not this layer's).
func (w *Worker) Cancel(t RequestType, id RequestID) {
	w.regmu.Lock()
	defer w.regmu.Unlock()
	byID, found := w.registry[t]
	if !found {
		return
	}
	delete(byID, id)
}

// DeliverReply looks up rqid in the registry for t; if present, invokes
// Request.OnReply; if absent, drops msg silently (the request has already
// completed or been cancelled). The entry stays registered until Cancel,
// so a request expecting several replies keeps receiving them.
func (w *Worker) DeliverReply(t RequestType, from messages.PeerAddress, rqid RequestID, msg *messages.Message) {
	w.regmu.Lock()
	byID, found := w.registry[t]
	var req Request
	if found {
		req, found = byID[rqid]
	}
	w.regmu.Unlock()

	if !found {
		logging.For(w.logPrefix).WithField("rqid", rqid).Debug("reply correlates to no pending request, dropping")
		return
	}

	req.OnReply(from, msg)
}
