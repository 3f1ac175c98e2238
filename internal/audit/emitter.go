package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/infravault/internal/idgen"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	auditEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "infravault",
		Subsystem: "audit",
		Name:      "events_total",
		Help:      "Total audit events emitted by event type.",
	}, []string{"event_type"})

	auditAppendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "infravault",
		Subsystem: "audit",
		Name:      "append_errors_total",
		Help:      "Total audit log append failures.",
	})

	auditSubscriberBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "infravault",
		Subsystem: "audit",
		Name:      "subscriber_backlog",
		Help:      "Events queued but not yet handled, by subscriber.",
	}, []string{"subscriber"})
)

func init() {
	prometheus.MustRegister(auditEventsTotal, auditAppendErrors, auditSubscriberBacklog)
}

const appendTimeout = 5 * time.Second

// Emitter appends events to a Log and fans them out to subscribers.
// Emit never blocks on a subscriber: each one has its own unbounded queue
// drained by a dedicated goroutine, in emission order.
type Emitter struct {
	log    Log
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
	wg     sync.WaitGroup
}

// NewEmitter creates an emitter backed by log. A nil log disables
// persistence but subscribers still receive events.
func NewEmitter(log Log, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		log:    log,
		logger: logger,
		subs:   make(map[string]*subscription),
	}
}

// Emit records ev and queues it for every subscriber. Missing ID and
// CreatedAt are filled in. Append failures are logged, never returned:
// the state change the event describes has already happened.
func (e *Emitter) Emit(ctx context.Context, ev Event) Event {
	if e == nil {
		return ev
	}
	if ev.ID == "" {
		ev.ID = idgen.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	auditEventsTotal.WithLabelValues(string(ev.Type)).Inc()

	// Hold the lock across append and fan-out so subscribers observe
	// events in Seq order.
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.log != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendTimeout)
		err := e.log.Append(actx, &ev)
		cancel()
		if err != nil {
			auditAppendErrors.Inc()
			e.logger.Error("audit append failed", "event", ev.Type, "id", ev.ID, "error", err)
		}
	}
	if e.closed {
		return ev
	}
	for _, s := range e.subs {
		s.push(ev)
	}
	return ev
}

// Subscribe registers fn under name. Subscribing twice under one name
// replaces the earlier subscriber once its queue drains. The returned
// function unsubscribes.
func (e *Emitter) Subscribe(name string, fn func(Event)) func() {
	s := &subscription{
		name:   name,
		fn:     fn,
		logger: e.logger,
		signal: make(chan struct{}, 1),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return func() {}
	}
	if old, ok := e.subs[name]; ok {
		old.close()
	}
	e.subs[name] = s
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		s.run()
	}()

	return func() {
		e.mu.Lock()
		if e.subs[name] == s {
			delete(e.subs, name)
		}
		e.mu.Unlock()
		s.close()
	}
}

// List reads back persisted events.
func (e *Emitter) List(ctx context.Context, f Filter) ([]*Event, error) {
	if e.log == nil {
		return nil, nil
	}
	return e.log.List(ctx, f)
}

// Close stops accepting subscribers and waits until every queued event
// has been handed to its subscriber.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for name, s := range e.subs {
		s.close()
		delete(e.subs, name)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

type subscription struct {
	name   string
	fn     func(Event)
	logger *slog.Logger

	mu     sync.Mutex
	queue  []Event
	closed bool
	signal chan struct{}
}

func (s *subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	auditSubscriberBacklog.WithLabelValues(s.name).Set(float64(len(s.queue)))
	s.mu.Unlock()
	s.wake()
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()
		auditSubscriberBacklog.WithLabelValues(s.name).Set(0)

		for _, ev := range batch {
			s.deliver(ev)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-s.signal
	}
}

func (s *subscription) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("audit subscriber panicked", "subscriber", s.name, "event", ev.Type, "panic", r)
		}
	}()
	s.fn(ev)
}
