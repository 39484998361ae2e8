package event

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iot-go-garage/pkg/logger"
)

var ErrBusStopped = errors.New("event bus is stopped")

// Bus implements an event bus for publishing and subscribing to events.
//
// Publish runs handlers on the caller's goroutine and waits for async
// handlers on the worker pool. Post queues the event for the bus's own
// delivery goroutine: sync handlers run there in order, async handlers are
// handed to the workers without holding up the next event.
type Bus struct {
	subscribers map[EventType][]*HandlerInfo
	mutex       sync.RWMutex
	workerPool  chan func()
	workerCount int
	queue       chan *Event
	logger      *logrus.Entry

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewBus creates a new event bus
func NewBus(workerCount int) *Bus {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &Bus{
		subscribers: make(map[EventType][]*HandlerInfo),
		workerPool:  make(chan func(), workerCount*10),
		workerCount: workerCount,
		queue:       make(chan *Event, workerCount*10),
		logger:      logger.For("eventbus"),
		done:        make(chan struct{}),
	}
}

// SetLogger sets the logger for the event bus
func (b *Bus) SetLogger(logger *logrus.Entry) {
	b.logger = logger
}

// Subscribe adds a handler for a specific event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) error {
	return b.SubscribeWithPriority(eventType, handler, 0, false)
}

// SubscribeAsync adds an async handler for a specific event type
func (b *Bus) SubscribeAsync(eventType EventType, handler Handler) error {
	return b.SubscribeWithPriority(eventType, handler, 0, true)
}

// SubscribeWithPriority adds a handler with priority (higher priority handlers execute first)
func (b *Bus) SubscribeWithPriority(eventType EventType, handler Handler, priority int, async bool) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], &HandlerInfo{
		Handler:  handler,
		Priority: priority,
		Async:    async,
	})

	sort.SliceStable(b.subscribers[eventType], func(i, j int) bool {
		return b.subscribers[eventType][i].Priority > b.subscribers[eventType][j].Priority
	})

	b.logger.Debugf("Subscribed handler to event type: %s (priority: %d, async: %v)", eventType, priority, async)
	return nil
}

// Publish sends an event to all subscribers and waits for them to finish.
func (b *Bus) Publish(event *Event) error {
	return b.dispatch(event, true)
}

// dispatch runs the handlers of event. Unless wait is set, async handlers
// only report their errors to the log.
func (b *Bus) dispatch(event *Event, wait bool) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	b.mutex.RLock()
	handlers := make([]*HandlerInfo, len(b.subscribers[event.Type]))
	copy(handlers, b.subscribers[event.Type])
	b.mutex.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debugf("No subscribers for event type: %s", event.Type)
		return nil
	}

	var wg sync.WaitGroup
	var errs []error
	var errMutex sync.Mutex

	for _, handlerInfo := range handlers {
		h := handlerInfo.Handler
		if handlerInfo.Async && !wait {
			b.submitWork(func() {
				if err := b.executeHandler(h, event); err != nil {
					b.logger.Errorf("Error handling event %s: %v", event.Type, err)
				}
			})
		} else if handlerInfo.Async {
			wg.Add(1)
			b.submitWork(func() {
				defer wg.Done()
				if err := b.executeHandler(h, event); err != nil {
					errMutex.Lock()
					errs = append(errs, err)
					errMutex.Unlock()
				}
			})
		} else if err := b.executeHandler(h, event); err != nil {
			errMutex.Lock()
			errs = append(errs, err)
			errMutex.Unlock()
		}
	}

	wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("event handling errors: %w", errors.Join(errs...))
	}
	return nil
}

// Post queues an event for delivery on the bus goroutine. It never blocks
// for longer than it takes to enqueue.
func (b *Bus) Post(event *Event) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if b.stopped {
		return ErrBusStopped
	}
	if !b.started {
		return fmt.Errorf("event bus is not started")
	}

	b.queue <- event
	return nil
}

// executeHandler executes a handler with panic recovery
func (b *Bus) executeHandler(handler Handler, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			b.logger.Errorf("Handler panic for event %s: %v", event.Type, r)
		}
	}()

	return handler(event)
}

// submitWork submits work to the worker pool
func (b *Bus) submitWork(work func()) {
	select {
	case b.workerPool <- work:
	case <-time.After(5 * time.Second):
		b.logger.Warn("Worker pool full, executing work directly")
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			work()
		}()
	}
}

// Start starts the delivery goroutine and the workers
func (b *Bus) Start() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if b.started {
		return fmt.Errorf("event bus already started")
	}
	if b.stopped {
		return ErrBusStopped
	}
	b.started = true

	b.logger.Debugf("Starting event bus with %d workers", b.workerCount)

	for i := 0; i < b.workerCount; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}

	b.wg.Add(1)
	go b.deliver()

	return nil
}

// Stop delivers what is already queued, waits for the workers to finish
// the handlers handed to them, then stops them.
func (b *Bus) Stop() error {
	b.lifecycle.Lock()
	if b.stopped || !b.started {
		b.stopped = true
		b.lifecycle.Unlock()
		return nil
	}
	b.stopped = true
	close(b.queue)
	b.lifecycle.Unlock()

	<-b.done
	close(b.workerPool)
	b.wg.Wait()

	b.mutex.Lock()
	b.subscribers = make(map[EventType][]*HandlerInfo)
	b.mutex.Unlock()

	b.logger.Debug("Event bus stopped")
	return nil
}

func (b *Bus) deliver() {
	defer b.wg.Done()
	defer close(b.done)

	for event := range b.queue {
		if err := b.dispatch(event, false); err != nil {
			b.logger.Errorf("Error delivering event %s: %v", event.Type, err)
		}
	}
}

// worker processes work from the worker pool
func (b *Bus) worker(id int) {
	defer b.wg.Done()

	for work := range b.workerPool {
		work()
	}
	b.logger.Debugf("Worker %d stopped", id)
}
