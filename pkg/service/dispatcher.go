package service

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/ignatij/tasktrack/pkg/models"
	"github.com/ignatij/tasktrack/pkg/storage"
)

const (
	// DefaultEffectTimeout bounds a single audit write or event emission.
	DefaultEffectTimeout = 5 * time.Second
	// DefaultEffectQueueSize is the number of effects buffered ahead of the workers.
	DefaultEffectQueueSize = 256

	maxActivityTitle = 255
)

// EventSink delivers realtime events to subscribers.
type EventSink interface {
	Emit(ctx context.Context, event models.RealtimeEvent) error
}

// SideEffect is what a committed mutation wants recorded and announced.
// Either half may be nil.
type SideEffect struct {
	Activity *models.ActivityRecord
	Event    *models.RealtimeEvent
}

// SideEffectDispatcher performs audit logging and realtime emission after a
// transaction commits. Failures are logged and never reach the caller.
//
// Until Start is called effects run inline on the committing goroutine; after
// Start they are queued to a pool of workers.
type SideEffectDispatcher struct {
	recorder  storage.ActivityStore
	sink      EventSink
	logger    Logger
	timeout   time.Duration
	queueSize int

	queue   chan SideEffect
	mu      sync.RWMutex
	wg      sync.WaitGroup
	stopped bool
}

type DispatcherOption func(*SideEffectDispatcher)

func WithEffectTimeout(timeout time.Duration) DispatcherOption {
	return func(d *SideEffectDispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

func WithQueueSize(size int) DispatcherOption {
	return func(d *SideEffectDispatcher) {
		if size > 0 {
			d.queueSize = size
		}
	}
}

func NewSideEffectDispatcher(recorder storage.ActivityStore, sink EventSink, logger Logger, opts ...DispatcherOption) *SideEffectDispatcher {
	d := &SideEffectDispatcher{
		recorder:  recorder,
		sink:      sink,
		logger:    logger,
		timeout:   DefaultEffectTimeout,
		queueSize: DefaultEffectQueueSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start begins the worker pool with the specified number of workers.
func (d *SideEffectDispatcher) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue != nil || d.stopped {
		return
	}
	d.queue = make(chan SideEffect, d.queueSize)
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(d.queue)
	}
}

// Stop stops accepting queued effects and waits for the workers to drain the queue.
// Effects dispatched afterwards run inline.
func (d *SideEffectDispatcher) Stop() {
	d.mu.Lock()
	if d.queue == nil || d.stopped {
		d.stopped = true
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// AfterCommit dispatches the effect. It never blocks on a full queue: the
// effect is dropped with a warning instead.
func (d *SideEffectDispatcher) AfterCommit(effect SideEffect) {
	if d == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.queue == nil || d.stopped {
		d.run(effect)
		return
	}
	select {
	case d.queue <- effect:
	default:
		d.logger.Warnf("Side-effect queue full, dropping %s", describeEffect(effect))
	}
}

func (d *SideEffectDispatcher) worker(queue <-chan SideEffect) {
	defer d.wg.Done()
	for effect := range queue {
		d.run(effect)
	}
}

// run performs both halves independently. The context is detached from the
// request, which may already be finished.
func (d *SideEffectDispatcher) run(effect SideEffect) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if effect.Activity != nil && d.recorder != nil {
		rec := normalizeActivity(*effect.Activity)
		d.safely("audit", rec.ID, func() error {
			return d.recorder.SaveActivity(ctx, rec)
		})
	}
	if effect.Event != nil && d.sink != nil {
		event := *effect.Event
		d.safely("realtime", event.Name, func() error {
			return d.sink.Emit(ctx, event)
		})
	}
}

func (d *SideEffectDispatcher) safely(kind, ref string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Errorf("Side effect %s (%s) panicked: %v", kind, ref, p)
		}
	}()
	if err := fn(); err != nil {
		d.logger.Errorf("Side effect %s (%s) failed: %v", kind, ref, err)
	}
}

func normalizeActivity(rec models.ActivityRecord) models.ActivityRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now()
	}
	rec.Title = truncateRunes(strings.TrimSpace(rec.Title), maxActivityTitle)
	if rec.Details == nil {
		rec.Details = map[string]interface{}{}
	}
	if rec.EntityIDs == nil {
		rec.EntityIDs = []string{}
	}
	return rec
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

func describeEffect(effect SideEffect) string {
	switch {
	case effect.Activity != nil:
		return fmt.Sprintf("activity %s", effect.Activity.Type)
	case effect.Event != nil:
		return fmt.Sprintf("event %s", effect.Event.Name)
	}
	return "empty effect"
}

// Effect builders for the mutations in this package.

func taskChannels(workspaceID string, assignees ...*string) []string {
	channels := []string{models.WorkspaceChannel(workspaceID)}
	seen := map[string]struct{}{}
	for _, a := range assignees {
		if a == nil || *a == "" {
			continue
		}
		if _, dup := seen[*a]; dup {
			continue
		}
		seen[*a] = struct{}{}
		channels = append(channels, models.UserChannel(*a))
	}
	return channels
}

func taskUpdatedEvent(actorID, taskID string, changes map[string]interface{}, channels []string) *models.RealtimeEvent {
	return &models.RealtimeEvent{
		Name:     models.TaskUpdatedEvent,
		Channels: channels,
		Payload: models.EventPayload{
			Entity: models.TaskUpdatedEntity{TaskID: taskID, Changes: changes},
			Meta:   models.EventMeta{ByUserID: actorID},
		},
	}
}

func taskDeletedEvent(actorID string, task models.Task) *models.RealtimeEvent {
	return &models.RealtimeEvent{
		Name:     models.TaskDeletedEvent,
		Channels: taskChannels(task.WorkspaceID, task.AssigneeID),
		Payload: models.EventPayload{
			Entity: models.TaskDeletedEntity{TaskID: task.ID, ProjectID: task.ProjectID},
			Meta:   models.EventMeta{ByUserID: actorID},
		},
	}
}

func taskActivity(kind models.ActivityType, actorID string, task models.Task, title string, details map[string]interface{}) *models.ActivityRecord {
	return &models.ActivityRecord{
		WorkspaceID: task.WorkspaceID,
		ActorID:     actorID,
		Type:        kind,
		EntityType:  "task",
		EntityIDs:   []string{task.ID},
		Title:       title,
		Details:     details,
	}
}
