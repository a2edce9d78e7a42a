package service_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ignatij/tasktrack/pkg/models"
	"github.com/ignatij/tasktrack/pkg/service"
	"github.com/ignatij/tasktrack/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEffect(title string) service.SideEffect {
	return service.SideEffect{
		Activity: &models.ActivityRecord{
			WorkspaceID: wsOne,
			ActorID:     alice,
			Type:        models.TaskUpdatedActivity,
			EntityType:  "task",
			Title:       title,
		},
		Event: &models.RealtimeEvent{
			Name:     models.TaskUpdatedEvent,
			Channels: []string{models.WorkspaceChannel(wsOne)},
			Payload: models.EventPayload{
				Entity: models.TaskUpdatedEntity{TaskID: "t1", Changes: map[string]interface{}{"title": title}},
				Meta:   models.EventMeta{ByUserID: alice},
			},
		},
	}
}

// blockingRecorder holds every SaveActivity until released.
type blockingRecorder struct {
	release chan struct{}
	mu      sync.Mutex
	saved   []models.ActivityRecord
}

func (r *blockingRecorder) SaveActivity(ctx context.Context, rec models.ActivityRecord) error {
	<-r.release
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, rec)
	return nil
}

func TestSideEffectDispatcher(t *testing.T) {
	t.Run("InlineNormalizesActivity", func(t *testing.T) {
		store := storage.NewMockStore()
		sink := &recordingSink{}
		d := service.NewSideEffectDispatcher(store, sink, &testLogger{})

		d.AfterCommit(sampleEffect("   " + strings.Repeat("é", 300) + "  "))

		activities := store.Activities()
		require.Len(t, activities, 1)
		rec := activities[0]
		assert.NotEmpty(t, rec.ID)
		assert.False(t, rec.CreatedAt.IsZero())
		assert.Equal(t, strings.Repeat("é", 255), rec.Title)
		assert.NotNil(t, rec.Details)
		assert.NotNil(t, rec.EntityIDs)
		assert.Len(t, sink.Events(), 1)
	})

	t.Run("AuditFailureStillEmits", func(t *testing.T) {
		store := storage.NewMockStore()
		store.FailActivityWritesWith(func(models.ActivityRecord) error { return errors.New("disk full") })
		sink := &recordingSink{}
		logger := &testLogger{}
		d := service.NewSideEffectDispatcher(store, sink, logger)

		d.AfterCommit(sampleEffect("x"))
		assert.Empty(t, store.Activities())
		assert.Len(t, sink.Events(), 1)
		require.Len(t, logger.Errors(), 1)
		assert.Contains(t, logger.Errors()[0], "disk full")
	})

	t.Run("SinkPanicStillAudits", func(t *testing.T) {
		store := storage.NewMockStore()
		sink := &recordingSink{panics: true}
		logger := &testLogger{}
		d := service.NewSideEffectDispatcher(store, sink, logger)

		assert.NotPanics(t, func() { d.AfterCommit(sampleEffect("x")) })
		assert.Len(t, store.Activities(), 1)
		require.Len(t, logger.Errors(), 1)
		assert.Contains(t, logger.Errors()[0], "panicked")
	})

	t.Run("NilCollaborators", func(t *testing.T) {
		d := service.NewSideEffectDispatcher(nil, nil, &testLogger{})
		assert.NotPanics(t, func() { d.AfterCommit(sampleEffect("x")) })

		var nilDispatcher *service.SideEffectDispatcher
		assert.NotPanics(t, func() { nilDispatcher.AfterCommit(sampleEffect("x")) })
	})

	t.Run("WorkersDrainOnStop", func(t *testing.T) {
		store := storage.NewMockStore()
		sink := &recordingSink{}
		d := service.NewSideEffectDispatcher(store, sink, &testLogger{}, service.WithQueueSize(64))
		d.Start(4)
		for i := 0; i < 20; i++ {
			d.AfterCommit(sampleEffect("queued"))
		}
		d.Stop()
		assert.Len(t, store.Activities(), 20)
		assert.Len(t, sink.Events(), 20)

		// after Stop effects run inline
		d.AfterCommit(sampleEffect("late"))
		assert.Len(t, store.Activities(), 21)
	})

	t.Run("FullQueueDropsWithWarning", func(t *testing.T) {
		recorder := &blockingRecorder{release: make(chan struct{})}
		logger := &testLogger{}
		d := service.NewSideEffectDispatcher(recorder, nil, logger, service.WithQueueSize(1))
		d.Start(1)

		d.AfterCommit(sampleEffect("one"))
		// wait until the worker has taken the first effect off the queue
		time.Sleep(50 * time.Millisecond)
		d.AfterCommit(sampleEffect("two"))
		d.AfterCommit(sampleEffect("three"))

		assert.NotEmpty(t, logger.Warns())
		close(recorder.release)
		d.Stop()
		assert.Len(t, recorder.saved, 2)
	})

	t.Run("TimeoutBoundsSlowSink", func(t *testing.T) {
		logger := &testLogger{}
		d := service.NewSideEffectDispatcher(nil, slowSink{}, logger, service.WithEffectTimeout(20*time.Millisecond))
		start := time.Now()
		d.AfterCommit(sampleEffect("x"))
		assert.Less(t, time.Since(start), time.Second)
		require.Len(t, logger.Errors(), 1)
		assert.Contains(t, logger.Errors()[0], context.DeadlineExceeded.Error())
	})
}

type slowSink struct{}

func (slowSink) Emit(ctx context.Context, event models.RealtimeEvent) error {
	<-ctx.Done()
	return ctx.Err()
}
