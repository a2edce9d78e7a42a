package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ignatij/tasktrack/pkg/models"
	"github.com/ignatij/tasktrack/pkg/service"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// maxPayload is the NOTIFY payload limit of a default Postgres build, minus one byte.
const maxPayload = 7999

var ErrPayloadTooLarge = errors.New("realtime payload exceeds NOTIFY limit")

var (
	_ service.EventSink = (*PgNotifySink)(nil)
	_ service.EventSink = (*LogSink)(nil)
	_ service.EventSink = Fanout(nil)
)

// PgNotifySink publishes events on a Postgres NOTIFY channel so every API node
// and subscriber sees them.
type PgNotifySink struct {
	db      *sqlx.DB
	channel string
}

func NewPgNotifySink(db *sqlx.DB, channel string) *PgNotifySink {
	return &PgNotifySink{db: db, channel: channel}
}

func (s *PgNotifySink) Emit(ctx context.Context, event models.RealtimeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	if len(payload) > maxPayload {
		return errors.Wrapf(ErrPayloadTooLarge, "%s is %d bytes", event.Name, len(payload))
	}
	if _, err := s.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", s.channel, string(payload)); err != nil {
		return errors.Wrap(err, "pg_notify")
	}
	return nil
}

// LogSink writes events to the process log at debug level.
type LogSink struct {
	logger *logrus.Logger
}

func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, event models.RealtimeEvent) error {
	s.logger.WithFields(logrus.Fields{
		"event":    event.Name,
		"channels": event.Channels,
		"by":       event.Payload.Meta.ByUserID,
	}).Debug("realtime event")
	return nil
}

// Fanout emits to every sink and reports the first failure.
type Fanout []service.EventSink

func (f Fanout) Emit(ctx context.Context, event models.RealtimeEvent) error {
	var first error
	for _, sink := range f {
		if err := sink.Emit(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Subscribe listens on channel and hands every decoded event to handle until ctx
// is cancelled. Lost connections are re-established by the listener.
func Subscribe(ctx context.Context, connStr, channel string, logger *logrus.Logger, handle func(models.RealtimeEvent)) error {
	listener := pq.NewListener(connStr, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warnf("Realtime listener event %d: %v", ev, err)
		}
	})
	defer listener.Close()

	if err := listener.Listen(channel); err != nil {
		return errors.Wrapf(err, "listen %s", channel)
	}
	logger.Infof("Listening for realtime events on %s", channel)

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			// nil after a reconnect
			if n == nil {
				continue
			}
			var event models.RealtimeEvent
			if err := json.Unmarshal([]byte(n.Extra), &event); err != nil {
				logger.Warnf("Dropping malformed realtime payload: %v", err)
				continue
			}
			handle(event)
		case <-time.After(90 * time.Second):
			if err := listener.Ping(); err != nil {
				logger.Warnf("Realtime listener ping failed: %v", err)
			}
		}
	}
}
