package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// NotificationListener subscribes to the repository's NOTIFY channel on a
// dedicated connection and forwards the owner key of every mutation. It is
// the server-side source of the collection change feed.
type NotificationListener struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewNotificationListener creates a listener on the given pool.
func NewNotificationListener(pool *pgxpool.Pool, logger zerolog.Logger) *NotificationListener {
	return &NotificationListener{pool: pool, logger: logger}
}

// Listen blocks until ctx is done, invoking onChange with the owner key of
// every mutated job. Connection loss is retried with a short delay; events
// carry no payload beyond the key, so a dropped notification only costs a
// refetch trigger, never data.
func (l *NotificationListener) Listen(ctx context.Context, onChange func(ownerKey string)) error {
	for {
		if err := l.listenOnce(ctx, onChange); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn().Err(err).Msg("listener: connection lost, reconnecting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (l *NotificationListener) listenOnce(ctx context.Context, onChange func(ownerKey string)) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("listener: acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN `+ChangeChannel+`;`); err != nil {
		return fmt.Errorf("listener: listen: %w", err)
	}
	l.logger.Info().Str("channel", ChangeChannel).Msg("listener: subscribed")

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if notification.Payload == "" {
			continue
		}
		onChange(notification.Payload)
	}
}
