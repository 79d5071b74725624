package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"safetypatrol/internal/adapters/feed"
	"safetypatrol/internal/ports"
)

const notifyChannel = "record_changes"

// listener owns one dedicated connection that LISTENs on notifyChannel and
// fans notifications out through a broker. When the connection fails every
// subscription ends with ports.ErrSubscriptionLost; the next subscribe
// reconnects.
type listener struct {
	db     *DB
	log    logrus.FieldLogger
	broker *feed.Broker

	mu      sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func (l *listener) subscribe(ctx context.Context, c ports.Collection, mask ports.EventMask) (ports.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errors.New("postgres: store closed")
	}
	if !l.running {
		if err := l.start(ctx); err != nil {
			return nil, err
		}
	}
	return l.broker.Subscribe(ctx, c, mask), nil
}

// start must be called with mu held.
func (l *listener) start(ctx context.Context) error {
	conn, err := pgx.ConnectConfig(ctx, l.db.Pool.Config().ConnConfig)
	if err != nil {
		return fmt.Errorf("listen connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		_ = conn.Close(context.Background())
		return fmt.Errorf("listen: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	l.running, l.cancel, l.done = true, cancel, make(chan struct{})
	go l.run(runCtx, conn, l.done)
	return nil
}

func (l *listener) run(ctx context.Context, conn *pgx.Conn, done chan struct{}) {
	defer close(done)
	defer conn.Close(context.Background())
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.WithError(err).Warn("change feed connection lost")
			l.mu.Lock()
			l.running = false
			l.broker.Drop()
			l.mu.Unlock()
			return
		}
		ev, err := parseNotification(n.Payload)
		if err != nil {
			l.log.WithError(err).WithField("payload", n.Payload).Warn("ignoring malformed notification")
			continue
		}
		l.broker.Publish(ev)
	}
}

func (l *listener) close() {
	l.mu.Lock()
	l.closed = true
	cancel, done := l.cancel, l.done
	l.running = false
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	l.broker.Close()
}

type notification struct {
	Collection string `json:"collection"`
	Op         string `json:"op"`
	Key        string `json:"key"`
}

// parseNotification decodes the payload written by the records trigger.
func parseNotification(payload string) (ports.ChangeEvent, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return ports.ChangeEvent{}, err
	}
	op := ports.ParseOp(n.Op)
	if op == 0 {
		return ports.ChangeEvent{}, fmt.Errorf("unknown op %q", n.Op)
	}
	if n.Collection == "" {
		return ports.ChangeEvent{}, errors.New("missing collection")
	}
	return ports.ChangeEvent{Collection: ports.Collection(n.Collection), Op: op, Key: n.Key}, nil
}
