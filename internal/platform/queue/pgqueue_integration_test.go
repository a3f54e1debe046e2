//go:build integration_pg
// +build integration_pg

package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"pulse/internal/platform/store"
)

const queueDDL = `
	CREATE TABLE queue_messages (
	    id              BIGSERIAL PRIMARY KEY,
	    channel         TEXT        NOT NULL,
	    payload         BYTEA       NOT NULL,
	    attempts        INT         NOT NULL DEFAULT 0,
	    next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	    leased_until    TIMESTAMPTZ,
	    dead            BOOLEAN     NOT NULL DEFAULT FALSE,
	    last_error      TEXT,
	    enqueued_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX queue_messages_ready_idx
	    ON queue_messages (channel, next_attempt_at, id) WHERE NOT dead;
`

func startPostgres(t *testing.T) (dsn string, stop func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)

	req := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_DB":       "postgres",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections"),
		).WithDeadline(2 * time.Minute),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		cancel()
		t.Fatalf("failed to start postgres container: %v", err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(context.Background())
		cancel()
		t.Fatalf("failed to get container host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = c.Terminate(context.Background())
		cancel()
		t.Fatalf("failed to get mapped port: %v", err)
	}

	dsn = fmt.Sprintf("postgres://postgres:postgres@%s:%s/postgres?sslmode=disable", host, mapped.Port())
	stop = func() {
		_ = c.Terminate(context.Background())
		cancel()
	}
	return dsn, stop
}

func openQueue(t *testing.T, ctx context.Context, dsn string, maxAttempts int) (*PGQueue, func()) {
	t.Helper()

	st, err := store.Open(ctx, store.Config{
		AppName: "pulse-queue-integration",
		PG:      store.PGConfig{Enabled: true, URL: dsn, MaxConns: 4},
	})
	if err != nil {
		t.Fatalf("store open: %v", err)
	}
	if _, err := st.PG.Exec(ctx, queueDDL); err != nil {
		_ = st.Close(ctx)
		t.Fatalf("queue ddl: %v", err)
	}
	return NewPG(st.PG, maxAttempts), func() { _ = st.Close(context.Background()) }
}

func TestPGQueue_LeaseAckNack_Integration(t *testing.T) {
	dsn, stop := startPostgres(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	q, closeQ := openQueue(t, ctx, dsn, 5)
	defer closeQ()

	if err := q.Enqueue(ctx, ChannelExtraction, []byte(`{"n":1}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, ChannelExtraction, []byte(`{"n":2}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, ChannelTransform, []byte(`{"n":3}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := q.Lease(ctx, ChannelExtraction, 10, 30*time.Second)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 extraction messages, got %d", len(msgs))
	}
	if string(msgs[0].Payload) != `{"n":1}` {
		t.Fatalf("oldest-first order violated: %s", msgs[0].Payload)
	}

	// leased messages are invisible until the lease expires
	again, err := q.Lease(ctx, ChannelExtraction, 10, 30*time.Second)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("leased messages must not double-lease, got %d", len(again))
	}

	// channels are isolated
	tr, err := q.Lease(ctx, ChannelTransform, 10, 30*time.Second)
	if err != nil {
		t.Fatalf("transform lease: %v", err)
	}
	if len(tr) != 1 {
		t.Fatalf("expected 1 transform message, got %d", len(tr))
	}

	if err := q.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	dead, err := q.Nack(ctx, msgs[1].ID, 0, "transient")
	if err != nil {
		t.Fatalf("nack: %v", err)
	}
	if dead {
		t.Fatalf("first nack must not dead-letter")
	}

	// the nacked message comes back with its attempt count bumped
	back, err := q.Lease(ctx, ChannelExtraction, 10, 30*time.Second)
	if err != nil {
		t.Fatalf("redelivery lease: %v", err)
	}
	if len(back) != 1 || back[0].ID != msgs[1].ID {
		t.Fatalf("expected the nacked message back, got %v", back)
	}
	if back[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", back[0].Attempts)
	}

	stats, err := q.Stats(ctx, ChannelExtraction)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Leased != 1 || stats.Ready != 0 || stats.Dead != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestPGQueue_NackBackoffDelaysRedelivery_Integration(t *testing.T) {
	dsn, stop := startPostgres(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	q, closeQ := openQueue(t, ctx, dsn, 5)
	defer closeQ()

	if err := q.Enqueue(ctx, ChannelEmbedding, []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msgs, err := q.Lease(ctx, ChannelEmbedding, 1, 30*time.Second)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("lease: %v (%d)", err, len(msgs))
	}
	if _, err := q.Nack(ctx, msgs[0].ID, time.Hour, "slow down"); err != nil {
		t.Fatalf("nack: %v", err)
	}

	early, err := q.Lease(ctx, ChannelEmbedding, 1, 30*time.Second)
	if err != nil {
		t.Fatalf("early lease: %v", err)
	}
	if len(early) != 0 {
		t.Fatalf("backoff must delay redelivery")
	}
}

func TestPGQueue_DeadLettersAfterMaxAttempts_Integration(t *testing.T) {
	dsn, stop := startPostgres(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	q, closeQ := openQueue(t, ctx, dsn, 2)
	defer closeQ()

	if err := q.Enqueue(ctx, ChannelExtraction, []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		msgs, err := q.Lease(ctx, ChannelExtraction, 1, 30*time.Second)
		if err != nil {
			t.Fatalf("lease %d: %v", attempt, err)
		}
		if len(msgs) != 1 {
			t.Fatalf("lease %d: expected the message back, got %d", attempt, len(msgs))
		}
		dead, err := q.Nack(ctx, msgs[0].ID, 0, "still broken")
		if err != nil {
			t.Fatalf("nack %d: %v", attempt, err)
		}
		if want := attempt == 1; dead != want {
			t.Fatalf("nack %d: dead = %v, want %v", attempt, dead, want)
		}
	}

	gone, err := q.Lease(ctx, ChannelExtraction, 1, 30*time.Second)
	if err != nil {
		t.Fatalf("final lease: %v", err)
	}
	if len(gone) != 0 {
		t.Fatalf("dead-lettered messages must not redeliver")
	}

	stats, err := q.Stats(ctx, ChannelExtraction)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Dead != 1 {
		t.Fatalf("stats = %+v, want one dead message", stats)
	}
}
