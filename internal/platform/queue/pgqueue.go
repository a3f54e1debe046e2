package queue

// Postgres implementation of the channel set.
//
// Assumed DDL:
//
//	CREATE TABLE queue_messages (
//	    id              BIGSERIAL PRIMARY KEY,
//	    channel         TEXT        NOT NULL,
//	    payload         BYTEA       NOT NULL,
//	    attempts        INT         NOT NULL DEFAULT 0,
//	    next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    leased_until    TIMESTAMPTZ,
//	    dead            BOOLEAN     NOT NULL DEFAULT FALSE,
//	    last_error      TEXT,
//	    enqueued_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE INDEX queue_messages_ready_idx
//	    ON queue_messages (channel, next_attempt_at, id) WHERE NOT dead;

import (
	"context"
	"time"

	perr "pulse/internal/platform/errors"
	"pulse/internal/platform/store"
)

// PGQueue is the Postgres-backed Queue
type PGQueue struct {
	db          store.TxRunner
	maxAttempts int
}

// NewPG constructs a PGQueue; maxAttempts <= 0 means the default of 5
func NewPG(db store.TxRunner, maxAttempts int) *PGQueue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &PGQueue{db: db, maxAttempts: maxAttempts}
}

// Enqueue appends one message to a channel
func (p *PGQueue) Enqueue(ctx context.Context, ch Channel, payload []byte) error {
	const sql = `
		INSERT INTO queue_messages (channel, payload, next_attempt_at, enqueued_at)
		VALUES ($1, $2, NOW(), NOW())
	`
	_, err := p.db.Exec(ctx, sql, string(ch), payload)
	return perr.FromPostgresf(err, "queue enqueue %s", ch)
}

// Lease reserves up to n ready messages using SKIP LOCKED so concurrent
// workers never double-lease
func (p *PGQueue) Lease(ctx context.Context, ch Channel, n int, leaseFor time.Duration) ([]Message, error) {
	const sql = `
		WITH ready AS (
			SELECT id
			FROM queue_messages
			WHERE channel = $1
			  AND NOT dead
			  AND next_attempt_at <= NOW()
			  AND (leased_until IS NULL OR leased_until < NOW())
			ORDER BY enqueued_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_messages m
		SET leased_until = NOW() + $3::interval
		FROM ready
		WHERE m.id = ready.id
		RETURNING m.id, m.channel, m.payload, m.attempts, m.enqueued_at
	`
	rows, err := p.db.Query(ctx, sql, string(ch), n, leaseFor.String())
	if err != nil {
		return nil, perr.FromPostgresf(err, "queue lease %s", ch)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var chName string
		if err := rows.Scan(&m.ID, &chName, &m.Payload, &m.Attempts, &m.EnqueuedAt); err != nil {
			return nil, perr.FromPostgres(err, "queue lease scan")
		}
		m.Channel = Channel(chName)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Ack removes a delivered message
func (p *PGQueue) Ack(ctx context.Context, id int64) error {
	_, err := p.db.Exec(ctx, `DELETE FROM queue_messages WHERE id = $1`, id)
	return perr.FromPostgres(err, "queue ack")
}

// Nack schedules redelivery after backoff or dead-letters past maxAttempts,
// reporting which of the two happened
func (p *PGQueue) Nack(ctx context.Context, id int64, backoff time.Duration, lastErr string) (bool, error) {
	const sql = `
		UPDATE queue_messages
		SET attempts        = attempts + 1,
		    leased_until    = NULL,
		    next_attempt_at = NOW() + $2::interval,
		    last_error      = NULLIF($3, ''),
		    dead            = (attempts + 1 >= $4)
		WHERE id = $1
		RETURNING dead
	`
	var dead bool
	if err := p.db.QueryRow(ctx, sql, id, backoff.String(), lastErr, p.maxAttempts).Scan(&dead); err != nil {
		return false, perr.FromPostgres(err, "queue nack")
	}
	return dead, nil
}

// Stats reports channel depth
func (p *PGQueue) Stats(ctx context.Context, ch Channel) (Stats, error) {
	const sql = `
		SELECT
			COUNT(*) FILTER (WHERE NOT dead AND (leased_until IS NULL OR leased_until < NOW())),
			COUNT(*) FILTER (WHERE NOT dead AND leased_until >= NOW()),
			COUNT(*) FILTER (WHERE dead)
		FROM queue_messages
		WHERE channel = $1
	`
	var s Stats
	err := p.db.QueryRow(ctx, sql, string(ch)).Scan(&s.Ready, &s.Leased, &s.Dead)
	if err != nil {
		return Stats{}, perr.FromPostgresf(err, "queue stats %s", ch)
	}
	return s, nil
}
