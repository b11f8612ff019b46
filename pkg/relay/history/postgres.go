package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxlane/voicerelay/pkg/relay/session"
)

const (
	defaultQueueSize = 256
	insertTimeout    = 5 * time.Second

	insertTurnSQL = `
INSERT INTO voice_turns (
    session_id, started_at, ended_at, transcript, intent,
    frames, bytes_in, bytes_out, outcome, fail_reason
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	recentBySessionSQL = `
SELECT session_id, started_at, ended_at, transcript, intent,
       frames, bytes_in, bytes_out, outcome, fail_reason
FROM voice_turns
WHERE session_id = $1
ORDER BY ended_at DESC
LIMIT $2`

	recentAllSQL = `
SELECT session_id, started_at, ended_at, transcript, intent,
       frames, bytes_in, bytes_out, outcome, fail_reason
FROM voice_turns
ORDER BY ended_at DESC
LIMIT $1`
)

type PostgresConfig struct {
	QueueSize int
}

// Postgres stores turns in a voice_turns table. Writes go through an
// internal queue so the session loop never blocks on the database; the
// queue drops with a warning when full.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	queue     chan session.TurnRecord
	done      chan struct{}
	drained   chan struct{}
	closeOnce sync.Once
}

var _ session.TurnRecorder = (*Postgres)(nil)

func NewPostgres(ctx context.Context, databaseURL string, cfg PostgresConfig, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect history database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}

	p := &Postgres{
		pool:    pool,
		logger:  logger,
		queue:   make(chan session.TurnRecord, cfg.QueueSize),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	go p.worker()
	return p, nil
}

// RecordTurn implements session.TurnRecorder. It never blocks.
func (p *Postgres) RecordTurn(rec session.TurnRecord) {
	select {
	case p.queue <- rec:
	case <-p.done:
	default:
		p.logger.Warn("history queue full, dropping turn", "session_id", rec.SessionID)
	}
}

func (p *Postgres) worker() {
	defer close(p.drained)
	for {
		select {
		case rec := <-p.queue:
			p.insert(rec)
		case <-p.done:
			// Flush whatever is already queued, then stop.
			for {
				select {
				case rec := <-p.queue:
					p.insert(rec)
				default:
					return
				}
			}
		}
	}
}

func (p *Postgres) insert(rec session.TurnRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	_, err := p.pool.Exec(ctx, insertTurnSQL,
		rec.SessionID, rec.StartedAt, rec.EndedAt, rec.Transcript, rec.Intent,
		rec.Frames, rec.BytesIn, rec.BytesOut, rec.Outcome, rec.FailReason,
	)
	if err != nil {
		p.logger.Error("history insert failed", "session_id", rec.SessionID, "error", err)
	}
}

// RecentTurns returns up to limit records, newest first. An empty
// sessionID matches every session.
func (p *Postgres) RecentTurns(ctx context.Context, sessionID string, limit int) ([]session.TurnRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows pgx.Rows
		err  error
	)
	if sessionID == "" {
		rows, err = p.pool.Query(ctx, recentAllSQL, limit)
	} else {
		rows, err = p.pool.Query(ctx, recentBySessionSQL, sessionID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	var out []session.TurnRecord
	for rows.Next() {
		var rec session.TurnRecord
		if err := rows.Scan(
			&rec.SessionID, &rec.StartedAt, &rec.EndedAt, &rec.Transcript, &rec.Intent,
			&rec.Frames, &rec.BytesIn, &rec.BytesOut, &rec.Outcome, &rec.FailReason,
		); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read turn rows: %w", err)
	}
	return out, nil
}

// Close flushes queued records and releases the pool.
func (p *Postgres) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		<-p.drained
		p.pool.Close()
	})
}
