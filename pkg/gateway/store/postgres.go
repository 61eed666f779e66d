package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/vango-go/vai-phone/pkg/gateway/live/convlog"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() { p.pool.Close() }

const upsertCallSQL = `
INSERT INTO calls (
	id, direction, status, from_number, to_number, voice, instructions, provider_config,
	conversation_log, pending_operator_question, error_message, started_at, ended_at,
	duration_seconds, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	voice = EXCLUDED.voice,
	instructions = EXCLUDED.instructions,
	provider_config = EXCLUDED.provider_config,
	conversation_log = EXCLUDED.conversation_log,
	pending_operator_question = EXCLUDED.pending_operator_question,
	error_message = EXCLUDED.error_message,
	ended_at = EXCLUDED.ended_at,
	duration_seconds = EXCLUDED.duration_seconds,
	updated_at = EXCLUDED.updated_at`

const selectCallSQL = `
SELECT id, direction, status, from_number, to_number, voice, instructions, provider_config,
	conversation_log, pending_operator_question, error_message, started_at, ended_at,
	duration_seconds, updated_at
FROM calls`

func (p *Postgres) UpsertCall(ctx context.Context, rec CallRecord) error {
	providerConfig, err := json.Marshal(nonNilMap(rec.ProviderConfig))
	if err != nil {
		return fmt.Errorf("encode provider config: %w", err)
	}
	turns := rec.ConversationLog
	if turns == nil {
		turns = []convlog.Turn{}
	}
	conversation, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("encode conversation log: %w", err)
	}
	_, err = p.pool.Exec(ctx, upsertCallSQL,
		rec.ID, rec.Direction, rec.Status, rec.From, rec.To, rec.Voice, rec.Instructions,
		providerConfig, conversation, rec.PendingOperatorQuestion, rec.ErrorMessage,
		rec.StartedAt, rec.EndedAt, rec.DurationSeconds, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert call %s: %w", rec.ID, err)
	}
	return nil
}

func (p *Postgres) GetCall(ctx context.Context, id string) (CallRecord, error) {
	rec, err := scanCall(p.pool.QueryRow(ctx, selectCallSQL+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return CallRecord{}, ErrNotFound
	}
	return rec, err
}

func (p *Postgres) ListCalls(ctx context.Context, opts ListOptions) ([]CallRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx,
		selectCallSQL+` WHERE ($1 = '' OR status = $1) ORDER BY started_at DESC, id LIMIT $2`,
		opts.Status, limit)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanCall(row pgx.Row) (CallRecord, error) {
	var (
		rec            CallRecord
		providerConfig []byte
		conversation   []byte
	)
	err := row.Scan(
		&rec.ID, &rec.Direction, &rec.Status, &rec.From, &rec.To, &rec.Voice, &rec.Instructions,
		&providerConfig, &conversation, &rec.PendingOperatorQuestion, &rec.ErrorMessage,
		&rec.StartedAt, &rec.EndedAt, &rec.DurationSeconds, &rec.UpdatedAt,
	)
	if err != nil {
		return CallRecord{}, err
	}
	if len(providerConfig) > 0 {
		if err := json.Unmarshal(providerConfig, &rec.ProviderConfig); err != nil {
			return CallRecord{}, fmt.Errorf("decode provider config for %s: %w", rec.ID, err)
		}
	}
	if len(conversation) > 0 {
		if err := json.Unmarshal(conversation, &rec.ConversationLog); err != nil {
			return CallRecord{}, fmt.Errorf("decode conversation log for %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
