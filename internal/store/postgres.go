package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores records as JSONB rows.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects and creates the schema if it does not exist.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to result database: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS landmark_records (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			video_id TEXT NOT NULL,
			body JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS landmark_records_video_id_idx ON landmark_records (video_id, created_at);
	`)
	return err
}

func (p *Postgres) Persist(ctx context.Context, r Record) (string, error) {
	if err := r.validate(); err != nil {
		return "", err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO landmark_records (id, kind, video_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET kind = EXCLUDED.kind, video_id = EXCLUDED.video_id, body = EXCLUDED.body
	`, r.ID, string(r.Kind), r.VideoID, body, r.CreatedAt)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (Record, error) {
	var body []byte
	err := p.pool.QueryRow(ctx, `SELECT body FROM landmark_records WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, notFound(id)
	}
	if err != nil {
		return Record{}, err
	}
	var r Record
	if err := json.Unmarshal(body, &r); err != nil {
		return Record{}, fmt.Errorf("decode %s: %w", id, err)
	}
	return r, nil
}

func (p *Postgres) ListByVideo(ctx context.Context, videoID string) ([]Record, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT body FROM landmark_records WHERE video_id = $1 ORDER BY created_at, id
	`, videoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Record, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r Record
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
