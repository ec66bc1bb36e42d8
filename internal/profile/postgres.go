package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the ava_profiles table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS ava_profiles (
    tenant_id          TEXT PRIMARY KEY,
    name               TEXT NOT NULL,
    voice              TEXT NOT NULL,
    language           TEXT NOT NULL DEFAULT 'fr-FR',
    tone               TEXT NOT NULL DEFAULT '',
    personality        TEXT NOT NULL DEFAULT '',
    greeting           TEXT NOT NULL,
    allowed_topics     JSONB NOT NULL DEFAULT '[]',
    forbidden_topics   JSONB NOT NULL DEFAULT '[]',
    can_take_notes     BOOLEAN NOT NULL DEFAULT TRUE,
    can_summarize_live BOOLEAN NOT NULL DEFAULT TRUE,
    fallback_behavior  TEXT NOT NULL DEFAULT '',
    signature_style    TEXT NOT NULL DEFAULT '',
    custom_rules       TEXT NOT NULL DEFAULT '',
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore keeps tenant profiles in PostgreSQL. Topic lists are stored
// as JSONB arrays.
type PostgresStore struct {
	db DB
}

var _ Source = (*PostgresStore)(nil)

// NewPostgresStore creates a store on db. Call [PostgresStore.Migrate] before
// first use.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ava_profiles table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("profile: migrate: %w", err)
	}
	return nil
}

// Get returns the stored profile for tenantID, or (nil, nil) if there is none.
func (s *PostgresStore) Get(ctx context.Context, tenantID string) (*Profile, error) {
	const query = `
		SELECT tenant_id, name, voice, language, tone, personality, greeting,
		       allowed_topics, forbidden_topics, can_take_notes, can_summarize_live,
		       fallback_behavior, signature_style, custom_rules
		FROM ava_profiles
		WHERE tenant_id = $1`

	var p Profile
	var allowedJSON, forbJSON []byte
	err := s.db.QueryRow(ctx, query, tenantID).Scan(
		&p.TenantID, &p.Name, &p.Voice, &p.Language, &p.Tone, &p.Personality, &p.Greeting,
		&allowedJSON, &forbJSON, &p.CanTakeNotes, &p.CanSummarizeLive,
		&p.FallbackBehavior, &p.SignatureStyle, &p.CustomRules,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("profile: get %q: %w", tenantID, err)
	}
	if err := json.Unmarshal(allowedJSON, &p.AllowedTopics); err != nil {
		return nil, fmt.Errorf("profile: unmarshal allowed_topics: %w", err)
	}
	if err := json.Unmarshal(forbJSON, &p.ForbiddenTopics); err != nil {
		return nil, fmt.Errorf("profile: unmarshal forbidden_topics: %w", err)
	}
	return &p, nil
}

// Load implements [Source].
func (s *PostgresStore) Load(ctx context.Context, tenantID string) (*Profile, error) {
	p, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	return p, nil
}

// Upsert validates p and creates or replaces the tenant's row.
func (s *PostgresStore) Upsert(ctx context.Context, p *Profile) error {
	if p.TenantID == "" {
		return errors.New("profile: upsert: tenant id is required")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	allowedJSON, err := json.Marshal(emptySlice(p.AllowedTopics))
	if err != nil {
		return fmt.Errorf("profile: marshal allowed_topics: %w", err)
	}
	forbJSON, err := json.Marshal(emptySlice(p.ForbiddenTopics))
	if err != nil {
		return fmt.Errorf("profile: marshal forbidden_topics: %w", err)
	}

	const query = `
		INSERT INTO ava_profiles (
			tenant_id, name, voice, language, tone, personality, greeting,
			allowed_topics, forbidden_topics, can_take_notes, can_summarize_live,
			fallback_behavior, signature_style, custom_rules
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (tenant_id) DO UPDATE SET
			name = EXCLUDED.name,
			voice = EXCLUDED.voice,
			language = EXCLUDED.language,
			tone = EXCLUDED.tone,
			personality = EXCLUDED.personality,
			greeting = EXCLUDED.greeting,
			allowed_topics = EXCLUDED.allowed_topics,
			forbidden_topics = EXCLUDED.forbidden_topics,
			can_take_notes = EXCLUDED.can_take_notes,
			can_summarize_live = EXCLUDED.can_summarize_live,
			fallback_behavior = EXCLUDED.fallback_behavior,
			signature_style = EXCLUDED.signature_style,
			custom_rules = EXCLUDED.custom_rules,
			updated_at = now()`

	_, err = s.db.Exec(ctx, query,
		p.TenantID, p.Name, p.Voice, p.Language, p.Tone, p.Personality, p.Greeting,
		allowedJSON, forbJSON, p.CanTakeNotes, p.CanSummarizeLive,
		p.FallbackBehavior, p.SignatureStyle, p.CustomRules,
	)
	if err != nil {
		return fmt.Errorf("profile: upsert %q: %w", p.TenantID, err)
	}
	return nil
}

// emptySlice returns s if non-nil, otherwise an empty non-nil slice, so that
// JSON marshalling produces "[]" instead of "null".
func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
