// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Postgres schema (reference):
//
// CREATE TABLE IF NOT EXISTS identities (
//   id TEXT PRIMARY KEY,
//   natural_key TEXT NOT NULL UNIQUE,
//   created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//   fields JSONB NOT NULL DEFAULT '{}'::jsonb
// );
//
// Insert is ON CONFLICT DO NOTHING on the primary key: because the id is a
// pure function of the natural key, two racing creators write the same id and
// the second insert is a clean no-op.

// PostgresStore persists identities via database/sql. Register a driver
// (e.g. github.com/lib/pq) in the wiring code and hand the *sql.DB here.
type PostgresStore struct {
	db             *sql.DB
	defaultTimeout time.Duration
}

// NewPostgresStore creates a store over db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, defaultTimeout: 10 * time.Second}
}

// withTimeout bounds ctx when the caller didn't.
func (p *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && p.defaultTimeout > 0 {
		return context.WithTimeout(ctx, p.defaultTimeout)
	}
	return ctx, func() {}
}

func (p *PostgresStore) FindByNaturalKey(ctx context.Context, naturalKey string) (*Record, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return p.scanOne(ctx, `SELECT id, natural_key, created_at, fields FROM identities WHERE natural_key = $1`, naturalKey)
}

func (p *PostgresStore) FindByID(ctx context.Context, id string) (*Record, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return p.scanOne(ctx, `SELECT id, natural_key, created_at, fields FROM identities WHERE id = $1`, id)
}

func (p *PostgresStore) scanOne(ctx context.Context, query, arg string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, query, arg)
	var rec Record
	var fields []byte
	if err := row.Scan(&rec.ID, &rec.NaturalKey, &rec.CreatedAt, &fields); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("identity select: %w", err)
	}
	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return nil, fmt.Errorf("identity fields decode (%s): %w", rec.ID, err)
	}
	return &rec, nil
}

func (p *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("identity fields encode (%s): %w", rec.ID, err)
	}
	if _, err := p.db.ExecContext(ctx,
		`INSERT INTO identities(id, natural_key, created_at, fields) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		rec.ID, rec.NaturalKey, rec.CreatedAt, fields); err != nil {
		return fmt.Errorf("identity insert (%s): %w", rec.ID, err)
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, id string, fields map[string]string) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("identity fields encode (%s): %w", id, err)
	}
	if _, err := p.db.ExecContext(ctx,
		`UPDATE identities SET fields = fields || $2::jsonb WHERE id = $1`,
		id, patch); err != nil {
		return fmt.Errorf("identity update (%s): %w", id, err)
	}
	return nil
}
