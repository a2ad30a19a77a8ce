// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one schema step. Versions are applied in ascending order and
// recorded in _migrations.
type migration struct {
	Version     int
	Description string
	Stmts       []string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "create conversations and messages",
		Stmts: []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				id         TEXT PRIMARY KEY,
				title      TEXT NOT NULL,
				provider   TEXT NOT NULL DEFAULT '',
				model      TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				seq             INTEGER NOT NULL,
				role            TEXT NOT NULL,
				content         TEXT NOT NULL,
				PRIMARY KEY (conversation_id, seq)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at)`,
		},
	},
}

// migrate applies pending migrations.
func (s *ConversationStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS _migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	for _, m := range migrations {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _migrations WHERE version = ?`, m.Version).Scan(&n); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if n > 0 {
			continue
		}

		err := s.tx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.Stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO _migrations (version) VALUES (?)`, m.Version)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}
