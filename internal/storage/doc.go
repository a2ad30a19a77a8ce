// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides conversation persistence backed by SQLite
// (modernc.org/sqlite, no cgo).
//
// The database lives at ~/.ollama-chat/history.db by default and holds two
// tables: conversations and their ordered messages. Conversation IDs are
// uuid v4; commands accept any unique prefix of four or more characters.
//
// # Usage
//
//	store, err := storage.Open(ctx, path)
//	id, err := store.Save(ctx, &storage.StoredConversation{Messages: history})
//	conv, err := store.Load(ctx, id[:8])
package storage
