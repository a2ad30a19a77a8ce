// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat holds the conversation and model types shared by the
// transport, the backends and the front-ends.
package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// =============================================================================
// MESSAGES
// =============================================================================

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the three conversation roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

var titleCaser = cases.Title(language.English)

// Label returns the role as a display label ("User", "Assistant").
func (r Role) Label() string {
	return titleCaser.String(string(r))
}

// Message is a single turn of a conversation. The order of a []Message is
// replayed verbatim to the model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System returns a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User returns a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant returns an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// ValidateMessages checks that a conversation is non-empty and every role is known.
func ValidateMessages(messages []Message) error {
	if len(messages) == 0 {
		return fmt.Errorf("conversation has no messages")
	}
	for i, m := range messages {
		if !m.Role.Valid() {
			return fmt.Errorf("message %d: invalid role %q", i, m.Role)
		}
	}
	return nil
}

// Clone returns an independent copy of a conversation.
func Clone(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}

// =============================================================================
// MODELS
// =============================================================================

// Model describes a model offered by a backend.
type Model struct {
	Name          string    `json:"name"`
	Size          int64     `json:"size"`
	ModifiedAt    time.Time `json:"modified_at,omitempty"`
	Digest        string    `json:"digest,omitempty"`
	Family        string    `json:"family,omitempty"`
	ParameterSize string    `json:"parameter_size,omitempty"`
}

// FormatSize renders the size in binary units, or "-" when unknown.
func (m Model) FormatSize() string {
	if m.Size <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(m.Size))
}

// FindModel returns the model whose name matches exactly, or whose name
// without a ":tag" suffix matches.
func FindModel(models []Model, name string) (Model, bool) {
	for _, m := range models {
		if m.Name == name {
			return m, true
		}
	}
	for _, m := range models {
		if base, _, ok := strings.Cut(m.Name, ":"); ok && base == name {
			return m, true
		}
	}
	return Model{}, false
}
