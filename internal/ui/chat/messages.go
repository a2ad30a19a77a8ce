// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"time"

	convo "github.com/jeranaias/ollama-chat/internal/chat"
)

// StreamTickMsg asks the model to flush buffered fragments.
type StreamTickMsg struct {
	Time time.Time
}

// StreamCompleteMsg ends a turn. Err is nil, a cancellation or a failure.
type StreamCompleteMsg struct {
	Reply string
	Err   error
}

// ModelsLoadedMsg carries the active provider's model list.
type ModelsLoadedMsg struct {
	Models []convo.Model
	Err    error
}

// ConversationSavedMsg reports the outcome of saving to history.
type ConversationSavedMsg struct {
	ID  string
	Err error
}
