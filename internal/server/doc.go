// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server is a local HTTP and websocket bridge to the process's chat
// session, for browser front ends.
//
// # Endpoints
//
//   - GET    /health                  - liveness and active provider
//   - GET    /api/models              - models of the active provider (?refresh=1)
//   - GET    /api/provider            - active provider and model
//   - PUT    /api/provider            - switch provider and/or model
//   - POST   /api/chat                - stateless chat, SSE by default
//   - POST   /api/cancel              - cancel the in-flight chat
//   - GET    /ws                      - websocket chat
//   - GET    /api/conversations       - saved transcripts (?q= searches)
//   - POST   /api/conversations       - save the session history
//   - GET    /api/conversations/{id}  - one transcript (id or unique prefix)
//   - DELETE /api/conversations/{id}  - delete a transcript
//   - GET    /metrics                 - Prometheus metrics
//
// Conversation routes exist only when a store is configured, /metrics only
// when metrics are.
//
// # Streaming
//
// A streaming /api/chat answers with server-sent events:
//
//	data: {"content":"Hel"}
//	data: {"content":"lo"}
//	data: [DONE]
//
// Failures end the stream with "event: error" and a {kind, message} body;
// a cancelled chat ends with "event: cancelled".
//
// The session serves one chat at a time. Starting a chat over either
// transport cancels the one in flight.
package server
