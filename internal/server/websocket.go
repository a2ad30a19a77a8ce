// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/jeranaias/ollama-chat/internal/chat"
	"github.com/jeranaias/ollama-chat/internal/stream"
)

// Websocket message types.
const (
	MsgChat      = "chat"
	MsgCancel    = "cancel"
	MsgReset     = "reset"
	MsgChunk     = "chunk"
	MsgDone      = "done"
	MsgError     = "error"
	MsgCancelled = "cancelled"
)

const wsWriteTimeout = 10 * time.Second

// ClientMessage is sent by the browser. A chat carries either Content (a
// turn appended to the server-side session history) or Messages (a
// stateless conversation, optionally with Model).
type ClientMessage struct {
	Type     string         `json:"type"`
	ID       string         `json:"id,omitempty"`
	Content  string         `json:"content,omitempty"`
	Messages []chat.Message `json:"messages,omitempty"`
	Model    string         `json:"model,omitempty"`
}

// ServerMessage is sent to the browser. Every chat ends with exactly one
// of done, error or cancelled carrying the chat's ID.
type ServerMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Content string `json:"content,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// wsConn serializes writes to one websocket connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(ctx context.Context, msg ServerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, msg)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cors.hostPatterns(),
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	if s.metrics != nil {
		s.metrics.WebsocketClients.Inc()
		defer s.metrics.WebsocketClients.Dec()
	}

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	c := &wsConn{conn: conn}
	remote := GetClientIP(r)
	s.logger.Debug("websocket connected", zap.String("remote", remote))

	for {
		var msg ClientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				s.logger.Debug("websocket closed", zap.String("remote", remote))
			} else {
				s.logger.Debug("websocket read failed", zap.String("remote", remote), zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case MsgChat:
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.wsChat(ctx, c, msg)
			}()
		case MsgCancel:
			s.session.Cancel()
		case MsgReset:
			s.session.Reset()
		default:
			_ = c.send(ctx, ServerMessage{
				Type:    MsgError,
				ID:      msg.ID,
				Kind:    "bad_request",
				Message: fmt.Sprintf("unknown message type %q", msg.Type),
			})
		}
	}
}

// wsChat runs one chat and always finishes with one terminal message.
func (s *Server) wsChat(ctx context.Context, c *wsConn, msg ClientMessage) {
	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}

	sink := func(fragment string) {
		_ = c.send(ctx, ServerMessage{Type: MsgChunk, ID: msg.ID, Content: fragment})
	}

	var (
		text string
		err  error
	)
	switch {
	case len(msg.Messages) > 0:
		if err = chat.ValidateMessages(msg.Messages); err != nil {
			_ = c.send(ctx, ServerMessage{Type: MsgError, ID: msg.ID, Kind: "bad_request", Message: err.Error()})
			return
		}
		err = s.session.Exclusive(ctx, func(ctx context.Context) error {
			var chatErr error
			text, chatErr = s.session.Chat(ctx, msg.Model, msg.Messages, sink)
			return chatErr
		})
	default:
		text, err = s.session.Send(ctx, msg.Content, sink)
	}

	var final ServerMessage
	switch stream.SignalFor(err) {
	case stream.SignalCompleted:
		final = ServerMessage{Type: MsgDone, ID: msg.ID, Content: text}
	case stream.SignalCancelled:
		final = ServerMessage{Type: MsgCancelled, ID: msg.ID}
	default:
		final = ServerMessage{Type: MsgError, ID: msg.ID, Kind: errorKind(err), Message: err.Error()}
	}
	// ctx is done after a disconnect; the terminal message is still tried.
	if sendErr := c.send(context.WithoutCancel(ctx), final); sendErr != nil {
		s.logger.Debug("websocket send failed", zap.Error(sendErr))
	}
}
