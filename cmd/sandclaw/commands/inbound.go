// inbound.go fans incoming channel messages into dispatch triggers.
package commands

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/channels"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/dispatch"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/store"
)

// serveInbound consumes the aggregated channel stream until shutdown.
// Each message becomes one agent dispatch; a failing group never
// blocks the stream for other groups.
func serveInbound(ctx context.Context, manager *channels.Manager, st *store.Store, orch *dispatch.Orchestrator, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-manager.Messages():
			if !ok {
				return
			}
			go handleInbound(ctx, st, orch, msg, logger)
		}
	}
}

func handleInbound(ctx context.Context, st *store.Store, orch *dispatch.Orchestrator, msg *channels.IncomingMessage, logger *slog.Logger) {
	groupKey := msg.GroupKey
	if groupKey == "" {
		groupKey = msg.ChatID
	}

	if err := st.UpsertChat(&store.Chat{
		ID:        msg.ChatID,
		GroupKey:  groupKey,
		Channel:   msg.Channel,
		CreatedAt: time.Now(),
	}); err != nil {
		logger.Warn("chat upsert failed", "chat", msg.ChatID, "error", err)
	}

	if err := st.SaveMessage(&store.Message{
		ChatID:    msg.ChatID,
		Sender:    msg.From,
		Content:   msg.Text,
		CreatedAt: msg.Timestamp,
	}); err != nil {
		logger.Warn("history save failed", "chat", msg.ChatID, "error", err)
	}

	result, err := orch.Dispatch(ctx, dispatch.Trigger{
		GroupKey:    groupKey,
		ChatID:      msg.ChatID,
		Prompt:      msg.Text,
		ContextMode: store.ContextGroup,
		Source:      dispatch.SourceUser,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrSpawn) {
			logger.Error("dispatch spawn failed", "group", groupKey, "error", err)
		} else {
			logger.Error("dispatch failed", "group", groupKey, "error", err)
		}
		return
	}
	if !result.OK() {
		logger.Warn("agent run failed",
			"group", groupKey,
			"failure", result.Failure,
			"exit_code", result.ExitCode,
		)
	}
}
