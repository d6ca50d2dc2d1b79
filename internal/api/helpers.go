package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/relayai/core/internal/domain"
	"github.com/relayai/core/internal/engine"
	"github.com/relayai/core/internal/routing"
)

// newTraceID generates a 32 hex-char trace id, the shape spec §6 expects on
// X-Trace-Id when a caller doesn't supply one.
func newTraceID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "00000000000000000000000000000000"
	}
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// historyToMessages builds the engine message list from a session's recent
// history plus the pending user turn, in the window the routing policy uses
// (routing.HistoryWindow turns of context).
func historyToMessages(session *domain.SessionState, userMessage string) []engine.Message {
	var recent []domain.ChatTurn
	if session != nil {
		recent = session.RecentHistory(routing.HistoryWindow)
	}
	messages := make([]engine.Message, 0, len(recent)+1)
	for _, turn := range recent {
		messages = append(messages, engine.Message{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, engine.Message{Role: "user", Content: userMessage})
	return messages
}
