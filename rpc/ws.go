package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"swapvault/core/events"
)

const wsWriteTimeout = 10 * time.Second

// handleWS streams journal entries over a websocket. The optional ?after=N
// query resumes from a cursor: entries with sequence <= N are skipped, the
// rest replay in order before the live feed takes over.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.node == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	after, err := parseCursor(r.URL.Query().Get("after"))
	if err != nil {
		http.Error(w, "invalid after cursor", http.StatusBadRequest)
		return
	}
	origins := s.wsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamEvents(r.Context(), conn, after); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, after uint64) error {
	updates, cancel, backlog, err := s.node.SubscribeEvents(after)
	if err != nil {
		return err
	}
	defer cancel()

	// The subscription registers before the backlog read, so an entry
	// committed in between appears in both; the cursor filters the overlap.
	lastSeq := after
	for _, entry := range backlog {
		if entry.Sequence <= lastSeq {
			continue
		}
		if err := writeJournalEntry(ctx, conn, entry); err != nil {
			return err
		}
		lastSeq = entry.Sequence
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-updates:
			if !ok {
				return nil
			}
			if entry.Sequence <= lastSeq {
				continue
			}
			if err := writeJournalEntry(ctx, conn, entry); err != nil {
				return err
			}
			lastSeq = entry.Sequence
		}
	}
}

func writeJournalEntry(ctx context.Context, conn *websocket.Conn, entry events.JournalEntry) error {
	data, err := json.Marshal(formatJournalEntry(entry))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func parseCursor(raw string) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	return strconv.ParseUint(trimmed, 10, 64)
}
