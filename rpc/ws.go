package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/mkhmik004/trustwork/integrations/eventlog"
)

const (
	wsWriteTimeout = 10 * time.Second
)

// HandleEventsWS streams journaled escrow events. With ?cursor=N the stream
// starts with every record after sequence N, then continues live. A
// comma-separated ?types= list restricts the stream to those event types.
func (s *Server) HandleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.hub == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	var (
		cursor    uint64
		fromStart bool
	)
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor, fromStart = parsed, true
	}
	filter := parseTypeFilter(r.URL.Query().Get("types"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, cursor, fromStart, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			s.logger.Debug("event stream ended", "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor uint64, fromStart bool, filter typeFilter) error {
	// Subscribe before replaying so nothing appended during the replay is
	// missed. Overlap is dropped by sequence below.
	updates, cancel := s.hub.Subscribe()
	defer cancel()

	last := cursor
	if fromStart {
		var err error
		last, err = s.hub.Replay(ctx, cursor, func(rec eventlog.Record) error {
			if !filter.match(rec.Type) {
				return nil
			}
			return writeEventRecord(ctx, conn, rec)
		})
		if err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-updates:
			if !ok {
				_ = conn.Close(websocket.StatusTryAgainLater, "subscriber too slow")
				return nil
			}
			if fromStart && rec.Sequence <= last {
				continue
			}
			last = rec.Sequence
			if !filter.match(rec.Type) {
				continue
			}
			if err := writeEventRecord(ctx, conn, rec); err != nil {
				return err
			}
		}
	}
}

func writeEventRecord(ctx context.Context, conn *websocket.Conn, rec eventlog.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// typeFilter is a set of event types. Empty matches everything.
type typeFilter map[string]struct{}

func parseTypeFilter(raw string) typeFilter {
	filter := typeFilter{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			filter[part] = struct{}{}
		}
	}
	return filter
}

func (f typeFilter) match(eventType string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[eventType]
	return ok
}
