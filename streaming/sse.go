package streaming

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/expertflow-ai/expertflow/types"
)

// ServeSSE streams a request's events to an HTTP response as
// server-sent events, one JSON object per event. It returns when the
// stream finishes or the client disconnects.
func ServeSSE(w http.ResponseWriter, r *http.Request, broker *Broker, requestID string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := broker.Subscribe(requestID)
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("sse client disconnected", zap.String("request_id", requestID))
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeSSE(w, ev); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev types.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
