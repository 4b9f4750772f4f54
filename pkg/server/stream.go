// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package server

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// keepAliveInterval is how often an idle stream gets a comment line so
// proxies don't drop the connection.
const keepAliveInterval = 30 * time.Second

// handleStream serves the live event feed over SSE. Each connected client
// is one bus subscriber; a client that stops reading is evicted by the bus
// and its stream ends.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.core.Events == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event stream disabled"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	sub, err := s.core.Events.Subscribe("sse", 0)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event stream closed"})
		return
	}
	defer s.core.Events.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, ": connected %s\n\n", sub.ID)
	flusher.Flush()

	s.logger.Debug("sse client connected", zap.String("subscription_id", sub.ID))

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("sse client disconnected", zap.String("subscription_id", sub.ID))
			return

		case ev, ok := <-sub.C:
			if !ok {
				// Evicted or bus closed.
				return
			}
			payload, err := ev.Marshal()
			if err != nil {
				s.logger.Warn("drop unmarshalable event", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()

		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}
