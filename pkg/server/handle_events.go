package server

import (
	"fmt"
	"net/http"
	"time"
)

// pingInterval keeps idle SSE connections open through proxies.
var pingInterval = 30 * time.Second

func (s *Server) handleEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		ch := s.broker.Subscribe()
		defer s.broker.Unsubscribe(ch)

		fmt.Fprintf(w, "event: ready\ndata: {\"round\":%d}\n\n", s.catalog.CurrentRound().Number)
		flusher.Flush()

		ping := time.NewTicker(pingInterval)
		defer ping.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case data, open := <-ch:
				if !open {
					return
				}
				fmt.Fprintf(w, "event: rankings\ndata: %s\n\n", data)
				flusher.Flush()
			case <-ping.C:
				fmt.Fprintf(w, ": ping\n\n")
				flusher.Flush()
			}
		}
	}
}
