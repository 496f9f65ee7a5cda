package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"controlgastos/internal/core"
	"controlgastos/internal/log"
)

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "Readiness check failed", log.FieldError, err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func handleCategories(w http.ResponseWriter, r *http.Request) {
	cats := core.Categories()
	names := make([]string, 0, len(cats))
	for _, c := range cats {
		names = append(names, c.String())
	}
	NewJSONResponse().JSON(names).Write(w)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, BadRequestError(err.Error()))
		return
	}
	u, err := s.auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		s.fail(w, r, log.OpRegister, err)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).JSON(userDTO{ID: u.ID, Username: u.Username}).Write(w)
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, BadRequestError(err.Error()))
		return
	}
	u, err := s.auth.SignIn(r.Context(), req.Username, req.Password)
	if err != nil {
		s.fail(w, r, log.OpSignIn, err)
		return
	}
	NewJSONResponse().JSON(userDTO{ID: u.ID, Username: u.Username}).Write(w)
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	s.auth.SignOut(r.Context())
	NoContent().Write(w)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().JSON(newStateDTO(s.vm.State())).Write(w)
}

// handleStateStream pushes every view-model state as a server-sent event.
// Intermediate states may be skipped; the latest one is always delivered.
func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// The stream outlives the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.ErrorContext(r.Context(), "Streaming unsupported", log.FieldError, err)
		return
	}

	states, cancel := s.vm.Subscribe()
	defer cancel()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.streams.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			data, err := json.Marshal(newStateDTO(st))
			if err != nil {
				s.logger.ErrorContext(r.Context(), "State encoding failed", log.FieldError, err)
				return
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: state\ndata: %s\n\n", st.Version, data); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
