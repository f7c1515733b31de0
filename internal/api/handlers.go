package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"dripbot/internal/campaign"
	"dripbot/internal/store"
	"dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	list, err := s.st.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaigns": list})
}

// draftRequest is the create/update payload. StartAt is RFC 3339.
type draftRequest struct {
	Name           string              `json:"name"`
	Messages       []campaign.Message  `json:"messages"`
	TargetUsername string              `json:"target_username"`
	TargetType     campaign.TargetType `json:"target_type"`
	Rate           campaign.RateConfig `json:"rate_limit"`
	StartAt        *time.Time          `json:"start_at,omitempty"`
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	d := campaign.Draft{
		Name:           req.Name,
		Messages:       req.Messages,
		TargetUsername: req.TargetUsername,
		TargetType:     req.TargetType,
		Rate:           req.Rate,
	}
	if req.StartAt != nil {
		d.StartAt = *req.StartAt
	}
	c, err := campaign.New(d)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.st.Create(r.Context(), c); err != nil {
		s.fail(w, err)
		return
	}
	s.log.Info("campaign created", logx.String("campaign", c.ID), logx.String("name", c.Name))
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.st.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleUpdateCampaign edits the mutable fields of a record. Status is
// not editable here; use the activate/pause transitions.
func (s *Server) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	c, err := s.st.Update(r.Context(), chi.URLParam(r, "id"), func(c *campaign.Campaign) error {
		if strings.TrimSpace(req.Name) != "" {
			c.Name = strings.TrimSpace(req.Name)
		}
		if len(req.Messages) > 0 {
			c.Messages = append([]campaign.Message(nil), req.Messages...)
		}
		if req.Rate.MessagesPerHour > 0 {
			c.Rate.MessagesPerHour = req.Rate.MessagesPerHour
		}
		if req.StartAt != nil {
			c.StartAt = *req.StartAt
		}
		return nil
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.st.Delete(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	// The store ping triggers reconciliation, which aborts any runner.
	s.log.Info("campaign deleted", logx.String("campaign", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, campaign.StatusActive)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, campaign.StatusPaused)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, status campaign.Status) {
	id := chi.URLParam(r, "id")
	c, err := store.SetStatus(r.Context(), s.st, id, status)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.log.Info("campaign status changed",
		logx.String("campaign", id), logx.String("status", string(status)))
	writeJSON(w, http.StatusOK, c)
}

// handleProgress merges the persisted counters with the live runner
// snapshot when one exists.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.st.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	resp := map[string]any{
		"campaign_id":    c.ID,
		"status":         c.Status,
		"messages_sent":  c.MessagesSent,
		"total_messages": c.TotalMessages,
		"remaining":      c.Remaining(),
		"errors":         len(c.Errors),
	}
	if s.exec != nil {
		for _, snap := range s.exec.Snapshots() {
			if snap.CampaignID == id {
				resp["runner"] = snap
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunners(w http.ResponseWriter, r *http.Request) {
	if s.exec == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runners": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runners": s.exec.Snapshots()})
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.limiter.Snapshot())
}

func (s *Server) handleGetCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.st.Credentials(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	// Password never leaves the store through the API.
	writeJSON(w, http.StatusOK, map[string]any{
		"username": creds.Username,
		"set":      creds.Username != "",
	})
}

func (s *Server) handlePutCredentials(w http.ResponseWriter, r *http.Request) {
	var creds transport.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(creds.Username) == "" || creds.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if err := s.st.SetCredentials(r.Context(), creds); err != nil {
		s.fail(w, err)
		return
	}
	s.log.Info("credentials updated", logx.String("username", creds.Username))
	if s.loginFn == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	// New credentials are only useful once a session exists; attempt the
	// login now and report the outcome instead of waiting for a restart.
	if err := s.loginFn(r.Context(), creds); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"stored": true, "logged_in": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stored": true, "logged_in": true})
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrUnknownCampaign):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, campaign.ErrBadStatusChange):
		writeError(w, http.StatusConflict, err.Error())
	case isValidationErr(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Warn("request failed", logx.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func isValidationErr(err error) bool {
	for _, v := range []error{
		campaign.ErrEmptyName, campaign.ErrNoMessages, campaign.ErrEmptyContent,
		campaign.ErrNegativeDelay, campaign.ErrBadTargetType, campaign.ErrEmptyTarget,
		campaign.ErrBadRate, campaign.ErrBadBudget, campaign.ErrBudgetOverspent,
	} {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
