package api

import (
	"encoding/json"
	"net/http"

	"github.com/qube-labs/qube/internal/domain"
)

// ─── Owner Management Endpoints ─────────────────────────────────────────────
// POST /api/v1/projects       — register a project with its conversion points
// POST /api/v1/referrals      — register an affiliate in a project
// POST /api/v1/campaign-links — register a campaign link for click tracking

// handleCreateProject registers a project. The response carries the generated
// project id and the API key the partner embeds server-side; the key is
// returned exactly once.
// POST /api/v1/projects
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var p domain.Project
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeErrorV1(w, domain.ErrInvalidRequest, "malformed JSON body")
		return
	}

	created, apiKey, err := s.pipeline.CreateProject(p)
	if err != nil {
		writeErrorV1(w, err, "")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"project": created,
		"apiKey":  apiKey,
	})
}

// handleCreateReferral registers an affiliate wallet in a referral-enabled
// project.
// POST /api/v1/referrals
func (s *Server) handleCreateReferral(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID       string `json:"projectId"`
		AffiliateWallet string `json:"affiliateWallet"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorV1(w, domain.ErrInvalidRequest, "malformed JSON body")
		return
	}

	referral, err := s.pipeline.CreateReferral(req.ProjectID, req.AffiliateWallet)
	if err != nil {
		writeErrorV1(w, err, "")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"referral": referral,
	})
}

// handleCreateCampaignLink registers a campaign link.
// POST /api/v1/campaign-links
func (s *Server) handleCreateCampaignLink(w http.ResponseWriter, r *http.Request) {
	var l domain.CampaignLink
	if err := json.NewDecoder(r.Body).Decode(&l); err != nil {
		writeErrorV1(w, domain.ErrInvalidRequest, "malformed JSON body")
		return
	}

	created, err := s.pipeline.CreateCampaignLink(l)
	if err != nil {
		writeErrorV1(w, err, "")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"link": created,
	})
}
