package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/qube-labs/qube/internal/app/conversion"
	"github.com/qube-labs/qube/internal/domain"
)

// ─── Conversion Endpoints ───────────────────────────────────────────────────
// POST /api/v1/conversion — referral-attributed conversions (x-api-key)
// POST /api/v2/conversion — tracking-token conversions (x-api-key)
// GET  /api/v1/asp-click  — click redirect with tracking token
// POST /api/v1/postback/cv — inbound ASP conversion reports

// handleConversionV1 records a referral-attributed conversion.
// POST /api/v1/conversion
func (s *Server) handleConversionV1(w http.ResponseWriter, r *http.Request) {
	var req conversion.V1Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorV1(w, domain.ErrInvalidRequest, "malformed JSON body")
		return
	}

	outcome, err := s.pipeline.ProcessV1(r.Context(), r.Header.Get("x-api-key"), req)
	if err != nil {
		s.logConversionError("v1", err)
		writeErrorV1(w, err, "")
		return
	}

	if outcome.Inactive {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message":    "conversion point is not active",
			"referralId": outcome.ReferralID,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":    "conversion recorded",
		"referralId": outcome.ReferralID,
	})
}

// v2Request is the body of POST /api/v2/conversion.
type v2Request struct {
	TrackingID   string `json:"trackingId"`
	ConversionID string `json:"conversionId"`
}

// handleConversionV2 records a tracking-token conversion.
// POST /api/v2/conversion
func (s *Server) handleConversionV2(w http.ResponseWriter, r *http.Request) {
	var req v2Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorV2(w, domain.ErrInvalidRequest)
		return
	}

	outcome, err := s.pipeline.ProcessV2(r.Context(), r.Header.Get("x-api-key"), req.TrackingID, req.ConversionID)
	if err != nil {
		s.logConversionError("v2", err)
		writeErrorV2(w, err)
		return
	}

	if outcome.Inactive {
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "conversion point is not active",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "conversion recorded",
	})
}

// handleASPClick records a click on a campaign link and redirects to the
// destination with the tracking token appended.
// GET /api/v1/asp-click?id={linkId}&...
func (s *Server) handleASPClick(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	linkID := query.Get("id")
	query.Del("id")

	redirect, err := s.pipeline.RecordASPClick(r.Context(), linkID, clientIP(r), query)
	if err != nil {
		s.logConversionError("asp-click", err)
		writeErrorV1(w, err, "")
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// handlePostback receives a conversion report from a partner network.
// Authentication failures are 401 here: the caller is a machine integration,
// not a browser session.
// POST /api/v1/postback/cv
func (s *Server) handlePostback(w http.ResponseWriter, r *http.Request) {
	var req conversion.PostbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON body"})
		return
	}

	conversionID, err := s.pipeline.ReceivePostback(r.Context(), r.Header.Get("x-api-key"), req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrMissingAPIKey), errors.Is(err, domain.ErrInvalidAPIKey):
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		case errors.Is(err, domain.ErrInvalidRequest):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing or invalid fields"})
		default:
			s.logger.Error("postback receive failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"conversion_id": conversionID,
	})
}

// clientIP returns the request's client address without the port.
// middleware.RealIP has already resolved proxy headers into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) logConversionError(endpoint string, err error) {
	status, code := mapError(err)
	if status >= 500 {
		s.logger.Error("request failed", zap.String("endpoint", endpoint), zap.Error(err))
		return
	}
	s.logger.Debug("request rejected",
		zap.String("endpoint", endpoint),
		zap.String("code", code),
		zap.Error(err))
}
