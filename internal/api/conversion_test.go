package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/qube-labs/qube/internal/app/conversion"
	"github.com/qube-labs/qube/internal/domain"
	"github.com/qube-labs/qube/internal/infra/geo"
	"github.com/qube-labs/qube/internal/infra/sqlite"
)

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, domain.ASP, domain.ClickLog) error { return nil }

// newTestServer wires a full pipeline over a temp store and returns the
// router plus the seeded referral and API key.
func newTestServer(t *testing.T) (http.Handler, *conversion.Service, *sqlite.DB, string) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("sqlite.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	pipeline := conversion.New(db, nopNotifier{}, geo.Static("JP"), conversion.Config{
		RateLimitWindow: time.Minute,
		RateLimitMax:    100,
	}, zap.NewNop())

	p := domain.Project{
		ID:                   "proj-1",
		Name:                 "demo",
		OwnerAddresses:       []string{"0x00000000000000000000000000000000000000aa"},
		SelectedTokenAddress: "0x00000000000000000000000000000000000000bb",
		SelectedChainID:      137,
		RedirectURL:          "https://shop.example/landing",
		ConversionPoints: []domain.ConversionPoint{
			{ID: "cp-1", ProjectID: "proj-1", Title: "signup", PaymentType: domain.PaymentFixedAmount, RewardAmount: 10, IsActive: true},
		},
		IsReferralEnabled: true,
	}
	const apiKey = "key-1"
	if err := db.InsertProject(p, apiKey); err != nil {
		t.Fatalf("InsertProject() error = %v", err)
	}
	if err := db.InsertReferral(domain.Referral{
		ID: "ref-1", ProjectID: p.ID,
		AffiliateWallet: "0x00000000000000000000000000000000000000cc",
	}); err != nil {
		t.Fatalf("InsertReferral() error = %v", err)
	}

	return NewServer(pipeline, zap.NewNop()).Handler(), pipeline, db, apiKey
}

func postJSON(t *testing.T, handler http.Handler, path, apiKey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestConversionV1Success(t *testing.T) {
	handler, _, _, apiKey := newTestServer(t)

	rec := postJSON(t, handler, "/api/v1/conversion", apiKey, map[string]string{
		"referralId":   "ref-1",
		"conversionId": "cp-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["referralId"] != "ref-1" {
		t.Errorf("referralId = %v", body["referralId"])
	}
}

func TestConversionV1ErrorEnvelope(t *testing.T) {
	handler, _, _, apiKey := newTestServer(t)

	tests := []struct {
		name       string
		apiKey     string
		body       map[string]string
		wantStatus int
		wantCode   string
	}{
		{"missing api key", "", map[string]string{"referralId": "ref-1", "conversionId": "cp-1"},
			http.StatusBadRequest, "MISSING_API_KEY"},
		{"wrong api key", "bogus", map[string]string{"referralId": "ref-1", "conversionId": "cp-1"},
			http.StatusForbidden, "INVALID_API_KEY"},
		{"unknown referral", apiKey, map[string]string{"referralId": "nope", "conversionId": "cp-1"},
			http.StatusNotFound, "REFERRAL_NOT_FOUND"},
		{"unknown point", apiKey, map[string]string{"referralId": "ref-1", "conversionId": "nope"},
			http.StatusNotFound, "CONVERSION_POINT_NOT_FOUND"},
		{"empty body fields", apiKey, map[string]string{},
			http.StatusBadRequest, "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, handler, "/api/v1/conversion", tt.apiKey, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			body := decodeBody(t, rec)
			errObj, ok := body["error"].(map[string]interface{})
			if !ok {
				t.Fatalf("v1 error is not an envelope: %s", rec.Body.String())
			}
			if errObj["code"] != tt.wantCode {
				t.Errorf("error.code = %v, want %s", errObj["code"], tt.wantCode)
			}
		})
	}
}

func TestConversionV2TokenFlow(t *testing.T) {
	handler, pipeline, _, apiKey := newTestServer(t)

	link, err := pipeline.CreateCampaignLink(domain.CampaignLink{
		ProjectID:      "proj-1",
		Source:         domain.SourceIndividual,
		DestinationURL: "https://shop.example/product",
	})
	if err != nil {
		t.Fatalf("CreateCampaignLink() error = %v", err)
	}

	// Click through the HTTP endpoint.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/asp-click?id="+link.ID+"&click_id=c9", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("asp-click status = %d, body = %s", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	token := loc.Query().Get("trackingId")
	if token == "" {
		t.Fatalf("Location %q carries no trackingId", loc)
	}

	// Convert with the token.
	rec = postJSON(t, handler, "/api/v2/conversion", apiKey, map[string]string{
		"trackingId":   token,
		"conversionId": "cp-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("v2 status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// Replay: flat error shape, 404.
	rec = postJSON(t, handler, "/api/v2/conversion", apiKey, map[string]string{
		"trackingId":   token,
		"conversionId": "cp-1",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("replay status = %d, want 404", rec.Code)
	}
	body := decodeBody(t, rec)
	if _, isString := body["error"].(string); !isString {
		t.Errorf("v2 error is not flat: %s", rec.Body.String())
	}
}

func TestPostbackReceiver(t *testing.T) {
	handler, _, _, apiKey := newTestServer(t)

	payload := map[string]string{
		"click_id":      "click-9",
		"conversion_id": "cv-42",
		"source":        "AdNetwork",
		"event_name":    "purchase",
		"event_value":   "19.99",
		"currency":      "USD",
		"campaign_id":   "camp-1",
		"affiliate_id":  "aff-7",
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}

	rec := postJSON(t, handler, "/api/v1/postback/cv", apiKey, payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != true || body["conversion_id"] != "cv-42" {
		t.Errorf("body = %v", body)
	}

	// Missing key is 401 here, not 400.
	rec = postJSON(t, handler, "/api/v1/postback/cv", "", payload)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing key status = %d, want 401", rec.Code)
	}

	// Dropped field is 400.
	delete(payload, "event_name")
	rec = postJSON(t, handler, "/api/v1/postback/cv", apiKey, payload)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("incomplete payload status = %d, want 400", rec.Code)
	}
}

func TestCreateProjectEndpoint(t *testing.T) {
	handler, _, _, _ := newTestServer(t)

	rec := postJSON(t, handler, "/api/v1/projects", "", map[string]interface{}{
		"name":           "new-shop",
		"ownerAddresses": []string{"0x00000000000000000000000000000000000000aa"},
		"conversionPoints": []map[string]interface{}{
			{"title": "signup", "paymentType": "FixedAmount", "rewardAmount": 5, "isActive": true},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["apiKey"] == "" || body["apiKey"] == nil {
		t.Error("response carries no apiKey")
	}

	// Invalid config is rejected with the envelope shape.
	rec = postJSON(t, handler, "/api/v1/projects", "", map[string]interface{}{
		"name":              "bad",
		"ownerAddresses":    []string{"0x00000000000000000000000000000000000000aa"},
		"isReferralEnabled": true,
		"conversionPoints": []map[string]interface{}{
			{"title": "sub", "paymentType": "Tiered",
				"tiers": []map[string]interface{}{{"conversionsRequired": 1, "rewardAmount": 10}}},
		},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("tiered+referral status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestHealthAndStatus(t *testing.T) {
	handler, _, _, _ := newTestServer(t)

	for _, path := range []string{"/health", "/api/status", "/api/version"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d", path, rec.Code)
		}
	}
}
