package carpark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPExemptionService calls a car-park operator's HTTP exemption
// endpoint directly (the municipal/vendor API behind this is site
// specific and outside this repository; the wire shape below is this
// client's own contract, not one dictated by a vendor). Grounded on
// internal/notify's bare net/http client style — no vendor SDK exists
// anywhere in the example pack to ground a richer client on.
type HTTPExemptionService struct {
	endpoint string
	apiKey   string
	hc       *http.Client
}

// NewHTTPExemptionService constructs a service that POSTs exemption
// requests to endpoint. apiKey, if non-empty, is sent as a Bearer
// token. hc defaults to http.DefaultClient if nil.
func NewHTTPExemptionService(endpoint, apiKey string, hc *http.Client) *HTTPExemptionService {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPExemptionService{endpoint: endpoint, apiKey: apiKey, hc: hc}
}

type exemptionRequest struct {
	LicensePlateNumber string `json:"license_plate_number"`
}

type exemptionResponse struct {
	Success   bool       `json:"success"`
	EntryDate *time.Time `json:"entry_date"`
}

// Exempt implements ExemptionService.
func (s *HTTPExemptionService) Exempt(ctx context.Context, licensePlate string) (bool, time.Time, bool, error) {
	body, err := json.Marshal(exemptionRequest{LicensePlateNumber: licensePlate})
	if err != nil {
		return false, time.Time{}, false, fmt.Errorf("carpark: encode exemption request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, time.Time{}, false, fmt.Errorf("carpark: build exemption request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.hc.Do(req)
	if err != nil {
		return false, time.Time{}, false, fmt.Errorf("carpark: exemption request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return false, time.Time{}, false, fmt.Errorf("carpark: exemption service returned status %d", resp.StatusCode)
	}

	var out exemptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, time.Time{}, false, fmt.Errorf("carpark: decode exemption response: %w", err)
	}

	if out.EntryDate == nil {
		return out.Success, time.Time{}, false, nil
	}
	return out.Success, *out.EntryDate, true, nil
}
