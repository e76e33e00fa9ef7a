package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPVendorClient talks to the generation vendor's task API: submit returns
// an external task id, status reports one of the three contract states.
type HTTPVendorClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPVendorClient wires a vendor client with a bounded request timeout.
func NewHTTPVendorClient(baseURL string, apiKey string, timeout time.Duration) *HTTPVendorClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPVendorClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type vendorSubmitPayload struct {
	ReferenceID     string `json:"reference_id"`
	ImageURL        string `json:"image_url"`
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"duration_seconds"`
	Mode            string `json:"mode"`
}

type vendorSubmitResponse struct {
	TaskID string `json:"task_id"`
}

type vendorStatusResponse struct {
	Status   string `json:"status"`
	VideoURL string `json:"video_url"`
	Error    string `json:"error"`
}

// Submit registers a generation task and returns the vendor's task id.
func (client *HTTPVendorClient) Submit(ctx context.Context, request SubmitRequest) (string, error) {
	payload, err := json.Marshal(vendorSubmitPayload{
		ReferenceID:     request.ReferenceID,
		ImageURL:        request.ImageURL,
		Prompt:          request.Prompt,
		DurationSeconds: request.DurationSeconds,
		Mode:            string(request.Mode),
	})
	if err != nil {
		return "", fmt.Errorf("encode submit payload: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+"/v1/tasks", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+client.apiKey)

	httpResponse, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return "", fmt.Errorf("%w: submit: %v", ErrVendorUnavailable, err)
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode != http.StatusOK && httpResponse.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("%w: submit returned status %d", ErrVendorUnavailable, httpResponse.StatusCode)
	}

	var decoded vendorSubmitResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("%w: decode submit response: %v", ErrVendorUnavailable, err)
	}
	if decoded.TaskID == "" {
		return "", fmt.Errorf("%w: submit response missing task id", ErrVendorUnavailable)
	}
	return decoded.TaskID, nil
}

// Status polls one task. Vendor states map onto the three-state contract:
// anything not terminal is processing.
func (client *HTTPVendorClient) Status(ctx context.Context, externalTaskID string) (VendorStatus, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+"/v1/tasks/"+url.PathEscape(externalTaskID), nil)
	if err != nil {
		return VendorStatus{}, err
	}
	httpRequest.Header.Set("Authorization", "Bearer "+client.apiKey)

	httpResponse, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return VendorStatus{}, fmt.Errorf("%w: status: %v", ErrVendorUnavailable, err)
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode != http.StatusOK {
		return VendorStatus{}, fmt.Errorf("%w: status returned %d", ErrVendorUnavailable, httpResponse.StatusCode)
	}

	var decoded vendorStatusResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&decoded); err != nil {
		return VendorStatus{}, fmt.Errorf("%w: decode status response: %v", ErrVendorUnavailable, err)
	}

	switch decoded.Status {
	case "succeeded":
		return VendorStatus{State: VendorSucceeded, AssetURL: decoded.VideoURL}, nil
	case "failed":
		return VendorStatus{State: VendorFailed, Reason: decoded.Error}, nil
	default:
		return VendorStatus{State: VendorProcessing}, nil
	}
}
