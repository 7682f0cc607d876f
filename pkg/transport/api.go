package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fleetlink/fleetlink-go/pkg/log"
	"github.com/fleetlink/fleetlink-go/pkg/wire"
)

// defaultHTTPTimeout bounds a single write API call.
const defaultHTTPTimeout = 15 * time.Second

// APIClient is the production correlator.Transport: attribute writes posted
// as JSON to the fleet service's request/response API.
//
// Both single and batch writes use the same endpoint,
// POST {base}/v1/devices/{deviceID}/requests, with a JSON array body and a
// JSON array response carrying one WriteResponse per request.
type APIClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  log.Logger
}

// NewAPIClient creates a write API client for the given base URL.
func NewAPIClient(baseURL, token string, logger log.Logger) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		logger:  log.OrNoop(logger),
	}
}

// PostAttributeWrite implements correlator.Transport.
func (a *APIClient) PostAttributeWrite(ctx context.Context, deviceID string, req wire.WriteRequest) (wire.WriteResponse, error) {
	resps, err := a.postWrites(ctx, deviceID, []wire.WriteRequest{req})
	if err != nil {
		return wire.WriteResponse{}, err
	}
	return resps[0], nil
}

// PostBatchAttributeWrite implements correlator.Transport.
func (a *APIClient) PostBatchAttributeWrite(ctx context.Context, deviceID string, reqs []wire.WriteRequest) ([]wire.WriteResponse, error) {
	return a.postWrites(ctx, deviceID, reqs)
}

// postWrites posts the request array and decodes the response array.
func (a *APIClient) postWrites(ctx context.Context, deviceID string, reqs []wire.WriteRequest) ([]wire.WriteResponse, error) {
	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("encoding write requests: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/devices/%s/requests", a.baseURL, url.PathEscape(deviceID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building write request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("posting writes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		e := log.NewEvent(log.LevelWarn, log.ComponentTransport, "write API error")
		e.DeviceID = deviceID
		e.Err = resp.Status
		a.logger.Log(e)
		return nil, fmt.Errorf("write API returned %d", resp.StatusCode)
	}

	var resps []wire.WriteResponse
	if err := json.NewDecoder(resp.Body).Decode(&resps); err != nil {
		return nil, fmt.Errorf("decoding write responses: %w", err)
	}
	if len(resps) != len(reqs) {
		return nil, fmt.Errorf("write API returned %d responses for %d requests", len(resps), len(reqs))
	}
	return resps, nil
}
