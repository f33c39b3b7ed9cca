// Package changemgmt talks to the system that owns change requests.
package changemgmt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/kiranshivaraju/governor/pkg/models"
)

// Sentinel errors for change management failures.
var (
	ErrChangeRequestNotFound = errors.New("change request not found")
	ErrUnreachable           = errors.New("change management unreachable")
	ErrTimeout               = errors.New("change management timeout")
	ErrUnexpectedStatus      = errors.New("change management unexpected status")
)

// Client is the interface to the change management system.
// ApproveChange and RejectChange must be idempotent on the remote side.
type Client interface {
	GetChangeRequest(ctx context.Context, id string) (*models.ChangeRequest, error)
	ApproveChange(ctx context.Context, id string) error
	RejectChange(ctx context.Context, id, rejectedBy, reason string) error
}

// HTTPClient implements Client over the change management REST API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a new change management HTTP client.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) GetChangeRequest(ctx context.Context, id string) (*models.ChangeRequest, error) {
	u := fmt.Sprintf("%s/api/v1/change-requests/%s", c.baseURL, url.PathEscape(id))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrChangeRequestNotFound, id)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var cr models.ChangeRequest
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("decoding change request: %w", err)
	}
	return &cr, nil
}

func (c *HTTPClient) ApproveChange(ctx context.Context, id string) error {
	return c.post(ctx, id, "approve", nil)
}

func (c *HTTPClient) RejectChange(ctx context.Context, id, rejectedBy, reason string) error {
	return c.post(ctx, id, "reject", rejectBody{RejectedBy: rejectedBy, Reason: reason})
}

type rejectBody struct {
	RejectedBy string `json:"rejected_by"`
	Reason     string `json:"reason"`
}

// post sends a state transition. 409 means the transition was already
// applied and is treated as success.
func (c *HTTPClient) post(ctx context.Context, id, action string, body any) error {
	u := fmt.Sprintf("%s/api/v1/change-requests/%s/%s", c.baseURL, url.PathEscape(id), action)

	var rd io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s body: %w", action, err)
		}
		rd = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, rd)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusConflict:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrChangeRequestNotFound, id)
	default:
		return fmt.Errorf("%w: %s returned %d", ErrUnexpectedStatus, action, resp.StatusCode)
	}
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
