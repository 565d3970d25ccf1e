package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DeviceNotRegistered is the gateway error detail for a device that will
// never accept pushes again.
const DeviceNotRegistered = "DeviceNotRegistered"

const (
	statusOK    = "ok"
	statusError = "error"
)

// Message is one push message as accepted by the gateway.
type Message struct {
	To       string         `json:"to"`
	Title    string         `json:"title,omitempty"`
	Body     string         `json:"body,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Sound    string         `json:"sound,omitempty"`
	Badge    int            `json:"badge,omitempty"`
	Priority string         `json:"priority,omitempty"`
}

// ErrorDetails carries the machine readable error of a ticket or receipt.
type ErrorDetails struct {
	Error string `json:"error,omitempty"`
}

// Ticket is the gateway's immediate answer for one message.
type Ticket struct {
	Status  string        `json:"status"`
	ID      string        `json:"id,omitempty"`
	Message string        `json:"message,omitempty"`
	Details *ErrorDetails `json:"details,omitempty"`
}

// Receipt is the final delivery state of a ticket.
type Receipt struct {
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Details *ErrorDetails `json:"details,omitempty"`
}

func detailError(d *ErrorDetails) string {
	if d == nil {
		return ""
	}
	return d.Error
}

// Gateway submits push messages and fetches their receipts.
type Gateway interface {
	Send(ctx context.Context, msgs []Message) ([]Ticket, error)
	GetReceipts(ctx context.Context, ticketIDs []string) (map[string]Receipt, error)
}

// StatusError is a non-2xx answer from the gateway.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("push gateway returned %d: %s", e.StatusCode, e.Message)
}

var errMalformedResponse = errors.New("malformed push gateway response")

// Retryable reports whether a failed submission may succeed when repeated:
// rate limiting, server errors and transport level failures are, other HTTP
// errors, malformed answers and cancellation are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, errMalformedResponse) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return true
}

// ExpoClient talks to the Expo push HTTP API.
type ExpoClient struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

// NewExpoClient constructs a client for baseURL (e.g. https://exp.host/--/api/v2).
// A nil httpClient gets a default with a 30s timeout.
func NewExpoClient(baseURL, accessToken string, httpClient *http.Client) *ExpoClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &ExpoClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		httpClient:  httpClient,
	}
}

// Send submits one chunk and returns one ticket per message, in order.
func (c *ExpoClient) Send(ctx context.Context, msgs []Message) ([]Ticket, error) {
	var out struct {
		Data []Ticket `json:"data"`
	}
	if err := c.post(ctx, "/push/send", msgs, &out); err != nil {
		return nil, err
	}
	if len(out.Data) != len(msgs) {
		return nil, fmt.Errorf("%w: %d tickets for %d messages", errMalformedResponse, len(out.Data), len(msgs))
	}
	return out.Data, nil
}

// GetReceipts fetches receipts for ticket ids. Tickets without a receipt yet
// are missing from the result.
func (c *ExpoClient) GetReceipts(ctx context.Context, ticketIDs []string) (map[string]Receipt, error) {
	var out struct {
		Data map[string]Receipt `json:"data"`
	}
	payload := struct {
		IDs []string `json:"ids"`
	}{IDs: ticketIDs}
	if err := c.post(ctx, "/push/getReceipts", payload, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		out.Data = map[string]Receipt{}
	}
	return out.Data, nil
}

func (c *ExpoClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Errors []struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"errors"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := resp.Status
		if len(errResp.Errors) > 0 {
			msg = errResp.Errors[0].Code + ": " + errResp.Errors[0].Message
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", errMalformedResponse, err)
	}
	return nil
}
