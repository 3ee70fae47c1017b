// Package matrixapi contains a minimal client for the Matrix client-server
// API endpoints the archiver needs: room enumeration, room state, context
// around an event, members at a token, and forward message pagination.
// Requests are gated by a counting semaphore so many rooms can be ingested
// concurrently without exceeding the homeserver's rate limits.
package matrixapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"

	"github.com/onnwee/chat-archiver/telemetry"
)

// DefaultBaseURL is the homeserver used when none is configured.
const DefaultBaseURL = "https://matrix.org"

const apiPrefix = "/_matrix/client/r0/"

// messageAndMemberFilter restricts history queries to the two event types
// ingestion understands. Anything else coming back anyway is protocol drift
// and surfaces as an error downstream.
const messageAndMemberFilter = `{"types":["m.room.message","m.room.member"],"lazy_load_members":true}`

// ErrTimeout marks a request that exceeded the per-request deadline. Distinct
// from APIError (the server answered, with an error code); both are soft for
// the affected room.
var ErrTimeout = errors.New("request timed out")

// APIError is an errcode-bearing response body from the homeserver.
type APIError struct {
	Errcode string `json:"errcode"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("matrix api error %s: %s", e.Errcode, e.Message)
}

// Client talks to one homeserver with a bearer token. The zero value is not
// usable; construct with NewClient.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	timeout     time.Duration
	sem         *semaphore.Weighted
}

// NewClient returns a Client gated to maxInflight concurrent requests with a
// per-request timeout. Zero/negative arguments fall back to defaults
// (6 in-flight, 30s).
func NewClient(baseURL, accessToken string, maxInflight int, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if maxInflight <= 0 {
		maxInflight = 6
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient:  http.DefaultClient,
		timeout:     timeout,
		sem:         semaphore.NewWeighted(int64(maxInflight)),
	}
}

// SetHTTPClient overrides the underlying HTTP client (tests).
func (c *Client) SetHTTPClient(hc *http.Client) { c.httpClient = hc }

// get performs one semaphore-gated GET with a bounded retry: timeouts and
// transport errors are retried once, errcode responses are returned as-is.
// The decoded body is written into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	operation := func() ([]byte, error) {
		body, err := c.doOnce(ctx, path, query)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) || ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return body, nil
	}
	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(2))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) doOnce(ctx context.Context, path string, query url.Values) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + apiPrefix + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		telemetry.ObserveAPIRequest(time.Since(start), "error")
		// Only the per-request deadline counts as a timeout; parent
		// cancellation propagates unchanged.
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, path)
		}
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		telemetry.ObserveAPIRequest(time.Since(start), "error")
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	// Matrix reports errors in the body, not only the status line. Some
	// endpoints return arrays, so probe for an errcode object before
	// trusting the payload.
	var probe struct {
		Errcode string `json:"errcode"`
		Message string `json:"error"`
	}
	if len(body) > 0 && body[0] == '{' {
		if err := json.Unmarshal(body, &probe); err == nil && probe.Errcode != "" {
			telemetry.ObserveAPIRequest(time.Since(start), "errcode")
			return nil, &APIError{Errcode: probe.Errcode, Message: probe.Message}
		}
	}
	if resp.StatusCode != http.StatusOK {
		telemetry.ObserveAPIRequest(time.Since(start), "error")
		return nil, fmt.Errorf("request %s: status %d: %s", path, resp.StatusCode, truncate(body, 256))
	}
	telemetry.ObserveAPIRequest(time.Since(start), "ok")
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// JoinedRooms returns the room ids the credential's user has joined.
func (c *Client) JoinedRooms(ctx context.Context) ([]string, error) {
	var res struct {
		JoinedRooms []string `json:"joined_rooms"`
	}
	if err := c.get(ctx, "joined_rooms", nil, &res); err != nil {
		return nil, err
	}
	return res.JoinedRooms, nil
}

// RoomState returns the full current state of a room.
func (c *Client) RoomState(ctx context.Context, roomID string) ([]RawEvent, error) {
	var res []RawEvent
	if err := c.get(ctx, "rooms/"+url.PathEscape(roomID)+"/state", nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// RoomContext returns events around eventID plus pagination tokens anchored
// there. limit 0 yields a zero-width window, which is still enough to obtain
// a forward token.
func (c *Client) RoomContext(ctx context.Context, roomID, eventID string, limit int) (*ContextResponse, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("filter", messageAndMemberFilter)
	var res ContextResponse
	path := "rooms/" + url.PathEscape(roomID) + "/context/" + url.PathEscape(eventID)
	if err := c.get(ctx, path, q, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RoomMembers returns the joined members of a room as of a pagination token.
func (c *Client) RoomMembers(ctx context.Context, roomID, at string) (*MembersResponse, error) {
	q := url.Values{}
	q.Set("membership", "join")
	q.Set("at", at)
	var res MembersResponse
	if err := c.get(ctx, "rooms/"+url.PathEscape(roomID)+"/members", q, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RoomMessages fetches one forward page of history starting at from.
// Termination is the caller's concern: the stream is exhausted when the
// returned End equals the token that was passed in, NOT when a page comes
// back short — the homeserver may short-page without signaling the end.
func (c *Client) RoomMessages(ctx context.Context, roomID, from string, limit int) (*MessagesResponse, error) {
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{}
	q.Set("dir", "f")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("from", from)
	q.Set("filter", messageAndMemberFilter)
	var res MessagesResponse
	if err := c.get(ctx, "rooms/"+url.PathEscape(roomID)+"/messages", q, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
