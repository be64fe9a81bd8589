package convoybot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// PanelScope selects which API surface (and bearer token) a request uses.
type PanelScope string

const (
	// ScopeApplication is the privileged admin API (/api/application)
	ScopeApplication PanelScope = "application"
	// ScopeClient is the end-user API (/api/client)
	ScopeClient PanelScope = "client"
)

var (
	// ErrPanelTimeout indicates the panel did not respond in time
	ErrPanelTimeout = errors.New("panel request timed out")

	// ErrPanelUnreachable indicates a connection-level failure
	ErrPanelUnreachable = errors.New("panel unreachable")

	// ErrPanelUserNotFound indicates a user lookup returned no results
	ErrPanelUserNotFound = errors.New("no panel user found")

	// ErrPanelUserAmbiguous indicates a user lookup matched multiple accounts
	ErrPanelUserAmbiguous = errors.New("multiple panel users matched")
)

// PanelProblem is a single entry from the panel's structured error payload.
type PanelProblem struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// PanelAPIError is returned when the panel responds with a 4xx/5xx
// status. Problems holds the decoded error list, when one was present.
type PanelAPIError struct {
	Status   int
	Problems []PanelProblem
}

func (e *PanelAPIError) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("panel returned HTTP %d", e.Status)
	}
	details := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		if p.Code != "" {
			details = append(details, fmt.Sprintf("%s: %s", p.Code, p.Detail))
		} else {
			details = append(details, p.Detail)
		}
	}
	return fmt.Sprintf(
		"panel returned HTTP %d (%s)",
		e.Status,
		strings.Join(details, "; "),
	)
}

// Detail returns the first problem detail, for user-facing messages.
func (e *PanelAPIError) Detail() string {
	if len(e.Problems) > 0 && e.Problems[0].Detail != "" {
		return e.Problems[0].Detail
	}
	return fmt.Sprintf("HTTP %d", e.Status)
}

// PanelRequest describes one call to the panel API.
type PanelRequest struct {
	Method   string
	Endpoint string
	Scope    PanelScope
	Body     any
	Query    url.Values
}

// PanelResponse is a decoded panel API response. NoContent is set for
// 204 responses, which carry no body.
type PanelResponse struct {
	Status    int
	NoContent bool
	Data      json.RawMessage
	Meta      *PanelMeta
	Raw       []byte
}

// PanelMeta carries the panel's pagination envelope.
type PanelMeta struct {
	Pagination struct {
		CurrentPage int `json:"current_page"`
		TotalPages  int `json:"total_pages"`
		Total       int `json:"total"`
		PerPage     int `json:"per_page"`
	} `json:"pagination"`
}

// PanelUser is a panel account as returned by the application API.
type PanelUser struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	RootAdmin bool   `json:"root_admin"`
}

// PanelServer is a provisioned server as returned by the panel.
type PanelServer struct {
	ID       int    `json:"id"`
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	UserID   int    `json:"user_id"`
	NodeID   int    `json:"node_id"`
	VMID     int    `json:"vmid"`
	Status   string `json:"status"`
}

// PanelClient talks to the Convoy panel REST API. Both scopes share a
// single rate-limited HTTP client; if the client breaks it's recreated
// before the next request.
type PanelClient struct {
	config     *PanelConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	mu         sync.Mutex
}

func NewPanelClient(cfg *PanelConfig, logger *slog.Logger) *PanelClient {
	if logger == nil {
		logger = slog.Default()
	}
	rps := cfg.MaxRequestsPerSecond
	if rps <= 0 {
		rps = DefaultPanelMaxRequestsPerSecond
	}
	return &PanelClient{
		config:  cfg,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		logger:  logger.With(loggerNameKey, "panel"),
	}
}

func (c *PanelClient) client() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.config.RequestTimeout}
	}
	return c.httpClient
}

// resetClient drops the shared HTTP client so the next request builds a
// fresh one. Called after connection-level failures.
func (c *PanelClient) resetClient() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpClient = nil
}

func (c *PanelClient) token(scope PanelScope) string {
	if scope == ScopeClient {
		return c.config.ClientKey
	}
	return c.config.ApplicationKey
}

// Do executes one panel API request. Non-2xx responses are returned as
// *PanelAPIError with the panel's structured error list decoded.
func (c *PanelClient) Do(
	ctx context.Context,
	req PanelRequest,
) (*PanelResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	timeout := c.config.RequestTimeout
	if timeout == 0 {
		timeout = DefaultPanelRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := strings.TrimPrefix(req.Endpoint, "/")
	reqURL := fmt.Sprintf(
		"%s/api/%s/%s",
		strings.TrimSuffix(c.config.BaseURL, "/"),
		req.Scope,
		endpoint,
	)
	if len(req.Query) > 0 {
		reqURL = reqURL + "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token(req.Scope))
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	rv, err := c.client().Do(httpReq)
	if err != nil {
		c.resetClient()
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Error(
				"panel request timed out",
				"method", req.Method,
				"endpoint", endpoint,
				"timeout", timeout,
			)
			return nil, fmt.Errorf("%w: %s %s", ErrPanelTimeout, req.Method, endpoint)
		}
		c.logger.Error(
			"panel request failed",
			tint.Err(err),
			"method", req.Method,
			"endpoint", endpoint,
		)
		return nil, fmt.Errorf("%w: %v", ErrPanelUnreachable, err)
	}
	defer func() {
		_ = rv.Body.Close()
	}()

	raw, err := io.ReadAll(rv.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	c.logger.Debug(
		"panel request complete",
		"method", req.Method,
		"endpoint", endpoint,
		"status", rv.StatusCode,
		"duration", time.Since(started),
	)

	if rv.StatusCode == http.StatusNoContent {
		return &PanelResponse{Status: rv.StatusCode, NoContent: true}, nil
	}

	if rv.StatusCode >= http.StatusBadRequest {
		apiErr := &PanelAPIError{Status: rv.StatusCode}
		var payload struct {
			Errors []PanelProblem `json:"errors"`
		}
		if unmarshalErr := json.Unmarshal(raw, &payload); unmarshalErr == nil {
			apiErr.Problems = payload.Errors
		}
		c.logger.Error(
			"panel returned error",
			tint.Err(apiErr),
			"method", req.Method,
			"endpoint", endpoint,
		)
		return nil, apiErr
	}

	response := &PanelResponse{Status: rv.StatusCode, Raw: raw}
	if len(raw) > 0 {
		var envelope struct {
			Data json.RawMessage `json:"data"`
			Meta *PanelMeta      `json:"meta"`
		}
		if unmarshalErr := json.Unmarshal(raw, &envelope); unmarshalErr != nil {
			return nil, fmt.Errorf("decoding response: %w", unmarshalErr)
		}
		response.Data = envelope.Data
		response.Meta = envelope.Meta
	}
	return response, nil
}

// FindUserByEmail looks up a panel account by exact email address.
// Returns ErrPanelUserNotFound when nothing matches, and
// ErrPanelUserAmbiguous when more than one account does.
func (c *PanelClient) FindUserByEmail(
	ctx context.Context,
	email string,
) (*PanelUser, error) {
	query := url.Values{}
	query.Set("filter[email]", email)
	rv, err := c.Do(ctx, PanelRequest{
		Method:   http.MethodGet,
		Endpoint: "users",
		Scope:    ScopeApplication,
		Query:    query,
	})
	if err != nil {
		return nil, err
	}
	var users []PanelUser
	if err = json.Unmarshal(rv.Data, &users); err != nil {
		return nil, fmt.Errorf("decoding user list: %w", err)
	}
	switch len(users) {
	case 0:
		return nil, ErrPanelUserNotFound
	case 1:
		return &users[0], nil
	default:
		return nil, ErrPanelUserAmbiguous
	}
}

// GetUser fetches a panel account by ID.
func (c *PanelClient) GetUser(ctx context.Context, id int) (*PanelUser, error) {
	rv, err := c.Do(ctx, PanelRequest{
		Method:   http.MethodGet,
		Endpoint: fmt.Sprintf("users/%d", id),
		Scope:    ScopeApplication,
	})
	if err != nil {
		return nil, err
	}
	var user PanelUser
	if err = json.Unmarshal(rv.Data, &user); err != nil {
		return nil, fmt.Errorf("decoding user: %w", err)
	}
	return &user, nil
}

// GetServer fetches a server by ID.
func (c *PanelClient) GetServer(ctx context.Context, id int) (*PanelServer, error) {
	rv, err := c.Do(ctx, PanelRequest{
		Method:   http.MethodGet,
		Endpoint: fmt.Sprintf("servers/%d", id),
		Scope:    ScopeApplication,
	})
	if err != nil {
		return nil, err
	}
	var server PanelServer
	if err = json.Unmarshal(rv.Data, &server); err != nil {
		return nil, fmt.Errorf("decoding server: %w", err)
	}
	return &server, nil
}

// ListServers fetches one page of servers, optionally filtered by name.
func (c *PanelClient) ListServers(
	ctx context.Context,
	page int,
	perPage int,
	nameFilter string,
) ([]PanelServer, *PanelMeta, error) {
	query := url.Values{}
	if page > 0 {
		query.Set("page", strconv.Itoa(page))
	}
	if perPage > 0 {
		query.Set("per_page", strconv.Itoa(perPage))
	}
	if nameFilter != "" {
		query.Set("filter[name]", nameFilter)
	}
	rv, err := c.Do(ctx, PanelRequest{
		Method:   http.MethodGet,
		Endpoint: "servers",
		Scope:    ScopeApplication,
		Query:    query,
	})
	if err != nil {
		return nil, nil, err
	}
	var servers []PanelServer
	if err = json.Unmarshal(rv.Data, &servers); err != nil {
		return nil, nil, fmt.Errorf("decoding server list: %w", err)
	}
	return servers, rv.Meta, nil
}

// CreateServer submits a server creation payload to the application API.
func (c *PanelClient) CreateServer(
	ctx context.Context,
	payload *CreationPayload,
) (*PanelServer, error) {
	rv, err := c.Do(ctx, PanelRequest{
		Method:   http.MethodPost,
		Endpoint: "servers",
		Scope:    ScopeApplication,
		Body:     payload,
	})
	if err != nil {
		return nil, err
	}
	var server PanelServer
	if err = json.Unmarshal(rv.Data, &server); err != nil {
		return nil, fmt.Errorf("decoding created server: %w", err)
	}
	return &server, nil
}

// DeleteServer removes a server from the panel.
func (c *PanelClient) DeleteServer(ctx context.Context, id int) error {
	_, err := c.Do(ctx, PanelRequest{
		Method:   http.MethodDelete,
		Endpoint: fmt.Sprintf("servers/%d", id),
		Scope:    ScopeApplication,
	})
	return err
}

// SuspendServer suspends a server.
func (c *PanelClient) SuspendServer(ctx context.Context, id int) error {
	_, err := c.Do(ctx, PanelRequest{
		Method:   http.MethodPost,
		Endpoint: fmt.Sprintf("servers/%d/settings/suspend", id),
		Scope:    ScopeApplication,
	})
	return err
}

// UnsuspendServer lifts a server suspension.
func (c *PanelClient) UnsuspendServer(ctx context.Context, id int) error {
	_, err := c.Do(ctx, PanelRequest{
		Method:   http.MethodPost,
		Endpoint: fmt.Sprintf("servers/%d/settings/unsuspend", id),
		Scope:    ScopeApplication,
	})
	return err
}

// PowerAction is a power state change submitted through the client API.
type PowerAction string

const (
	PowerStart   PowerAction = "start"
	PowerStop    PowerAction = "shutdown"
	PowerRestart PowerAction = "restart"
	PowerKill    PowerAction = "kill"
)

// ServerPowerAction sends a power signal to a server via the client API.
func (c *PanelClient) ServerPowerAction(
	ctx context.Context,
	serverUUID string,
	action PowerAction,
) error {
	_, err := c.Do(ctx, PanelRequest{
		Method:   http.MethodPost,
		Endpoint: fmt.Sprintf("servers/%s/state", serverUUID),
		Scope:    ScopeClient,
		Body:     map[string]string{"state": string(action)},
	})
	return err
}
