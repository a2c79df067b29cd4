package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"shipyard/api/model"
	"shipyard/api/saga"
)

type Client struct {
	BaseURL    string
	Token      string
	User       string
	HTTPClient *http.Client
}

func New(baseURL, token, user string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		User:    user,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type HealthResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

type HealthStatus struct {
	Status   string         `json:"status"`
	Services []HealthResult `json:"services"`
}

type Service struct {
	Service    string `json:"service"`
	Cluster    string `json:"cluster"`
	Family     string `json:"family"`
	Repository string `json:"repository"`
	Buildable  bool   `json:"buildable"`
}

type RunPage struct {
	Runs  []model.Run `json:"runs"`
	Total int         `json:"total"`
}

type RunFilter struct {
	Service  string
	Category string
	Limit    int
	Offset   int
}

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func (c *Client) Health() (*HealthStatus, error) {
	var h HealthStatus
	if err := c.get("/api/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) Version() (string, error) {
	var v map[string]string
	if err := c.get("/api/version", &v); err != nil {
		return "", err
	}
	return v["version"], nil
}

func (c *Client) ListServices() ([]Service, error) {
	var services []Service
	if err := c.get("/api/services", &services); err != nil {
		return nil, err
	}
	return services, nil
}

// Deploy starts a run for service and returns its initial report.
func (c *Client) Deploy(service string) (*model.Report, error) {
	var rep model.Report
	if err := c.post("/api/services/"+url.PathEscape(service)+"/deploy", &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

func (c *Client) ListSecrets(service string) ([]string, error) {
	var out struct {
		Secrets []string `json:"secrets"`
	}
	if err := c.get("/api/services/"+url.PathEscape(service)+"/secrets", &out); err != nil {
		return nil, err
	}
	return out.Secrets, nil
}

func (c *Client) ListRuns(f RunFilter) (*RunPage, error) {
	q := url.Values{}
	if f.Service != "" {
		q.Set("service", f.Service)
	}
	if f.Category != "" {
		q.Set("category", f.Category)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	path := "/api/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page RunPage
	if err := c.get(path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetRun returns the archived report for a finished run. For runs still
// in flight only the summary fields are populated.
func (c *Client) GetRun(id string) (*model.Report, error) {
	var raw json.RawMessage
	if err := c.get("/api/runs/"+url.PathEscape(id), &raw); err != nil {
		return nil, err
	}
	var probe struct {
		RunID string `json:"runId"`
	}
	json.Unmarshal(raw, &probe)
	if probe.RunID != "" {
		var rep model.Report
		if err := json.Unmarshal(raw, &rep); err != nil {
			return nil, err
		}
		return &rep, nil
	}

	var run model.Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, err
	}
	return &model.Report{
		RunID:       run.ID,
		SagaID:      run.SagaID,
		Service:     run.Service,
		Cluster:     run.Cluster,
		Family:      run.Family,
		TriggeredBy: run.TriggeredBy,
		State:       run.State,
		Result:      run.Result,
		Category:    run.Category,
		Error:       run.Error,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
	}, nil
}

// ListSaga returns events newest first.
func (c *Client) ListSaga(f saga.Filter) ([]saga.Event, error) {
	q := url.Values{}
	if f.Service != "" {
		q.Set("service", f.Service)
	}
	if f.Cluster != "" {
		q.Set("cluster", f.Cluster)
	}
	if f.RunID != "" {
		q.Set("run", f.RunID)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/api/saga"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var events []saga.Event
	if err := c.get(path, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Client) GetSaga(sagaID string) ([]saga.Event, error) {
	var events []saga.Event
	if err := c.get("/api/saga/"+url.PathEscape(sagaID), &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Client) ValidateService(service string) (*model.ValidationResult, error) {
	var result model.ValidationResult
	if err := c.get("/api/validate/"+url.PathEscape(service), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ValidateAll() ([]model.ValidationResult, error) {
	var results []model.ValidationResult
	if err := c.get("/api/validate", &results); err != nil {
		return nil, err
	}
	return results, nil
}

// WebSocketURL returns the event feed URL, subscribed to service's runs
// when service is set.
func (c *Client) WebSocketURL(service string) string {
	base := c.BaseURL
	base = strings.Replace(base, "http://", "ws://", 1)
	base = strings.Replace(base, "https://", "wss://", 1)
	u := base + "/ws"
	if service != "" {
		u += "?" + url.Values{"service": {service}}.Encode()
	}
	return u
}

// Header returns the auth headers for non-HTTP transports such as the
// WebSocket dialer.
func (c *Client) Header() http.Header {
	h := http.Header{}
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	if c.User != "" {
		h.Set("X-Shipyard-User", c.User)
	}
	return h
}

func (c *Client) get(path string, v any) error {
	return c.do(http.MethodGet, path, v)
}

func (c *Client) post(path string, v any) error {
	return c.do(http.MethodPost, path, v)
}

func (c *Client) do(method, path string, v any) error {
	req, err := http.NewRequest(method, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header = c.Header()
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := strings.TrimSpace(string(body))
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
