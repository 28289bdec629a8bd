package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jamesprial/pve-mcp/internal/config"
	"github.com/jamesprial/pve-mcp/internal/session"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 64 << 10
)

// compile-time interface check.
var _ Client = (*HTTPClient)(nil)

// HTTPClient implements Client over net/http. The credential pair is read
// from the shared Holder on every request so a re-login is picked up
// without rebuilding the client.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    *url.URL
	auth       *session.Holder
}

// NewHTTPClient constructs an HTTPClient from the backend config. It
// returns an error if cfg.URL is empty or not absolute. When cfg.Timeout is
// zero or negative, a default timeout of 30 seconds is used. A nil holder
// gets a fresh one.
func NewHTTPClient(cfg config.BackendConfig, holder *session.Holder) (*HTTPClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("backend: URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend: invalid URL %q", cfg.URL)
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if cfg.Timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed lab backends
	}
	if holder == nil {
		holder = &session.Holder{}
	}

	return &HTTPClient{
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		baseURL:    base,
		auth:       holder,
	}, nil
}

// Session returns the holder the client reads credentials from.
func (c *HTTPClient) Session() *session.Holder { return c.auth }

// Login exchanges credentials for a ticket/CSRF pair and stores it in the
// client's holder.
func (c *HTTPClient) Login(ctx context.Context, username, password string) (session.Auth, error) {
	body := map[string]string{"username": username, "password": password}
	raw, err := c.send(ctx, http.MethodPost, "/login", nil, body, false)
	if err != nil {
		return session.Auth{}, err
	}
	var a session.Auth
	if err := json.Unmarshal(raw, &a); err != nil {
		return session.Auth{}, fmt.Errorf("backend: decode login response: %w", err)
	}
	if !a.Valid() {
		return session.Auth{}, fmt.Errorf("backend: login response missing ticket or csrf token")
	}
	c.auth.Set(a)
	return a, nil
}

func (c *HTTPClient) ListNodes(ctx context.Context) ([]Node, error) {
	var nodes []Node
	if err := c.getJSON(ctx, "/nodes", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (c *HTTPClient) ListVMs(ctx context.Context, node string) ([]VM, error) {
	var vms []VM
	if err := c.getJSON(ctx, "/vms/"+url.PathEscape(node), nil, &vms); err != nil {
		return nil, err
	}
	return vms, nil
}

func (c *HTTPClient) VMAction(ctx context.Context, node string, vmid int, action Action) (string, error) {
	if !action.Valid() {
		return "", fmt.Errorf("backend: invalid action %q", action)
	}
	return c.postUPID(ctx, vmPath(node, vmid, action.path()), nil, struct{}{})
}

func (c *HTTPClient) CloneVM(ctx context.Context, node string, vmid int, req CloneRequest) (string, error) {
	return c.postUPID(ctx, vmPath(node, vmid, "clone"), nil, req)
}

func (c *HTTPClient) CreateVM(ctx context.Context, node string, req CreateRequest) (string, error) {
	return c.postUPID(ctx, "/vm/"+url.PathEscape(node), nil, req)
}

func (c *HTTPClient) UpdateConfig(ctx context.Context, node string, vmid int, req UpdateRequest) (string, error) {
	return c.postUPID(ctx, vmPath(node, vmid, "update_config"), nil, req)
}

func (c *HTTPClient) DeleteVM(ctx context.Context, node string, vmid int) (string, error) {
	raw, err := c.send(ctx, http.MethodDelete, vmPath(node, vmid), nil, nil, true)
	if err != nil {
		return "", err
	}
	return ParseUPID(raw)
}

func (c *HTTPClient) VMStatus(ctx context.Context, node string, vmid int) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, vmPath(node, vmid, "status"), nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *HTTPClient) VMConfig(ctx context.Context, node string, vmid int) (VMConfig, error) {
	var cfg VMConfig
	if err := c.getJSON(ctx, vmPath(node, vmid, "config"), nil, &cfg); err != nil {
		return VMConfig{}, err
	}
	return cfg, nil
}

func (c *HTTPClient) ListSnapshots(ctx context.Context, node string, vmid int) ([]Snapshot, error) {
	var snaps []Snapshot
	if err := c.getJSON(ctx, vmPath(node, vmid, "snapshots"), nil, &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

func (c *HTTPClient) CreateSnapshot(ctx context.Context, node string, vmid int, req SnapshotRequest) (string, error) {
	return c.postUPID(ctx, vmPath(node, vmid, "snapshot"), nil, req)
}

func (c *HTTPClient) RevertSnapshot(ctx context.Context, node string, vmid int, name string) (string, error) {
	return c.postUPID(ctx, vmPath(node, vmid, "snapshot", name, "revert"), nil, struct{}{})
}

func (c *HTTPClient) DeleteSnapshot(ctx context.Context, node string, vmid int, name string) (string, error) {
	raw, err := c.send(ctx, http.MethodDelete, vmPath(node, vmid, "snapshot", name), nil, nil, true)
	if err != nil {
		return "", err
	}
	return ParseUPID(raw)
}

func (c *HTTPClient) AddDisk(ctx context.Context, node string, vmid int, req AddDiskRequest) error {
	_, err := c.send(ctx, http.MethodPost, vmPath(node, vmid, "add-disk"), nil, req, true)
	return err
}

func (c *HTTPClient) ActivateUnusedDisk(ctx context.Context, node string, vmid int, key, controller string) (ActivateResult, error) {
	q := url.Values{"target_controller": {controller}}
	raw, err := c.send(ctx, http.MethodPost, vmPath(node, vmid, "activate-unused-disk", key), q, struct{}{}, true)
	if err != nil {
		return ActivateResult{}, err
	}
	var res ActivateResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return ActivateResult{}, fmt.Errorf("backend: decode activate response: %w", err)
	}
	return res, nil
}

func (c *HTTPClient) DeleteDisk(ctx context.Context, node string, vmid int, key string) error {
	_, err := c.send(ctx, http.MethodDelete, vmPath(node, vmid, "disk", key), nil, nil, true)
	return err
}

func (c *HTTPClient) ExpandDisk(ctx context.Context, node string, vmid int, key string, newSizeGB int) error {
	body := map[string]int{"new_size": newSizeGB}
	_, err := c.send(ctx, http.MethodPost, vmPath(node, vmid, "disk", key, "expand"), nil, body, true)
	return err
}

func (c *HTTPClient) TaskStatus(ctx context.Context, node, upid string) (TaskStatus, error) {
	var ts TaskStatus
	p := "/task/" + url.PathEscape(node) + "/" + url.PathEscape(upid)
	if err := c.getJSON(ctx, p, nil, &ts); err != nil {
		return TaskStatus{}, err
	}
	return ts, nil
}

// ConsoleURL returns the WebSocket URL of the VM console with the current
// credentials attached.
func (c *HTTPClient) ConsoleURL(node string, vmid int) (string, error) {
	a := c.auth.Get()
	if !a.Valid() {
		return "", ErrUnauthorized
	}
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := url.Values{"csrf_token": {a.CSRFToken}, "ticket": {a.Ticket}}
	return u.String() + "/ws/console/" + url.PathEscape(node) + "/" + strconv.Itoa(vmid) + "?" + q.Encode(), nil
}

// ParseUPID extracts a task id from an action response. The backend returns
// either a JSON string or bare text; quotes and whitespace are trimmed and
// an empty or null body yields ErrEmptyUPID.
func ParseUPID(raw []byte) (string, error) {
	s := strings.TrimSpace(string(raw))
	if strings.HasPrefix(s, `"`) {
		var decoded string
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			s = decoded
		}
	} else if strings.HasPrefix(s, "{") {
		var wrapped struct {
			Data string `json:"data"`
			UPID string `json:"upid"`
		}
		if err := json.Unmarshal([]byte(s), &wrapped); err == nil {
			s = wrapped.Data
			if s == "" {
				s = wrapped.UPID
			}
		}
	}
	s = strings.TrimSpace(strings.Trim(s, `"' `))
	if s == "" || s == "null" {
		return "", ErrEmptyUPID
	}
	return s, nil
}

func vmPath(node string, vmid int, parts ...string) string {
	var b strings.Builder
	b.WriteString("/vm/")
	b.WriteString(url.PathEscape(node))
	b.WriteString("/qemu/")
	b.WriteString(strconv.Itoa(vmid))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	raw, err := c.send(ctx, http.MethodGet, path, query, nil, true)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("backend: decode %s: %w", path, err)
	}
	return nil
}

func (c *HTTPClient) postUPID(ctx context.Context, path string, query url.Values, body any) (string, error) {
	raw, err := c.send(ctx, http.MethodPost, path, query, body, true)
	if err != nil {
		return "", err
	}
	return ParseUPID(raw)
}

// send performs one request and returns the response body. When withAuth is
// set the ticket and CSRF token ride along as query parameters and the
// CSRFPreventionToken header.
func (c *HTTPClient) send(ctx context.Context, method, path string, query url.Values, body any, withAuth bool) ([]byte, error) {
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}

	var csrf string
	if withAuth {
		a := c.auth.Get()
		if !a.Valid() {
			return nil, ErrUnauthorized
		}
		q.Set("csrf_token", a.CSRFToken)
		q.Set("ticket", a.Ticket)
		csrf = a.CSRFToken
	}
	target := c.baseURL.String() + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("backend: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("backend: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if csrf != "" {
		req.Header.Set("CSRFPreventionToken", csrf)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{StatusCode: resp.StatusCode, Detail: detailFromBody(raw)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("backend: read response: %w", err)
	}
	return raw, nil
}

// detailFromBody pulls the "detail" field out of an error body. Structured
// details are re-encoded as JSON.
func detailFromBody(raw []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Detail) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(body.Detail, &s); err == nil {
		return s
	}
	return string(body.Detail)
}
