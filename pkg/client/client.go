package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/TLoveOps1/ironclaw/pkg/ledger"
	"github.com/TLoveOps1/ironclaw/pkg/types"
)

func postJSON(ctx context.Context, hc *http.Client, url string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(hc, req, out)
}

func getJSON(ctx context.Context, hc *http.Client, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(hc, req, out)
}

func do(hc *http.Client, req *http.Request, out interface{}) error {
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", req.URL.Path, ledger.ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		var envelope struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Error != "" {
			return fmt.Errorf("%s returned %d: %s", req.URL.Path, resp.StatusCode, envelope.Error)
		}
		return fmt.Errorf("%s returned %d: %s", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Ledger is an HTTP client for the ledger service.
type Ledger struct {
	baseURL string
	hc      *http.Client
}

// NewLedger creates a ledger client.
func NewLedger(baseURL string) *Ledger {
	return &Ledger{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: 5 * time.Second},
	}
}

// AppendEvent appends one event.
func (c *Ledger) AppendEvent(ctx context.Context, ev *types.Event) (*types.EventAck, error) {
	var ack types.EventAck
	if err := postJSON(ctx, c.hc, c.baseURL+"/events", ev, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// GetOrder fetches one order snapshot. A missing order returns an error
// wrapping ledger.ErrNotFound.
func (c *Ledger) GetOrder(ctx context.Context, orderID string) (*types.OrderSnapshot, error) {
	var o types.OrderSnapshot
	if err := getJSON(ctx, c.hc, c.baseURL+"/orders/"+url.PathEscape(orderID), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetRun fetches one run snapshot.
func (c *Ledger) GetRun(ctx context.Context, runID string) (*types.RunSnapshot, error) {
	var r types.RunSnapshot
	if err := getJSON(ctx, c.hc, c.baseURL+"/runs/"+url.PathEscape(runID), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListEvents fetches raw events with optional filters.
func (c *Ledger) ListEvents(ctx context.Context, filter ledger.EventFilter) ([]types.StoredEvent, error) {
	q := url.Values{}
	if filter.RunID != "" {
		q.Set("run_id", filter.RunID)
	}
	if filter.OrderID != "" {
		q.Set("order_id", filter.OrderID)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	u := c.baseURL + "/events"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var events []types.StoredEvent
	if err := getJSON(ctx, c.hc, u, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// IsNotFound reports whether err marks a missing snapshot.
func IsNotFound(err error) bool {
	return errors.Is(err, ledger.ErrNotFound)
}

// Vault is an HTTP client for the vault service.
type Vault struct {
	baseURL string
	hc      *http.Client
}

// NewVault creates a vault client.
func NewVault(baseURL string) *Vault {
	return &Vault{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateWorktree provisions a worktree for an order.
func (c *Vault) CreateWorktree(ctx context.Context, theater, orderID, baseRef string) (*types.WorktreeResponse, error) {
	var res types.WorktreeResponse
	req := types.WorktreeCreateRequest{Theater: theater, OrderID: orderID, BaseRef: baseRef}
	if err := postJSON(ctx, c.hc, c.baseURL+"/worktrees", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Remove archives and removes a worktree, returning the archive path.
func (c *Vault) Remove(ctx context.Context, theater, orderID string) (*types.RemoveResponse, error) {
	var res types.RemoveResponse
	u := fmt.Sprintf("%s/worktrees/%s/%s/remove", c.baseURL, url.PathEscape(theater), url.PathEscape(orderID))
	if err := postJSON(ctx, c.hc, u, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Worker is an HTTP client for the worker service. Its timeout must cover
// the worker's hard timeout, so callers construct it per deployment.
type Worker struct {
	baseURL string
	hc      *http.Client
}

// NewWorker creates a worker client with the given overall timeout.
func NewWorker(baseURL string, timeout time.Duration) *Worker {
	if timeout == 0 {
		timeout = 15 * time.Minute
	}
	return &Worker{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: timeout},
	}
}

// Execute runs one order attempt, blocking until the worker reports.
func (c *Worker) Execute(ctx context.Context, req *types.ExecuteRequest) (*types.ExecuteResponse, error) {
	var res types.ExecuteResponse
	if err := postJSON(ctx, c.hc, c.baseURL+"/execute", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Conductor is an HTTP client for the CO service, used by the CLI.
type Conductor struct {
	baseURL string
	hc      *http.Client
}

// NewConductor creates a conductor client.
func NewConductor(baseURL string, timeout time.Duration) *Conductor {
	if timeout == 0 {
		timeout = 15 * time.Minute
	}
	return &Conductor{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: timeout},
	}
}

// Chat submits one chat request.
func (c *Conductor) Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	var res types.ChatResponse
	if err := postJSON(ctx, c.hc, c.baseURL+"/chat", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Health checks a service's /health endpoint.
func Health(ctx context.Context, baseURL string) error {
	hc := &http.Client{Timeout: 2 * time.Second}
	var body struct {
		Status string `json:"status"`
	}
	if err := getJSON(ctx, hc, strings.TrimRight(baseURL, "/")+"/health", &body); err != nil {
		return err
	}
	if body.Status != "ok" {
		return fmt.Errorf("unhealthy: %q", body.Status)
	}
	return nil
}
