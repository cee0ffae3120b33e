// Package instance provides the HTTP client for the remote instance service
// that creates, deletes, backs up and reconfigures tenant instances.
package instance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Strob0t/TenantForge/internal/config"
	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/port/instance"
	"github.com/Strob0t/TenantForge/internal/resilience"
)

const (
	opCreate       = "create tenant"
	opDelete       = "delete tenant"
	opInstall      = "install module"
	opUninstall    = "uninstall module"
	opBackup       = "backup tenant"
	opReinitialize = "reinitialize tenant"
)

// benignPhrases mark backend failures that mean the work of that operation is
// already done. Operations without an entry have no benign failures.
var benignPhrases = map[string][]string{
	opCreate:    {"already exists", "already active"},
	opDelete:    {"does not exist"},
	opInstall:   {"already installed"},
	opUninstall: {"not installed"},
}

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 1 << 20

// Client talks to the instance service.
type Client struct {
	cfg        config.Instance
	token      TokenSource
	httpClient *http.Client
	breaker    *resilience.Breaker
	log        *slog.Logger
}

var _ instance.Backend = (*Client)(nil)

// TokenSource returns the bearer token; it is read on every request so a
// reloaded secret takes effect without a restart.
type TokenSource func() string

// StaticToken returns a TokenSource that always yields tok.
func StaticToken(tok string) TokenSource { return func() string { return tok } }

// NewClient creates a client for cfg.URL. Per-call deadlines come from cfg;
// the http.Client itself has no global timeout. A nil token sends no
// Authorization header.
func NewClient(cfg config.Instance, token TokenSource, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		token:      token,
		httpClient: &http.Client{Transport: http.DefaultTransport},
		log:        log,
	}
}

// NewBreaker returns a breaker for the instance service that only counts
// transport failures.
func NewBreaker(cfg config.Breaker) *resilience.Breaker {
	return resilience.NewBreaker("instance", cfg.MaxFailures, cfg.Timeout,
		resilience.WithFailureFilter(domain.IsRetryable))
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// SetHTTPClient replaces the underlying HTTP client (e.g. to add tracing).
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

func (c *Client) Create(ctx context.Context, tenantID string, cfg json.RawMessage) (*instance.Result, error) {
	body := cfg
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	return c.do(ctx, opCreate, http.MethodPost, tenantPath(tenantID, "create"), body, c.cfg.ProvisionTimeout)
}

func (c *Client) Delete(ctx context.Context, tenantID string) (*instance.Result, error) {
	return c.do(ctx, opDelete, http.MethodDelete, tenantPath(tenantID, "delete"), nil, c.cfg.ProvisionTimeout)
}

func (c *Client) InstallModule(ctx context.Context, tenantID, module string) (*instance.Result, error) {
	p := tenantPath(tenantID, "modules", module, "install")
	return c.do(ctx, opInstall, http.MethodPost, p, nil, c.cfg.ModuleTimeout)
}

func (c *Client) UninstallModule(ctx context.Context, tenantID, module string) (*instance.Result, error) {
	p := tenantPath(tenantID, "modules", module, "uninstall")
	return c.do(ctx, opUninstall, http.MethodDelete, p, nil, c.cfg.ModuleTimeout)
}

// Backup returns the backup_path the service reports, if any.
func (c *Client) Backup(ctx context.Context, tenantID string) (string, error) {
	res, err := c.do(ctx, opBackup, http.MethodPost, tenantPath(tenantID, "backup"), nil, c.cfg.BackupTimeout)
	if err != nil {
		return "", err
	}
	var body struct {
		BackupPath string `json:"backup_path"`
	}
	if len(res.Details) > 0 {
		_ = json.Unmarshal(res.Details, &body)
	}
	return body.BackupPath, nil
}

func (c *Client) Reinitialize(ctx context.Context, tenantID, restoredFrom string) error {
	body, err := json.Marshal(map[string]string{"restored_from": restoredFrom})
	if err != nil {
		return fmt.Errorf("marshal reinitialize: %w", err)
	}
	_, err = c.do(ctx, opReinitialize, http.MethodPost, tenantPath(tenantID, "reinitialize"), body, c.cfg.ReinitTimeout)
	return err
}

func tenantPath(tenantID string, parts ...string) string {
	segs := append([]string{"tenants", url.PathEscape(tenantID)}, parts...)
	for i := 2; i < len(segs); i++ {
		segs[i] = url.PathEscape(segs[i])
	}
	return "/" + strings.Join(segs, "/")
}

// do runs one logical call with retries on connection-level failures.
func (c *Client) do(ctx context.Context, op, method, path string, body []byte, timeout time.Duration) (*instance.Result, error) {
	attempt := 0
	operation := func() (*instance.Result, error) {
		attempt++
		res, err := c.exec(ctx, op, method, path, body, timeout)
		if err == nil {
			return res, nil
		}
		if !isConnectionError(err) {
			return nil, backoff.Permanent(err)
		}
		c.log.Warn("instance service call failed, retrying", "op", op, "path", path, "attempt", attempt, "error", err)
		return nil, err
	}

	eb := backoff.NewExponentialBackOff()
	if c.cfg.RetryInitialDelay > 0 {
		eb.InitialInterval = c.cfg.RetryInitialDelay
	}
	tries := uint(max(c.cfg.MaxRetries, 0)) + 1

	return backoff.Retry(ctx, operation, backoff.WithBackOff(eb), backoff.WithMaxTries(tries))
}

// exec performs one HTTP round trip under the breaker and the call timeout.
func (c *Client) exec(ctx context.Context, op, method, path string, body []byte, timeout time.Duration) (*instance.Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var res *instance.Result
	call := func() error {
		var err error
		res, err = c.roundTrip(ctx, op, method, path, body)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(call)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, &domain.TransportError{Op: op, Err: err}
		}
	} else {
		err = call()
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

type responseBody struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details"`
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, body []byte) (*instance.Result, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.URL, "/")+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &domain.TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	var rb responseBody
	_ = json.Unmarshal(data, &rb)
	msg := rb.Message
	if msg == "" {
		msg = rb.Error
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && rb.Status == "success" {
		res := &instance.Result{Status: rb.Status, Message: msg, Details: rb.Details}
		if len(res.Details) == 0 && json.Valid(data) {
			res.Details = json.RawMessage(data)
		}
		return res, nil
	}

	berr := &domain.BackendError{Op: op, StatusCode: resp.StatusCode, Message: msg, Body: string(data)}
	if isBenign(op, msg) || (msg == "" && isBenign(op, string(data))) {
		c.log.Info("instance service reported work already done", "op", op, "path", path, "message", msg)
		return &instance.Result{Status: "noop", Message: msg, NoOp: true}, nil
	}
	return nil, berr
}

func isBenign(op, msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)
	for _, p := range benignPhrases[op] {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// isConnectionError reports whether err is a transport failure that happened
// before or while establishing the exchange. Timeouts are excluded since the
// backend may still be working on the request.
func isConnectionError(err error) bool {
	if !errors.Is(err, domain.ErrTransport) {
		return false
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
