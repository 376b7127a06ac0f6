package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ericogr/ntu-session-agent/pkg/session"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	headerAuthToken = "X-Auth-Token"
	headerRequestID = "X-Request-ID"
	userAgent       = "ntu-session-agent"

	DefaultCommandPath = "/command"
	DefaultSessionPath = "/session"

	maxBodyBytes   = 64 << 10
	maxDiagnostics = 512
)

type Options struct {
	BaseURL       string
	Token         string
	DeviceID      string
	CommandPath   string
	SessionPath   string
	PollTimeout   time.Duration
	UploadTimeout time.Duration
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

// Client talks to the controller: it polls for commands and uploads
// session reports. It never retries; callers own the retry policy.
type Client struct {
	commandURL    string
	sessionURL    string
	token         string
	pollTimeout   time.Duration
	uploadTimeout time.Duration
	http          *http.Client
	log           *zap.Logger
}

// UploadResult is the controller's reply to a session report. The body is
// kept for diagnostics only.
type UploadResult struct {
	StatusCode int
	Body       string
}

func New(opts Options) (*Client, error) {
	if opts.CommandPath == "" {
		opts.CommandPath = DefaultCommandPath
	}
	if opts.SessionPath == "" {
		opts.SessionPath = DefaultSessionPath
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cmdURL, err := endpoint(opts.BaseURL, opts.CommandPath)
	if err != nil {
		return nil, err
	}
	if opts.DeviceID != "" {
		q := cmdURL.Query()
		q.Set("device_id", opts.DeviceID)
		cmdURL.RawQuery = q.Encode()
	}
	sessURL, err := endpoint(opts.BaseURL, opts.SessionPath)
	if err != nil {
		return nil, err
	}
	return &Client{
		commandURL:    cmdURL.String(),
		sessionURL:    sessURL.String(),
		token:         opts.Token,
		pollTimeout:   opts.PollTimeout,
		uploadTimeout: opts.UploadTimeout,
		http:          opts.HTTPClient,
		log:           opts.Logger,
	}, nil
}

func endpoint(base, path string) (*url.URL, error) {
	if base == "" {
		return nil, fmt.Errorf("base url is empty")
	}
	raw := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme in %q", raw)
	}
	return u, nil
}

func (c *Client) CommandURL() string { return c.commandURL }
func (c *Client) SessionURL() string { return c.sessionURL }

// Poll asks the controller for the current command.
func (c *Client) Poll(ctx context.Context) (Command, error) {
	ctx, cancel := withTimeout(ctx, c.pollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.commandURL, nil)
	if err != nil {
		return Command{}, &Error{Kind: KindTransport, Op: "poll", Err: err}
	}
	c.decorate(req)
	c.log.Debug("GET", zap.String("url", c.commandURL))

	resp, err := c.http.Do(req)
	if err != nil {
		return Command{}, &Error{Kind: KindTransport, Op: "poll", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Command{}, &Error{Kind: KindTransport, Op: "poll", StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode/100 != 2 {
		return Command{}, &Error{Kind: KindTransport, Op: "poll", StatusCode: resp.StatusCode, Body: snippet(body)}
	}
	return DecodeCommand(body)
}

// Upload posts one session report. Any non-2xx status is a transport
// error; the reply body never changes the outcome.
func (c *Client) Upload(ctx context.Context, batch session.Batch) (UploadResult, error) {
	payload, err := json.Marshal(batch)
	if err != nil {
		return UploadResult{}, fmt.Errorf("encode batch: %w", err)
	}

	ctx, cancel := withTimeout(ctx, c.uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sessionURL, bytes.NewReader(payload))
	if err != nil {
		return UploadResult{}, &Error{Kind: KindTransport, Op: "upload", Err: err}
	}
	c.decorate(req)
	req.Header.Set("Content-Type", "application/json")
	c.log.Debug("POST", zap.String("url", c.sessionURL), zap.Int("bytes", len(payload)))

	resp, err := c.http.Do(req)
	if err != nil {
		return UploadResult{}, &Error{Kind: KindTransport, Op: "upload", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	res := UploadResult{StatusCode: resp.StatusCode, Body: snippet(body)}
	if err != nil {
		c.log.Debug("upload response body", zap.Int("status", resp.StatusCode), zap.Error(err))
		res.Body = strings.TrimSpace(res.Body + " [body read error: " + err.Error() + "]")
	}
	if resp.StatusCode/100 != 2 {
		return res, &Error{Kind: KindTransport, Op: "upload", StatusCode: resp.StatusCode, Body: res.Body}
	}
	return res, nil
}

func (c *Client) decorate(req *http.Request) {
	if c.token != "" {
		req.Header.Set(headerAuthToken, c.token)
	}
	req.Header.Set(headerRequestID, uuid.NewString())
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxDiagnostics {
		s = s[:maxDiagnostics] + "..."
	}
	return s
}
