// Package e2b implements sandbox.Provider on top of E2B managed sandboxes,
// using the control plane REST API for lifecycle and the envd REST API inside
// each sandbox for commands and files.
package e2b

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nstogner/buildfy/pkg/sandbox"
)

const (
	DefaultDomain = "e2b.app"
	// EnvdPort is the envd API port inside the sandbox.
	EnvdPort = 49983

	httpTimeout = 60 * time.Second
)

// Options configures the E2B provider.
type Options struct {
	APIKey string
	Domain string
	// APIURL defaults to https://api.{Domain}.
	APIURL string
	// KeepAlive is the sandbox timeout set on create and on every connect.
	KeepAlive time.Duration
	// EnvdURL overrides the envd base URL of a sandbox. Used in tests.
	EnvdURL    func(id, domain string) string
	HTTPClient *http.Client
}

// Provider implements sandbox.Provider for E2B.
type Provider struct {
	apiKey    string
	domain    string
	apiURL    string
	keepAlive time.Duration
	envdURL   func(id, domain string) string
	http      *http.Client

	// conns caches the envd access token and domain of recently used sandboxes.
	conns *lru.Cache[string, conn]
}

type conn struct {
	domain      string
	accessToken string
}

var _ sandbox.Provider = (*Provider)(nil)

// New creates a new E2B provider.
func New(opts Options) (*Provider, error) {
	if opts.APIKey == "" {
		return nil, errors.New("E2B API key is required")
	}
	if opts.Domain == "" {
		opts.Domain = DefaultDomain
	}
	if opts.APIURL == "" {
		opts.APIURL = "https://api." + opts.Domain
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 5 * time.Minute
	}
	if opts.EnvdURL == nil {
		opts.EnvdURL = func(id, domain string) string {
			return fmt.Sprintf("https://%d-%s.%s", EnvdPort, id, domain)
		}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: httpTimeout}
	}
	conns, err := lru.New[string, conn](1024)
	if err != nil {
		return nil, fmt.Errorf("creating connection cache: %w", err)
	}
	return &Provider{
		apiKey:    opts.APIKey,
		domain:    opts.Domain,
		apiURL:    opts.APIURL,
		keepAlive: opts.KeepAlive,
		envdURL:   opts.EnvdURL,
		http:      opts.HTTPClient,
		conns:     conns,
	}, nil
}

func (p *Provider) Name() string { return "e2b" }

func (p *Provider) Create(ctx context.Context, template string) (sandbox.Sandbox, error) {
	req := createRequest{
		TemplateID: template,
		Timeout:    int(p.keepAlive.Seconds()),
	}
	var resp sandboxResponse
	if err := p.controlPlane(ctx, http.MethodPost, "/sandboxes", req, &resp); err != nil {
		return nil, fmt.Errorf("creating E2B sandbox: %w", err)
	}
	slog.Info("E2B sandbox created", "sandboxID", resp.SandboxID, "template", template)
	return p.remember(resp), nil
}

// Connect resumes a sandbox by id and extends its timeout.
func (p *Provider) Connect(ctx context.Context, id string) (sandbox.Sandbox, error) {
	req := map[string]int{"timeout": int(p.keepAlive.Seconds())}
	var resp sandboxResponse
	err := p.controlPlane(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(id)+"/connect", req, &resp)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			p.conns.Remove(id)
			return nil, fmt.Errorf("sandbox %s: %w", id, sandbox.ErrNotFound)
		}
		return nil, fmt.Errorf("connecting to E2B sandbox: %w", err)
	}
	if resp.SandboxID == "" {
		resp.SandboxID = id
	}
	if c, ok := p.conns.Get(id); ok {
		if resp.EnvdAccessToken == "" {
			resp.EnvdAccessToken = c.accessToken
		}
		if resp.Domain == "" {
			resp.Domain = c.domain
		}
	}
	return p.remember(resp), nil
}

func (p *Provider) Destroy(ctx context.Context, id string) error {
	p.conns.Remove(id)
	err := p.controlPlane(ctx, http.MethodDelete, "/sandboxes/"+url.PathEscape(id), nil, nil)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("destroying E2B sandbox: %w", err)
	}
	slog.Info("E2B sandbox destroyed", "sandboxID", id)
	return nil
}

func (p *Provider) remember(resp sandboxResponse) *Sandbox {
	domain := resp.Domain
	if domain == "" {
		domain = p.domain
	}
	c := conn{domain: domain, accessToken: resp.EnvdAccessToken}
	p.conns.Add(resp.SandboxID, c)
	return &Sandbox{p: p, id: resp.SandboxID, conn: c}
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("E2B API error (status %d): %s", e.Status, e.Body)
}

func (p *Provider) controlPlane(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.apiURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-API-Key", p.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{Status: resp.StatusCode, Body: string(respBody)}
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// Sandbox is a handle to one E2B sandbox.
type Sandbox struct {
	p    *Provider
	id   string
	conn conn
}

var _ sandbox.Sandbox = (*Sandbox)(nil)

func (s *Sandbox) ID() string { return s.id }

func (s *Sandbox) Host(port int) string {
	return fmt.Sprintf("%d-%s.%s", port, s.id, s.conn.domain)
}

func (s *Sandbox) RunCommand(ctx context.Context, cmd string, opts sandbox.CommandOptions) (*sandbox.CommandResult, error) {
	body, err := json.Marshal(map[string]any{
		"cmd":  "/bin/bash",
		"args": []string{"-l", "-c", cmd},
	})
	if err != nil {
		return nil, err
	}
	resp, err := s.envd(ctx, http.MethodPost, "/commands/run", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("running command: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exitCode"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding command result: %w", err)
	}
	if opts.OnStdout != nil && out.Stdout != "" {
		io.WriteString(opts.OnStdout, out.Stdout)
	}
	if opts.OnStderr != nil && out.Stderr != "" {
		io.WriteString(opts.OnStderr, out.Stderr)
	}

	res := &sandbox.CommandResult{Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: out.ExitCode}
	if out.ExitCode != 0 {
		return res, &sandbox.CommandError{ExitCode: out.ExitCode, Stdout: out.Stdout, Stderr: out.Stderr}
	}
	return res, nil
}

func (s *Sandbox) WriteFile(ctx context.Context, path, content string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", path)
	if err != nil {
		return fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		return fmt.Errorf("writing content: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing multipart writer: %w", err)
	}

	resp, err := s.envd(ctx, http.MethodPost, "/files?path="+url.QueryEscape(path), w.FormDataContentType(), &buf)
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	resp.Body.Close()
	return nil
}

func (s *Sandbox) ReadFile(ctx context.Context, path string) (string, error) {
	resp, err := s.envd(ctx, http.MethodGet, "/files?path="+url.QueryEscape(path), "", nil)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(b), nil
}

// envd performs a data plane request. Non-2xx responses are returned as errors.
func (s *Sandbox) envd(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.p.envdURL(s.id, s.conn.domain)+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-Access-Token", s.conn.accessToken)

	resp, err := s.p.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &apiError{Status: resp.StatusCode, Body: string(b)}
	}
	return resp, nil
}

type createRequest struct {
	TemplateID string            `json:"templateID"`
	Timeout    int               `json:"timeout"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type sandboxResponse struct {
	SandboxID       string `json:"sandboxID"`
	EnvdAccessToken string `json:"envdAccessToken"`
	Domain          string `json:"domain,omitempty"`
}
