// Package sandboxtest provides an in-memory sandbox.Provider for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"io"
	"maps"
	"sync"

	"github.com/nstogner/buildfy/pkg/sandbox"
)

// CommandFunc decides the outcome of a command run in a fake sandbox.
type CommandFunc func(cmd string) (*sandbox.CommandResult, error)

// Provider is an in-memory sandbox provider. The zero value is not usable;
// call NewProvider.
type Provider struct {
	mu      sync.Mutex
	seq     int
	boxes   map[string]*Sandbox
	broken  map[string]bool
	hung    map[string]bool
	destroy []string

	// CreateErr, when set, is returned by Create.
	CreateErr error
	// Command handles RunCommand for sandboxes created after it is set.
	Command CommandFunc
	// Domain is used to build hosts.
	Domain string
}

var _ sandbox.Provider = (*Provider)(nil)

// NewProvider returns an empty provider.
func NewProvider() *Provider {
	return &Provider{
		boxes:  map[string]*Sandbox{},
		broken: map[string]bool{},
		hung:   map[string]bool{},
		Domain: "sandbox.test",
	}
}

func (p *Provider) Name() string { return "memory" }

func (p *Provider) Create(ctx context.Context, template string) (sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}
	p.seq++
	sb := &Sandbox{
		id:       fmt.Sprintf("sbx-%d", p.seq),
		template: template,
		domain:   p.Domain,
		files:    map[string]string{},
		command:  p.Command,
	}
	p.boxes[sb.id] = sb
	return sb, nil
}

func (p *Provider) Connect(ctx context.Context, id string) (sandbox.Sandbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	hung := p.hung[id]
	p.mu.Unlock()
	if hung {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.broken[id] {
		return nil, fmt.Errorf("connecting to %s: %w", id, sandbox.ErrNotFound)
	}
	sb, ok := p.boxes[id]
	if !ok {
		return nil, fmt.Errorf("connecting to %s: %w", id, sandbox.ErrNotFound)
	}
	return sb, nil
}

func (p *Provider) Destroy(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.boxes, id)
	p.destroy = append(p.destroy, id)
	return nil
}

// Break makes subsequent Connect calls for id fail.
func (p *Provider) Break(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broken[id] = true
}

// Hang makes subsequent Connect calls for id block until their context is
// done.
func (p *Provider) Hang(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hung[id] = true
}

// Get returns the fake sandbox with the given id, if it exists.
func (p *Provider) Get(id string) (*Sandbox, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.boxes[id]
	return sb, ok
}

// Destroyed returns the ids passed to Destroy, in call order.
func (p *Provider) Destroyed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.destroy...)
}

// Sandbox is an in-memory sandbox.Sandbox.
type Sandbox struct {
	id       string
	template string
	domain   string
	command  CommandFunc

	mu        sync.Mutex
	files     map[string]string
	commands  []string
	writeErrs map[string]error
	readErrs  map[string]error
}

var _ sandbox.Sandbox = (*Sandbox)(nil)

func (s *Sandbox) ID() string { return s.id }

// Template returns the template the sandbox was created from.
func (s *Sandbox) Template() string { return s.template }

func (s *Sandbox) RunCommand(ctx context.Context, cmd string, opts sandbox.CommandOptions) (*sandbox.CommandResult, error) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	fn := s.command
	s.mu.Unlock()

	if fn == nil {
		return &sandbox.CommandResult{}, nil
	}
	res, err := fn(cmd)
	if res != nil {
		if opts.OnStdout != nil && res.Stdout != "" {
			io.WriteString(opts.OnStdout, res.Stdout)
		}
		if opts.OnStderr != nil && res.Stderr != "" {
			io.WriteString(opts.OnStderr, res.Stderr)
		}
	}
	return res, err
}

func (s *Sandbox) WriteFile(ctx context.Context, path, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErrs[path]; err != nil {
		return err
	}
	s.files[path] = content
	return nil
}

func (s *Sandbox) ReadFile(ctx context.Context, path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readErrs[path]; err != nil {
		return "", err
	}
	content, ok := s.files[path]
	if !ok {
		return "", fmt.Errorf("reading %s: no such file", path)
	}
	return content, nil
}

func (s *Sandbox) Host(port int) string {
	return fmt.Sprintf("%d-%s.%s", port, s.id, s.domain)
}

// FailWrite makes WriteFile for path return err.
func (s *Sandbox) FailWrite(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErrs == nil {
		s.writeErrs = map[string]error{}
	}
	s.writeErrs[path] = err
}

// FailRead makes ReadFile for path return err.
func (s *Sandbox) FailRead(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErrs == nil {
		s.readErrs = map[string]error{}
	}
	s.readErrs[path] = err
}

// Files returns a copy of the sandbox file system.
func (s *Sandbox) Files() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.files)
}

// Commands returns every command run, in order.
func (s *Sandbox) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}
