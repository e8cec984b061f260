package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/nstogner/buildfy/pkg/editbridge"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// editSession relays the edit bridge of one fragment between the rendered
// page and the host UI. The server owns the Host controller, so readiness
// gating and edit history survive UI reconnects.
type editSession struct {
	mu    sync.Mutex
	host  *editbridge.Host
	page  editbridge.Bus
	ui    editbridge.Bus
	edits []editbridge.Edit
}

func (s *editSession) toUI(msg editbridge.Message) {
	s.mu.Lock()
	ui := s.ui
	s.mu.Unlock()
	if ui == nil {
		return
	}
	if err := ui.Send(context.Background(), msg); err != nil {
		slog.Debug("Dropping bridge message for host UI", "type", msg.Type(), "error", err)
	}
}

func (s *editSession) currentHost() *editbridge.Host {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

func (s *editSession) allEdits() []editbridge.Edit {
	s.mu.Lock()
	defer s.mu.Unlock()
	edits := append([]editbridge.Edit(nil), s.edits...)
	if s.host != nil {
		edits = append(edits, s.host.Edits()...)
	}
	return edits
}

type editSessions struct {
	mu       sync.Mutex
	sessions map[string]*editSession
}

func newEditSessions() *editSessions {
	return &editSessions{sessions: map[string]*editSession{}}
}

func (e *editSessions) get(fragmentID string) *editSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[fragmentID]
	if !ok {
		s = &editSession{}
		e.sessions[fragmentID] = s
	}
	return s
}

// describe renders the edits recorded for a fragment as a prompt.
func (e *editSessions) describe(fragmentID string) (string, bool) {
	e.mu.Lock()
	s, ok := e.sessions[fragmentID]
	e.mu.Unlock()
	if !ok {
		return "", false
	}
	edits := s.allEdits()
	if len(edits) == 0 {
		return "", false
	}
	return editbridge.DescribeEdits(edits), true
}

// clear forgets the edits of a fragment. Connected buses stay attached.
func (e *editSessions) clear(fragmentID string) {
	e.mu.Lock()
	s, ok := e.sessions[fragmentID]
	e.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.edits = nil
	s.mu.Unlock()
	if h := s.currentHost(); h != nil {
		h.ClearEdits()
	}
}

func (e *editSessions) closeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.sessions {
		s.mu.Lock()
		if s.page != nil {
			s.page.Close()
		}
		if s.ui != nil {
			s.ui.Close()
		}
		s.mu.Unlock()
	}
}

// handleEditPage accepts the rendered side of the bridge: the traffic the
// edit-mode script posts from the preview frame.
func (s *Server) handleEditPage(c echo.Context) error {
	ctx := c.Request().Context()
	fragmentID := c.Param("id")
	if _, err := s.store.GetFragment(ctx, fragmentID); err != nil {
		return errorResponse(c, statusFor(err), err)
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return nil
	}
	bus := editbridge.NewWSBus(ws)
	defer bus.Close()

	sess := s.edits.get(fragmentID)
	host := editbridge.NewHost(bus, editbridge.HostOptions{
		OnReady: func() {
			sess.toUI(editbridge.EditModeReady{})
		},
		OnSelected: func(data editbridge.ElementData) {
			sess.toUI(editbridge.ElementSelected{Data: data})
		},
		OnUpdated: func(data editbridge.ElementData) {
			sess.toUI(editbridge.ElementUpdated{Data: data})
		},
		OnHTML: func(ctx context.Context, html string) error {
			if err := s.runs.SaveEditedHTML(ctx, fragmentID, html); err != nil {
				return err
			}
			sess.toUI(editbridge.HTMLResponse{HTML: html})
			return nil
		},
	})
	host.Arm()

	sess.mu.Lock()
	if sess.host != nil {
		sess.edits = append(sess.edits, sess.host.Edits()...)
		sess.page.Close()
	}
	sess.host, sess.page = host, bus
	sess.mu.Unlock()
	slog.Info("Edit page connected", "fragmentID", fragmentID)

	if err := host.Run(ctx); err != nil {
		slog.Debug("Edit page disconnected", "fragmentID", fragmentID, "error", err)
	}

	sess.mu.Lock()
	if sess.host == host {
		host.Reset()
		sess.edits = append(sess.edits, host.Edits()...)
		sess.host, sess.page = nil, nil
	}
	sess.mu.Unlock()
	return nil
}

// handleEditHost accepts the host UI. Commands are applied through the
// server's Host, so they are dropped until the page reports ready.
func (s *Server) handleEditHost(c echo.Context) error {
	ctx := c.Request().Context()
	fragmentID := c.Param("id")
	if _, err := s.store.GetFragment(ctx, fragmentID); err != nil {
		return errorResponse(c, statusFor(err), err)
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return nil
	}
	bus := editbridge.NewWSBus(ws)
	defer bus.Close()

	sess := s.edits.get(fragmentID)
	sess.mu.Lock()
	if sess.ui != nil {
		sess.ui.Close()
	}
	sess.ui = bus
	ready := sess.host != nil && sess.host.State() == editbridge.Ready
	sess.mu.Unlock()

	if ready {
		if err := bus.Send(ctx, editbridge.EditModeReady{}); err != nil {
			return nil
		}
	}

	for {
		msg, err := bus.Receive(ctx)
		if err != nil {
			if !errors.Is(err, editbridge.ErrClosed) {
				slog.Debug("Edit host disconnected", "fragmentID", fragmentID, "error", err)
			}
			break
		}
		if err := relayCommand(ctx, sess.currentHost(), msg); err != nil {
			slog.Debug("Dropping edit command", "fragmentID", fragmentID, "type", msg.Type(), "error", err)
		}
	}

	sess.mu.Lock()
	if sess.ui == bus {
		sess.ui = nil
	}
	sess.mu.Unlock()
	return nil
}

func relayCommand(ctx context.Context, host *editbridge.Host, msg editbridge.Message) error {
	if host == nil {
		return editbridge.ErrNotReady
	}
	switch m := msg.(type) {
	case editbridge.UpdateElement:
		return host.Update(ctx, m.Updates)
	case editbridge.DeselectElement:
		return host.Deselect(ctx)
	case editbridge.GetHTML:
		return host.RequestHTML(ctx)
	default:
		return nil
	}
}
