package editbridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrNotReady is returned when an edit is attempted before the rendered
	// instance reported EDIT_MODE_READY.
	ErrNotReady = errors.New("edit mode not ready")
	// ErrNoSelection is returned when an edit is attempted with nothing selected.
	ErrNoSelection = errors.New("no element selected")
)

// State is the edit state of a rendered instance as seen by the host.
type State string

const (
	Inactive State = "INACTIVE"
	Armed    State = "ARMED"
	Ready    State = "READY"
)

// Edit is one update applied to a selected element.
type Edit struct {
	Element ElementData
	Updates Updates
}

// HostOptions configures a Host.
type HostOptions struct {
	// OnReady is called when the rendered instance reports EDIT_MODE_READY.
	OnReady func()
	// OnSelected is called for every ELEMENT_SELECTED.
	OnSelected func(ElementData)
	// OnUpdated is called for every ELEMENT_UPDATED.
	OnUpdated func(ElementData)
	// OnHTML persists a snapshot received in HTML_RESPONSE.
	OnHTML func(ctx context.Context, html string) error
}

// Host is the host-side controller of one rendered instance. It gates
// element edits on the instance's readiness.
type Host struct {
	bus  Bus
	opts HostOptions

	mu       sync.Mutex
	state    State
	selected *ElementData
	edits    []Edit
}

// NewHost creates an INACTIVE host controller over bus.
func NewHost(bus Bus, opts HostOptions) *Host {
	return &Host{bus: bus, opts: opts, state: Inactive}
}

// State returns the current state.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Selected returns the last reported selection, if any.
func (h *Host) Selected() (ElementData, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.selected == nil {
		return ElementData{}, false
	}
	return *h.selected, true
}

// Arm marks the instance as loading in edit mode.
func (h *Host) Arm() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = Armed
}

// Reset returns to INACTIVE, as on navigation or reload. The selection is
// dropped; accumulated edits are kept.
func (h *Host) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = Inactive
	h.selected = nil
}

// Update sends an UPDATE_ELEMENT for the current selection.
func (h *Host) Update(ctx context.Context, updates Updates) error {
	h.mu.Lock()
	if h.state != Ready {
		h.mu.Unlock()
		return ErrNotReady
	}
	if h.selected == nil {
		h.mu.Unlock()
		return ErrNoSelection
	}
	el := *h.selected
	h.edits = append(h.edits, Edit{Element: el, Updates: updates})
	h.mu.Unlock()

	return h.bus.Send(ctx, UpdateElement{ElementID: el.ElementID, Updates: updates})
}

// Deselect clears the selection on both sides.
func (h *Host) Deselect(ctx context.Context) error {
	h.mu.Lock()
	if h.state != Ready {
		h.mu.Unlock()
		return ErrNotReady
	}
	h.selected = nil
	h.mu.Unlock()
	return h.bus.Send(ctx, DeselectElement{})
}

// RequestHTML asks for a cleaned snapshot. The response is handed to
// OnHTML by Run.
func (h *Host) RequestHTML(ctx context.Context) error {
	if h.State() != Ready {
		return ErrNotReady
	}
	return h.bus.Send(ctx, GetHTML{})
}

// Edits returns the edits sent so far.
func (h *Host) Edits() []Edit {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Edit(nil), h.edits...)
}

// ClearEdits forgets the edits sent so far, typically once they were
// submitted as a run.
func (h *Host) ClearEdits() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.edits = nil
}

// DescribeEdits renders the edits sent so far as a prompt for a new run.
func (h *Host) DescribeEdits() string {
	return DescribeEdits(h.Edits())
}

// Run processes messages from the rendered side until ctx is done or the
// bus fails.
func (h *Host) Run(ctx context.Context) error {
	for {
		msg, err := h.bus.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		if err := h.handle(ctx, msg); err != nil {
			return err
		}
	}
}

func (h *Host) handle(ctx context.Context, msg Message) error {
	switch m := msg.(type) {
	case EditModeReady:
		h.mu.Lock()
		h.state = Ready
		h.mu.Unlock()
		slog.Debug("Edit mode ready")
		if h.opts.OnReady != nil {
			h.opts.OnReady()
		}

	case ElementSelected:
		h.mu.Lock()
		data := m.Data
		h.selected = &data
		h.mu.Unlock()
		if h.opts.OnSelected != nil {
			h.opts.OnSelected(m.Data)
		}

	case ElementUpdated:
		h.mu.Lock()
		if h.selected != nil && h.selected.ElementID == m.Data.ElementID {
			data := m.Data
			h.selected = &data
		}
		h.mu.Unlock()
		if h.opts.OnUpdated != nil {
			h.opts.OnUpdated(m.Data)
		}

	case HTMLResponse:
		if h.opts.OnHTML == nil {
			return nil
		}
		if err := h.opts.OnHTML(ctx, m.HTML); err != nil {
			slog.Error("Failed to persist edited html", "error", err)
		}

	default:
		slog.Debug("Ignoring bridge message on host", "type", msg.Type())
	}
	return nil
}
