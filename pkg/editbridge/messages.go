// Package editbridge implements the live-edit protocol between a host
// controller and a rendered app instance: a closed set of JSON messages
// discriminated by "type", a message bus, the host state machine and a
// headless model of the rendered side.
package editbridge

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned by Decode for messages whose type is not part
// of the protocol. Receivers skip such messages.
var ErrUnknownType = errors.New("unknown message type")

// MessageType discriminates bridge messages on the wire.
type MessageType string

const (
	// Host to rendered.
	TypeUpdateElement   MessageType = "UPDATE_ELEMENT"
	TypeDeselectElement MessageType = "DESELECT_ELEMENT"
	TypeGetHTML         MessageType = "GET_HTML"

	// Rendered to host.
	TypeEditModeReady   MessageType = "EDIT_MODE_READY"
	TypeElementSelected MessageType = "ELEMENT_SELECTED"
	TypeElementUpdated  MessageType = "ELEMENT_UPDATED"
	TypeHTMLResponse    MessageType = "HTML_RESPONSE"
)

// Message is one bridge message. The set of implementations is closed.
type Message interface {
	Type() MessageType
	isMessage()
}

// Rect is the bounding geometry of an element.
type Rect struct {
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ElementData describes a selected element.
type ElementData struct {
	ElementID   string            `json:"elementId"`
	Tag         string            `json:"tag"`
	ID          string            `json:"id"`
	ClassList   []string          `json:"classList"`
	TextContent string            `json:"textContent"`
	InnerHTML   string            `json:"innerHTML"`
	Attributes  map[string]string `json:"attributes"`
	Styles      map[string]string `json:"styles"`
	// Path is the ancestor chain below the body, e.g. "main > section.hero > h1#title".
	Path string `json:"path"`
	Rect Rect   `json:"rect"`
}

// Updates is a partial patch of an element. Nil fields are left unchanged.
type Updates struct {
	TextContent *string `json:"textContent,omitempty"`
	ID          *string `json:"id,omitempty"`
	// ClassList replaces the classes. Nil is encoded as null and leaves them
	// unchanged; an empty list clears them.
	ClassList []string `json:"classList"`
	// Attributes with a nil or empty value are removed.
	Attributes map[string]*string `json:"attributes,omitempty"`
	// Styles are keyed by camelCase property name. Empty values remove the property.
	Styles map[string]string `json:"styles,omitempty"`
}

// IsEmpty reports whether u changes nothing.
func (u Updates) IsEmpty() bool {
	return u.TextContent == nil && u.ID == nil && u.ClassList == nil && len(u.Attributes) == 0 && len(u.Styles) == 0
}

type UpdateElement struct {
	ElementID string  `json:"elementId"`
	Updates   Updates `json:"updates"`
}

type DeselectElement struct{}

type GetHTML struct{}

type EditModeReady struct{}

type ElementSelected struct {
	Data ElementData `json:"data"`
}

type ElementUpdated struct {
	Data ElementData `json:"data"`
}

type HTMLResponse struct {
	HTML string `json:"html"`
}

func (UpdateElement) Type() MessageType   { return TypeUpdateElement }
func (DeselectElement) Type() MessageType { return TypeDeselectElement }
func (GetHTML) Type() MessageType         { return TypeGetHTML }
func (EditModeReady) Type() MessageType   { return TypeEditModeReady }
func (ElementSelected) Type() MessageType { return TypeElementSelected }
func (ElementUpdated) Type() MessageType  { return TypeElementUpdated }
func (HTMLResponse) Type() MessageType    { return TypeHTMLResponse }

func (UpdateElement) isMessage()   {}
func (DeselectElement) isMessage() {}
func (GetHTML) isMessage()         {}
func (EditModeReady) isMessage()   {}
func (ElementSelected) isMessage() {}
func (ElementUpdated) isMessage()  {}
func (HTMLResponse) isMessage()    {}

// Encode serializes msg with its "type" discriminator.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Type(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Type(), err)
	}
	typ, _ := json.Marshal(msg.Type())
	fields["type"] = typ
	return json.Marshal(fields)
}

// Decode parses a wire message. Unknown types yield ErrUnknownType.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}

	var msg Message
	switch head.Type {
	case TypeUpdateElement:
		var m UpdateElement
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", head.Type, err)
		}
		msg = m
	case TypeDeselectElement:
		msg = DeselectElement{}
	case TypeGetHTML:
		msg = GetHTML{}
	case TypeEditModeReady:
		msg = EditModeReady{}
	case TypeElementSelected:
		var m ElementSelected
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", head.Type, err)
		}
		msg = m
	case TypeElementUpdated:
		var m ElementUpdated
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", head.Type, err)
		}
		msg = m
	case TypeHTMLResponse:
		var m HTMLResponse
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", head.Type, err)
		}
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	return msg, nil
}
