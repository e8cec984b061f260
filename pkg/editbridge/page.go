package editbridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// Affordance ids and classes start with this prefix. Snapshots strip them.
const affordancePrefix = "__edit-mode"

var ignoredTags = []string{"html", "head", "body", "script", "style", "meta", "link"}

// reportedStyles is the subset of style properties included in ElementData.
var reportedStyles = []string{
	"display", "position", "width", "height", "margin", "padding",
	"backgroundColor", "color", "fontSize", "fontWeight", "textAlign",
	"border", "borderRadius",
}

// Page is a headless model of the rendered side of the bridge. It holds the
// document, tracks at most one selected element and answers host messages.
// Styles are read from inline style attributes and geometry is zero, since
// there is no layout engine.
type Page struct {
	bus Bus

	mu       sync.Mutex
	doc      *goquery.Document
	ready    bool
	selected *goquery.Selection
	selID    string
	seq      int
}

// NewPage parses html into a page bound to bus. The page starts INACTIVE.
func NewPage(html string, bus Bus) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parsing page: %w", err)
	}
	return &Page{bus: bus, doc: doc}, nil
}

// Init injects the editing affordances and announces readiness. It sends
// EDIT_MODE_READY at most once per page.
func (p *Page) Init(ctx context.Context) error {
	p.mu.Lock()
	if p.ready {
		p.mu.Unlock()
		return nil
	}
	body := p.doc.Find("body")
	for _, id := range []string{"hover-overlay", "select-overlay", "tag-label"} {
		body.AppendHtml(fmt.Sprintf(`<div id="%s-%s__" style="display: none"></div>`, affordancePrefix, id))
	}
	body.AppendHtml(fmt.Sprintf(`<div class="%s-spacing-label__" style="display: none"></div>`, affordancePrefix))
	p.ready = true
	p.mu.Unlock()

	return p.bus.Send(ctx, EditModeReady{})
}

// Click selects the first element matching selector, replacing any previous
// selection, and reports it. Clicks before Init, on affordances or on
// ignored tags do nothing.
func (p *Page) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	if !p.ready {
		p.mu.Unlock()
		return nil
	}
	sel := p.doc.Find(selector).First()
	if sel.Length() == 0 {
		p.mu.Unlock()
		return fmt.Errorf("no element matches %q", selector)
	}
	if !selectable(sel) {
		p.mu.Unlock()
		return nil
	}
	data := p.selectLocked(sel)
	p.mu.Unlock()

	return p.bus.Send(ctx, ElementSelected{Data: data})
}

// Escape moves the selection to the parent of the selected element.
func (p *Page) Escape(ctx context.Context) error {
	p.mu.Lock()
	if !p.ready || p.selected == nil {
		p.mu.Unlock()
		return nil
	}
	parent := p.selected.Parent()
	if parent.Length() == 0 || !selectable(parent) {
		p.mu.Unlock()
		return nil
	}
	data := p.selectLocked(parent)
	p.mu.Unlock()

	return p.bus.Send(ctx, ElementSelected{Data: data})
}

func (p *Page) selectLocked(sel *goquery.Selection) ElementData {
	p.seq++
	p.selected = sel
	p.selID = fmt.Sprintf("el-%d", p.seq)
	return describe(sel, p.selID)
}

// Run answers host messages until ctx is done or the bus closes.
func (p *Page) Run(ctx context.Context) error {
	for {
		msg, err := p.bus.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		if err := p.Handle(ctx, msg); err != nil {
			return err
		}
	}
}

// Handle applies one host message. Messages that arrive before Init, and
// updates for an element other than the current selection, are ignored.
func (p *Page) Handle(ctx context.Context, msg Message) error {
	switch m := msg.(type) {
	case UpdateElement:
		p.mu.Lock()
		if !p.ready || p.selected == nil || (m.ElementID != "" && m.ElementID != p.selID) {
			p.mu.Unlock()
			return nil
		}
		apply(p.selected, m.Updates)
		data := describe(p.selected, p.selID)
		p.mu.Unlock()
		return p.bus.Send(ctx, ElementUpdated{Data: data})

	case DeselectElement:
		p.mu.Lock()
		p.selected = nil
		p.selID = ""
		p.mu.Unlock()

	case GetHTML:
		p.mu.Lock()
		if !p.ready {
			p.mu.Unlock()
			return nil
		}
		html, err := p.snapshotLocked()
		p.mu.Unlock()
		if err != nil {
			return err
		}
		return p.bus.Send(ctx, HTMLResponse{HTML: html})
	}
	return nil
}

// Snapshot serializes the document without editing affordances or the
// bridge script.
func (p *Page) Snapshot() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Page) snapshotLocked() (string, error) {
	clone := goquery.CloneDocument(p.doc)
	clone.Find(`[id^="` + affordancePrefix + `"], [class*="` + affordancePrefix + `"]`).Remove()
	clone.Find("script").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if strings.Contains(src, ScriptName) || strings.Contains(s.Text(), initializedFlag) {
			s.Remove()
		}
	})
	return goquery.OuterHtml(clone.Find("html"))
}

// HTML returns the live document including affordances.
func (p *Page) HTML() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return goquery.OuterHtml(p.doc.Find("html"))
}

func selectable(sel *goquery.Selection) bool {
	if slices.Contains(ignoredTags, goquery.NodeName(sel)) {
		return false
	}
	if id, _ := sel.Attr("id"); strings.HasPrefix(id, affordancePrefix) {
		return false
	}
	class, _ := sel.Attr("class")
	return !strings.Contains(class, affordancePrefix)
}

func describe(sel *goquery.Selection, elementID string) ElementData {
	id, _ := sel.Attr("id")
	inner, _ := sel.Html()

	data := ElementData{
		ElementID:  elementID,
		Tag:        goquery.NodeName(sel),
		ID:         id,
		ClassList:  classList(sel),
		InnerHTML:  inner,
		Attributes: map[string]string{},
		Styles:     map[string]string{},
		Path:       path(sel),
	}
	if c := sel.Contents(); c.Length() == 1 && goquery.NodeName(c) == "#text" {
		data.TextContent = strings.TrimSpace(c.Text())
	}
	for _, a := range sel.Nodes[0].Attr {
		if !strings.HasPrefix(a.Key, affordancePrefix) {
			data.Attributes[a.Key] = a.Val
		}
	}
	inline := parseStyle(data.Attributes["style"])
	for _, prop := range reportedStyles {
		data.Styles[prop] = inline.get(kebab(prop))
	}
	return data
}

func classList(sel *goquery.Selection) []string {
	class, _ := sel.Attr("class")
	var out []string
	for _, c := range strings.Fields(class) {
		if !strings.HasPrefix(c, affordancePrefix) {
			out = append(out, c)
		}
	}
	return out
}

// path builds the ancestor chain below the body using tag#id or tag.class
// selectors.
func path(sel *goquery.Selection) string {
	var parts []string
	for cur := sel; cur.Length() > 0; cur = cur.Parent() {
		name := goquery.NodeName(cur)
		if name == "body" || name == "html" || name == "#document" {
			break
		}
		part := name
		if id, _ := cur.Attr("id"); id != "" {
			part += "#" + id
		} else if cls := classList(cur); len(cls) > 0 {
			part += "." + strings.Join(cls, ".")
		}
		parts = append(parts, part)
	}
	slices.Reverse(parts)
	return strings.Join(parts, " > ")
}

func apply(sel *goquery.Selection, u Updates) {
	if u.TextContent != nil && sel.Contents().Length() == 1 {
		sel.SetText(*u.TextContent)
	}
	if u.ClassList != nil {
		if len(u.ClassList) == 0 {
			sel.RemoveAttr("class")
		} else {
			sel.SetAttr("class", strings.Join(u.ClassList, " "))
		}
	}
	if u.ID != nil {
		if *u.ID == "" {
			sel.RemoveAttr("id")
		} else {
			sel.SetAttr("id", *u.ID)
		}
	}
	for key, val := range u.Attributes {
		if val == nil || *val == "" {
			sel.RemoveAttr(key)
		} else {
			sel.SetAttr(key, *val)
		}
	}
	if len(u.Styles) > 0 {
		style, _ := sel.Attr("style")
		decl := parseStyle(style)
		for _, prop := range sortedKeys(u.Styles) {
			decl.set(kebab(prop), u.Styles[prop])
		}
		if s := decl.String(); s == "" {
			sel.RemoveAttr("style")
		} else {
			sel.SetAttr("style", s)
		}
	}
}
