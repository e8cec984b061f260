package editbridge

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHTML = `<!DOCTYPE html><html><head><title>App</title></head><body>
<main class="container">
  <section id="hero" class="hero dark"><h1 class="title" style="color: red">Hello</h1><p>World</p></section>
</main>
<script src="/edit-mode.js"></script>
</body></html>`

func newPage(t *testing.T) (*Page, Bus) {
	t.Helper()
	host, page := Pipe()
	t.Cleanup(func() { host.Close() })
	p, err := NewPage(testHTML, page)
	require.NoError(t, err)
	return p, host
}

// receive reads one message from b or fails after a short wait.
func receive(t *testing.T, b Bus) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := b.Receive(ctx)
	require.NoError(t, err)
	return msg
}

// assertQuiet fails if b has a pending message.
func assertQuiet(t *testing.T, b Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	msg, err := b.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "unexpected message %#v", msg)
}

func ptr[T any](v T) *T { return &v }

func TestPageUpdateBeforeReadyIsIgnored(t *testing.T) {
	p, host := newPage(t)
	ctx := context.Background()
	before, err := p.HTML()
	require.NoError(t, err)

	require.NoError(t, p.Click(ctx, "h1"))
	require.NoError(t, p.Handle(ctx, UpdateElement{Updates: Updates{TextContent: ptr("Changed")}}))
	require.NoError(t, p.Handle(ctx, GetHTML{}))

	after, err := p.HTML()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assertQuiet(t, host)
}

func TestHostGatesUpdatesOnReady(t *testing.T) {
	hostBus, pageBus := Pipe()
	defer hostBus.Close()
	h := NewHost(hostBus, HostOptions{})
	h.Arm()
	assert.Equal(t, Armed, h.State())

	err := h.Update(context.Background(), Updates{TextContent: ptr("x")})
	require.ErrorIs(t, err, ErrNotReady)
	require.ErrorIs(t, h.RequestHTML(context.Background()), ErrNotReady)
	assert.Empty(t, h.Edits())
	assertQuiet(t, pageBus)
}

func TestSelectingReplacesSelectionSilently(t *testing.T) {
	p, host := newPage(t)
	ctx := context.Background()
	require.NoError(t, p.Init(ctx))
	assert.Equal(t, EditModeReady{}, receive(t, host))

	require.NoError(t, p.Click(ctx, "h1"))
	a := receive(t, host).(ElementSelected)
	assert.Equal(t, "h1", a.Data.Tag)

	require.NoError(t, p.Click(ctx, "p"))
	b, ok := receive(t, host).(ElementSelected)
	require.True(t, ok)
	assert.Equal(t, "p", b.Data.Tag)
	assert.Equal(t, "World", b.Data.TextContent)
	assert.NotEqual(t, a.Data.ElementID, b.Data.ElementID)
	assertQuiet(t, host)
}

func TestInitAnnouncesReadyOnce(t *testing.T) {
	p, host := newPage(t)
	ctx := context.Background()
	require.NoError(t, p.Init(ctx))
	require.NoError(t, p.Init(ctx))
	assert.Equal(t, EditModeReady{}, receive(t, host))
	assertQuiet(t, host)
}

func TestElementData(t *testing.T) {
	p, host := newPage(t)
	ctx := context.Background()
	require.NoError(t, p.Init(ctx))
	receive(t, host)

	require.NoError(t, p.Click(ctx, "h1"))
	sel := receive(t, host).(ElementSelected)
	assert.Equal(t, ElementData{
		ElementID:   sel.Data.ElementID,
		Tag:         "h1",
		ClassList:   []string{"title"},
		TextContent: "Hello",
		InnerHTML:   "Hello",
		Attributes:  map[string]string{"class": "title", "style": "color: red"},
		Styles: map[string]string{
			"display": "", "position": "", "width": "", "height": "", "margin": "", "padding": "",
			"backgroundColor": "", "color": "red", "fontSize": "", "fontWeight": "", "textAlign": "",
			"border": "", "borderRadius": "",
		},
		Path: "main.container > section#hero > h1.title",
	}, sel.Data)
}

func TestClickIgnoresAffordancesAndIgnoredTags(t *testing.T) {
	p, host := newPage(t)
	ctx := context.Background()
	require.NoError(t, p.Init(ctx))
	receive(t, host)

	require.NoError(t, p.Click(ctx, "#__edit-mode-select-overlay__"))
	require.NoError(t, p.Click(ctx, "body"))
	require.NoError(t, p.Click(ctx, "script"))
	assertQuiet(t, host)

	require.Error(t, p.Click(ctx, "table"))
}

func TestEscapeSelectsParent(t *testing.T) {
	p, host := newPage(t)
	ctx := context.Background()
	require.NoError(t, p.Init(ctx))
	receive(t, host)

	require.NoError(t, p.Click(ctx, "h1"))
	receive(t, host)

	require.NoError(t, p.Escape(ctx))
	sel := receive(t, host).(ElementSelected)
	assert.Equal(t, "section", sel.Data.Tag)
	assert.Equal(t, "main.container > section#hero", sel.Data.Path)

	require.NoError(t, p.Escape(ctx))
	assert.Equal(t, "main", receive(t, host).(ElementSelected).Data.Tag)

	// main's parent is the body, which is not selectable.
	require.NoError(t, p.Escape(ctx))
	assertQuiet(t, host)
}

func TestUpdateElementAppliesPatch(t *testing.T) {
	p, host := newPage(t)
	ctx := context.Background()
	require.NoError(t, p.Init(ctx))
	receive(t, host)
	require.NoError(t, p.Click(ctx, "h1"))
	id := receive(t, host).(ElementSelected).Data.ElementID

	require.NoError(t, p.Handle(ctx, UpdateElement{ElementID: id, Updates: Updates{
		TextContent: ptr("Welcome"),
		ID:          ptr("headline"),
		ClassList:   []string{"title", "big"},
		Attributes:  map[string]*string{"data-x": ptr("1"), "title": nil},
		Styles:      map[string]string{"color": "", "fontSize": "32px"},
	}}))
	upd := receive(t, host).(ElementUpdated)
	assert.Equal(t, id, upd.Data.ElementID)
	assert.Equal(t, "Welcome", upd.Data.TextContent)
	assert.Equal(t, "headline", upd.Data.ID)
	assert.Equal(t, []string{"title", "big"}, upd.Data.ClassList)
	assert.Equal(t, "1", upd.Data.Attributes["data-x"])
	assert.Equal(t, "32px", upd.Data.Styles["fontSize"])
	assert.Empty(t, upd.Data.Styles["color"])
	assert.Equal(t, "main.container > section#hero > h1#headline", upd.Data.Path)

	html, err := p.HTML()
	require.NoError(t, err)
	assert.Contains(t, html, `<h1 class="title big" style="font-size: 32px" id="headline" data-x="1">Welcome</h1>`)
}

func TestEmptyClassListClearsClassesOverTheWire(t *testing.T) {
	p, host := newPage(t)
	ctx := context.Background()
	require.NoError(t, p.Init(ctx))
	receive(t, host)
	require.NoError(t, p.Click(ctx, "h1"))
	id := receive(t, host).(ElementSelected).Data.ElementID

	data, err := Encode(UpdateElement{ElementID: id, Updates: Updates{ClassList: []string{}}})
	require.NoError(t, err)
	msg, err := Decode(data)
	require.NoError(t, err)
	require.NotNil(t, msg.(UpdateElement).Updates.ClassList)

	require.NoError(t, p.Handle(ctx, msg))
	upd := receive(t, host).(ElementUpdated)
	assert.Empty(t, upd.Data.ClassList)

	html, err := p.HTML()
	require.NoError(t, err)
	assert.Contains(t, html, `<h1 style="color: red">Hello</h1>`)
}

func TestNilClassListLeavesClassesOverTheWire(t *testing.T) {
	data, err := Encode(UpdateElement{ElementID: "el-1", Updates: Updates{TextContent: ptr("x")}})
	require.NoError(t, err)
	msg, err := Decode(data)
	require.NoError(t, err)
	assert.Nil(t, msg.(UpdateElement).Updates.ClassList)
}

func TestUpdateUnknownElementIsNoop(t *testing.T) {
	p, host := newPage(t)
	ctx := context.Background()
	require.NoError(t, p.Init(ctx))
	receive(t, host)
	require.NoError(t, p.Click(ctx, "h1"))
	receive(t, host)
	before, _ := p.HTML()

	require.NoError(t, p.Handle(ctx, UpdateElement{ElementID: "el-999", Updates: Updates{TextContent: ptr("x")}}))
	require.NoError(t, p.Handle(ctx, DeselectElement{}))
	require.NoError(t, p.Handle(ctx, UpdateElement{Updates: Updates{TextContent: ptr("x")}}))

	after, _ := p.HTML()
	assert.Equal(t, before, after)
	assertQuiet(t, host)
}

func TestSnapshotStripsAffordances(t *testing.T) {
	p, host := newPage(t)
	ctx := context.Background()
	require.NoError(t, p.Init(ctx))
	receive(t, host)

	live, err := p.HTML()
	require.NoError(t, err)
	assert.Contains(t, live, "__edit-mode-select-overlay__")

	require.NoError(t, p.Handle(ctx, GetHTML{}))
	snap := receive(t, host).(HTMLResponse).HTML
	assert.NotContains(t, snap, "__edit-mode")
	assert.NotContains(t, snap, "edit-mode.js")
	assert.Contains(t, snap, `<h1 class="title" style="color: red">Hello</h1>`)
	assert.True(t, strings.HasPrefix(snap, "<html>"))

	again, err := p.HTML()
	require.NoError(t, err)
	assert.Equal(t, live, again, "snapshot does not modify the live document")
}

func TestHostPageRoundTrip(t *testing.T) {
	hostBus, pageBus := Pipe()
	page, err := NewPage(testHTML, pageBus)
	require.NoError(t, err)

	saved := make(chan string, 1)
	selected := make(chan ElementData, 4)
	updated := make(chan ElementData, 4)
	h := NewHost(hostBus, HostOptions{
		OnSelected: func(d ElementData) { selected <- d },
		OnUpdated:  func(d ElementData) { updated <- d },
		OnHTML: func(ctx context.Context, html string) error {
			saved <- html
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hostDone := make(chan error, 1)
	pageDone := make(chan error, 1)
	go func() { hostDone <- h.Run(ctx) }()
	go func() { pageDone <- page.Run(ctx) }()

	h.Arm()
	require.NoError(t, page.Init(ctx))
	require.Eventually(t, func() bool { return h.State() == Ready }, time.Second, time.Millisecond)

	require.NoError(t, page.Click(ctx, "h1"))
	sel := <-selected
	require.Eventually(t, func() bool {
		cur, ok := h.Selected()
		return ok && cur.ElementID == sel.ElementID
	}, time.Second, time.Millisecond)

	require.NoError(t, h.Update(ctx, Updates{TextContent: ptr("Welcome")}))
	assert.Equal(t, "Welcome", (<-updated).TextContent)

	require.NoError(t, h.RequestHTML(ctx))
	html := <-saved
	assert.Contains(t, html, ">Welcome</h1>")
	assert.NotContains(t, html, "__edit-mode")

	assert.Contains(t, h.DescribeEdits(), `change the text to "Welcome"`)

	h.Reset()
	assert.Equal(t, Inactive, h.State())
	_, ok := h.Selected()
	assert.False(t, ok)

	hostBus.Close()
	require.NoError(t, <-hostDone)
	require.NoError(t, <-pageDone)
}

func TestReceiveSkipsUnknownTypes(t *testing.T) {
	hostBus, pageBus := Pipe()
	defer hostBus.Close()

	require.NoError(t, SendRaw(pageBus, []byte(`{"type":"INSPECTOR_UPDATE"}`)))
	require.NoError(t, pageBus.Send(context.Background(), EditModeReady{}))
	assert.Equal(t, EditModeReady{}, receive(t, hostBus))
}
