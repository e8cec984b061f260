package editbridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeAddsType(t *testing.T) {
	text := "Hello"
	data, err := Encode(UpdateElement{ElementID: "el-1", Updates: Updates{TextContent: &text}})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "UPDATE_ELEMENT", raw["type"])
	assert.Equal(t, "el-1", raw["elementId"])
	assert.Equal(t, map[string]any{"textContent": "Hello", "classList": nil}, raw["updates"])

	data, err = Encode(GetHTML{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"GET_HTML"}`, string(data))
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Message
	}{
		{"ready", `{"type":"EDIT_MODE_READY"}`, EditModeReady{}},
		{"deselect", `{"type":"DESELECT_ELEMENT"}`, DeselectElement{}},
		{"html", `{"type":"HTML_RESPONSE","html":"<html></html>"}`, HTMLResponse{HTML: "<html></html>"}},
		{
			"selected",
			`{"type":"ELEMENT_SELECTED","data":{"elementId":"el-2","tag":"h1","path":"main > h1"}}`,
			ElementSelected{Data: ElementData{ElementID: "el-2", Tag: "h1", Path: "main > h1"}},
		},
		{
			"update with removed attribute",
			`{"type":"UPDATE_ELEMENT","elementId":"el-2","updates":{"attributes":{"title":null}}}`,
			UpdateElement{ElementID: "el-2", Updates: Updates{Attributes: map[string]*string{"title": nil}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"INSPECTOR_UPDATE","updates":{}}`))
	require.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode([]byte(`{"data":1}`))
	require.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownType)
}
