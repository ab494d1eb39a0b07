package snapshot_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggydv12/meshtable/internal/object"
	"github.com/iggydv12/meshtable/internal/snapshot"
)

func piece() *object.Object {
	o := object.New("obj-1", "piece").
		With("x", object.Number(1)).
		With("y", object.Number(2.5)).
		With("name", object.String("Knight <&> \"quoted\"")).
		With("hidden", object.Bool(false)).
		With("table", object.Ref("table-1"))
	o.Owner = "peer-a"
	o.Version = 7
	o.Writer = "peer-b"
	return o
}

func TestRoundTrip(t *testing.T) {
	for _, o := range []*object.Object{
		piece(),
		object.New("empty", "note"),
		object.New("ws", "note").With("text", object.String("  two\nlines  ")),
	} {
		text, err := snapshot.Encode(o)
		require.NoError(t, err)

		got, err := snapshot.Decode(text)
		require.NoError(t, err)
		assert.Equal(t, o.Identifier, got.Identifier)
		assert.Equal(t, o.Type, got.Type)
		assert.Equal(t, o.Attributes, got.Attributes)
		assert.Equal(t, o.Owner, got.Owner)
		assert.Equal(t, o.Version, got.Version)
		assert.Equal(t, o.Writer, got.Writer)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	a, err := snapshot.Encode(piece())
	require.NoError(t, err)
	b, err := snapshot.Encode(piece())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestTombstoneRoundTrip(t *testing.T) {
	o := piece()
	o.State = object.Destroyed
	text, err := snapshot.Encode(o)
	require.NoError(t, err)
	got, err := snapshot.Decode(text)
	require.NoError(t, err)
	assert.Equal(t, object.Destroyed, got.State)
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"not xml":       "this is not xml",
		"truncated":     `<piece identifier="a"><data name="x" type="number">1</data>`,
		"no identifier": `<piece><data name="x">1</data></piece>`,
		"bad number":    `<piece identifier="a"><data name="x" type="number">one</data></piece>`,
		"unknown kind":  `<piece identifier="a"><data name="x" type="matrix">1</data></piece>`,
		"nameless data": `<piece identifier="a"><data type="number">1</data></piece>`,
		"bad version":   `<piece identifier="a" version="-1"></piece>`,
		"bad state":     `<piece identifier="a" state="zombie"></piece>`,
		"empty":         ``,
		"reserved tag":  `<data identifier="a"></data>`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := snapshot.Decode(text)
			assert.ErrorIs(t, err, snapshot.ErrMalformedSnapshot)
		})
	}
}

func TestEncodeRejectsInvalidTypeTag(t *testing.T) {
	_, err := snapshot.Encode(object.New("a", "has space"))
	assert.Error(t, err)
	_, err = snapshot.Encode(object.New("", "piece"))
	assert.Error(t, err)
}

func TestUnknownPartsArePreserved(t *testing.T) {
	text := `<piece identifier="a" future="yes">` +
		`<data name="x" type="number">3</data>` +
		`<sparkle level="9">shiny</sparkle>` +
		`</piece>`

	o, err := snapshot.Decode(text)
	require.NoError(t, err)
	assert.Equal(t, map[string]object.Value{"x": object.Number(3)}, o.Attributes)
	assert.Contains(t, o.ExtraAttrs, object.Attr{Name: "future", Value: "yes"})
	require.Len(t, o.ExtraElements, 1)

	again, err := snapshot.Encode(o)
	require.NoError(t, err)
	assert.Contains(t, again, `future="yes"`)
	assert.Contains(t, again, `<sparkle level="9">shiny</sparkle>`)

	back, err := snapshot.Decode(again)
	require.NoError(t, err)
	assert.Equal(t, o.Attributes, back.Attributes)
	assert.Equal(t, o.ExtraElements, back.ExtraElements)
}

func tableTree() []*object.Object {
	table := object.New("table-1", "game-table").With("name", object.String("Main"))
	terrain := object.New("terrain-1", "terrain").With("width", object.Number(3))
	terrain.Parent = "table-1"
	mark := object.New("mark-1", "marker").With("on", object.Ref("terrain-1"))
	mark.Parent = "terrain-1"
	return []*object.Object{table, terrain, mark}
}

func TestTreeRoundTrip(t *testing.T) {
	text, err := snapshot.EncodeTree(tableTree())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "<game-table "))

	objs, err := snapshot.DecodeTree(text)
	require.NoError(t, err)
	require.Len(t, objs, 3)
	assert.Equal(t, "table-1", objs[0].Identifier)
	assert.Equal(t, "table-1", objs[1].Parent)
	assert.Equal(t, "terrain-1", objs[2].Parent)
	assert.Equal(t, object.Ref("terrain-1"), objs[2].Attributes["on"])
}

func TestSingleDecodeIgnoresChildren(t *testing.T) {
	text, err := snapshot.EncodeTree(tableTree())
	require.NoError(t, err)
	o, err := snapshot.Decode(text)
	require.NoError(t, err)
	assert.Equal(t, "table-1", o.Identifier)
	assert.Empty(t, o.ExtraElements)
}

func TestRoomRoundTrip(t *testing.T) {
	objs := append(tableTree(), object.New("tab-1", "chat-tab"))
	text, err := snapshot.EncodeRoom(objs)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "<room>"))

	got, err := snapshot.DecodeRoom(text)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, o := range got {
		ids = append(ids, o.Identifier)
	}
	assert.ElementsMatch(t, []string{"table-1", "terrain-1", "mark-1", "tab-1"}, ids)

	_, err = snapshot.DecodeRoom(`<piece identifier="a"/>`)
	assert.ErrorIs(t, err, snapshot.ErrMalformedSnapshot)
}

func TestTextSurvivesRoundTrip(t *testing.T) {
	for _, raw := range []string{
		"line1\nline2\r\n\ttab",
		"  padded  ",
		"dice \U0001F3B2 \u00e9",
		"",
	} {
		v := object.String(raw)
		require.NoError(t, v.Validate(), "%q", raw)
		text, err := snapshot.Encode(object.New("a", "note").With("text", v).With("k\ney", object.Ref(raw)))
		require.NoError(t, err)
		got, err := snapshot.Decode(text)
		require.NoError(t, err)
		assert.Equal(t, raw, got.Attributes["text"].Raw)
		assert.Equal(t, raw, got.Attributes["k\ney"].Raw)
	}
}

func TestTextThatCannotRoundTripIsInvalid(t *testing.T) {
	for _, raw := range []string{"a\x01b", "bad\xffutf8", "nul\x00", "\uFFFE"} {
		assert.ErrorIs(t, object.String(raw).Validate(), object.ErrInvalidText, "%q", raw)
		assert.ErrorIs(t, object.Ref(raw).Validate(), object.ErrInvalidText, "%q", raw)
	}
}

func TestNamespacedInputIsMalformed(t *testing.T) {
	for name, text := range map[string]string{
		"prefixed attribute": `<piece xmlns:foo="urn:x" identifier="a" foo:bar="1"></piece>`,
		"default namespace":  `<piece xmlns="urn:x" identifier="a"></piece>`,
		"namespaced child":   `<piece xmlns:foo="urn:x" identifier="a"><foo:extra/></piece>`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := snapshot.Decode(text)
			assert.ErrorIs(t, err, snapshot.ErrMalformedSnapshot)
		})
	}
}

func ids(objs []*object.Object) []string {
	out := make([]string, 0, len(objs))
	for _, o := range objs {
		out = append(out, o.Identifier)
	}
	return out
}

func TestEncodeRoomBreaksParentLoops(t *testing.T) {
	a := object.New("a", "piece")
	a.Parent = "b"
	b := object.New("b", "piece")
	b.Parent = "a"
	d := object.New("0-leaf", "piece")
	d.Parent = "b"
	c := object.New("c", "note")

	text, err := snapshot.EncodeRoom([]*object.Object{b, d, c, a})
	require.NoError(t, err)
	again, err := snapshot.EncodeRoom([]*object.Object{a, c, d, b})
	require.NoError(t, err)
	assert.Equal(t, text, again)

	got, err := snapshot.DecodeRoom(text)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c", "0-leaf"}, ids(got))
	parents := map[string]string{}
	for _, o := range got {
		parents[o.Identifier] = o.Parent
	}
	assert.Equal(t, map[string]string{"a": "b", "b": "a", "c": "", "0-leaf": "b"}, parents)
	// the smallest loop member is the promoted one
	assert.Contains(t, text, `<room><note identifier="c"`)
	assert.Contains(t, text, `</note><piece identifier="a" `)
}

func TestEncodeTreeKeepsLoopsUnderTheRoot(t *testing.T) {
	root := object.New("root", "deck")
	a := object.New("a", "card")
	a.Parent = "b"
	b := object.New("b", "card")
	b.Parent = "a"

	text, err := snapshot.EncodeTree([]*object.Object{root, a, b})
	require.NoError(t, err)
	got, err := snapshot.DecodeTree(text)
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "a", "b"}, ids(got))
	assert.Equal(t, "b", got[1].Parent)
}
