package sdk

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverlayReadsFallThrough(t *testing.T) {
	o := NewOverlay(map[string]map[string]Resource{
		"issues": {"1": {"title": "base"}, "2": {"title": "keep"}},
	})

	got := o.Get("issues", "1")
	got["title"] = "mutated"
	assert.Equal(t, "base", o.Get("issues", "1")["title"], "baseline must not be mutated through Get")

	o.Put("issues", "1", Resource{"title": "edited"})
	assert.Equal(t, "edited", o.Get("issues", "1")["title"])

	assert.True(t, o.Delete("issues", "2"))
	assert.False(t, o.Delete("issues", "2"))
	assert.Nil(t, o.Get("issues", "2"))

	titles := []any{}
	for _, r := range o.List("issues", nil) {
		titles = append(titles, r["title"])
	}
	assert.Equal(t, []any{"edited"}, titles)

	require.NoError(t, o.Reset(context.Background(), false))
	assert.Equal(t, 2, o.Count("issues"))
	assert.Equal(t, "base", o.Get("issues", "1")["title"])
}

func TestOverlayNextIDSkipsBaseline(t *testing.T) {
	o := NewOverlay(map[string]map[string]Resource{
		"issues": {"41": {}, "abc": {}},
	})
	assert.Equal(t, 42, o.NextID("issues"))
	assert.Equal(t, 43, o.NextID("issues"))
	assert.Equal(t, 1, o.NextID("comments"))

	require.NoError(t, o.Reset(context.Background(), true))
	assert.Equal(t, 1, o.NextID("issues"))
}

func TestOverlayListFilter(t *testing.T) {
	o := NewOverlay(nil)
	seeded, err := o.Seed(context.Background(), json.RawMessage(`{"users":{"1":{"admin":true},"2":{"admin":false},"3":{"admin":true}}}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"users": 3}, seeded)

	admins := o.List("users", func(r Resource) bool { return r["admin"] == true })
	assert.Len(t, admins, 2)
}

func TestOverlaySeedRejectsShape(t *testing.T) {
	o := NewOverlay(nil)
	_, err := o.Seed(context.Background(), json.RawMessage(`[]`))
	assert.Error(t, err)
	_, err = o.Seed(context.Background(), json.RawMessage(`{"users":"x"}`))
	assert.Error(t, err)
}
