package topics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "github.com/ergashev/TeleComfy/pkg/logx"
)

func writeTopic(t *testing.T, workdir, alias string, meta, nodes, workflow any) {
	t.Helper()
	dir := filepath.Join(workdir, alias)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, v := range map[string]any{"meta.json": meta, "nodes.json": nodes, "workflow.json": workflow} {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), b, 0o644))
	}
}

func fluxMeta() map[string]any {
	return map[string]any{
		"title":     "Flux",
		"thread_id": 42,
		"modality":  "text",
		"params": map[string]any{
			"Width": map[string]any{"type": "int", "min": 64.0, "max": 2048.0},
			"seed":  map[string]any{"type": "int"},
		},
		"defaults": map[string]any{"Width": 1024},
	}
}

func fluxNodes() map[string]any {
	return map[string]any{
		"nodes": []map[string]any{
			{"type": "prompt", "node_ids": []string{"1"}, "key": "text"},
			{"type": "width", "node_ids": []string{"2"}, "key": "width"},
		},
		"defaults": map[string]any{"steps": 20},
	}
}

func fluxWorkflow() map[string]any {
	return map[string]any{
		"1": map[string]any{"class_type": "CLIPTextEncode", "inputs": map[string]any{"text": ""}},
		"2": map[string]any{"class_type": "EmptyLatentImage", "inputs": map[string]any{"width": 512}},
	}
}

func TestScanLoadsTopics(t *testing.T) {
	workdir := t.TempDir()
	writeTopic(t, workdir, "flux", fluxMeta(), fluxNodes(), fluxWorkflow())

	r := NewRepository(workdir, logx.Nop())
	n, err := r.Scan()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cfg, err := r.ByAlias("flux")
	require.NoError(t, err)
	assert.Equal(t, "Flux", cfg.Title)
	assert.Equal(t, ModalityText, cfg.Modality)

	// Param names are case-insensitive on load.
	_, ok := cfg.Params["width"]
	assert.True(t, ok)

	// nodes.json defaults merge under meta.json defaults.
	assert.Equal(t, float64(1024), toFloat(t, cfg.Defaults["width"]))
	assert.Equal(t, float64(20), toFloat(t, cfg.Defaults["steps"]))

	byThread, err := r.ByThread(42)
	require.NoError(t, err)
	assert.Equal(t, cfg.Alias, byThread.Alias)

	_, err = r.ByThread(999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func toFloat(t *testing.T, v any) float64 {
	t.Helper()
	f, ok := v.(float64)
	require.True(t, ok, "expected float64, got %T", v)
	return f
}

func TestScanSkipsBrokenTopic(t *testing.T) {
	workdir := t.TempDir()
	writeTopic(t, workdir, "good", fluxMeta(), fluxNodes(), fluxWorkflow())

	// References a node that is not in the workflow.
	badNodes := map[string]any{
		"nodes": []map[string]any{{"type": "prompt", "node_ids": []string{"99"}, "key": "text"}},
	}
	meta := fluxMeta()
	meta["thread_id"] = 43
	writeTopic(t, workdir, "broken", meta, badNodes, fluxWorkflow())

	r := NewRepository(workdir, logx.Nop())
	n, err := r.Scan()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = r.ByAlias("broken")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScanRejectsDuplicateThread(t *testing.T) {
	workdir := t.TempDir()
	writeTopic(t, workdir, "alpha", fluxMeta(), fluxNodes(), fluxWorkflow())
	writeTopic(t, workdir, "beta", fluxMeta(), fluxNodes(), fluxWorkflow())

	r := NewRepository(workdir, logx.Nop())
	n, err := r.Scan()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Both aliases load, but only one owns the thread.
	bound, err := r.ByThread(42)
	require.NoError(t, err)
	assert.Contains(t, []string{"alpha", "beta"}, bound.Alias)
}

func TestScanRejectsUnknownModality(t *testing.T) {
	workdir := t.TempDir()
	meta := fluxMeta()
	meta["modality"] = "hologram"
	writeTopic(t, workdir, "weird", meta, fluxNodes(), fluxWorkflow())

	r := NewRepository(workdir, logx.Nop())
	n, err := r.Scan()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAttachmentBounds(t *testing.T) {
	t.Parallel()
	cases := []struct {
		cfg      Config
		min, max int
	}{
		{Config{Modality: ModalityText}, 0, 0},
		{Config{Modality: ModalityImage}, 1, 1},
		{Config{Modality: ModalityAlbum}, 1, 10},
		{Config{Modality: ModalityVideo, MinAttachments: 0, MaxAttachments: 2}, 0, 2},
	}
	for _, c := range cases {
		min, max := c.cfg.AttachmentBounds()
		assert.Equal(t, c.min, min)
		assert.Equal(t, c.max, max)
	}
}
