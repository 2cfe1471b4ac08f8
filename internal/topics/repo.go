package topics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "github.com/ergashev/TeleComfy/pkg/logx"
)

var ErrNotFound = errors.New("topic not found")

// Repository scans a workdir with one directory per topic:
//
//	<workdir>/<alias>/meta.json      - title, thread binding, params, defaults
//	<workdir>/<alias>/workflow.json  - backend node graph
//	<workdir>/<alias>/nodes.json     - parameter -> node bindings
//
// A bad topic directory is skipped with an error log; it never takes the
// repository down. Watch() reloads on file changes (debounced).
type Repository struct {
	workdir string
	log     logx.Logger

	mu       sync.RWMutex
	byAlias  map[string]*Config
	byThread map[int]*Config
}

func NewRepository(workdir string, log logx.Logger) *Repository {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Repository{
		workdir:  workdir,
		log:      log,
		byAlias:  map[string]*Config{},
		byThread: map[int]*Config{},
	}
}

// Scan (re)loads every topic directory. Returns the number of topics loaded.
func (r *Repository) Scan() (int, error) {
	entries, err := os.ReadDir(r.workdir)
	if err != nil {
		return 0, fmt.Errorf("topics workdir: %w", err)
	}

	byAlias := map[string]*Config{}
	byThread := map[int]*Config{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		alias := e.Name()
		cfg, err := r.loadTopic(alias, filepath.Join(r.workdir, alias))
		if err != nil {
			r.log.Error("bad topic directory", logx.String("alias", alias), logx.Err(err))
			continue
		}
		byAlias[alias] = cfg
		if cfg.ThreadID != 0 {
			if prev, dup := byThread[cfg.ThreadID]; dup {
				r.log.Warn("duplicate thread binding", logx.String("alias", alias), logx.String("conflicts_with", prev.Alias), logx.Int("thread_id", cfg.ThreadID))
				continue
			}
			byThread[cfg.ThreadID] = cfg
		}
	}

	r.mu.Lock()
	r.byAlias = byAlias
	r.byThread = byThread
	r.mu.Unlock()
	return len(byAlias), nil
}

func (r *Repository) loadTopic(alias, dir string) (*Config, error) {
	var meta metaFile
	if err := readJSON(filepath.Join(dir, "meta.json"), &meta); err != nil {
		return nil, err
	}
	var nodes nodesFile
	if err := readJSON(filepath.Join(dir, "nodes.json"), &nodes); err != nil {
		return nil, err
	}
	var workflow map[string]WorkflowNode
	if err := readJSON(filepath.Join(dir, "workflow.json"), &workflow); err != nil {
		return nil, err
	}

	// Every node rule must reference nodes present in the workflow.
	for _, rule := range nodes.Nodes {
		for _, nid := range rule.NodeIDs {
			n, ok := workflow[nid]
			if !ok {
				return nil, fmt.Errorf("nodes.json references node %s absent in workflow.json", nid)
			}
			if n.Inputs == nil {
				return nil, fmt.Errorf("workflow node %s has no inputs", nid)
			}
		}
	}

	modality := Modality(strings.ToLower(strings.TrimSpace(meta.Modality)))
	switch modality {
	case "":
		modality = ModalityText
	case ModalityText, ModalityImage, ModalityAlbum, ModalityVideo, ModalityAudio:
	default:
		return nil, fmt.Errorf("unknown modality %q", meta.Modality)
	}

	title := meta.Title
	if title == "" {
		title = alias
	}

	// Defaults: nodes.json first, meta.json wins on conflicts.
	defaults := map[string]any{}
	for k, v := range nodes.Defaults {
		defaults[strings.ToLower(k)] = v
	}
	for k, v := range meta.Defaults {
		defaults[strings.ToLower(k)] = v
	}

	params := map[string]ParamSpec{}
	for k, v := range meta.Params {
		params[strings.ToLower(k)] = v
	}

	return &Config{
		Alias:            alias,
		Title:            title,
		Description:      meta.Description,
		ThreadID:         meta.ThreadID,
		Modality:         modality,
		MinAttachments:   meta.MinAttachments,
		MaxAttachments:   meta.MaxAttachments,
		Params:           params,
		Defaults:         defaults,
		ConcurrencyLimit: meta.ConcurrencyLimit,
		Workflow:         workflow,
		Nodes:            nodes.Nodes,
	}, nil
}

func (r *Repository) ByAlias(alias string) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.byAlias[alias]; ok {
		return c, nil
	}
	return nil, ErrNotFound
}

func (r *Repository) ByThread(threadID int) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.byThread[threadID]; ok {
		return c, nil
	}
	return nil, ErrNotFound
}

func (r *Repository) Aliases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byAlias))
	for a := range r.byAlias {
		out = append(out, a)
	}
	return out
}

// Watch rescans the workdir when topic files change. Events are debounced:
// editors and deploy scripts typically emit bursts of writes.
func (r *Repository) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(r.workdir); err != nil {
		return err
	}
	// Watch one level of topic subdirectories too.
	if entries, err := os.ReadDir(r.workdir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = w.Add(filepath.Join(r.workdir, e.Name()))
			}
		}
	}

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	debounced := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// New topic dirs need their own watch.
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = w.Add(ev.Name)
				}
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(500*time.Millisecond, func() {
				select {
				case debounced <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("topics watcher error", logx.Err(err))
		case <-debounced:
			n, err := r.Scan()
			if err != nil {
				r.log.Error("topics rescan failed", logx.Err(err))
				continue
			}
			r.log.Info("topics reloaded", logx.Int("topics", n))
		}
	}
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}
