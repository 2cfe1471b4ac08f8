package comfy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
	"resty.dev/v3"

	"github.com/ergashev/TeleComfy/internal/config"
	"github.com/ergashev/TeleComfy/internal/topics"
	"github.com/ergashev/TeleComfy/internal/transport"
	logx "github.com/ergashev/TeleComfy/pkg/logx"
)

// Client talks to a ComfyUI-compatible backend over its HTTP API.
// One Client serves all workers; resty's client is safe for concurrent use.
type Client struct {
	http    *resty.Client
	baseURL string
	// clientID identifies this process in /prompt submissions so the
	// backend can attribute queue entries to us.
	clientID string
	log      logx.Logger

	// probeTimeout bounds the synchronous probes a Watch call makes
	// before its polling goroutine takes over.
	probeTimeout time.Duration

	// uploads caches input-image uploads by content hash. Regenerations
	// and repeated album submissions skip the re-upload.
	uploads *cache.Cache
}

func New(cfg config.ComfyConfig, probeTimeout time.Duration, log logx.Logger) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	c := resty.New().
		SetBaseURL(base).
		SetTimeout(60 * time.Second)
	if cfg.APIKey != "" {
		c.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	if probeTimeout <= 0 {
		probeTimeout = 60 * time.Second
	}
	return &Client{
		http:         c,
		baseURL:      base,
		clientID:     uuid.NewString(),
		log:          log.With(logx.String("component", "comfy")),
		probeTimeout: probeTimeout,
		uploads:      cache.New(time.Hour, 10*time.Minute),
	}
}

func (c *Client) Close() error { return c.http.Close() }

// Verify probes the backend once. Used at startup so a misconfigured
// base URL fails fast instead of on the first submission.
func (c *Client) Verify(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/system_stats")
	if err != nil {
		return &BackendError{Op: "verify", Message: err.Error(), Transient: true, Cause: err}
	}
	if resp.StatusCode() != 200 {
		return &BackendError{Op: "verify", Status: resp.StatusCode(), Message: snippet(resp.String()), Transient: resp.StatusCode() >= 500}
	}
	return nil
}

type promptResponse struct {
	PromptID   string         `json:"prompt_id"`
	NodeErrors map[string]any `json:"node_errors"`
}

// Submit enqueues a prepared workflow and returns the backend prompt ID.
func (c *Client) Submit(ctx context.Context, workflow map[string]topics.WorkflowNode) (string, error) {
	var out promptResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"prompt": workflow, "client_id": c.clientID}).
		SetResult(&out).
		Post("/prompt")
	if err != nil {
		return "", &BackendError{Op: "submit", Message: err.Error(), Transient: true, Cause: err}
	}
	if resp.StatusCode() != 200 {
		return "", &BackendError{
			Op:        "submit",
			Status:    resp.StatusCode(),
			Message:   snippet(resp.String()),
			Transient: transientStatus(resp.StatusCode()),
		}
	}
	if out.PromptID == "" {
		return "", &ProtocolError{Op: "submit", Detail: "missing prompt_id"}
	}
	if len(out.NodeErrors) > 0 {
		return "", &BackendError{Op: "submit", Message: fmt.Sprintf("node errors: %v", out.NodeErrors)}
	}
	return out.PromptID, nil
}

// Cancel aborts a prompt: interrupt if running, delete from the queue if
// still pending. Best effort; the worst case is a wasted generation.
func (c *Client) Cancel(ctx context.Context, promptID string) {
	if _, err := c.http.R().SetContext(ctx).Post("/interrupt"); err != nil {
		c.log.Warn("interrupt failed", logx.String("prompt", promptID), logx.Err(err))
	}
	_, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"delete": []string{promptID}}).
		Post("/queue")
	if err != nil {
		c.log.Warn("queue delete failed", logx.String("prompt", promptID), logx.Err(err))
	}
}

type fileRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type nodeOutput struct {
	Images []fileRef `json:"images"`
	Gifs   []fileRef `json:"gifs"`
	Videos []fileRef `json:"videos"`
	Audio  []fileRef `json:"audio"`
}

type historyEntry struct {
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
	Outputs map[string]nodeOutput `json:"outputs"`
}

// History fetches the finished-prompt record. ok is false while the
// prompt has not completed yet.
func (c *Client) History(ctx context.Context, promptID string) (media []transport.Media, ok bool, err error) {
	var out map[string]historyEntry
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/history/" + url.PathEscape(promptID))
	if err != nil {
		return nil, false, &BackendError{Op: "history", Message: err.Error(), Transient: true, Cause: err}
	}
	if resp.StatusCode() != 200 {
		return nil, false, &BackendError{Op: "history", Status: resp.StatusCode(), Message: snippet(resp.String()), Transient: transientStatus(resp.StatusCode())}
	}
	entry, found := out[promptID]
	if !found {
		return nil, false, nil
	}
	if !entry.Status.Completed {
		return nil, false, nil
	}
	if entry.Status.StatusStr == "error" {
		return nil, false, &BackendError{Op: "history", Message: "prompt finished with error status"}
	}
	return c.collectMedia(entry.Outputs), true, nil
}

// collectMedia flattens node outputs into an ordered media list.
// Node order is made deterministic by sorting node IDs; preview ("temp")
// files are skipped.
func (c *Client) collectMedia(outputs map[string]nodeOutput) []transport.Media {
	nodeIDs := make([]string, 0, len(outputs))
	for id := range outputs {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	var media []transport.Media
	for _, id := range nodeIDs {
		out := outputs[id]
		for _, f := range out.Images {
			media = appendFile(media, f, transport.MediaImage, c.baseURL)
		}
		for _, f := range out.Gifs {
			media = appendFile(media, f, transport.MediaVideo, c.baseURL)
		}
		for _, f := range out.Videos {
			media = appendFile(media, f, transport.MediaVideo, c.baseURL)
		}
		for _, f := range out.Audio {
			media = appendFile(media, f, transport.MediaAudio, c.baseURL)
		}
	}
	return media
}

func appendFile(media []transport.Media, f fileRef, kind transport.MediaKind, base string) []transport.Media {
	if f.Type != "" && f.Type != "output" {
		return media
	}
	q := url.Values{}
	q.Set("filename", f.Filename)
	q.Set("subfolder", f.Subfolder)
	q.Set("type", "output")
	return append(media, transport.Media{
		Kind:     kind,
		URL:      base + "/view?" + q.Encode(),
		Filename: f.Filename,
		Mime:     guessMime(f.Filename, kind),
	})
}

func guessMime(filename string, kind transport.MediaKind) string {
	name := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(name, ".png"):
		return "image/png"
	case strings.HasSuffix(name, ".jpg"), strings.HasSuffix(name, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(name, ".webp"):
		return "image/webp"
	case strings.HasSuffix(name, ".gif"):
		return "image/gif"
	case strings.HasSuffix(name, ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(name, ".webm"):
		return "video/webm"
	case strings.HasSuffix(name, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(name, ".wav"):
		return "audio/wav"
	case strings.HasSuffix(name, ".flac"):
		return "audio/flac"
	}
	switch kind {
	case transport.MediaVideo:
		return "video/mp4"
	case transport.MediaAudio:
		return "audio/mpeg"
	default:
		return "image/png"
	}
}

type queueState struct {
	Running []json.RawMessage `json:"queue_running"`
	Pending []json.RawMessage `json:"queue_pending"`
}

// QueuePosition locates a prompt in the backend queue.
// position is 0 when running, 1-based among pending, -1 when absent.
func (c *Client) QueuePosition(ctx context.Context, promptID string) (int, error) {
	var out queueState
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/queue")
	if err != nil {
		return -1, &BackendError{Op: "queue", Message: err.Error(), Transient: true, Cause: err}
	}
	if resp.StatusCode() != 200 {
		return -1, &BackendError{Op: "queue", Status: resp.StatusCode(), Message: snippet(resp.String()), Transient: transientStatus(resp.StatusCode())}
	}
	for _, raw := range out.Running {
		if entryPromptID(raw) == promptID {
			return 0, nil
		}
	}
	for i, raw := range out.Pending {
		if entryPromptID(raw) == promptID {
			return i + 1, nil
		}
	}
	return -1, nil
}

// entryPromptID extracts the prompt ID from a queue entry, which the
// backend encodes as [number, prompt_id, prompt, extra, outputs].
func entryPromptID(raw json.RawMessage) string {
	var entry []json.RawMessage
	if err := json.Unmarshal(raw, &entry); err != nil || len(entry) < 2 {
		return ""
	}
	var id string
	if err := json.Unmarshal(entry[1], &id); err != nil {
		return ""
	}
	return id
}

type uploadResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
}

// UploadInput uploads an input image and returns the backend-side name to
// reference in workflow nodes. Identical content is uploaded once per
// cache window.
func (c *Client) UploadInput(ctx context.Context, filename string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	if name, found := c.uploads.Get(key); found {
		return name.(string), nil
	}

	var out uploadResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("image", filename, bytes.NewReader(data)).
		SetFormData(map[string]string{"overwrite": "true"}).
		SetResult(&out).
		Post("/upload/image")
	if err != nil {
		return "", &BackendError{Op: "upload", Message: err.Error(), Transient: true, Cause: err}
	}
	if resp.StatusCode() != 200 {
		return "", &BackendError{Op: "upload", Status: resp.StatusCode(), Message: snippet(resp.String()), Transient: transientStatus(resp.StatusCode())}
	}
	if out.Name == "" {
		return "", &ProtocolError{Op: "upload", Detail: "missing name"}
	}
	name := out.Name
	if out.Subfolder != "" {
		name = out.Subfolder + "/" + out.Name
	}
	c.uploads.SetDefault(key, name)
	return name, nil
}

func transientStatus(code int) bool {
	return code >= 500 || code == 429
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
