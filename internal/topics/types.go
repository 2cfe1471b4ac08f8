package topics

// Modality tags what a topic generates and what inputs it requires.
// It governs the required attachment arity and which parameters apply.
type Modality string

const (
	ModalityText  Modality = "text"  // text prompt only, no attachments
	ModalityImage Modality = "image" // exactly one input image
	ModalityAlbum Modality = "album" // 1..10 input images
	ModalityVideo Modality = "video" // per-topic attachment bounds
	ModalityAudio Modality = "audio" // per-topic attachment bounds
)

type ParamType string

const (
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamString ParamType = "string"
	ParamEnum   ParamType = "enum"
)

// ParamSpec describes one allowed inline parameter of a topic.
//
// Min/Max bound numeric values. For width/height the two specs form a
// correlated pair: out-of-range values are proportionally scaled rather
// than clamped independently (see internal/params).
type ParamSpec struct {
	Type    ParamType `json:"type"`
	Min     *float64  `json:"min,omitempty"`
	Max     *float64  `json:"max,omitempty"`
	Step    float64   `json:"step,omitempty"`
	Default any       `json:"default,omitempty"`
	Enum    []string  `json:"enum,omitempty"`
}

// NodeRule binds a parameter (or the prompt) to workflow node inputs.
//
// Recognized types: "prompt", "negative_prompt", "input_image",
// "input_images", "text" (with Param), "text:<param>", or any scalar
// parameter name ("width", "seed", "steps", ...).
type NodeRule struct {
	Type    string   `json:"type"`
	NodeIDs []string `json:"node_ids"`
	Key     string   `json:"key"`
	Param   string   `json:"param,omitempty"`
}

// WorkflowNode is one node of the backend workflow graph.
type WorkflowNode struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Config is a fully loaded topic: alias, thread binding, allowed
// parameters, defaults, and the workflow the backend will run.
// Read-only to the core.
type Config struct {
	Alias       string
	Title       string
	Description string

	// ThreadID is the forum thread this topic is bound to.
	ThreadID int

	Modality Modality

	// MinAttachments/MaxAttachments are only meaningful for video/audio
	// topics; image and album arities are fixed by the modality.
	MinAttachments int
	MaxAttachments int

	// Params is the allowed inline parameter set.
	Params map[string]ParamSpec

	// Defaults merged from nodes.json defaults then meta.json defaults
	// (meta wins). Width/height defaults of 0 inherit input dimensions.
	Defaults map[string]any

	// ConcurrencyLimit overrides the global per-topic limit when > 0.
	ConcurrencyLimit int

	Workflow map[string]WorkflowNode
	Nodes    []NodeRule
}

// AttachmentBounds returns the required attachment arity for the topic.
func (c *Config) AttachmentBounds() (min, max int) {
	switch c.Modality {
	case ModalityText:
		return 0, 0
	case ModalityImage:
		return 1, 1
	case ModalityAlbum:
		return 1, 10
	default:
		return c.MinAttachments, c.MaxAttachments
	}
}

type metaFile struct {
	Title            string               `json:"title,omitempty"`
	Description      string               `json:"description,omitempty"`
	ThreadID         int                  `json:"thread_id"`
	Modality         string               `json:"modality,omitempty"`
	MinAttachments   int                  `json:"min_attachments,omitempty"`
	MaxAttachments   int                  `json:"max_attachments,omitempty"`
	Params           map[string]ParamSpec `json:"params,omitempty"`
	Defaults         map[string]any       `json:"defaults,omitempty"`
	ConcurrencyLimit int                  `json:"concurrency_limit,omitempty"`
}

type nodesFile struct {
	Nodes    []NodeRule     `json:"nodes"`
	Defaults map[string]any `json:"defaults,omitempty"`
}
