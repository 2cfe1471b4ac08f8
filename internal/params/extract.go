package params

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ergashev/TeleComfy/internal/topics"
)

// DimensionStep is the granularity width/height are snapped to after
// proportional scaling. Latent-space models want multiples of 8; topics
// can override per-parameter via ParamSpec.Step.
const DimensionStep = 8

// Input is a raw submission before validation.
type Input struct {
	Text string

	// AttachmentCount is the number of media items attached.
	AttachmentCount int

	// InputWidth/InputHeight are the dimensions of the first attached
	// image, when known. Topic defaults of 0 inherit them.
	InputWidth  int
	InputHeight int
}

// Result is a validated submission.
type Result struct {
	// Params holds typed values: int64, float64 or string.
	Params map[string]any
	// Inline names the parameters the user supplied in the message, as
	// opposed to values filled in from topic defaults.
	Inline []string
	// Prompt is the derived free-text prompt (leftover message text).
	Prompt string
	// Warnings describe adjustments that were applied (e.g. scaling).
	Warnings []string
}

// scalarToken matches one name=value token. Values may be quoted to carry
// spaces; otherwise they run to the next whitespace.
var scalarToken = regexp.MustCompile(`(?i)\b([a-z][a-z0-9_]*)\s*=\s*("[^"]*"|'[^']*'|\S+)`)

var (
	intToken   = regexp.MustCompile(`[-+]?\d+`)
	floatToken = regexp.MustCompile(`[-+]?\d+(?:[.,]\d+)?`)
	spaceRuns  = regexp.MustCompile(`\s{2,}`)
)

// Extract parses and validates a submission against the topic's allowed
// parameter set.
//
// Grammar: scalar name=value tokens separated by whitespace; one free-text
// field per string-typed parameter may be supplied quoted (name="..."),
// fenced (name``` ... ```), or trailing (name: rest of message). When more
// than one form is present for the same parameter, precedence is
// quoted > fenced > trailing. Text not claimed by any form becomes the
// implicit prompt.
//
// Unknown parameter names are rejected (reject-on-unknown): a typo that
// silently became prompt text would burn a generation on a wrong request.
func Extract(topic *topics.Config, in Input) (*Result, error) {
	if err := checkArity(topic, in.AttachmentCount); err != nil {
		return nil, err
	}

	allowed := make(map[string]struct{}, len(topic.Params))
	for name := range topic.Params {
		allowed[name] = struct{}{}
	}

	working := in.Text
	inline := map[string]any{}
	var warnings []string

	// Free-text forms, collected per parameter with their precedence rank.
	// Quoted forms are discovered during the scalar scan below.
	freeText := map[string]freeTextValue{}

	for name, spec := range topic.Params {
		if spec.Type != topics.ParamString {
			continue
		}
		working = extractFenced(working, name, freeText)
	}
	for name, spec := range topic.Params {
		if spec.Type != topics.ParamString {
			continue
		}
		working = extractTrailing(working, name, freeText)
	}

	// Scalar name=value tokens.
	matches := scalarToken.FindAllStringSubmatchIndex(working, -1)
	for _, m := range matches {
		token := working[m[0]:m[1]]
		name := strings.ToLower(working[m[2]:m[3]])
		rawVal := working[m[4]:m[5]]

		spec, ok := topic.Params[name]
		if !ok {
			return nil, unknownParam(token, allowed)
		}

		quoted := false
		if len(rawVal) >= 2 && (rawVal[0] == '"' || rawVal[0] == '\'') {
			quoted = true
			rawVal = rawVal[1 : len(rawVal)-1]
		}

		if spec.Type == topics.ParamString && quoted {
			// Quoted free-text form: highest precedence.
			if prev, dup := freeText[name]; !dup || rankQuoted < prev.rank {
				freeText[name] = freeTextValue{value: rawVal, rank: rankQuoted}
			}
			continue
		}

		val, err := parseScalar(name, spec, token, rawVal)
		if err != nil {
			return nil, err
		}
		inline[name] = val
	}
	working = scalarToken.ReplaceAllString(working, "")

	for name, ft := range freeText {
		inline[name] = ft.value
	}

	prompt := strings.TrimSpace(spaceRuns.ReplaceAllString(working, " "))

	merged, warns, err := merge(topic, inline, in)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, warns...)

	supplied := make([]string, 0, len(inline))
	for name := range inline {
		supplied = append(supplied, name)
	}
	sort.Strings(supplied)

	return &Result{Params: merged, Inline: supplied, Prompt: prompt, Warnings: warnings}, nil
}

func checkArity(topic *topics.Config, n int) error {
	min, max := topic.AttachmentBounds()
	if n >= min && n <= max {
		return nil
	}
	reason := fmt.Sprintf("topic %s expects between %d and %d attachments, got %d", topic.Alias, min, max, n)
	if min == max {
		reason = fmt.Sprintf("topic %s expects exactly %d attachments, got %d", topic.Alias, min, n)
	}
	return &ValidationError{Token: "attachments", Reason: reason}
}

type freeTextValue struct {
	value string
	rank  int
}

// Free-text form precedence: lower rank wins.
const (
	rankQuoted = iota
	rankFenced
	rankTrailing
)

func extractFenced(working, name string, out map[string]freeTextValue) string {
	re := regexp.MustCompile(`(?is)\b` + regexp.QuoteMeta(name) + "\\s*```(.*?)```")
	loc := re.FindStringSubmatchIndex(working)
	if loc == nil {
		return working
	}
	val := strings.TrimSpace(working[loc[2]:loc[3]])
	if prev, dup := out[name]; !dup || rankFenced < prev.rank {
		out[name] = freeTextValue{value: val, rank: rankFenced}
	}
	return working[:loc[0]] + working[loc[1]:]
}

func extractTrailing(working, name string, out map[string]freeTextValue) string {
	re := regexp.MustCompile(`(?is)\b` + regexp.QuoteMeta(name) + `\s*:\s*(.+)$`)
	loc := re.FindStringSubmatchIndex(working)
	if loc == nil {
		return working
	}
	val := strings.TrimSpace(working[loc[2]:loc[3]])
	if prev, dup := out[name]; !dup || rankTrailing < prev.rank {
		out[name] = freeTextValue{value: val, rank: rankTrailing}
	}
	return working[:loc[0]]
}

// parseScalar converts a raw token value to its typed form. Range checks
// happen later in merge(), where defaults and the width/height pair are
// known.
func parseScalar(name string, spec topics.ParamSpec, token, raw string) (any, error) {
	switch spec.Type {
	case topics.ParamInt:
		m := intToken.FindString(raw)
		if m == "" {
			return nil, &ValidationError{Token: token, Reason: "expected an integer"}
		}
		var v int64
		if _, err := fmt.Sscan(m, &v); err != nil {
			return nil, &ValidationError{Token: token, Reason: "expected an integer"}
		}
		return v, nil
	case topics.ParamFloat:
		m := floatToken.FindString(raw)
		if m == "" {
			return nil, &ValidationError{Token: token, Reason: "expected a number"}
		}
		var v float64
		if _, err := fmt.Sscan(strings.ReplaceAll(m, ",", "."), &v); err != nil {
			return nil, &ValidationError{Token: token, Reason: "expected a number"}
		}
		return v, nil
	case topics.ParamEnum:
		for _, e := range spec.Enum {
			if strings.EqualFold(raw, e) {
				return e, nil
			}
		}
		return nil, &ValidationError{Token: token, Reason: fmt.Sprintf("must be one of: %s", strings.Join(spec.Enum, ", "))}
	case topics.ParamString:
		return raw, nil
	default:
		return nil, &ValidationError{Token: token, Reason: fmt.Sprintf("unsupported parameter type %q", spec.Type)}
	}
}
