package params

import (
	"fmt"
	"math"

	"github.com/ergashev/TeleComfy/internal/topics"
)

// merge builds the effective parameter map: topic defaults, input-dimension
// inheritance, then inline overrides with range enforcement.
//
// Width/height form a correlated pair: an out-of-range pair is scaled
// proportionally (preserving aspect ratio) to the nearest valid combination
// and snapped to the dimension step. Any other numeric parameter out of its
// range is rejected outright; there is no defined scaling relation to
// repair it with.
func merge(topic *topics.Config, inline map[string]any, in Input) (map[string]any, []string, error) {
	result := map[string]any{}
	for k, v := range topic.Defaults {
		result[k] = normalizeNumber(v)
	}

	// Dimension defaults of 0 inherit the input image's size.
	if in.InputWidth > 0 && in.InputHeight > 0 {
		if isZeroNumber(result["width"]) {
			result["width"] = int64(in.InputWidth)
		}
		if isZeroNumber(result["height"]) {
			result["height"] = int64(in.InputHeight)
		}
	}

	var warnings []string

	// Non-pair parameters: in-range passes, out-of-range rejects.
	for name, v := range inline {
		if name == "width" || name == "height" {
			continue
		}
		spec := topic.Params[name]
		if err := checkRange(name, spec, v); err != nil {
			return nil, nil, err
		}
		result[name] = v
	}

	// Width/height pair.
	w, wOK := pickNumber(inline, result, "width")
	h, hOK := pickNumber(inline, result, "height")
	switch {
	case wOK && hOK:
		nw, nh, scaled := fitPair(topic, w, h)
		if scaled {
			warnings = append(warnings, fmt.Sprintf("size adjusted to %dx%d", nw, nh))
		}
		result["width"] = nw
		result["height"] = nh
	case wOK:
		nw, adj := fitSingle(topic, "width", w)
		if adj {
			warnings = append(warnings, fmt.Sprintf("width adjusted to %d", nw))
		}
		result["width"] = nw
	case hOK:
		nh, adj := fitSingle(topic, "height", h)
		if adj {
			warnings = append(warnings, fmt.Sprintf("height adjusted to %d", nh))
		}
		result["height"] = nh
	}

	return result, warnings, nil
}

func checkRange(name string, spec topics.ParamSpec, v any) error {
	f, ok := asFloat(v)
	if !ok {
		return nil
	}
	if spec.Min != nil && f < *spec.Min {
		return &ValidationError{
			Token:  fmt.Sprintf("%s=%v", name, v),
			Reason: fmt.Sprintf("below minimum %v", *spec.Min),
		}
	}
	if spec.Max != nil && f > *spec.Max {
		return &ValidationError{
			Token:  fmt.Sprintf("%s=%v", name, v),
			Reason: fmt.Sprintf("above maximum %v", *spec.Max),
		}
	}
	return nil
}

// fitPair scales (w, h) proportionally into both ranges and snaps to the
// dimension step. Downscales win over upscales so an oversized request is
// never enlarged on the other axis.
func fitPair(topic *topics.Config, w, h float64) (int64, int64, bool) {
	cw := clampFloat(topic.Params["width"], w)
	ch := clampFloat(topic.Params["height"], h)

	scale := 1.0
	var downs, ups []float64
	if cw != w && w != 0 {
		scales := cw / w
		if scales < 1 {
			downs = append(downs, scales)
		} else {
			ups = append(ups, scales)
		}
	}
	if ch != h && h != 0 {
		scales := ch / h
		if scales < 1 {
			downs = append(downs, scales)
		} else {
			ups = append(ups, scales)
		}
	}
	switch {
	case len(downs) > 0:
		scale = downs[0]
		for _, s := range downs[1:] {
			if s < scale {
				scale = s
			}
		}
	case len(ups) > 0:
		scale = ups[0]
		for _, s := range ups[1:] {
			if s > scale {
				scale = s
			}
		}
	}

	nw := snapDimension(topic.Params["width"], w*scale)
	nh := snapDimension(topic.Params["height"], h*scale)
	return nw, nh, nw != int64(math.Round(w)) || nh != int64(math.Round(h))
}

func fitSingle(topic *topics.Config, name string, v float64) (int64, bool) {
	n := snapDimension(topic.Params[name], clampFloat(topic.Params[name], v))
	return n, n != int64(math.Round(v))
}

// snapDimension rounds to the parameter's step (DimensionStep when unset)
// without leaving the configured range.
func snapDimension(spec topics.ParamSpec, v float64) int64 {
	step := spec.Step
	if step <= 0 {
		step = DimensionStep
	}
	snapped := math.Round(v/step) * step
	if spec.Max != nil && snapped > *spec.Max {
		snapped = math.Floor(*spec.Max/step) * step
	}
	if spec.Min != nil && snapped < *spec.Min {
		snapped = math.Ceil(*spec.Min/step) * step
	}
	return int64(snapped)
}

func clampFloat(spec topics.ParamSpec, v float64) float64 {
	if spec.Min != nil && v < *spec.Min {
		v = *spec.Min
	}
	if spec.Max != nil && v > *spec.Max {
		v = *spec.Max
	}
	return v
}

func pickNumber(inline, defaults map[string]any, name string) (float64, bool) {
	if v, ok := inline[name]; ok {
		return asFloatOrZero(v), true
	}
	if v, ok := defaults[name]; ok {
		if f, isNum := asFloat(v); isNum && f > 0 {
			return f, true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	default:
		return 0, false
	}
}

func asFloatOrZero(v any) float64 {
	f, _ := asFloat(v)
	return f
}

func isZeroNumber(v any) bool {
	f, ok := asFloat(v)
	return ok && f == 0
}

// normalizeNumber converts JSON-decoded numbers into the store's canonical
// forms: integral float64 becomes int64, everything else stays.
func normalizeNumber(v any) any {
	f, ok := v.(float64)
	if !ok {
		return v
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return v
}
