package comfy

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ergashev/TeleComfy/internal/topics"
)

// BuildPayload instantiates a topic's workflow graph with the task's
// prompt, validated parameters and uploaded input names.
//
// Node rules drive the substitution. Image rules with no remaining input
// prune their nodes instead of leaving a dangling reference, which is how
// optional secondary inputs are expressed. A seed rule with no explicit
// seed value gets a fresh random one per call, so regenerations differ.
func BuildPayload(tc *topics.Config, prompt string, params map[string]any, inputs []string) (map[string]topics.WorkflowNode, error) {
	wf := copyWorkflow(tc.Workflow)
	nextInput := 0
	var pruned map[string]struct{}

	for _, rule := range tc.Nodes {
		switch kind, param := ruleKind(rule); kind {
		case "prompt":
			setInputs(wf, rule, prompt)

		case "negative_prompt":
			name := param
			if name == "" {
				name = "negative"
			}
			setInputs(wf, rule, stringParam(params, name))

		case "text":
			if param == "" {
				return nil, fmt.Errorf("text rule without a parameter name")
			}
			setInputs(wf, rule, stringParam(params, param))

		case "input_image", "input_images":
			for _, nodeID := range rule.NodeIDs {
				if nextInput >= len(inputs) {
					if _, ok := wf[nodeID]; ok {
						delete(wf, nodeID)
						if pruned == nil {
							pruned = map[string]struct{}{}
						}
						pruned[nodeID] = struct{}{}
					}
					continue
				}
				node, ok := wf[nodeID]
				if !ok {
					continue
				}
				node.Inputs[rule.Key] = inputs[nextInput]
				wf[nodeID] = node
				nextInput++
			}

		default:
			name := param
			if name == "" {
				name = kind
			}
			val, ok := params[name]
			if !ok {
				if name == "seed" {
					val = randomSeed()
				} else {
					continue
				}
			}
			setInputs(wf, rule, val)
		}
	}
	unlinkPruned(wf, pruned)
	return wf, nil
}

// unlinkPruned drops edges into pruned nodes from the surviving graph.
// A workflow edge is a [node_id, output_index] pair; one left pointing at
// a deleted node makes the backend reject the whole prompt.
func unlinkPruned(wf map[string]topics.WorkflowNode, pruned map[string]struct{}) {
	if len(pruned) == 0 {
		return
	}
	for _, node := range wf {
		for key, v := range node.Inputs {
			edge, ok := v.([]any)
			if !ok || len(edge) == 0 {
				continue
			}
			ref, ok := edge[0].(string)
			if !ok {
				continue
			}
			if _, gone := pruned[ref]; gone {
				delete(node.Inputs, key)
			}
		}
	}
}

// ruleKind splits a rule type like "text:style" into kind and parameter.
func ruleKind(rule topics.NodeRule) (kind, param string) {
	kind = rule.Type
	param = rule.Param
	if k, p, found := strings.Cut(rule.Type, ":"); found {
		kind = k
		if param == "" {
			param = p
		}
	}
	return kind, param
}

func setInputs(wf map[string]topics.WorkflowNode, rule topics.NodeRule, val any) {
	for _, nodeID := range rule.NodeIDs {
		node, ok := wf[nodeID]
		if !ok {
			continue
		}
		node.Inputs[rule.Key] = val
		wf[nodeID] = node
	}
}

func stringParam(params map[string]any, name string) string {
	if v, ok := params[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

// copyWorkflow deep-copies the graph so substitutions never leak into the
// shared topic config.
func copyWorkflow(src map[string]topics.WorkflowNode) map[string]topics.WorkflowNode {
	dst := make(map[string]topics.WorkflowNode, len(src))
	for id, node := range src {
		inputs := make(map[string]any, len(node.Inputs))
		for k, v := range node.Inputs {
			inputs[k] = copyValue(v)
		}
		dst[id] = topics.WorkflowNode{ClassType: node.ClassType, Inputs: inputs}
	}
	return dst
}

func copyValue(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

// randomSeed returns a random 48-bit seed, matching the value range the
// sampler nodes accept.
func randomSeed() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return int64(binary.BigEndian.Uint64(b[:]) & ((1 << 48) - 1))
}
