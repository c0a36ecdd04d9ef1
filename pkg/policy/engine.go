package policy

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/aexlabs/aex/pkg/codec"
	"github.com/aexlabs/aex/pkg/ledger"
)

// Decision is the immutable outcome of one evaluation. The decision hash
// covers the full trace so identical inputs always produce identical hashes.
type Decision struct {
	Allow        bool
	Reason       string
	Obligations  []map[string]any
	Patch        map[string]any
	DecisionHash string
	PluginTrace  []TraceEntry
}

// TraceEntry records one evaluation stage (kernel or a plugin).
type TraceEntry struct {
	Stage    string `json:"stage"`
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// PluginResult is a plugin's verdict: "allow", "deny" or "abstain", with an
// optional request patch and obligations.
type PluginResult struct {
	Decision    string
	Reason      string
	Patch       map[string]any
	Obligations []map[string]any
}

// Context is the read-only view a plugin evaluates against.
type Context struct {
	Agent       *ledger.Agent
	Request     map[string]any
	Model       string
	Endpoint    string
	ExecutionID string
}

// Plugin extends the kernel. Plugins are compiled in and registered by name;
// evaluation order is lexical by name so the trace stays deterministic.
type Plugin interface {
	Name() string
	Evaluate(ctx Context) (PluginResult, error)
}

// Engine runs the kernel followed by registered plugins with a deny-wins
// reducer.
type Engine struct {
	plugins []Plugin
}

// NewEngine creates an engine with the given plugins sorted lexically.
func NewEngine(plugins ...Plugin) *Engine {
	sorted := make([]Plugin, len(plugins))
	copy(sorted, plugins)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })
	return &Engine{plugins: sorted}
}

// EvaluateRequest runs the full pipeline. Any deny short-circuits; patches
// from allowing/abstaining plugins merge key-by-key in sorted order.
func (e *Engine) EvaluateRequest(agent *ledger.Agent, payload map[string]any, modelName, endpoint, executionID string) Decision {
	var trace []TraceEntry
	var obligations []map[string]any
	mergedPatch := map[string]any{}

	kernelOK, kernelReason := validateRequest(agent, payload, modelName)
	trace = append(trace, TraceEntry{
		Stage:    "kernel",
		Decision: allowDeny(kernelOK),
		Reason:   kernelReason,
	})
	if !kernelOK {
		return deny(kernelReason, trace, obligations, mergedPatch)
	}

	ctx := Context{
		Agent:       agent,
		Request:     payload,
		Model:       modelName,
		Endpoint:    endpoint,
		ExecutionID: executionID,
	}

	for _, plugin := range e.plugins {
		result, err := plugin.Evaluate(ctx)
		if err != nil {
			// Fail-safe: a broken plugin denies.
			reason := fmt.Sprintf("Policy plugin '%s' error", plugin.Name())
			trace = append(trace, TraceEntry{Stage: plugin.Name(), Decision: "deny", Reason: reason})
			slog.Error("Policy plugin evaluation failed", "plugin", plugin.Name(), "error", err)
			return deny(reason, trace, obligations, mergedPatch)
		}

		obligations = append(obligations, result.Obligations...)
		keys := make([]string, 0, len(result.Patch))
		for k := range result.Patch {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			mergedPatch[k] = result.Patch[k]
		}

		decision := result.Decision
		if decision == "" {
			decision = "abstain"
		}
		trace = append(trace, TraceEntry{Stage: plugin.Name(), Decision: decision, Reason: result.Reason})

		if decision == "deny" {
			reason := result.Reason
			if reason == "" {
				reason = fmt.Sprintf("Denied by plugin '%s'", plugin.Name())
			}
			return deny(reason, trace, obligations, mergedPatch)
		}
	}

	return Decision{
		Allow:        true,
		Obligations:  obligations,
		Patch:        mergedPatch,
		DecisionHash: decisionHash(trace, true, "", mergedPatch),
		PluginTrace:  trace,
	}
}

// CacheDecision is the synthetic decision attached to idempotent replays.
func CacheDecision() Decision {
	return Decision{Allow: true, DecisionHash: "cache"}
}

func deny(reason string, trace []TraceEntry, obligations []map[string]any, patch map[string]any) Decision {
	return Decision{
		Allow:        false,
		Reason:       reason,
		Obligations:  obligations,
		Patch:        patch,
		DecisionHash: decisionHash(trace, false, reason, patch),
		PluginTrace:  trace,
	}
}

func decisionHash(trace []TraceEntry, allow bool, reason string, patch map[string]any) string {
	payload := map[string]any{
		"allow":  allow,
		"reason": nilIfEmpty(reason),
		"trace":  traceAsMaps(trace),
		"patch":  patch,
	}
	canonical, err := codec.CanonicalJSON(payload)
	if err != nil {
		// The trace is built from plain maps and strings; this cannot fail
		// for well-formed plugin output.
		panic(fmt.Sprintf("policy: decision hash: %v", err))
	}
	return codec.StableHash(canonical)
}

func traceAsMaps(trace []TraceEntry) []any {
	out := make([]any, len(trace))
	for i, t := range trace {
		entry := map[string]any{
			"stage":    t.Stage,
			"decision": t.Decision,
			"reason":   nilIfEmpty(t.Reason),
		}
		out[i] = entry
	}
	return out
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func allowDeny(ok bool) string {
	if ok {
		return "allow"
	}
	return "deny"
}
