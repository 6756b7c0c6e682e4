package swarm

import (
	"encoding/json"
	"fmt"

	"go.starlark.net/starlark"

	"jobmon/internal/logging"
)

var scaleLog = logging.Named("swarm/resourcescale")

// ResourceScaleStrategy is one entry of a Task's resource_scales map: how a
// single resource key should be adjusted the next time the task is
// resubmitted after ADJUSTING_RESOURCES. It mirrors the three shapes spec.md
// §9 describes for resource_scales — a numeric bump, an iterator of values,
// or a callable over the current value — discriminated by which field is
// set in the decoded JSON.
type ResourceScaleStrategy struct {
	// Bump is added to the current numeric value.
	Bump *float64 `json:"bump,omitempty"`
	// Values is a fixed iterator: each ADJUSTING_RESOURCES pass advances to
	// the next entry, clamping at the last once exhausted.
	Values []float64 `json:"values,omitempty"`
	// Callable is a Starlark expression evaluated with `current` bound to
	// the resource's present value; it must evaluate to a number.
	Callable string `json:"callable,omitempty"`
}

// Next returns the value this strategy produces given the current value and
// how many times it has already been applied (0 on the first call).
func (s ResourceScaleStrategy) Next(current float64, timesApplied int) (float64, error) {
	switch {
	case s.Bump != nil:
		return current + *s.Bump, nil
	case len(s.Values) > 0:
		idx := timesApplied
		if idx >= len(s.Values) {
			idx = len(s.Values) - 1
		}
		return s.Values[idx], nil
	case s.Callable != "":
		return evalStarlarkResourceCallable(s.Callable, current)
	default:
		return current, fmt.Errorf("resource scale strategy has no bump, values, or callable set")
	}
}

// Validate rejects strategies that cannot possibly yield a numeric value,
// per spec.md §9: "Iterators that are not numeric-yielding must be rejected
// during resume reconstruction." Values are checked eagerly; a Callable's
// numeric-ness can only be confirmed by evaluating it, which Next already
// enforces on every application.
func (s ResourceScaleStrategy) Validate() error {
	set := 0
	if s.Bump != nil {
		set++
	}
	if len(s.Values) > 0 {
		set++
	}
	if s.Callable != "" {
		set++
	}
	if set == 0 {
		return fmt.Errorf("resource scale strategy must set exactly one of bump, values, callable")
	}
	if set > 1 {
		return fmt.Errorf("resource scale strategy must set exactly one of bump, values, callable, got %d", set)
	}
	return nil
}

// evalStarlarkResourceCallable runs a user-supplied Starlark expression in a
// sandbox exposing only `current`, with no builtins beyond the language's
// own numeric operators — the safe analogue of the original's arbitrary
// Python callable over the resource's present value.
func evalStarlarkResourceCallable(expr string, current float64) (float64, error) {
	thread := &starlark.Thread{Name: "resource-scale"}
	globals := starlark.StringDict{
		"current": starlark.Float(current),
	}
	result, err := starlark.Eval(thread, "resource_scale.star", expr, globals)
	if err != nil {
		return 0, fmt.Errorf("evaluate resource scale callable: %w", err)
	}
	switch v := result.(type) {
	case starlark.Float:
		return float64(v), nil
	case starlark.Int:
		return float64(v.Float()), nil
	default:
		return 0, fmt.Errorf("resource scale callable must return a number, got %s", result.Type())
	}
}

// ApplyResourceScales decodes a Task's resource_scales JSON (a
// map[string]ResourceScaleStrategy) and the current requested_resources
// JSON (a map[string]float64, spec.md's "opaque JSON blob" narrowed to the
// numeric subset resource_scales actually adjusts), and returns the new
// requested_resources JSON to bind for the next TaskInstance. Keys present
// in requestedResourcesJSON but absent from resourceScalesJSON pass through
// unchanged; timesApplied lets an iterator-valued strategy advance.
func ApplyResourceScales(resourceScalesJSON, requestedResourcesJSON string, timesApplied int) (string, error) {
	if resourceScalesJSON == "" {
		return requestedResourcesJSON, nil
	}

	var scales map[string]ResourceScaleStrategy
	if err := json.Unmarshal([]byte(resourceScalesJSON), &scales); err != nil {
		return "", fmt.Errorf("decode resource_scales: %w", err)
	}

	var current map[string]float64
	if err := json.Unmarshal([]byte(requestedResourcesJSON), &current); err != nil {
		return "", fmt.Errorf("decode requested_resources: %w", err)
	}
	if current == nil {
		current = map[string]float64{}
	}

	for key, strategy := range scales {
		if err := strategy.Validate(); err != nil {
			return "", fmt.Errorf("resource_scales[%q]: %w", key, err)
		}
		next, err := strategy.Next(current[key], timesApplied)
		if err != nil {
			return "", fmt.Errorf("resource_scales[%q]: %w", key, err)
		}
		scaleLog.Debug("scaling resource %q from %v to %v (attempt %d)", key, current[key], next, timesApplied+1)
		current[key] = next
	}

	out, err := json.Marshal(current)
	if err != nil {
		return "", fmt.Errorf("encode adjusted requested_resources: %w", err)
	}
	return string(out), nil
}

// ValidateResourceScales is the resume-reconstruction gate spec.md §9
// describes: a builder rejects a task whose resource_scales cannot possibly
// produce a numeric value, rather than deferring the failure to the first
// ADJUSTING_RESOURCES pass.
func ValidateResourceScales(resourceScalesJSON string) error {
	if resourceScalesJSON == "" {
		return nil
	}
	var scales map[string]ResourceScaleStrategy
	if err := json.Unmarshal([]byte(resourceScalesJSON), &scales); err != nil {
		return fmt.Errorf("decode resource_scales: %w", err)
	}
	for key, strategy := range scales {
		if err := strategy.Validate(); err != nil {
			return fmt.Errorf("resource_scales[%q]: %w", key, err)
		}
	}
	return nil
}
