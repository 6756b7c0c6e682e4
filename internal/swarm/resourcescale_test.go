package swarm

import (
	"encoding/json"
	"testing"
)

func TestResourceScaleStrategyNextBump(t *testing.T) {
	bump := 2.0
	s := ResourceScaleStrategy{Bump: &bump}

	next, err := s.Next(10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != 12 {
		t.Fatalf("expected 12, got %v", next)
	}
}

func TestResourceScaleStrategyNextValuesAdvancesAndClamps(t *testing.T) {
	s := ResourceScaleStrategy{Values: []float64{4, 8, 16}}

	cases := []struct {
		timesApplied int
		want         float64
	}{
		{0, 4},
		{1, 8},
		{2, 16},
		{5, 16}, // clamps at the last entry once exhausted
	}
	for _, tc := range cases {
		got, err := s.Next(1, tc.timesApplied)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != tc.want {
			t.Fatalf("timesApplied=%d: want %v, got %v", tc.timesApplied, tc.want, got)
		}
	}
}

func TestResourceScaleStrategyNextCallable(t *testing.T) {
	s := ResourceScaleStrategy{Callable: "current * 2"}

	next, err := s.Next(5, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != 10 {
		t.Fatalf("expected 10, got %v", next)
	}
}

func TestResourceScaleStrategyNextCallableInteger(t *testing.T) {
	// A callable that ignores current and returns a pure int literal
	// exercises the starlark.Int result branch, not just starlark.Float.
	s := ResourceScaleStrategy{Callable: "16"}

	next, err := s.Next(3, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != 16 {
		t.Fatalf("expected 16, got %v", next)
	}
}

func TestResourceScaleStrategyNextCallableNonNumeric(t *testing.T) {
	s := ResourceScaleStrategy{Callable: `"not a number"`}

	if _, err := s.Next(1, 0); err == nil {
		t.Fatalf("expected error for non-numeric callable result")
	}
}

func TestResourceScaleStrategyValidateRejectsZeroOrMultiple(t *testing.T) {
	bump := 1.0

	cases := []struct {
		name string
		s    ResourceScaleStrategy
		ok   bool
	}{
		{"none set", ResourceScaleStrategy{}, false},
		{"only bump", ResourceScaleStrategy{Bump: &bump}, true},
		{"only values", ResourceScaleStrategy{Values: []float64{1}}, true},
		{"only callable", ResourceScaleStrategy{Callable: "current"}, true},
		{"bump and values", ResourceScaleStrategy{Bump: &bump, Values: []float64{1}}, false},
		{"all three", ResourceScaleStrategy{Bump: &bump, Values: []float64{1}, Callable: "current"}, false},
	}
	for _, tc := range cases {
		err := tc.s.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: expected no error, got %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected an error, got none", tc.name)
		}
	}
}

func TestApplyResourceScalesBumpsNamedKeyAndPassesOthersThrough(t *testing.T) {
	scales := `{"memory_gb": {"bump": 4}}`
	requested := `{"memory_gb": 8, "cores": 2}`

	out, err := ApplyResourceScales(scales, requested, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out == "" {
		t.Fatalf("expected non-empty output")
	}

	var decoded map[string]float64
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if decoded["memory_gb"] != 12 {
		t.Fatalf("expected memory_gb=12, got %v", decoded["memory_gb"])
	}
	if decoded["cores"] != 2 {
		t.Fatalf("expected cores to pass through unchanged at 2, got %v", decoded["cores"])
	}
}

func TestApplyResourceScalesEmptyScalesIsPassthrough(t *testing.T) {
	requested := `{"memory_gb": 8}`
	out, err := ApplyResourceScales("", requested, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != requested {
		t.Fatalf("expected passthrough of %q, got %q", requested, out)
	}
}

func TestValidateResourceScalesRejectsBadStrategy(t *testing.T) {
	if err := ValidateResourceScales(`{"memory_gb": {}}`); err == nil {
		t.Fatalf("expected error for a strategy with no bump/values/callable set")
	}
	if err := ValidateResourceScales(`{"memory_gb": {"bump": 1}}`); err != nil {
		t.Fatalf("unexpected error for a valid strategy: %v", err)
	}
	if err := ValidateResourceScales(""); err != nil {
		t.Fatalf("unexpected error for empty resource_scales: %v", err)
	}
}

