package router

import (
	"testing"

	"github.com/yansir/cc-router/internal/config"
)

func TestSelectKeyEmpty(t *testing.T) {
	if k := SelectKey(&config.Provider{}); k != "" {
		t.Fatalf("key = %q, want empty", k)
	}
}

func TestSelectKeySingle(t *testing.T) {
	p := &config.Provider{APIKey: "only"}
	for i := 0; i < 10; i++ {
		if k := SelectKey(p); k != "only" {
			t.Fatalf("key = %q", k)
		}
	}
}

func TestSelectKeyUniformCoversAll(t *testing.T) {
	p := &config.Provider{APIKeys: "k1; k2 ;k3"}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		seen[SelectKey(p)] = true
	}
	for _, want := range []string{"k1", "k2", "k3"} {
		if !seen[want] {
			t.Fatalf("key %q never selected across 200 trials", want)
		}
	}
	if len(seen) != 3 {
		t.Fatalf("unexpected keys selected: %v", seen)
	}
}

func TestSelectKeyWeighted(t *testing.T) {
	p := &config.Provider{
		APIKeys:    "heavy;zero;light",
		KeyWeights: []float64{9, 0, 1},
	}
	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		counts[SelectKey(p)]++
	}
	if counts["zero"] != 0 {
		t.Fatalf("zero-weight key selected %d times", counts["zero"])
	}
	if counts["heavy"] <= counts["light"] {
		t.Fatalf("weights ignored: heavy=%d light=%d", counts["heavy"], counts["light"])
	}
	if counts["light"] == 0 {
		t.Fatal("positive-weight key never selected")
	}
}

func TestSelectKeyWeightMismatchFallsBackToUniform(t *testing.T) {
	p := &config.Provider{APIKeys: "a;b", KeyWeights: []float64{1}}
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		seen[SelectKey(p)] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("uniform fallback missing keys: %v", seen)
	}
}

func TestPickAlternative(t *testing.T) {
	if got := PickAlternative("openrouter,claude-sonnet-4"); got != "openrouter,claude-sonnet-4" {
		t.Fatalf("single target = %q", got)
	}
	if got := PickAlternative("deepseek,chat;"); got != "deepseek,chat;" {
		t.Fatalf("trailing separator lost: %q", got)
	}
	if got := PickAlternative(" padded,target "); got != " padded,target " {
		t.Fatalf("single target trimmed: %q", got)
	}

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		seen[PickAlternative("a,m1; b,m2 ;c,m3")] = true
	}
	for _, want := range []string{"a,m1", "b,m2", "c,m3"} {
		if !seen[want] {
			t.Fatalf("alternative %q never picked: %v", want, seen)
		}
	}
}
