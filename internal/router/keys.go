package router

import (
	"math/rand"
	"strings"

	"github.com/yansir/cc-router/internal/config"
)

// SelectKey picks an API key for the provider. With key_weights matching
// the key list and summing to a positive total the pick is
// weight-proportional, otherwise uniform. Returns "" when the provider
// declares no keys.
func SelectKey(p *config.Provider) string {
	keys := p.Keys()
	switch len(keys) {
	case 0:
		return ""
	case 1:
		return keys[0]
	}

	if len(p.KeyWeights) == len(keys) {
		total := 0.0
		for _, w := range p.KeyWeights {
			if w > 0 {
				total += w
			}
		}
		if total > 0 {
			r := rand.Float64() * total
			for i, w := range p.KeyWeights {
				if w <= 0 {
					continue
				}
				r -= w
				if r < 0 {
					return keys[i]
				}
			}
			return keys[len(keys)-1]
		}
	}
	return keys[rand.Intn(len(keys))]
}

// PickAlternative resolves a ";"-separated list of route targets to one
// target, uniformly at random. A split with fewer than two usable
// entries returns the input unchanged, trailing separator and all.
func PickAlternative(target string) string {
	alts := splitAlternatives(target)
	if len(alts) < 2 {
		return target
	}
	return alts[rand.Intn(len(alts))]
}

func splitAlternatives(target string) []string {
	parts := strings.Split(target, ";")
	alts := make([]string, 0, len(parts))
	for _, part := range parts {
		if s := strings.TrimSpace(part); s != "" {
			alts = append(alts, s)
		}
	}
	return alts
}
