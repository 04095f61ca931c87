// Package useragent chooses the User-Agent header sent with each search request.
package useragent

import (
	"math/rand/v2"
	"strings"
	"sync"
)

// DefaultUserAgent is sent when nothing else is configured.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Picker returns either a fixed agent or a random one from a list.
type Picker struct {
	mu       sync.Mutex
	agents   []string
	fallback string
	random   bool
	rng      *rand.Rand
}

// New builds a Picker. With random set and a non-empty agents list each call
// to Next draws uniformly from agents; otherwise Next returns defaultUA.
func New(agents []string, defaultUA string, random bool) *Picker {
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // header rotation only
	return newPicker(agents, defaultUA, random, rng)
}

func newPicker(agents []string, defaultUA string, random bool, rng *rand.Rand) *Picker {
	cleaned := make([]string, 0, len(agents))
	for _, a := range agents {
		if a = strings.TrimSpace(a); a != "" {
			cleaned = append(cleaned, a)
		}
	}
	defaultUA = strings.TrimSpace(defaultUA)
	if defaultUA == "" {
		defaultUA = DefaultUserAgent
	}
	return &Picker{agents: cleaned, fallback: defaultUA, random: random, rng: rng}
}

// Next returns the agent for the next request.
func (p *Picker) Next() string {
	if !p.random || len(p.agents) == 0 {
		return p.fallback
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agents[p.rng.IntN(len(p.agents))]
}
