// Package agent is the directory of remote agents and the HTTP transport
// used to hand them tasks.
package agent

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var ErrUnknownAgent = errors.New("unknown agent")

// Card describes one remote agent.
type Card struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	URL         string   `json:"url,omitempty"`
	Enabled     bool     `json:"enabled"`
	Skills      []string `json:"skills,omitempty"`
}

// Response is what a remote agent returns for one task.
type Response struct {
	Success bool   `json:"success"`
	Payload string `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Registry is a static, hot-swappable agent directory.
type Registry struct {
	mu    sync.RWMutex
	cards map[string]Card
}

func NewRegistry(cards []Card) *Registry {
	r := &Registry{}
	r.Apply(cards)
	return r
}

// Apply replaces the directory. Later duplicates win.
func (r *Registry) Apply(cards []Card) {
	m := make(map[string]Card, len(cards))
	for _, c := range cards {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			continue
		}
		c.Skills = append([]string(nil), c.Skills...)
		m[c.Name] = c
	}
	r.mu.Lock()
	r.cards = m
	r.mu.Unlock()
}

// ListEnabled returns enabled agents sorted by name.
func (r *Registry) ListEnabled(ctx context.Context) ([]Card, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]Card, 0, len(r.cards))
	for _, c := range r.cards {
		if c.Enabled {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Registry) Get(name string) (Card, bool) {
	r.mu.RLock()
	c, ok := r.cards[strings.TrimSpace(name)]
	r.mu.RUnlock()
	return c, ok
}
