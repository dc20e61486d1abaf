package provider

import (
	"fmt"

	"github.com/jw6ventures/calsync/internal/store"
)

// Registry maps provider identifiers to their clients. Populated once at
// startup, read-only afterwards.
type Registry struct {
	clients map[store.Provider]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[store.Provider]Client)}
}

func (r *Registry) Register(p store.Provider, c Client) {
	r.clients[p] = c
}

func (r *Registry) Get(p store.Provider) (Client, error) {
	c, ok := r.clients[p]
	if !ok {
		return nil, fmt.Errorf("no client registered for provider %q", p)
	}
	return c, nil
}
