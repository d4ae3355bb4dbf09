package acqstream

import (
	"fmt"
	"strings"
	"sync"

	"github.com/norasector/acqstream/pkg/acqstream/connector"
)

// ConnectorSummary describes a registered connector for list replies.
type ConnectorSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	Kind        string `json:"kind"`
	Policy      string `json:"policy"`
	Capacity    int    `json:"capacity"`
	Active      bool   `json:"active"`
}

type connectorRegistry struct {
	mu    sync.RWMutex
	byID  map[string]connector.Registration
	order []string
}

func newConnectorRegistry() *connectorRegistry {
	return &connectorRegistry{byID: make(map[string]connector.Registration)}
}

func (r *connectorRegistry) add(reg connector.Registration) error {
	if reg.ID == "" || strings.ContainsAny(reg.ID, " \t\r\n") {
		return fmt.Errorf("invalid connector id %q", reg.ID)
	}
	if reg.Factory == nil {
		return fmt.Errorf("connector %s has no factory", reg.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[reg.ID]; ok {
		return fmt.Errorf("connector %s registered twice", reg.ID)
	}
	if reg.DisplayName == "" {
		reg.DisplayName = reg.ID
	}
	r.byID[reg.ID] = reg
	r.order = append(r.order, reg.ID)
	return nil
}

func (r *connectorRegistry) get(id string) (connector.Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[id]
	return reg, ok
}

// list returns the registrations in registration order.
func (r *connectorRegistry) list() []connector.Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]connector.Registration, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}
