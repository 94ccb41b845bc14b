package data

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kilianp07/ems/core/timeutil"
)

// Router dispatches each label to the provider registered for it. The table
// is built once while the system is assembled.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Provider
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]Provider)}
}

// Route binds labels to p. Binding a label twice is an error.
func (r *Router) Route(p Provider, labels ...string) error {
	if p == nil {
		return fmt.Errorf("nil provider for labels %v", labels)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range labels {
		if _, ok := r.routes[l]; ok {
			return fmt.Errorf("label %s already routed", l)
		}
	}
	for _, l := range labels {
		r.routes[l] = p
	}
	return nil
}

// Labels returns the routed labels in sorted order.
func (r *Router) Labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for l := range r.routes {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func (r *Router) provider(label string) (Provider, error) {
	r.mu.RLock()
	p, ok := r.routes[label]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown label %s", ErrDataAccess, label)
	}
	return p, nil
}

// Series groups labels per provider and merges the returned columns. All
// providers must answer on the same index.
func (r *Router) Series(ctx context.Context, labels []string, iv timeutil.Interval) (Table, error) {
	groups := make(map[Provider][]string)
	var order []Provider
	for _, l := range labels {
		p, err := r.provider(l)
		if err != nil {
			return Table{}, err
		}
		if _, seen := groups[p]; !seen {
			order = append(order, p)
		}
		groups[p] = append(groups[p], l)
	}
	out := NewTable(nil)
	for i, p := range order {
		tbl, err := p.Series(ctx, groups[p], iv)
		if err != nil {
			return Table{}, err
		}
		if i == 0 {
			out.Index = tbl.Index
		} else if !sameIndex(out.Index, tbl.Index) {
			return Table{}, fmt.Errorf("%w: providers returned misaligned indexes for %v", ErrDataAccess, groups[p])
		}
		for k, v := range tbl.Columns {
			out.Columns[k] = v
		}
	}
	return out, nil
}

// Point forwards to the provider routed for label.
func (r *Router) Point(ctx context.Context, label string) (float64, error) {
	p, err := r.provider(label)
	if err != nil {
		return 0, err
	}
	return p.Point(ctx, label)
}

func sameIndex(a, b []time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
