package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Resource is one stored object of a fake service.
type Resource = map[string]any

// Overlay is a copy-on-write state store. Reads fall through the mutable
// overlay to the baseline loaded from a snapshot; deletes leave a tombstone
// so the baseline itself is never modified. Reset drops every write and
// returns to the baseline.
//
// Data is keyed by resource type, then resource id.
type Overlay struct {
	mu         sync.RWMutex
	baseline   map[string]map[string]Resource
	overlay    map[string]map[string]Resource
	tombstones map[string]struct{}
	counters   map[string]int
}

// NewOverlay returns an overlay over baseline, which may be nil.
func NewOverlay(baseline map[string]map[string]Resource) *Overlay {
	if baseline == nil {
		baseline = map[string]map[string]Resource{}
	}
	return &Overlay{
		baseline:   baseline,
		overlay:    map[string]map[string]Resource{},
		tombstones: map[string]struct{}{},
		counters:   map[string]int{},
	}
}

func tombstone(typ, id string) string { return typ + ":" + id }

// NextID returns the next integer id for typ. The counter starts above the
// largest numeric id already present so baseline ids are never reused.
func (o *Overlay) NextID(typ string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.counters[typ]; !ok {
		highest := 0
		for _, layer := range []map[string]map[string]Resource{o.baseline, o.overlay} {
			for id := range layer[typ] {
				if n, err := strconv.Atoi(id); err == nil && n > highest {
					highest = n
				}
			}
		}
		o.counters[typ] = highest
	}
	o.counters[typ]++
	return o.counters[typ]
}

// Get returns a resource, or nil if it is missing or deleted. Baseline
// objects are returned as deep copies.
func (o *Overlay) Get(typ, id string) Resource {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.get(typ, id)
}

func (o *Overlay) get(typ, id string) Resource {
	if _, dead := o.tombstones[tombstone(typ, id)]; dead {
		return nil
	}
	if r, ok := o.overlay[typ][id]; ok {
		return r
	}
	if r, ok := o.baseline[typ][id]; ok {
		return deepCopy(r)
	}
	return nil
}

// Put creates or replaces a resource in the overlay.
func (o *Overlay) Put(typ, id string, r Resource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.put(typ, id, r)
}

func (o *Overlay) put(typ, id string, r Resource) {
	m, ok := o.overlay[typ]
	if !ok {
		m = map[string]Resource{}
		o.overlay[typ] = m
	}
	m[id] = r
	delete(o.tombstones, tombstone(typ, id))
}

// Delete hides a resource and reports whether it was visible.
func (o *Overlay) Delete(typ, id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	existed := o.get(typ, id) != nil
	delete(o.overlay[typ], id)
	o.tombstones[tombstone(typ, id)] = struct{}{}
	return existed
}

// List returns the live resources of typ ordered by id. A nil filter keeps
// everything.
func (o *Overlay) List(typ string, filter func(Resource) bool) []Resource {
	o.mu.RLock()
	defer o.mu.RUnlock()
	merged := map[string]Resource{}
	for id, r := range o.baseline[typ] {
		merged[id] = r
	}
	for id, r := range o.overlay[typ] {
		merged[id] = r
	}
	ids := make([]string, 0, len(merged))
	for id := range merged {
		if _, dead := o.tombstones[tombstone(typ, id)]; !dead {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]Resource, 0, len(ids))
	for _, id := range ids {
		r := merged[id]
		if _, fromOverlay := o.overlay[typ][id]; !fromOverlay {
			r = deepCopy(r)
		}
		if filter == nil || filter(r) {
			out = append(out, r)
		}
	}
	return out
}

// Count returns the number of live resources of typ.
func (o *Overlay) Count(typ string) int { return len(o.List(typ, nil)) }

// Reset implements Resetter. A soft reset returns to the baseline, a hard
// reset empties the store.
func (o *Overlay) Reset(_ context.Context, hard bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if hard {
		o.baseline = map[string]map[string]Resource{}
	}
	o.overlay = map[string]map[string]Resource{}
	o.tombstones = map[string]struct{}{}
	o.counters = map[string]int{}
	return nil
}

// Seed implements Seeder: payload maps resource type to id to object and
// is merged into the overlay. The result counts objects per type.
func (o *Overlay) Seed(_ context.Context, payload json.RawMessage) (any, error) {
	data, err := decodeTyped(payload)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	counts := map[string]int{}
	for typ, items := range data {
		for id, r := range items {
			o.put(typ, id, r)
		}
		counts[typ] = len(items)
	}
	return counts, nil
}

// Bootstrap implements Bootstrapper: the payload replaces the baseline and
// every write is discarded.
func (o *Overlay) Bootstrap(_ context.Context, payload json.RawMessage) (map[string]int, error) {
	data, err := decodeTyped(payload)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.baseline = data
	o.overlay = map[string]map[string]Resource{}
	o.tombstones = map[string]struct{}{}
	o.counters = map[string]int{}
	counts := make(map[string]int, len(data))
	for typ, items := range data {
		counts[typ] = len(items)
	}
	return counts, nil
}

// Stats describes the layers for the info endpoint.
func (o *Overlay) Stats() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	size := func(layer map[string]map[string]Resource) map[string]int {
		m := make(map[string]int, len(layer))
		for typ, items := range layer {
			m[typ] = len(items)
		}
		return m
	}
	return map[string]any{
		"baseline_types":  size(o.baseline),
		"overlay_types":   size(o.overlay),
		"tombstone_count": len(o.tombstones),
		"has_baseline":    len(o.baseline) > 0,
	}
}

// decodeTyped accepts {type: {id: object}}. Types whose value is not an
// object of objects are rejected.
func decodeTyped(payload json.RawMessage) (map[string]map[string]Resource, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	out := make(map[string]map[string]Resource, len(raw))
	for typ, v := range raw {
		var items map[string]Resource
		if err := json.Unmarshal(v, &items); err != nil {
			return nil, fmt.Errorf("resource type %q: expected an object keyed by id: %w", typ, err)
		}
		out[typ] = items
	}
	return out, nil
}

func deepCopy(r Resource) Resource {
	b, err := json.Marshal(r)
	if err != nil {
		return r
	}
	var out Resource
	if err := json.Unmarshal(b, &out); err != nil {
		return r
	}
	return out
}
