package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Doc is a replicated notebook structure: an ordered cell list plus a
// notebook metadata map. All mutation goes through Transact or
// ApplyUpdate; both commit atomically with respect to observers.
//
// Observer and update callbacks are invoked outside the state lock, in
// commit order. They must not mutate the document synchronously; hand
// off to another goroutine instead.

type register struct {
	value any
	ts    uint64
	site  string
}

func (self *register) wins(ts uint64, site string) bool {
	if self.ts != ts {
		return self.ts > ts
	}
	return self.site > site
}

type element struct {
	id      OpID
	pos     position
	deleted bool
	content map[string]*register
	meta    map[string]*register
}

type Doc struct {
	site string

	stateMu sync.Mutex
	// held across commit emission so batches reach callbacks in commit order
	emitMu sync.Mutex

	clock    uint64
	elements []*element
	elemByID map[OpID]*element
	meta     map[string]*register

	// per-site op history ordered by seq (seq == index + 1)
	log     map[string][]op
	applied StateVector
	pending []op

	nextCallbackID    int
	updateCallbacks   map[int]func(update []byte, origin string)
	observerCallbacks map[int]func(batch DeltaBatch)
}

func NewDoc(site string) *Doc {
	return &Doc{
		site:              site,
		elemByID:          map[OpID]*element{},
		meta:              map[string]*register{},
		log:               map[string][]op{},
		applied:           StateVector{},
		updateCallbacks:   map[int]func(update []byte, origin string){},
		observerCallbacks: map[int]func(batch DeltaBatch){},
	}
}

func (self *Doc) Site() string {
	return self.site
}

// OnUpdate subscribes to encoded updates produced by local transactions.
// Returns an unsubscribe function.
func (self *Doc) OnUpdate(callback func(update []byte, origin string)) func() {
	self.stateMu.Lock()
	defer self.stateMu.Unlock()
	id := self.nextCallbackID
	self.nextCallbackID += 1
	self.updateCallbacks[id] = callback
	return func() {
		self.stateMu.Lock()
		defer self.stateMu.Unlock()
		delete(self.updateCallbacks, id)
	}
}

// Observe subscribes to delta batches for all committed changes, local
// and remote. Returns an unsubscribe function.
func (self *Doc) Observe(callback func(batch DeltaBatch)) func() {
	self.stateMu.Lock()
	defer self.stateMu.Unlock()
	id := self.nextCallbackID
	self.nextCallbackID += 1
	self.observerCallbacks[id] = callback
	return func() {
		self.stateMu.Lock()
		defer self.stateMu.Unlock()
		delete(self.observerCallbacks, id)
	}
}

// Transact runs fn against the document under the state lock. If fn
// returns nil and produced ops, one encoded update and one delta batch
// are emitted, both tagged with origin. If fn returns an error every op
// it committed is rolled back, so a failed transaction leaves no local
// state a peer would never hear about.
func (self *Doc) Transact(origin string, fn func(tx *Tx) error) error {
	self.stateMu.Lock()
	tx := &Tx{doc: self, origin: origin}
	err := fn(tx)
	if err != nil {
		tx.rollbackLocked()
		self.stateMu.Unlock()
		return err
	}
	if len(tx.ops) == 0 {
		self.stateMu.Unlock()
		return nil
	}

	update, encErr := encodeOps(tx.ops)
	self.emitLocked(update, DeltaBatch{Origin: origin, Deltas: tx.deltas})
	return encErr
}

// emitLocked is called with stateMu held and releases it. emitMu is
// taken before stateMu is released so concurrent commits emit in commit
// order.
func (self *Doc) emitLocked(update []byte, batch DeltaBatch) {
	updateCallbacks := make([]func(update []byte, origin string), 0, len(self.updateCallbacks))
	for _, id := range sortedKeys(self.updateCallbacks) {
		updateCallbacks = append(updateCallbacks, self.updateCallbacks[id])
	}
	observerCallbacks := make([]func(batch DeltaBatch), 0, len(self.observerCallbacks))
	for _, id := range sortedKeys(self.observerCallbacks) {
		observerCallbacks = append(observerCallbacks, self.observerCallbacks[id])
	}

	self.emitMu.Lock()
	self.stateMu.Unlock()
	defer self.emitMu.Unlock()

	if update != nil {
		for _, callback := range updateCallbacks {
			callback(update, batch.Origin)
		}
	}
	if 0 < len(batch.Deltas) {
		for _, callback := range observerCallbacks {
			callback(batch)
		}
	}
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// StateVector returns the encoded summary of everything this replica has
// contiguously applied.
func (self *Doc) StateVector() []byte {
	self.stateMu.Lock()
	defer self.stateMu.Unlock()
	return encodeStateVector(self.applied.clone())
}

// DiffUpdate returns an update carrying every op the remote state vector
// does not cover.
func (self *Doc) DiffUpdate(remoteStateVector []byte) ([]byte, error) {
	sv, err := decodeStateVector(remoteStateVector)
	if err != nil {
		return nil, err
	}

	self.stateMu.Lock()
	sites := make([]string, 0, len(self.log))
	for site := range self.log {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	ops := []op{}
	for _, site := range sites {
		siteLog := self.log[site]
		for i := sv[site]; i < uint64(len(siteLog)); i += 1 {
			ops = append(ops, siteLog[i])
		}
	}
	self.stateMu.Unlock()

	return encodeOps(ops)
}

// ApplyUpdate merges a remote update. Applying is idempotent; ops whose
// per-site predecessors or target cells have not arrived yet are held
// back until a later update unblocks them. The resulting delta batch is
// tagged with origin.
func (self *Doc) ApplyUpdate(update []byte, origin string) error {
	ops, err := decodeOps(update)
	if err != nil {
		return err
	}

	self.stateMu.Lock()

	queue := append(self.pending, ops...)
	self.pending = nil
	deltas := []Delta{}

	progress := true
	for progress {
		progress = false
		remaining := make([]op, 0, len(queue))
		for _, o := range queue {
			if self.applied[o.id.Site] >= o.id.Seq {
				// duplicate
				continue
			}
			if o.id.Seq != self.applied[o.id.Site]+1 || !self.depSatisfiedLocked(o) {
				remaining = append(remaining, o)
				continue
			}
			delta, changed := self.applyOpLocked(o)
			self.applied[o.id.Site] = o.id.Seq
			self.log[o.id.Site] = append(self.log[o.id.Site], o)
			self.clock = max(self.clock, o.ts)
			if changed {
				deltas = append(deltas, delta)
			}
			progress = true
		}
		queue = remaining
	}
	self.pending = queue

	self.emitLocked(nil, DeltaBatch{Origin: origin, Deltas: deltas})
	return nil
}

func (self *Doc) depSatisfiedLocked(o op) bool {
	switch o.kind {
	case opCellRemove, opCellSet, opCellMetaSet:
		_, ok := self.elemByID[o.elem]
		return ok
	}
	return true
}

// applyOpLocked mutates document state for one op and reports the delta,
// if the op changed anything. Bookkeeping (applied, log, clock) is the
// caller's.
func (self *Doc) applyOpLocked(o op) (Delta, bool) {
	switch o.kind {
	case opCellInsert:
		if _, ok := self.elemByID[o.id]; ok {
			return nil, false
		}
		cell, _ := o.value.(map[string]any)
		elem := &element{
			id:      o.id,
			pos:     o.pos,
			content: map[string]*register{},
			meta:    map[string]*register{},
		}
		for key, value := range cell {
			if key == "metadata" {
				metaMap, _ := value.(map[string]any)
				for metaKey, metaValue := range metaMap {
					elem.meta[metaKey] = &register{value: metaValue, ts: o.ts, site: o.id.Site}
				}
				continue
			}
			elem.content[key] = &register{value: value, ts: o.ts, site: o.id.Site}
		}
		index := sort.Search(len(self.elements), func(i int) bool {
			return 0 < self.elements[i].pos.compare(o.pos)
		})
		self.elements = append(self.elements, nil)
		copy(self.elements[index+1:], self.elements[index:])
		self.elements[index] = elem
		self.elemByID[o.id] = elem
		return ListDelta{
			Action: ActionAdd,
			Index:  self.visibleIndexLocked(elem),
			Elem:   elem.id,
			Cell:   cellSnapshot(elem),
		}, true

	case opCellRemove:
		elem := self.elemByID[o.elem]
		if elem == nil || elem.deleted {
			return nil, false
		}
		index := self.visibleIndexLocked(elem)
		elem.deleted = true
		return ListDelta{
			Action: ActionDelete,
			Index:  index,
			Elem:   elem.id,
			Cell:   cellSnapshot(elem),
		}, true

	case opCellSet, opCellMetaSet:
		elem := self.elemByID[o.elem]
		if elem == nil {
			return nil, false
		}
		target := elem.content
		if o.kind == opCellMetaSet {
			target = elem.meta
		}
		reg, existed := target[o.key]
		if existed && reg.wins(o.ts, o.id.Site) {
			return nil, false
		}
		var old any
		action := ActionAdd
		if existed {
			old = reg.value
			action = ActionUpdate
		}
		target[o.key] = &register{value: o.value, ts: o.ts, site: o.id.Site}
		if o.kind == opCellMetaSet {
			return NestedMapKeyChange{
				Action:   action,
				Elem:     elem.id,
				CellID:   elemCellID(elem),
				Index:    self.visibleIndexLocked(elem),
				Key:      o.key,
				Old:      old,
				New:      o.value,
				Metadata: metaSnapshot(elem),
			}, true
		}
		return MapKeyChange{
			Action: action,
			Elem:   elem.id,
			CellID: elemCellID(elem),
			Index:  self.visibleIndexLocked(elem),
			Key:    o.key,
			Old:    old,
			New:    o.value,
		}, true

	case opMetaSet:
		reg, existed := self.meta[o.key]
		if existed && reg.wins(o.ts, o.id.Site) {
			return nil, false
		}
		var old any
		action := ActionAdd
		if existed {
			old = reg.value
			action = ActionUpdate
		}
		self.meta[o.key] = &register{value: o.value, ts: o.ts, site: o.id.Site}
		return MapKeyChange{
			Action: action,
			CellID: "",
			Index:  -1,
			Key:    o.key,
			Old:    old,
			New:    o.value,
		}, true
	}
	return nil, false
}

// undoForLocked captures the inverse of one op against the current
// state, before the op is applied. Clock advances are not undone; only
// monotonicity matters there.
func (self *Doc) undoForLocked(o op) func() {
	switch o.kind {
	case opCellInsert:
		id := o.id
		return func() {
			elem, ok := self.elemByID[id]
			if !ok {
				return
			}
			delete(self.elemByID, id)
			for i, e := range self.elements {
				if e == elem {
					self.elements = append(self.elements[:i], self.elements[i+1:]...)
					break
				}
			}
		}

	case opCellRemove:
		elem := self.elemByID[o.elem]
		if elem == nil {
			return func() {}
		}
		wasDeleted := elem.deleted
		return func() {
			elem.deleted = wasDeleted
		}

	case opCellSet, opCellMetaSet:
		elem := self.elemByID[o.elem]
		if elem == nil {
			return func() {}
		}
		target := elem.content
		if o.kind == opCellMetaSet {
			target = elem.meta
		}
		key := o.key
		prev, existed := target[key]
		return func() {
			if existed {
				target[key] = prev
			} else {
				delete(target, key)
			}
		}

	case opMetaSet:
		key := o.key
		prev, existed := self.meta[key]
		return func() {
			if existed {
				self.meta[key] = prev
			} else {
				delete(self.meta, key)
			}
		}
	}
	return func() {}
}

func (self *Doc) visibleIndexLocked(target *element) int {
	index := 0
	for _, elem := range self.elements {
		if elem == target {
			return index
		}
		if !elem.deleted {
			index += 1
		}
	}
	return -1
}

func (self *Doc) visibleElementLocked(index int) (*element, int) {
	visible := 0
	for fullIndex, elem := range self.elements {
		if elem.deleted {
			continue
		}
		if visible == index {
			return elem, fullIndex
		}
		visible += 1
	}
	return nil, -1
}

func (self *Doc) visibleCountLocked() int {
	count := 0
	for _, elem := range self.elements {
		if !elem.deleted {
			count += 1
		}
	}
	return count
}

func elemCellID(elem *element) string {
	if reg, ok := elem.content["id"]; ok {
		if id, ok := reg.value.(string); ok {
			return id
		}
	}
	return ""
}

func cellSnapshot(elem *element) map[string]any {
	out := map[string]any{}
	for key, reg := range elem.content {
		out[key] = cloneValue(reg.value)
	}
	out["metadata"] = metaSnapshot(elem)
	return out
}

func metaSnapshot(elem *element) map[string]any {
	out := map[string]any{}
	for key, reg := range elem.meta {
		out[key] = cloneValue(reg.value)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, entry := range v {
			out[key] = cloneValue(entry)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, entry := range v {
			out[i] = cloneValue(entry)
		}
		return out
	default:
		return v
	}
}

// normalizeValue forces values through a json round trip so every
// replica stores the same representation regardless of the Go types the
// caller used.
func normalizeValue(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("value not representable: %w", err)
	}
	var out any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CellCount returns the number of visible cells.
func (self *Doc) CellCount() int {
	self.stateMu.Lock()
	defer self.stateMu.Unlock()
	return self.visibleCountLocked()
}

// Cells returns snapshots of all visible cells in order.
func (self *Doc) Cells() []map[string]any {
	self.stateMu.Lock()
	defer self.stateMu.Unlock()
	out := []map[string]any{}
	for _, elem := range self.elements {
		if elem.deleted {
			continue
		}
		out = append(out, cellSnapshot(elem))
	}
	return out
}

// Meta returns a snapshot of the notebook metadata map.
func (self *Doc) Meta() map[string]any {
	self.stateMu.Lock()
	defer self.stateMu.Unlock()
	out := map[string]any{}
	for key, reg := range self.meta {
		out[key] = cloneValue(reg.value)
	}
	return out
}
