package crdt

import (
	"fmt"
)

// Tx is the mutation surface handed to Transact callbacks. Reads see the
// transaction's own writes. A Tx is only valid for the duration of the
// callback.
type Tx struct {
	doc    *Doc
	origin string
	ops    []op
	deltas []Delta
	undos  []func()
}

func (self *Tx) commitOp(o op) {
	doc := self.doc
	doc.clock += 1
	o.ts = doc.clock
	o.id = OpID{Site: doc.site, Seq: doc.applied[doc.site] + 1}
	self.undos = append(self.undos, doc.undoForLocked(o))
	delta, changed := doc.applyOpLocked(o)
	doc.applied[doc.site] = o.id.Seq
	doc.log[doc.site] = append(doc.log[doc.site], o)
	self.ops = append(self.ops, o)
	if changed {
		self.deltas = append(self.deltas, delta)
	}
}

// rollbackLocked reverses every committed op, newest first, and retracts
// the ops from the site log and the state vector so the site's next
// transaction reuses the sequence numbers.
func (self *Tx) rollbackLocked() {
	if len(self.ops) == 0 {
		return
	}
	doc := self.doc
	for i := len(self.undos) - 1; 0 <= i; i -= 1 {
		self.undos[i]()
	}
	siteLog := doc.log[doc.site]
	doc.log[doc.site] = siteLog[:len(siteLog)-len(self.ops)]
	doc.applied[doc.site] -= uint64(len(self.ops))
	self.ops = nil
	self.deltas = nil
	self.undos = nil
}

func (self *Tx) CellCount() int {
	return self.doc.visibleCountLocked()
}

func (self *Tx) Cell(index int) (map[string]any, error) {
	elem, _ := self.doc.visibleElementLocked(index)
	if elem == nil {
		return nil, fmt.Errorf("cell index %d out of range", index)
	}
	return cellSnapshot(elem), nil
}

// CellIndexByID returns the visible index of the cell whose "id" field
// matches, or -1.
func (self *Tx) CellIndexByID(cellID string) int {
	index := 0
	for _, elem := range self.doc.elements {
		if elem.deleted {
			continue
		}
		if elemCellID(elem) == cellID {
			return index
		}
		index += 1
	}
	return -1
}

// InsertCell inserts a cell at the visible index. The map must carry the
// cell's "id"; "metadata" splits into per-key registers so concurrent
// metadata writes merge by key.
func (self *Tx) InsertCell(index int, cell map[string]any) error {
	doc := self.doc
	count := doc.visibleCountLocked()
	if index < 0 || count < index {
		return fmt.Errorf("cell index %d out of range", index)
	}

	normalized, err := normalizeValue(cell)
	if err != nil {
		return err
	}

	var p, q position
	if index == count {
		if 0 < len(doc.elements) {
			p = doc.elements[len(doc.elements)-1].pos
		}
	} else {
		_, fullIndex := doc.visibleElementLocked(index)
		q = doc.elements[fullIndex].pos
		if 0 < fullIndex {
			p = doc.elements[fullIndex-1].pos
		}
	}

	self.commitOp(op{
		kind:  opCellInsert,
		pos:   positionBetween(p, q, doc.site).clone(),
		value: normalized,
	})
	return nil
}

func (self *Tx) RemoveCell(index int) (map[string]any, error) {
	elem, _ := self.doc.visibleElementLocked(index)
	if elem == nil {
		return nil, fmt.Errorf("cell index %d out of range", index)
	}
	removed := cellSnapshot(elem)
	self.commitOp(op{
		kind: opCellRemove,
		elem: elem.id,
	})
	return removed, nil
}

func (self *Tx) CellKey(index int, key string) (any, bool) {
	elem, _ := self.doc.visibleElementLocked(index)
	if elem == nil {
		return nil, false
	}
	reg, ok := elem.content[key]
	if !ok {
		return nil, false
	}
	return cloneValue(reg.value), true
}

func (self *Tx) SetCellKey(index int, key string, value any) error {
	elem, _ := self.doc.visibleElementLocked(index)
	if elem == nil {
		return fmt.Errorf("cell index %d out of range", index)
	}
	if key == "metadata" {
		// replace the whole metadata map key by key
		metaMap, _ := value.(map[string]any)
		for metaKey, metaValue := range metaMap {
			if err := self.SetCellMetaKey(index, metaKey, metaValue); err != nil {
				return err
			}
		}
		return nil
	}
	normalized, err := normalizeValue(value)
	if err != nil {
		return err
	}
	self.commitOp(op{
		kind:  opCellSet,
		elem:  elem.id,
		key:   key,
		value: normalized,
	})
	return nil
}

func (self *Tx) CellMetaKey(index int, key string) (any, bool) {
	elem, _ := self.doc.visibleElementLocked(index)
	if elem == nil {
		return nil, false
	}
	reg, ok := elem.meta[key]
	if !ok {
		return nil, false
	}
	return cloneValue(reg.value), true
}

func (self *Tx) SetCellMetaKey(index int, key string, value any) error {
	elem, _ := self.doc.visibleElementLocked(index)
	if elem == nil {
		return fmt.Errorf("cell index %d out of range", index)
	}
	normalized, err := normalizeValue(value)
	if err != nil {
		return err
	}
	self.commitOp(op{
		kind:  opCellMetaSet,
		elem:  elem.id,
		key:   key,
		value: normalized,
	})
	return nil
}

func (self *Tx) MetaKey(key string) (any, bool) {
	reg, ok := self.doc.meta[key]
	if !ok {
		return nil, false
	}
	return cloneValue(reg.value), true
}

func (self *Tx) SetMetaKey(key string, value any) error {
	normalized, err := normalizeValue(value)
	if err != nil {
		return err
	}
	self.commitOp(op{
		kind:  opMetaSet,
		key:   key,
		value: normalized,
	})
	return nil
}
