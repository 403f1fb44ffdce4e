package nbmodel

import (
	"fmt"
	"sync"

	"github.com/datalayer/jupyter-nbmodel-client/crdt"
)

const (
	nbformatMajor = 4
	nbformatMinor = 5
)

type CellType string

const (
	CellTypeCode     = CellType("code")
	CellTypeMarkdown = CellType("markdown")
	CellTypeRaw      = CellType("raw")
)

// Cell is the typed view of one notebook cell. Outputs and
// ExecutionCount are meaningful for code cells only.
type Cell struct {
	ID             string
	Type           CellType
	Source         string
	Metadata       map[string]any
	Outputs        []map[string]any
	ExecutionCount *int
	ExecutionState string
}

func cellFromMap(m map[string]any) Cell {
	cell := Cell{
		ID:             stringAt(m, "id"),
		Type:           CellType(stringAt(m, "cell_type")),
		Source:         stringAt(m, "source"),
		ExecutionState: stringAt(m, "execution_state"),
	}
	if metadata, ok := m["metadata"].(map[string]any); ok {
		cell.Metadata = metadata
	} else {
		cell.Metadata = map[string]any{}
	}
	if outputs, ok := m["outputs"].([]any); ok {
		for _, raw := range outputs {
			if output, ok := raw.(map[string]any); ok {
				cell.Outputs = append(cell.Outputs, output)
			}
		}
	}
	if count, ok := m["execution_count"].(float64); ok {
		n := int(count)
		cell.ExecutionCount = &n
	}
	return cell
}

func (self Cell) toMap() map[string]any {
	m := map[string]any{
		"id":        self.ID,
		"cell_type": string(self.Type),
		"source":    self.Source,
	}
	if self.Metadata != nil {
		m["metadata"] = self.Metadata
	} else {
		m["metadata"] = map[string]any{}
	}
	if self.Type == CellTypeCode {
		outputs := make([]any, 0, len(self.Outputs))
		for _, output := range self.Outputs {
			outputs = append(outputs, output)
		}
		m["outputs"] = outputs
		if self.ExecutionCount != nil {
			m["execution_count"] = *self.ExecutionCount
		} else {
			m["execution_count"] = nil
		}
	}
	return m
}

// NotebookModel is the document adapter: an ordered cell sequence plus
// notebook metadata over one replicated document. Each structural call
// runs in one transaction. Reset swaps in a fresh replicated structure;
// observers registered here survive the swap.
type NotebookModel struct {
	mu        sync.Mutex
	doc       *crdt.Doc
	docUnsub  func()
	nextID    int
	observers map[int]func(batch crdt.DeltaBatch)
}

func NewNotebookModel() *NotebookModel {
	model := &NotebookModel{
		observers: map[int]func(batch crdt.DeltaBatch){},
	}
	model.attach(crdt.NewDoc(NewId()))
	return model
}

func (self *NotebookModel) attach(doc *crdt.Doc) {
	self.doc = doc
	self.docUnsub = doc.Observe(self.relay)
}

func (self *NotebookModel) relay(batch crdt.DeltaBatch) {
	self.mu.Lock()
	observers := make([]func(batch crdt.DeltaBatch), 0, len(self.observers))
	for _, observer := range self.observers {
		observers = append(observers, observer)
	}
	self.mu.Unlock()
	for _, observer := range observers {
		observer(batch)
	}
}

// Doc returns the current underlying replicated document.
func (self *NotebookModel) Doc() *crdt.Doc {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.doc
}

// Reset discards the replicated structure and replaces it with an empty
// one, so a later session never replays history against stale state.
func (self *NotebookModel) Reset() {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.docUnsub()
	self.attach(crdt.NewDoc(NewId()))
}

// Observe registers a delta observer that stays registered across
// Reset. Returns an unsubscribe function.
func (self *NotebookModel) Observe(observer func(batch crdt.DeltaBatch)) func() {
	self.mu.Lock()
	defer self.mu.Unlock()
	id := self.nextID
	self.nextID += 1
	self.observers[id] = observer
	return func() {
		self.mu.Lock()
		defer self.mu.Unlock()
		delete(self.observers, id)
	}
}

// Transact runs fn against the current document under the given
// transaction origin.
func (self *NotebookModel) Transact(origin string, fn func(tx *crdt.Tx) error) error {
	return self.Doc().Transact(origin, fn)
}

func (self *NotebookModel) Len() int {
	return self.Doc().CellCount()
}

func (self *NotebookModel) CellAt(index int) (Cell, error) {
	var cell Cell
	err := self.Transact("", func(tx *crdt.Tx) error {
		m, err := tx.Cell(index)
		if err != nil {
			return err
		}
		cell = cellFromMap(m)
		return nil
	})
	return cell, err
}

// GetCell finds a cell by id. Returns a NotFoundError if absent.
func (self *NotebookModel) GetCell(cellID string) (Cell, error) {
	var cell Cell
	err := self.Transact("", func(tx *crdt.Tx) error {
		index := tx.CellIndexByID(cellID)
		if index < 0 {
			return &NotFoundError{CellID: cellID}
		}
		m, err := tx.Cell(index)
		if err != nil {
			return err
		}
		cell = cellFromMap(m)
		return nil
	})
	return cell, err
}

func (self *NotebookModel) CellIndexByID(cellID string) int {
	index := -1
	self.Transact("", func(tx *crdt.Tx) error {
		index = tx.CellIndexByID(cellID)
		return nil
	})
	return index
}

// InsertCell inserts at the given index. An empty cell id gets a fresh
// one; a duplicate id is rejected to keep cell ids unique.
func (self *NotebookModel) InsertCell(index int, cell Cell) (Cell, error) {
	if cell.ID == "" {
		cell.ID = NewId()
	}
	err := self.Transact("", func(tx *crdt.Tx) error {
		if 0 <= tx.CellIndexByID(cell.ID) {
			return fmt.Errorf("cell id [%s] already present", cell.ID)
		}
		return tx.InsertCell(index, cell.toMap())
	})
	return cell, err
}

// SetCell replaces the cell at index, keeping the existing id when the
// replacement does not carry one.
func (self *NotebookModel) SetCell(index int, cell Cell) error {
	return self.Transact("", func(tx *crdt.Tx) error {
		current, err := tx.Cell(index)
		if err != nil {
			return err
		}
		if cell.ID == "" {
			cell.ID = stringAt(current, "id")
		}
		for key, value := range cell.toMap() {
			if err := tx.SetCellKey(index, key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (self *NotebookModel) RemoveCell(index int) (Cell, error) {
	var cell Cell
	err := self.Transact("", func(tx *crdt.Tx) error {
		m, err := tx.RemoveCell(index)
		if err != nil {
			return err
		}
		cell = cellFromMap(m)
		return nil
	})
	return cell, err
}

func (self *NotebookModel) SetCellSource(index int, source string) error {
	return self.Transact("", func(tx *crdt.Tx) error {
		return tx.SetCellKey(index, "source", source)
	})
}

func (self *NotebookModel) appendCell(cell Cell) (int, error) {
	index := -1
	if cell.ID == "" {
		cell.ID = NewId()
	}
	err := self.Transact("", func(tx *crdt.Tx) error {
		index = tx.CellCount()
		return tx.InsertCell(index, cell.toMap())
	})
	if err != nil {
		return -1, err
	}
	return index, nil
}

// AppendCodeCell appends a code cell and returns its index.
func (self *NotebookModel) AppendCodeCell(source string) (int, error) {
	return self.appendCell(Cell{
		Type:     CellTypeCode,
		Source:   source,
		Metadata: map[string]any{},
	})
}

// AppendMarkdownCell appends a markdown cell and returns its index.
func (self *NotebookModel) AppendMarkdownCell(source string) (int, error) {
	return self.appendCell(Cell{
		Type:     CellTypeMarkdown,
		Source:   source,
		Metadata: map[string]any{},
	})
}

// AppendRawCell appends a raw cell and returns its index.
func (self *NotebookModel) AppendRawCell(source string) (int, error) {
	return self.appendCell(Cell{
		Type:     CellTypeRaw,
		Source:   source,
		Metadata: map[string]any{},
	})
}

// Metadata returns a snapshot of the notebook metadata.
func (self *NotebookModel) Metadata() map[string]any {
	return self.Doc().Meta()
}

func (self *NotebookModel) SetMetadataKey(key string, value any) error {
	return self.Transact("", func(tx *crdt.Tx) error {
		return tx.SetMetaKey(key, value)
	})
}

// AsNotebook exports the whole document in notebook interchange shape.
func (self *NotebookModel) AsNotebook() map[string]any {
	doc := self.Doc()
	cells := doc.Cells()
	rawCells := make([]any, 0, len(cells))
	for _, cell := range cells {
		rawCells = append(rawCells, cell)
	}
	return map[string]any{
		"cells":          rawCells,
		"metadata":       doc.Meta(),
		"nbformat":       nbformatMajor,
		"nbformat_minor": nbformatMinor,
	}
}
