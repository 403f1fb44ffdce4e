package nbmodel

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/datalayer/jupyter-nbmodel-client/crdt"
)

func TestNotebookAppendAndRead(t *testing.T) {
	model := NewNotebookModel()

	i0, err := model.AppendCodeCell("x = 1")
	assert.Equal(t, err, nil)
	assert.Equal(t, i0, 0)
	i1, err := model.AppendMarkdownCell("# title")
	assert.Equal(t, err, nil)
	assert.Equal(t, i1, 1)
	i2, err := model.AppendRawCell("raw text")
	assert.Equal(t, err, nil)
	assert.Equal(t, i2, 2)

	assert.Equal(t, model.Len(), 3)

	cell, err := model.CellAt(0)
	assert.Equal(t, err, nil)
	assert.Equal(t, cell.Type, CellTypeCode)
	assert.Equal(t, cell.Source, "x = 1")
	assert.NotEqual(t, cell.ID, "")

	cell, err = model.CellAt(1)
	assert.Equal(t, err, nil)
	assert.Equal(t, cell.Type, CellTypeMarkdown)
	assert.Equal(t, cell.Source, "# title")
}

func TestNotebookFreshAndDuplicateIds(t *testing.T) {
	model := NewNotebookModel()

	a, err := model.InsertCell(0, Cell{Type: CellTypeCode, Source: "a"})
	assert.Equal(t, err, nil)
	assert.NotEqual(t, a.ID, "")
	b, err := model.InsertCell(1, Cell{Type: CellTypeCode, Source: "b"})
	assert.Equal(t, err, nil)
	assert.NotEqual(t, b.ID, a.ID)

	_, err = model.InsertCell(0, Cell{ID: a.ID, Type: CellTypeCode})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, model.Len(), 2)
}

func TestNotebookInsertOrdering(t *testing.T) {
	model := NewNotebookModel()

	_, err := model.InsertCell(0, Cell{ID: "c1", Type: CellTypeCode, Source: "first"})
	assert.Equal(t, err, nil)
	_, err = model.InsertCell(1, Cell{ID: "c2", Type: CellTypeCode, Source: "third"})
	assert.Equal(t, err, nil)
	_, err = model.InsertCell(1, Cell{ID: "c3", Type: CellTypeCode, Source: "second"})
	assert.Equal(t, err, nil)

	sources := []string{}
	for i := 0; i < model.Len(); i += 1 {
		cell, err := model.CellAt(i)
		assert.Equal(t, err, nil)
		sources = append(sources, cell.Source)
	}
	assert.Equal(t, sources, []string{"first", "second", "third"})

	assert.Equal(t, model.CellIndexByID("c3"), 1)
	assert.Equal(t, model.CellIndexByID("missing"), -1)
}

func TestNotebookGetCell(t *testing.T) {
	model := NewNotebookModel()
	_, err := model.InsertCell(0, Cell{ID: "c1", Type: CellTypeCode, Source: "x = 1"})
	assert.Equal(t, err, nil)

	cell, err := model.GetCell("c1")
	assert.Equal(t, err, nil)
	assert.Equal(t, cell.Source, "x = 1")

	_, err = model.GetCell("missing")
	var notFound *NotFoundError
	assert.Equal(t, errors.As(err, &notFound), true)
	assert.Equal(t, notFound.CellID, "missing")
}

func TestNotebookSetCellKeepsId(t *testing.T) {
	model := NewNotebookModel()
	inserted, err := model.InsertCell(0, Cell{Type: CellTypeCode, Source: "old"})
	assert.Equal(t, err, nil)

	err = model.SetCell(0, Cell{Type: CellTypeMarkdown, Source: "new"})
	assert.Equal(t, err, nil)

	cell, err := model.CellAt(0)
	assert.Equal(t, err, nil)
	assert.Equal(t, cell.ID, inserted.ID)
	assert.Equal(t, cell.Type, CellTypeMarkdown)
	assert.Equal(t, cell.Source, "new")
}

func TestNotebookRemoveCell(t *testing.T) {
	model := NewNotebookModel()
	_, err := model.InsertCell(0, Cell{ID: "c1", Type: CellTypeCode, Source: "a"})
	assert.Equal(t, err, nil)
	_, err = model.InsertCell(1, Cell{ID: "c2", Type: CellTypeCode, Source: "b"})
	assert.Equal(t, err, nil)

	removed, err := model.RemoveCell(0)
	assert.Equal(t, err, nil)
	assert.Equal(t, removed.ID, "c1")
	assert.Equal(t, model.Len(), 1)
	assert.Equal(t, model.CellIndexByID("c2"), 0)

	_, err = model.RemoveCell(5)
	assert.NotEqual(t, err, nil)
}

func TestNotebookSetCellSource(t *testing.T) {
	model := NewNotebookModel()
	_, err := model.AppendCodeCell("x = 1")
	assert.Equal(t, err, nil)

	err = model.SetCellSource(0, "x = 2")
	assert.Equal(t, err, nil)

	cell, err := model.CellAt(0)
	assert.Equal(t, err, nil)
	assert.Equal(t, cell.Source, "x = 2")
}

func TestNotebookMetadata(t *testing.T) {
	model := NewNotebookModel()
	err := model.SetMetadataKey("kernelspec", map[string]any{"name": "python3"})
	assert.Equal(t, err, nil)

	metadata := model.Metadata()
	kernelspec := metadata["kernelspec"].(map[string]any)
	assert.Equal(t, kernelspec["name"], "python3")
}

func TestNotebookAsNotebook(t *testing.T) {
	model := NewNotebookModel()
	_, err := model.AppendCodeCell("print(1)")
	assert.Equal(t, err, nil)
	err = model.SetMetadataKey("language_info", map[string]any{"name": "python"})
	assert.Equal(t, err, nil)

	nb := model.AsNotebook()
	assert.Equal(t, nb["nbformat"], 4)
	assert.Equal(t, nb["nbformat_minor"], 5)
	cells := nb["cells"].([]any)
	assert.Equal(t, len(cells), 1)
	first := cells[0].(map[string]any)
	assert.Equal(t, first["cell_type"], "code")
	assert.Equal(t, first["source"], "print(1)")
	// code cells always export outputs and execution_count
	_, hasOutputs := first["outputs"]
	assert.Equal(t, hasOutputs, true)
	_, hasCount := first["execution_count"]
	assert.Equal(t, hasCount, true)
}

func TestNotebookResetKeepsObservers(t *testing.T) {
	model := NewNotebookModel()
	_, err := model.AppendCodeCell("x = 1")
	assert.Equal(t, err, nil)

	batches := 0
	unsubscribe := model.Observe(func(batch crdt.DeltaBatch) {
		batches += 1
	})
	defer unsubscribe()

	model.Reset()
	assert.Equal(t, model.Len(), 0)

	_, err = model.AppendCodeCell("y = 2")
	assert.Equal(t, err, nil)
	assert.Equal(t, batches, 1)
	assert.Equal(t, model.Len(), 1)
}
