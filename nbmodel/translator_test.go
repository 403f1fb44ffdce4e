package nbmodel

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/datalayer/jupyter-nbmodel-client/crdt"
)

func newTranslatorHarness(t *testing.T, suppressOrigin string) (*NotebookModel, *[]DomainEvent) {
	model := NewNotebookModel()
	events := &[]DomainEvent{}
	translator := newTranslator(suppressOrigin, func(event DomainEvent) {
		*events = append(*events, event)
	}, NoopLogFn())
	model.Observe(translator.handleBatch)
	return model, events
}

func promptMap(id string, text string) map[string]any {
	return map[string]any{
		"id":        id,
		"prompt":    text,
		"author":    "user-1",
		"timestamp": "2025-01-01T00:00:00Z",
	}
}

func TestTranslatorDualPromptFanOut(t *testing.T) {
	// one batch adding two prompts to one cell yields exactly two
	// prompt events
	model, events := newTranslatorHarness(t, "agent-x")
	_, err := model.InsertCell(0, Cell{ID: "c1", Type: CellTypeCode, Source: "print(1)"})
	assert.Equal(t, err, nil)
	*events = (*events)[:0]

	err = model.Transact("", func(tx *crdt.Tx) error {
		return tx.SetCellMetaKey(0, MetadataNamespace, map[string]any{
			"prompts":  []any{promptMap("p1", "first"), promptMap("p2", "second")},
			"messages": []any{},
		})
	})
	assert.Equal(t, err, nil)

	assert.Equal(t, len(*events), 2)
	first, ok := (*events)[0].(UserPromptEvent)
	assert.Equal(t, ok, true)
	assert.Equal(t, first.PromptID, "p1")
	assert.Equal(t, first.CellID, "c1")
	assert.Equal(t, first.Text, "first")
	assert.Equal(t, first.Author, "user-1")
	second, ok := (*events)[1].(UserPromptEvent)
	assert.Equal(t, ok, true)
	assert.Equal(t, second.PromptID, "p2")
}

func TestTranslatorEchoSuppression(t *testing.T) {
	// write-backs tagged with the agent's own origin never come back
	// as events
	model, events := newTranslatorHarness(t, "agent-x")
	_, err := model.InsertCell(0, Cell{ID: "c1", Type: CellTypeCode, Source: ""})
	assert.Equal(t, err, nil)
	*events = (*events)[:0]

	err = model.Transact("agent-x", func(tx *crdt.Tx) error {
		return tx.SetCellMetaKey(0, MetadataNamespace, map[string]any{
			"prompts":  []any{promptMap("p1", "question")},
			"messages": []any{},
		})
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(*events), 0)
}

func TestTranslatorNoReprocessingAfterAnswer(t *testing.T) {
	// once a prompt has an anchored message, later deltas touching the
	// namespace yield no event for that prompt id
	model, events := newTranslatorHarness(t, "agent-x")
	_, err := model.InsertCell(0, Cell{ID: "c1", Type: CellTypeCode, Source: ""})
	assert.Equal(t, err, nil)
	*events = (*events)[:0]

	err = model.Transact("", func(tx *crdt.Tx) error {
		return tx.SetCellMetaKey(0, MetadataNamespace, map[string]any{
			"prompts":  []any{promptMap("p1", "question")},
			"messages": []any{},
		})
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(*events), 1)

	// the agent answers under its own origin
	message := AgentMessage{ParentID: "p1", Kind: MessageReply, Text: "answer"}
	err = model.Transact("agent-x", func(tx *crdt.Tx) error {
		namespace, _ := tx.CellMetaKey(0, MetadataNamespace)
		return tx.SetCellMetaKey(0, MetadataNamespace, withMessage(namespace, message))
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(*events), 1)

	// a later user change re-evaluates against the merged state; p1 is
	// answered, only p2 fires
	err = model.Transact("", func(tx *crdt.Tx) error {
		namespace, _ := tx.CellMetaKey(0, MetadataNamespace)
		ns := namespace.(map[string]any)
		prompts := append(ns["prompts"].([]any), promptMap("p2", "another"))
		ns["prompts"] = prompts
		return tx.SetCellMetaKey(0, MetadataNamespace, ns)
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(*events), 2)
	event, ok := (*events)[1].(UserPromptEvent)
	assert.Equal(t, ok, true)
	assert.Equal(t, event.PromptID, "p2")
}

func TestTranslatorPromptAndAnswerSameBatch(t *testing.T) {
	// a prompt and its answer landing in one merged batch are evaluated
	// against the post-merge snapshot: no event
	model, events := newTranslatorHarness(t, "agent-x")
	_, err := model.InsertCell(0, Cell{ID: "c1", Type: CellTypeCode, Source: ""})
	assert.Equal(t, err, nil)
	*events = (*events)[:0]

	err = model.Transact("", func(tx *crdt.Tx) error {
		if err := tx.SetCellMetaKey(0, MetadataNamespace, map[string]any{
			"prompts":  []any{promptMap("p1", "question")},
			"messages": []any{},
		}); err != nil {
			return err
		}
		return tx.SetCellMetaKey(0, MetadataNamespace, map[string]any{
			"prompts": []any{promptMap("p1", "question")},
			"messages": []any{
				AgentMessage{ParentID: "p1", Kind: MessageReply, Text: "done"}.toMap(),
			},
		})
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(*events), 0)
}

func TestTranslatorCellSourceChanges(t *testing.T) {
	model, events := newTranslatorHarness(t, "agent-x")

	// insert: old value is empty
	_, err := model.InsertCell(0, Cell{ID: "c1", Type: CellTypeCode, Source: "x = 1"})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(*events), 1)
	inserted, ok := (*events)[0].(CellSourceChangeEvent)
	assert.Equal(t, ok, true)
	assert.Equal(t, inserted.CellID, "c1")
	assert.Equal(t, inserted.NewSource, "x = 1")
	assert.Equal(t, inserted.OldSource, "")

	// update: both values present
	err = model.SetCellSource(0, "x = 2")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(*events), 2)
	updated := (*events)[1].(CellSourceChangeEvent)
	assert.Equal(t, updated.NewSource, "x = 2")
	assert.Equal(t, updated.OldSource, "x = 1")

	// removal: new value is empty
	_, err = model.RemoveCell(0)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(*events), 3)
	removed := (*events)[2].(CellSourceChangeEvent)
	assert.Equal(t, removed.NewSource, "")
	assert.Equal(t, removed.OldSource, "x = 2")
}

func TestTranslatorInsertedCellWithPrompt(t *testing.T) {
	// a freshly inserted cell carrying an unanswered prompt fires both
	// the source event and the prompt event
	model, events := newTranslatorHarness(t, "agent-x")

	_, err := model.InsertCell(0, Cell{
		ID:     "c1",
		Type:   CellTypeMarkdown,
		Source: "hello",
		Metadata: map[string]any{
			MetadataNamespace: map[string]any{
				"prompts":  []any{promptMap("p1", "summarize this")},
				"messages": []any{},
			},
		},
	})
	assert.Equal(t, err, nil)

	assert.Equal(t, len(*events), 2)
	_, ok := (*events)[0].(CellSourceChangeEvent)
	assert.Equal(t, ok, true)
	prompt, ok := (*events)[1].(UserPromptEvent)
	assert.Equal(t, ok, true)
	assert.Equal(t, prompt.PromptID, "p1")
	assert.Equal(t, prompt.CellID, "c1")
}

func TestTranslatorNotebookLevelPrompt(t *testing.T) {
	model, events := newTranslatorHarness(t, "agent-x")

	err := model.SetMetadataKey(MetadataNamespace, map[string]any{
		"prompts":  []any{promptMap("p1", "notebook question")},
		"messages": []any{},
	})
	assert.Equal(t, err, nil)

	assert.Equal(t, len(*events), 1)
	event, ok := (*events)[0].(UserPromptEvent)
	assert.Equal(t, ok, true)
	assert.Equal(t, event.CellID, "")
	assert.Equal(t, event.PromptID, "p1")
}
