package nbmodel

import (
	"github.com/datalayer/jupyter-nbmodel-client/crdt"
)

// DomainEvent is an application-level event derived from structural
// deltas. Events only exist inside the processing queue.
type DomainEvent interface {
	domainEvent()
}

type UserPromptEvent struct {
	// empty when the prompt lives in the notebook metadata
	CellID    string
	PromptID  string
	Text      string
	Author    string
	Timestamp string
}

type CellSourceChangeEvent struct {
	CellID    string
	NewSource string
	OldSource string
}

func (UserPromptEvent) domainEvent()       {}
func (CellSourceChangeEvent) domainEvent() {}

// translator classifies delta batches into domain events. Batches whose
// origin matches the suppressed origin are the agent's own write-backs
// and produce nothing, which is what keeps the agent from reprocessing
// its own answers.
type translator struct {
	// the agent's transaction origin
	suppressOrigin string
	emit           func(event DomainEvent)
	log            LogFunction
}

func newTranslator(suppressOrigin string, emit func(event DomainEvent), log LogFunction) *translator {
	return &translator{
		suppressOrigin: suppressOrigin,
		emit:           emit,
		log:            log,
	}
}

// promptScope tracks the latest observed state of one reserved
// namespace within a batch. New-prompt detection runs once per scope
// after the whole batch has been walked, so a prompt and its answer
// arriving in the same batch are evaluated against the merged result.
type promptScope struct {
	cellID    string
	namespace any
}

func (self *translator) handleBatch(batch crdt.DeltaBatch) {
	if self.suppressOrigin != "" && batch.Origin == self.suppressOrigin {
		self.log("skipping self-authored batch (%d deltas)", len(batch.Deltas))
		return
	}

	scopeOrder := []crdt.OpID{}
	scopes := map[crdt.OpID]*promptScope{}
	observe := func(elem crdt.OpID, cellID string, namespace any) {
		scope, ok := scopes[elem]
		if !ok {
			scope = &promptScope{}
			scopes[elem] = scope
			scopeOrder = append(scopeOrder, elem)
		}
		scope.cellID = cellID
		scope.namespace = namespace
	}

	for _, delta := range batch.Deltas {
		switch d := delta.(type) {
		case crdt.ListDelta:
			cellID := stringAt(d.Cell, "id")
			switch d.Action {
			case crdt.ActionAdd:
				if source, ok := d.Cell["source"].(string); ok {
					self.emit(CellSourceChangeEvent{
						CellID:    cellID,
						NewSource: source,
						OldSource: "",
					})
				}
				if metadata, ok := d.Cell["metadata"].(map[string]any); ok {
					if namespace, ok := metadata[MetadataNamespace]; ok {
						observe(d.Elem, cellID, namespace)
					}
				}
			case crdt.ActionDelete:
				self.emit(CellSourceChangeEvent{
					CellID:    cellID,
					NewSource: "",
					OldSource: stringAt(d.Cell, "source"),
				})
			}

		case crdt.MapKeyChange:
			if d.CellID == "" && d.Index < 0 {
				// notebook metadata
				if d.Key == MetadataNamespace && d.Action != crdt.ActionDelete {
					observe(crdt.OpID{}, "", d.New)
				}
				continue
			}
			switch d.Key {
			case "source":
				newSource, _ := d.New.(string)
				oldSource, _ := d.Old.(string)
				self.emit(CellSourceChangeEvent{
					CellID:    d.CellID,
					NewSource: newSource,
					OldSource: oldSource,
				})
			case "metadata":
				if metadata, ok := d.New.(map[string]any); ok {
					if namespace, ok := metadata[MetadataNamespace]; ok {
						observe(d.Elem, d.CellID, namespace)
					}
				}
			}

		case crdt.NestedMapKeyChange:
			if d.Key != MetadataNamespace || d.Action == crdt.ActionDelete {
				continue
			}
			// d.Metadata carries the whole metadata map as of this
			// delta; the last one seen for a cell is the post-batch
			// state
			observe(d.Elem, d.CellID, d.Metadata[MetadataNamespace])
		}
	}

	for _, elem := range scopeOrder {
		scope := scopes[elem]
		prompts, messages := parseNamespace(scope.namespace)
		for _, prompt := range unansweredPrompts(prompts, messages) {
			self.emit(UserPromptEvent{
				CellID:    scope.cellID,
				PromptID:  prompt.ID,
				Text:      prompt.Text,
				Author:    prompt.Author,
				Timestamp: prompt.Timestamp,
			})
		}
	}
}
