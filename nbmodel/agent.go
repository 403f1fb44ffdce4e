package nbmodel

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/datalayer/jupyter-nbmodel-client/crdt"
)

const acknowledgeText = "Prompt received"

// PromptCallback generates the reply to a user prompt. It may block. An
// empty reply with a nil error leaves the acknowledgment as the final
// state.
type PromptCallback func(ctx context.Context, event UserPromptEvent) (string, error)

// SourceChangeCallback reacts to a cell source change. Failures are
// recorded in diagnostics only.
type SourceChangeCallback func(ctx context.Context, event CellSourceChangeEvent) error

type BaseNbAgentSettings struct {
	Log LogFunction
}

func DefaultBaseNbAgentSettings() *BaseNbAgentSettings {
	return &BaseNbAgentSettings{
		Log: GlogFn("agent"),
	}
}

// BaseNbAgent reacts to user prompts and notebook changes. It observes
// the model's delta stream, translates it into domain events, and
// processes them strictly one at a time: the next event is not started
// while a callback is still running. Write-backs run under the agent's
// unique transaction origin so its own changes never loop back as new
// events.
type BaseNbAgent struct {
	model    *NotebookModel
	origin   string
	onPrompt PromptCallback
	onSource SourceChangeCallback
	settings *BaseNbAgentSettings

	ctx    context.Context
	cancel context.CancelFunc

	queue *eventQueue
	done  chan struct{}

	closeOnce sync.Once
}

func NewBaseNbAgent(model *NotebookModel, onPrompt PromptCallback, onSource SourceChangeCallback) *BaseNbAgent {
	return NewBaseNbAgentWithSettings(model, onPrompt, onSource, DefaultBaseNbAgentSettings())
}

func NewBaseNbAgentWithSettings(
	model *NotebookModel,
	onPrompt PromptCallback,
	onSource SourceChangeCallback,
	settings *BaseNbAgentSettings,
) *BaseNbAgent {
	cancelCtx, cancel := context.WithCancel(context.Background())
	agent := &BaseNbAgent{
		model:    model,
		origin:   NewId(),
		onPrompt: onPrompt,
		onSource: onSource,
		settings: settings,
		ctx:      cancelCtx,
		cancel:   cancel,
		queue:    newEventQueue(),
		done:     make(chan struct{}),
	}

	translator := newTranslator(agent.origin, agent.queue.push, SubLogFn(settings.Log, "translator"))
	unsubscribe := model.Observe(translator.handleBatch)
	go func() {
		defer unsubscribe()
		agent.run()
	}()
	return agent
}

// TransactionOrigin is the tag attached to every transaction this agent
// initiates.
func (self *BaseNbAgent) TransactionOrigin() string {
	return self.origin
}

func (self *BaseNbAgent) run() {
	defer close(self.done)

	for {
		event, ok := self.queue.next(self.ctx)
		if !ok {
			return
		}
		if err := self.processEvent(event); err != nil {
			if errors.Is(err, context.Canceled) {
				// cooperative shutdown, never recorded as a message
				return
			}
			self.settings.Log("event processing error = %s", err)
		}
		// give the forwarder a chance to flush before the next event
		runtime.Gosched()
	}
}

func (self *BaseNbAgent) processEvent(event DomainEvent) error {
	switch e := event.(type) {
	case UserPromptEvent:
		return self.processPrompt(e)
	case CellSourceChangeEvent:
		if self.onSource == nil {
			return nil
		}
		if err := self.onSource(self.ctx, e); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// no parent id to anchor a write-back; diagnostics only
			self.settings.Log("source change callback failed for cell [%s] = %s", e.CellID, err)
		}
		return nil
	}
	return nil
}

func (self *BaseNbAgent) processPrompt(event UserPromptEvent) error {
	if err := self.UpdateDocument(event.PromptID, MessageAcknowledge, acknowledgeText, event.CellID); err != nil {
		self.settings.Log("acknowledge failed for prompt [%s] = %s", event.PromptID, err)
	}

	if self.onPrompt == nil {
		self.settings.Log("prompt [%s] from [%s] in cell [%s] has no handler", event.PromptID, event.Author, event.CellID)
		return nil
	}

	reply, err := self.onPrompt(self.ctx, event)
	if err != nil {
		if errors.Is(err, context.Canceled) || self.ctx.Err() != nil {
			return context.Canceled
		}
		callbackErr := &CallbackError{Err: err}
		if writeErr := self.UpdateDocument(event.PromptID, MessageError, callbackErr.Error(), event.CellID); writeErr != nil {
			self.settings.Log("error write-back failed for prompt [%s] = %s", event.PromptID, writeErr)
		}
		return nil
	}
	if reply == "" {
		return nil
	}
	if writeErr := self.UpdateDocument(event.PromptID, MessageReply, reply, event.CellID); writeErr != nil {
		self.settings.Log("reply write-back failed for prompt [%s] = %s", event.PromptID, writeErr)
	}
	return nil
}

// UpdateDocument anchors an agent message on the prompt with the given
// parent id, in the cell's reserved metadata namespace, or the
// notebook's when cellID is empty. A message with the same parent id is
// replaced, never duplicated.
func (self *BaseNbAgent) UpdateDocument(parentID string, kind AgentMessageKind, text string, cellID string) error {
	message := AgentMessage{
		ParentID:  parentID,
		Kind:      kind,
		Text:      text,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}

	return self.model.Transact(self.origin, func(tx *crdt.Tx) error {
		if cellID == "" {
			namespace, _ := tx.MetaKey(MetadataNamespace)
			return tx.SetMetaKey(MetadataNamespace, withMessage(namespace, message))
		}

		index := tx.CellIndexByID(cellID)
		if index < 0 {
			return &NotFoundError{CellID: cellID}
		}
		namespace, _ := tx.CellMetaKey(index, MetadataNamespace)
		return tx.SetCellMetaKey(index, MetadataNamespace, withMessage(namespace, message))
	})
}

// Close aborts any in-flight callback and stops the processing loop.
// Idempotent.
func (self *BaseNbAgent) Close() {
	self.closeOnce.Do(func() {
		self.cancel()
		<-self.done
	})
}

// eventQueue is an unbounded strict-FIFO queue with a single consumer.
type eventQueue struct {
	mu     sync.Mutex
	events []DomainEvent
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		notify: make(chan struct{}, 1),
	}
}

func (self *eventQueue) push(event DomainEvent) {
	self.mu.Lock()
	self.events = append(self.events, event)
	self.mu.Unlock()

	select {
	case self.notify <- struct{}{}:
	default:
	}
}

// next blocks until an event is available or the context ends. A
// cancelled context wins over queued events, so no new event starts
// after shutdown began.
func (self *eventQueue) next(ctx context.Context) (DomainEvent, bool) {
	for {
		if ctx.Err() != nil {
			return nil, false
		}
		self.mu.Lock()
		if 0 < len(self.events) {
			event := self.events[0]
			self.events = self.events[1:]
			self.mu.Unlock()
			return event, true
		}
		self.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-self.notify:
		}
	}
}
