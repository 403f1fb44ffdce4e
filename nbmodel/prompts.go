package nbmodel

// The reserved metadata namespace read and written by the agent
// pipeline: {"ai": {"prompts": [...], "messages": [...]}} under a cell's
// metadata or the notebook metadata. Raw maps cross into typed records
// here; everything downstream works on the records.

const MetadataNamespace = "ai"

type AgentMessageKind int

const (
	// the prompt is being processed
	MessageAcknowledge = AgentMessageKind(0)
	// the generated answer
	MessageReply = AgentMessageKind(1)
	// the failure description when generating an answer failed
	MessageError = AgentMessageKind(2)
)

func (self AgentMessageKind) String() string {
	switch self {
	case MessageAcknowledge:
		return "acknowledge"
	case MessageReply:
		return "reply"
	case MessageError:
		return "error"
	}
	return "unknown"
}

type Prompt struct {
	ID        string
	Text      string
	Author    string
	Timestamp string
}

func (self Prompt) toMap() map[string]any {
	return map[string]any{
		"id":        self.ID,
		"prompt":    self.Text,
		"author":    self.Author,
		"timestamp": self.Timestamp,
	}
}

// AgentMessage answers the prompt with matching id. A list of messages
// holds at most one entry per parent id; writing a second one replaces
// the first.
type AgentMessage struct {
	ParentID  string
	Kind      AgentMessageKind
	Text      string
	Timestamp string
}

func (self AgentMessage) toMap() map[string]any {
	return map[string]any{
		"parent_id": self.ParentID,
		"message":   self.Text,
		"type":      int(self.Kind),
		"timestamp": self.Timestamp,
	}
}

func stringAt(m map[string]any, key string) string {
	if value, ok := m[key].(string); ok {
		return value
	}
	return ""
}

func promptFromMap(value any) (Prompt, bool) {
	m, ok := value.(map[string]any)
	if !ok {
		return Prompt{}, false
	}
	prompt := Prompt{
		ID:        stringAt(m, "id"),
		Text:      stringAt(m, "prompt"),
		Author:    stringAt(m, "author"),
		Timestamp: stringAt(m, "timestamp"),
	}
	return prompt, prompt.ID != ""
}

func messageFromMap(value any) (AgentMessage, bool) {
	m, ok := value.(map[string]any)
	if !ok {
		return AgentMessage{}, false
	}
	message := AgentMessage{
		ParentID:  stringAt(m, "parent_id"),
		Text:      stringAt(m, "message"),
		Timestamp: stringAt(m, "timestamp"),
	}
	if kind, ok := m["type"].(float64); ok {
		message.Kind = AgentMessageKind(int(kind))
	}
	return message, message.ParentID != ""
}

// parseNamespace extracts the typed prompt and message lists from a raw
// "ai" namespace value.
func parseNamespace(value any) (prompts []Prompt, messages []AgentMessage) {
	ns, ok := value.(map[string]any)
	if !ok {
		return nil, nil
	}
	if rawPrompts, ok := ns["prompts"].([]any); ok {
		for _, raw := range rawPrompts {
			if prompt, ok := promptFromMap(raw); ok {
				prompts = append(prompts, prompt)
			}
		}
	}
	if rawMessages, ok := ns["messages"].([]any); ok {
		for _, raw := range rawMessages {
			if message, ok := messageFromMap(raw); ok {
				messages = append(messages, message)
			}
		}
	}
	return prompts, messages
}

// namespaceFromMetadata reads the reserved namespace out of a metadata
// map.
func namespaceFromMetadata(metadata map[string]any) (prompts []Prompt, messages []AgentMessage) {
	if metadata == nil {
		return nil, nil
	}
	return parseNamespace(metadata[MetadataNamespace])
}

// unansweredPrompts returns the prompts with no message anchored to
// them, in prompt order. This is the sole new-prompt detection rule and
// must always be evaluated against the final post-batch state of both
// lists.
func unansweredPrompts(prompts []Prompt, messages []AgentMessage) []Prompt {
	answered := map[string]bool{}
	for _, message := range messages {
		answered[message.ParentID] = true
	}
	out := []Prompt{}
	for _, prompt := range prompts {
		if !answered[prompt.ID] {
			out = append(out, prompt)
		}
	}
	return out
}

// withMessage returns a copy of the raw namespace value with the message
// inserted, replacing any previous message with the same parent id.
func withMessage(value any, message AgentMessage) map[string]any {
	ns, ok := value.(map[string]any)
	if !ok {
		ns = map[string]any{}
	} else {
		cloned := make(map[string]any, len(ns))
		for key, entry := range ns {
			cloned[key] = entry
		}
		ns = cloned
	}
	if _, ok := ns["prompts"].([]any); !ok {
		ns["prompts"] = []any{}
	}

	rawMessages, _ := ns["messages"].([]any)
	nextMessages := make([]any, 0, len(rawMessages)+1)
	for _, raw := range rawMessages {
		if existing, ok := messageFromMap(raw); ok && existing.ParentID == message.ParentID {
			continue
		}
		nextMessages = append(nextMessages, raw)
	}
	nextMessages = append(nextMessages, message.toMap())
	ns["messages"] = nextMessages
	return ns
}
