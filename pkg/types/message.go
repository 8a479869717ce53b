package types

import "encoding/json"

// Message represents either a User or Assistant message in a conversation.
type Message struct {
	ID        string       `json:"id"`
	SessionID string       `json:"sessionID"`
	Role      string       `json:"role"` // "user" | "assistant"
	ParentID  string        `json:"parentID,omitempty"`
	Time      MessageTime  `json:"time"`

	// Path records the working directory the message was produced in, so a
	// later turn (or a different machine) can reconstruct relative paths.
	Path *MessagePath `json:"path,omitempty"`

	// IsSummary marks an assistant message as a compaction summary rather
	// than a normal turn. Serialized via the custom summary field below.
	IsSummary bool `json:"-"`

	// Summary holds a user-message's compaction summary body. Serialized
	// via the custom summary field below.
	Summary *UserMessageSummary `json:"-"`

	// User-specific fields
	Agent  string          `json:"agent,omitempty"`
	Model  *ModelRef       `json:"model,omitempty"`
	System *string         `json:"system,omitempty"`
	Tools  map[string]bool `json:"tools,omitempty"`

	// Assistant-specific fields
	ModelID    string        `json:"modelID,omitempty"`
	ProviderID string        `json:"providerID,omitempty"`
	Mode       string        `json:"mode,omitempty"`
	Finish     *string       `json:"finish,omitempty"`
	Cost       float64       `json:"cost,omitempty"`
	Tokens     *TokenUsage   `json:"tokens,omitempty"`
	Error      *MessageError `json:"error,omitempty"`
}

// MessagePath records the directories a message was produced against.
type MessagePath struct {
	Cwd  string `json:"cwd"`
	Root string `json:"root"`
}

// UserMessageSummary is the body of a compaction summary attached to a
// synthetic user message (title/body/file diffs covering the compacted
// range).
type UserMessageSummary struct {
	Title string     `json:"title"`
	Body  string      `json:"body"`
	Diffs []FileDiff `json:"diffs,omitempty"`
}

// MarshalJSON serializes Message, encoding the summary field as an object
// for a user-role compaction summary, a boolean for an assistant-role
// summary marker, and omitting it entirely otherwise.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	aux := struct {
		alias
		Summary json.RawMessage `json:"summary,omitempty"`
	}{alias: alias(m)}

	switch {
	case m.Role == "user" && m.Summary != nil:
		b, err := json.Marshal(m.Summary)
		if err != nil {
			return nil, err
		}
		aux.Summary = b
	case m.Role == "assistant" && m.IsSummary:
		aux.Summary = json.RawMessage("true")
	}

	return json.Marshal(aux)
}

// UnmarshalJSON decodes Message, interpreting the summary field according
// to its JSON type (object => UserMessageSummary, boolean => IsSummary).
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		*alias
		Summary json.RawMessage `json:"summary,omitempty"`
	}{alias: (*alias)(m)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if len(aux.Summary) == 0 {
		return nil
	}

	switch aux.Summary[0] {
	case 't', 'f': // true/false
		var b bool
		if err := json.Unmarshal(aux.Summary, &b); err != nil {
			return err
		}
		m.IsSummary = b
	default:
		var s UserMessageSummary
		if err := json.Unmarshal(aux.Summary, &s); err != nil {
			return err
		}
		m.Summary = &s
	}

	return nil
}

// MessageTime contains timestamps for a message.
type MessageTime struct {
	Created int64  `json:"created"`
	Updated *int64 `json:"updated,omitempty"`
}

// ModelRef references a specific model from a provider.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// TokenUsage contains token usage statistics for a message.
type TokenUsage struct {
	Input     int        `json:"input"`
	Output    int        `json:"output"`
	Reasoning int        `json:"reasoning,omitempty"`
	Cache     CacheUsage `json:"cache,omitempty"`
}

// CacheUsage contains cache hit/write statistics.
type CacheUsage struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

// MessageErrorData wraps the human-readable detail of a MessageError.
// SDK compatible: errors are {name, data: {message}}, matching the shape
// JS Error subclasses serialize to.
type MessageErrorData struct {
	Message string `json:"message"`
}

// MessageError represents an error that occurred during message processing.
// SDK compatible: uses "name"/"data.message" rather than "type"/"message".
type MessageError struct {
	Name string           `json:"name"` // e.g. "ProviderAuthError", "UnknownError"
	Data MessageErrorData `json:"data"`
}
