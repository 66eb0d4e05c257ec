package webhook

import "encoding/json"

// EventType is the subset of CHAT webhook events this reconciler understands
//. Anything else is logged and acknowledged without action.
type EventType string

const (
	EventConversationCreated       EventType = "conversation.created"
	EventConversationUpdated       EventType = "conversation.updated"
	EventConversationStatusChanged EventType = "conversation.status_changed"
	EventConversationResolved      EventType = "conversation.resolved"
	EventMessageCreated            EventType = "message.created"
)

// Envelope is the top-level webhook payload shape.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type dataWrapper struct {
	Conversation *conversationPayload `json:"conversation"`
	Message      *messagePayload      `json:"message"`
}

type assigneePayload struct {
	ID int64 `json:"id"`
}

type conversationPayload struct {
	ID               int64             `json:"id"`
	Status           string            `json:"status"`
	CreatedAt        string            `json:"created_at"`
	Assignee         *assigneePayload  `json:"assignee"`
	CustomAttributes map[string]any    `json:"custom_attributes"`
}

type messagePayload struct {
	ConversationID int64 `json:"conversation_id"`
}

// parseEnvelope decodes the raw webhook body into an Envelope.
func parseEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) conversation() (*conversationPayload, error) {
	var w dataWrapper
	if err := json.Unmarshal(e.Data, &w); err != nil {
		return nil, err
	}
	return w.Conversation, nil
}

func (e Envelope) message() (*messagePayload, error) {
	var w dataWrapper
	if err := json.Unmarshal(e.Data, &w); err != nil {
		return nil, err
	}
	return w.Message, nil
}
