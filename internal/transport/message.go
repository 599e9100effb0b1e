package transport

const (
	MessageTypeConversation = "conversation"
	EventTypeEcho           = "conversation.echo"
	ModalityText            = "text"
)

// AppMessage is the data-channel envelope understood by the remote persona.
type AppMessage struct {
	MessageType    string        `json:"message_type"`
	EventType      string        `json:"event_type"`
	ConversationID string        `json:"conversation_id"`
	Properties     AppProperties `json:"properties"`
}

type AppProperties struct {
	Modality string `json:"modality"`
	Text     string `json:"text"`
}

// NewEchoMessage wraps text so the persona speaks it.
func NewEchoMessage(conversationID, text string) AppMessage {
	return AppMessage{
		MessageType:    MessageTypeConversation,
		EventType:      EventTypeEcho,
		ConversationID: conversationID,
		Properties: AppProperties{
			Modality: ModalityText,
			Text:     text,
		},
	}
}
