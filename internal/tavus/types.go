package tavus

import "strings"

const (
	DefaultPersonaID = "p53279eb2464"
	DefaultReplicaID = "rb17cf590e15"

	DefaultGreeting = "Hello! I'm your AI financial mentor. I'm here to help you navigate your financial journey, " +
		"whether it's investment planning, budgeting, retirement strategies, or understanding complex financial concepts. " +
		"What financial goals would you like to discuss today?"

	contextPreamble = "You are a professional financial mentor and advisor with expertise in investment planning, " +
		"budgeting, tax optimization, retirement planning, and general financial literacy. "
	contextGuidance = "Provide personalized financial advice, explain complex financial concepts in simple terms, " +
		"and help users make informed financial decisions. "
	contextTone = "Use real-world examples and be encouraging while maintaining professional standards. "
)

// SessionConfig shapes a new conversation.
type SessionConfig struct {
	PersonaID    string
	ReplicaID    string
	Greeting     string
	DisplayName  string
	ExtraContext string
}

// Conversation is one provisioned mentoring session. Never mutated after creation.
type Conversation struct {
	ID  string `json:"conversation_id"`
	URL string `json:"conversation_url"`
}

// CreateRequest is the provisioning payload.
type CreateRequest struct {
	PersonaID             string `json:"persona_id"`
	ReplicaID             string `json:"replica_id"`
	CustomGreeting        string `json:"custom_greeting"`
	ConversationalContext string `json:"conversational_context"`
}

// BuildConversationalContext renders the system context for the persona. The
// output depends only on its inputs and always opens with the mentor preamble.
func BuildConversationalContext(displayName, extraContext string) string {
	var b strings.Builder
	b.WriteString(contextPreamble)
	if name := strings.TrimSpace(displayName); name != "" {
		b.WriteString("You are talking with ")
		b.WriteString(name)
		b.WriteString(". ")
	}
	b.WriteString(contextGuidance)
	b.WriteString(contextTone)
	if extra := strings.TrimSpace(extraContext); extra != "" {
		b.WriteString("Additional context: ")
		b.WriteString(extra)
	}
	return b.String()
}

// NewCreateRequest applies the fallback rules for blank fields.
func NewCreateRequest(cfg SessionConfig) CreateRequest {
	req := CreateRequest{
		PersonaID:             strings.TrimSpace(cfg.PersonaID),
		ReplicaID:             strings.TrimSpace(cfg.ReplicaID),
		CustomGreeting:        strings.TrimSpace(cfg.Greeting),
		ConversationalContext: BuildConversationalContext(cfg.DisplayName, cfg.ExtraContext),
	}
	if req.PersonaID == "" {
		req.PersonaID = DefaultPersonaID
	}
	if req.ReplicaID == "" {
		req.ReplicaID = DefaultReplicaID
	}
	if req.CustomGreeting == "" {
		req.CustomGreeting = DefaultGreeting
	}
	return req
}
