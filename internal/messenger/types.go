package messenger

// LoginPhase is the session controller's state machine position.
type LoginPhase string

const (
	PhaseIdle                 LoginPhase = "idle"
	PhaseAwaitingCredentials  LoginPhase = "awaiting_credentials"
	PhaseAwaitingSecondFactor LoginPhase = "awaiting_second_factor"
	PhaseAuthenticated        LoginPhase = "authenticated"
)

// Direction classifies a message relative to the session owner.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Status is an externally visible snapshot of the session.
type Status struct {
	Connected     bool       `json:"connected"`
	Authenticated bool       `json:"authenticated"`
	Busy          bool       `json:"busy"`
	LastError     string     `json:"last_error,omitempty"`
	DisplayName   string     `json:"display_name,omitempty"`
	LoginPhase    LoginPhase `json:"login_phase"`
}

// Conversation is one remote chat thread as observed through polling.
// The id is best-effort: a URL fragment when the remote UI exposes one,
// otherwise a synthetic positional id.
type Conversation struct {
	ID                string `json:"id"`
	DisplayName       string `json:"display_name"`
	PreviewText       string `json:"preview_text,omitempty"`
	LastActivityLabel string `json:"last_activity,omitempty"`
	HasUnread         bool   `json:"has_unread"`
}

// Message is one observed message. The id is synthetic and positional; it
// is NOT stable across polls.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Direction Direction `json:"direction"`
	TimeLabel string    `json:"time_label,omitempty"`
}

// LoginResult is returned by the interactive login commands.
type LoginResult struct {
	Phase    LoginPhase `json:"phase"`
	Snapshot []byte     `json:"snapshot,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// Event payloads pushed through the event bus.

// StatusEvent carries a fresh session snapshot.
type StatusEvent struct {
	Status Status `json:"status"`
}

// ConversationsEvent carries the full replaced conversation list.
type ConversationsEvent struct {
	Conversations []Conversation `json:"conversations"`
}

// NewMessageEvent carries one newly observed message.
type NewMessageEvent struct {
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
}

// NeedsReplyEvent asks the external responder for a reply. The coordinator
// never blocks on it.
type NeedsReplyEvent struct {
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	RecentContext  []Message `json:"recent_context,omitempty"`
}

// LoginRequiredEvent signals that interactive credential entry is needed.
type LoginRequiredEvent struct {
	Phase    LoginPhase `json:"phase"`
	Snapshot []byte     `json:"snapshot,omitempty"`
}

// SnapshotEvent carries a page screenshot for the UI.
type SnapshotEvent struct {
	Phase LoginPhase `json:"phase"`
	Image []byte     `json:"image"`
}
