package events

// Topics published by the session controller and its collaborators.
// Payload types live in internal/messenger.
const (
	TopicStatusChanged        = "session.status-changed"
	TopicConversationsUpdated = "mirror.conversations-updated"
	TopicNewMessage           = "mirror.new-message"
	TopicNeedsReply           = "autoreply.needs-reply"
	TopicLoginRequired        = "session.login-required"
	TopicSnapshotReady        = "session.snapshot-ready"
)
