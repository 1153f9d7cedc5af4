package connector

import "context"

// Message is the normalized payload exchanged with a connector.
type Message struct {
	Text             string `json:"text"`
	ReplyToMessageID string `json:"reply_to_message_id,omitempty"`
}

// TaskContext carries scheduled-task identity on an inbound message.
type TaskContext struct {
	TaskID    string `json:"task_id,omitempty"`
	TaskUID   string `json:"task_uid,omitempty"`
	TaskName  string `json:"task_name,omitempty"`
	FilesPath string `json:"files_path,omitempty"`
}

// SpawnedContext marks a message as belonging to a background session.
type SpawnedContext struct {
	ParentSessionID string `json:"parent_session_id,omitempty"`
	Name            string `json:"name,omitempty"`
}

// MessageContext is the routing metadata attached to every inbound message.
type MessageContext struct {
	ChannelID      string          `json:"channel_id,omitempty"`
	ChannelType    string          `json:"channel_type,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	ProviderID     string          `json:"provider_id,omitempty"`
	PermissionTags []string        `json:"permission_tags,omitempty"`
	Task           *TaskContext    `json:"task,omitempty"`
	Heartbeat      bool            `json:"heartbeat,omitempty"`
	Spawned        *SpawnedContext `json:"spawned,omitempty"`
}

// Capabilities describes what a connector implementation supports.
type Capabilities struct {
	Permissions   bool
	DeleteMessage bool
}

// Connector is a transport for one external messaging surface.
type Connector interface {
	Name() string
	SendMessage(ctx context.Context, channelID string, msg Message) error
	Capabilities() Capabilities
}

// PermissionRequest asks a human to approve a capability.
type PermissionRequest struct {
	Access PermissionAccess
	Reason string
}

// PermissionRequester is implemented by connectors that can proxy
// approval requests to a human.
type PermissionRequester interface {
	RequestPermission(ctx context.Context, channelID string, req PermissionRequest) error
}

// MessageDeleter is implemented by connectors that can retract messages.
type MessageDeleter interface {
	DeleteMessage(ctx context.Context, channelID string, messageID string) error
}
