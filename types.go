package chatsync

import (
	"encoding/json"
	"strconv"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the marketplace API.
type APIError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// FlexID is an identifier that the API serves either as a JSON string or a
// JSON number, depending on the endpoint. It always compares as a string.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) String() string { return string(f) }

// FlexIDFromInt builds a FlexID from a numeric server identifier.
func FlexIDFromInt(n int64) FlexID { return FlexID(strconv.FormatInt(n, 10)) }

// ============================================================================
// Message Model
// ============================================================================

// MessageStatus is the local delivery lifecycle of a message. It is never
// persisted server-side.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// Message is one chat message as held in the client-side store.
//
// ID is server-assigned and stable once the message is acknowledged.
// ClientID is generated locally at send time and is the correlation key
// between an optimistic entry and its server-confirmed counterpart; it is
// retired once a server ID supersedes it.
type Message struct {
	ID         string
	ClientID   string
	SenderID   string
	ReceiverID string
	Text       string
	Timestamp  time.Time
	IsMine     bool
	Status     MessageStatus
	IsRead     bool
	RoomID     string

	// CreatedLocal is when the optimistic entry was inserted. Zero for
	// messages that originated from the server list.
	CreatedLocal time.Time
}

// Pending reports whether the message is a locally-originated entry the
// server has not confirmed yet.
func (m *Message) Pending() bool {
	return m.Status == StatusSending || m.Status == StatusFailed
}

// Key returns the identity used for rendering and deduplication: the
// clientId while unacknowledged, the server id afterwards.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.ClientID
}

// ============================================================================
// Wire Types (marketplace message API)
// ============================================================================

// WireMessage is one message record as returned by GET /api/messages.
type WireMessage struct {
	ID         FlexID          `json:"id"`
	Content    string          `json:"content"`
	SenderID   FlexID          `json:"senderId"`
	ReceiverID FlexID          `json:"receiverId,omitempty"`
	RoomID     FlexID          `json:"roomId,omitempty"`
	IsRead     bool            `json:"isRead"`
	CreatedAt  time.Time       `json:"createdAt"`
	Sender     json.RawMessage `json:"sender,omitempty"`
	Receiver   json.RawMessage `json:"receiver,omitempty"`
}

// ToMessage converts a wire record into a store message. selfID determines
// direction; pass the local user id.
func (w *WireMessage) ToMessage(selfID string) Message {
	return Message{
		ID:         string(w.ID),
		SenderID:   string(w.SenderID),
		ReceiverID: string(w.ReceiverID),
		Text:       w.Content,
		Timestamp:  w.CreatedAt,
		IsMine:     selfID != "" && string(w.SenderID) == selfID,
		Status:     StatusSent,
		IsRead:     w.IsRead,
		RoomID:     string(w.RoomID),
	}
}

// WireRoom is the conversation binding returned alongside a message list.
type WireRoom struct {
	ID         FlexID `json:"id"`
	Name       string `json:"name,omitempty"`
	PurchaseID FlexID `json:"purchaseId,omitempty"`
}

// Conversation is the decoded response of a message-list fetch.
type Conversation struct {
	Success   bool            `json:"success"`
	Messages  []WireMessage   `json:"messages"`
	Room      *WireRoom       `json:"room,omitempty"`
	OtherUser json.RawMessage `json:"otherUser,omitempty"`
	HasMore   bool            `json:"hasMore,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// SendRequest is the body of POST /api/messages.
type SendRequest struct {
	Content    string `json:"content"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId,omitempty"`
	PurchaseID string `json:"purchaseId,omitempty"`
}

// SendReceipt is the server's answer to a create-message request.
type SendReceipt struct {
	Success   bool   `json:"success"`
	MessageID FlexID `json:"messageId"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ReadReceipt is the server's answer to a mark-read request.
type ReadReceipt struct {
	Success      bool   `json:"success"`
	UpdatedCount int    `json:"updatedCount"`
	Error        string `json:"error,omitempty"`
}

// FetchQuery scopes a message-list fetch to one conversation.
type FetchQuery struct {
	PurchaseID       string
	ConversationWith string
	Limit            int
	Offset           int
}

// ============================================================================
// Session Types
// ============================================================================

// Role is the local user's side of the transaction.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleUser   Role = "user"
)

// TokenProvider supplies the bearer token for API and push-channel access.
// An empty token is treated as a fatal precondition failure for any network
// operation.
type TokenProvider func() (string, error)

// StaticToken returns a TokenProvider that always yields tok.
func StaticToken(tok string) TokenProvider {
	return func() (string, error) { return tok, nil }
}
