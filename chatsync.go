// Package chatsync implements the real-time message delivery and
// synchronization core of the Ticketon transactional chat layer.
//
// One ChatSession binds a buyer and a seller to the conversation of a single
// purchase transaction. Messages travel over a push channel (websocket) when
// it is available and fall back to HTTP delivery and periodic polling when it
// is not. The session keeps an ordered, deduplicated local message store and
// reconciles it against the server-authoritative list.
//
// Example:
//
//	client := chatsync.NewClient(chatsync.StaticToken(token))
//
//	sess, _ := chatsync.NewSession(client, chatsync.SessionConfig{
//		UserID:        "7",
//		TransactionID: "XJ2HR85VVGH4",
//		OtherUserID:   "12",
//		Role:          chatsync.RoleBuyer,
//	})
//	sess.OnChange(func(msgs []chatsync.Message) { render(msgs) })
//	sess.Open(ctx)
//	defer sess.Close()
//
//	sess.Send(ctx, "hello")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://ticketon.kr"
	DefaultTimeout = 15 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the marketplace message API. It is safe for concurrent use
// and is typically shared across sessions.
type Client struct {
	baseURL    string
	token      TokenProvider
	httpClient *http.Client
	log        zerolog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets the structured logger. The default logger is disabled.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a message API client. The token provider is consulted on
// every request; a missing token fails the request with ErrNoAuthToken.
func NewClient(token TokenProvider, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured API origin.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	if c.token == nil {
		return nil, ErrNoAuthToken
	}
	tok, err := c.token()
	if err != nil {
		return nil, fmt.Errorf("token provider: %w", err)
	}
	if tok == "" {
		return nil, ErrNoAuthToken
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if json.Unmarshal(data, &apiErr) == nil {
			if apiErr.Error != "" {
				msg = apiErr.Error
			} else if apiErr.Message != "" {
				msg = apiErr.Message
			}
		}
		return nil, &APIError{Code: strconv.Itoa(resp.StatusCode), Message: msg}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Message API Methods
// ============================================================================

// PostMessage creates a message through the HTTP channel. This is the
// fallback delivery path; the push channel is tried first when active.
func (c *Client) PostMessage(ctx context.Context, req *SendRequest) (*SendReceipt, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyMessage
	}
	if req.SenderID == "" {
		return nil, ErrIdentityNotReady
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/api/messages", req, nil)
	if err != nil {
		return nil, err
	}
	receipt, err := decodeJSON[SendReceipt](data)
	if err != nil {
		return nil, err
	}
	if !receipt.Success {
		msg := receipt.Error
		if msg == "" {
			msg = "message create failed"
		}
		return receipt, &APIError{Message: msg}
	}
	c.log.Debug().Str("messageId", receipt.MessageID.String()).Msg("message created over HTTP")
	return receipt, nil
}

// FetchMessages retrieves the authoritative message list for a conversation.
// A cache-busting timestamp parameter is always attached.
func (c *Client) FetchMessages(ctx context.Context, q *FetchQuery) (*Conversation, error) {
	params := url.Values{}
	if q.PurchaseID != "" {
		params.Set("purchaseId", q.PurchaseID)
	}
	if q.ConversationWith != "" {
		params.Set("conversationWith", q.ConversationWith)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	params.Set("_t", strconv.FormatInt(time.Now().UnixMilli(), 10))

	data, err := c.doRequest(ctx, http.MethodGet, "/api/messages", nil, params)
	if err != nil {
		return nil, err
	}
	conv, err := decodeJSON[Conversation](data)
	if err != nil {
		return nil, err
	}
	if !conv.Success {
		msg := conv.Error
		if msg == "" {
			msg = "message fetch failed"
		}
		return conv, &APIError{Message: msg}
	}
	return conv, nil
}

// MarkRead flags every unread message addressed to userID in roomID as read.
// Returns the number of messages the server updated.
func (c *Client) MarkRead(ctx context.Context, roomID, userID string) (int, error) {
	if roomID == "" {
		return 0, ErrRoomNotReady
	}
	if userID == "" {
		return 0, ErrIdentityNotReady
	}
	body := map[string]string{"roomId": roomID, "userId": userID}
	data, err := c.doRequest(ctx, http.MethodPost, "/api/messages/read", body, nil)
	if err != nil {
		return 0, err
	}
	receipt, err := decodeJSON[ReadReceipt](data)
	if err != nil {
		return 0, err
	}
	if !receipt.Success {
		msg := receipt.Error
		if msg == "" {
			msg = "mark read failed"
		}
		return 0, &APIError{Message: msg}
	}
	return receipt.UpdatedCount, nil
}
