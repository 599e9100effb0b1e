package tavus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Client talks to the conversation provisioning API. It never retries; the
// session controller owns retry policy.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient builds a client. A nil httpClient uses a plain http.Client
// without its own timeout; cancellation comes from the caller's context.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  httpClient,
	}
}

func (c *Client) CreateConversation(ctx context.Context, token string, cfg SessionConfig) (Conversation, error) {
	payload, err := json.Marshal(NewCreateRequest(cfg))
	if err != nil {
		return Conversation{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/conversations", bytes.NewReader(payload))
	if err != nil {
		return Conversation{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", token)

	res, err := c.client.Do(httpReq)
	if err != nil {
		return Conversation{}, &NetworkError{Op: "send create request", Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Conversation{}, &ProvisioningError{Status: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var conv Conversation
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&conv); err != nil {
		return Conversation{}, &NetworkError{Op: "decode create response", Err: err}
	}
	if strings.TrimSpace(conv.ID) == "" || strings.TrimSpace(conv.URL) == "" {
		return Conversation{}, &NetworkError{
			Op:  "decode create response",
			Err: errors.New("response is missing conversation_id or conversation_url"),
		}
	}
	return conv, nil
}

func (c *Client) EndConversation(ctx context.Context, token, conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return &TerminationError{Err: errors.New("empty conversation id")}
	}
	endpoint := c.baseURL + "/v2/conversations/" + url.PathEscape(conversationID) + "/end"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return &TerminationError{ConversationID: conversationID, Err: err}
	}
	httpReq.Header.Set("x-api-key", token)

	res, err := c.client.Do(httpReq)
	if err != nil {
		return &TerminationError{ConversationID: conversationID, Err: err}
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &TerminationError{ConversationID: conversationID, Status: res.StatusCode}
	}
	return nil
}
