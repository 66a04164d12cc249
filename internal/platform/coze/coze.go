// Package coze implements the platform.Platform contract for the Coze
// bot API's three-phase chat/poll/fetch flow.
package coze

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"

	"wxorc/internal/errs"
	"wxorc/internal/platform"
)

const baseURL = "https://api.coze.com"

// RegisterOn wires the coze factory into a platform.Registry.
func RegisterOn(reg *platform.Registry) {
	reg.RegisterKind("coze", New)
}

// Platform implements platform.Platform for Coze.
type Platform struct {
	id, name    string
	apiKey      string
	botID       string
	workspaceID string
	continuous  bool
	client      *http.Client
}

// New constructs a Coze platform worker from its config blob.
func New(id, name string, config map[string]interface{}) (platform.Platform, error) {
	apiKey, _ := config["api_key"].(string)
	botID, _ := config["bot_id"].(string)
	workspaceID, _ := config["workspace_id"].(string)
	continuous, _ := config["continuous_conversation"].(bool)
	if botID == "" {
		return nil, errs.ProgrammerError(fmt.Sprintf("coze platform %s: bot_id is required", id), nil)
	}
	return &Platform{
		id: id, name: name, apiKey: apiKey, botID: botID, workspaceID: workspaceID, continuous: continuous,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (p *Platform) ID() string     { return p.id }
func (p *Platform) Name() string   { return p.name }
func (p *Platform) Kind() string   { return "coze" }
func (p *Platform) Init() error    { return nil }
func (p *Platform) Cleanup() error { return nil }

func (p *Platform) TestConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/space/published_bots_list?space_id="+p.workspaceID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("coze test connection: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("coze test connection: http %d", resp.StatusCode)
	}
	return nil
}

type chatCreateRequest struct {
	BotID               string         `json:"bot_id"`
	UserID              string         `json:"user_id"`
	Stream              bool           `json:"stream"`
	AutoSaveHistory     bool           `json:"auto_save_history"`
	AdditionalMessages  []chatMessage  `json:"additional_messages"`
	ConversationID      string         `json:"conversation_id,omitempty"`
}

type chatMessage struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

type chatCreateResponse struct {
	Data struct {
		ID             string `json:"id"`
		ConversationID string `json:"conversation_id"`
		Status         string `json:"status"`
	} `json:"data"`
}

type chatRetrieveResponse struct {
	Data struct {
		Status string `json:"status"`
	} `json:"data"`
}

type chatMessageListResponse struct {
	Data []struct {
		Role    string `json:"role"`
		Type    string `json:"type"`
		Content string `json:"content"`
	} `json:"data"`
}

func (p *Platform) ProcessMessage(ctx context.Context, msg *platform.InboundMessage) *platform.Result {
	create := chatCreateRequest{
		BotID:           p.botID,
		UserID:          msg.UserID,
		Stream:          false,
		AutoSaveHistory: true,
		AdditionalMessages: []chatMessage{
			{Role: "user", Content: msg.Content, ContentType: "text"},
		},
	}
	if p.continuous {
		create.ConversationID = msg.ConversationID
	}

	created, err := p.createChat(ctx, create)
	if err != nil {
		return &platform.Result{Err: err}
	}

	if err := p.pollUntilComplete(ctx, created.Data.ConversationID, created.Data.ID); err != nil {
		return &platform.Result{Err: err}
	}

	answer, err := p.fetchAnswer(ctx, created.Data.ConversationID, created.Data.ID)
	if err != nil {
		return &platform.Result{Err: err}
	}

	result := &platform.Result{Content: answer, ShouldReply: true}
	if p.continuous {
		result.ConversationID = created.Data.ConversationID
	}
	return result
}

func (p *Platform) createChat(ctx context.Context, req chatCreateRequest) (*chatCreateResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal coze chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v3/chat", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("coze create chat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("coze create chat: http %d", resp.StatusCode)
	}

	var out chatCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode coze create response: %w", err)
	}
	return &out, nil
}

// pollUntilComplete implements the documented backoff: 3x at 1s, then
// 1.5^n capped at 5s, max 60 attempts (about 280s of sleeps in total,
// unless ctx ends the loop first).
func (p *Platform) pollUntilComplete(ctx context.Context, conversationID, chatID string) error {
	for attempt := 0; attempt < 60; attempt++ {
		q := url.Values{"conversation_id": {conversationID}, "chat_id": {chatID}}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v3/chat/retrieve?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+p.apiKey)

		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("coze retrieve: %w", err)
		}
		var out chatRetrieveResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if decodeErr != nil {
			return fmt.Errorf("decode coze retrieve response: %w", decodeErr)
		}

		switch out.Data.Status {
		case "completed":
			return nil
		case "failed":
			return fmt.Errorf("coze chat failed")
		}

		delay := pollDelay(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("coze chat did not complete within poll budget")
}

func pollDelay(attempt int) time.Duration {
	if attempt < 3 {
		return time.Second
	}
	secs := math.Pow(1.5, float64(attempt-2))
	if secs > 5 {
		secs = 5
	}
	return time.Duration(secs * float64(time.Second))
}

func (p *Platform) fetchAnswer(ctx context.Context, conversationID, chatID string) (string, error) {
	q := url.Values{"conversation_id": {conversationID}, "chat_id": {chatID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v3/chat/message/list?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("coze message list: %w", err)
	}
	defer resp.Body.Close()

	var out chatMessageListResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode coze message list: %w", err)
	}
	for _, m := range out.Data {
		if m.Role == "assistant" && m.Type == "answer" {
			return m.Content, nil
		}
	}
	return "", nil
}
