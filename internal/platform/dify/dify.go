// Package dify implements the platform.Platform contract for a Dify
// chat-app backend.
package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wxorc/internal/errs"
	"wxorc/internal/platform"
)

// RegisterOn wires the dify factory into a platform.Registry.
func RegisterOn(reg *platform.Registry) {
	reg.RegisterKind("dify", New)
}

// Platform implements platform.Platform for Dify.
type Platform struct {
	id, name string
	apiBase  string
	apiKey   string
	userID   string
	sendMode string
	client   *http.Client
}

// New constructs a Dify platform worker from its config blob.
func New(id, name string, config map[string]interface{}) (platform.Platform, error) {
	apiBase, _ := config["api_base"].(string)
	apiKey, _ := config["api_key"].(string)
	userID, _ := config["user_id"].(string)
	sendMode, _ := config["message_send_mode"].(string)
	if apiBase == "" {
		return nil, errs.ProgrammerError(fmt.Sprintf("dify platform %s: api_base is required", id), nil)
	}
	if sendMode == "" {
		sendMode = "normal"
	}
	return &Platform{
		id: id, name: name, apiBase: strings.TrimRight(apiBase, "/"), apiKey: apiKey, userID: userID, sendMode: sendMode,
		client: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (p *Platform) ID() string   { return p.id }
func (p *Platform) Name() string { return p.name }
func (p *Platform) Kind() string { return "dify" }
func (p *Platform) Init() error  { return nil }
func (p *Platform) Cleanup() error { return nil }

// documentExtensions and imageExtensions classify an attachment by
// extension into Dify's two upload file types.
var documentExtensions = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".md": true, ".txt": true, ".csv": true,
	".html": true, ".eml": true, ".msg": true, ".xml": true, ".epub": true,
}
var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".svg": true,
}

func (p *Platform) TestConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/parameters", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("dify test connection: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("dify test connection: http %d", resp.StatusCode)
	}
	return nil
}

func (p *Platform) uploadFile(ctx context.Context, path string) (uploadFileID, kind string, err error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case documentExtensions[ext]:
		kind = "document"
	case imageExtensions[ext]:
		kind = "image"
	default:
		kind = "document"
	}

	f, err := os.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", "", err
	}
	_ = w.WriteField("user", p.userID)
	if err := w.Close(); err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/files/upload", &buf)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("dify upload: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("decode dify upload response: %w", err)
	}
	return out.ID, kind, nil
}

type chatRequest struct {
	Inputs         map[string]interface{} `json:"inputs"`
	Query          string                 `json:"query"`
	ResponseMode   string                 `json:"response_mode"`
	User           string                 `json:"user"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Files          []chatFile             `json:"files,omitempty"`
}

type chatFile struct {
	UploadFileID   string `json:"upload_file_id"`
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
}

type chatResponse struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
}

func (p *Platform) ProcessMessage(ctx context.Context, msg *platform.InboundMessage) *platform.Result {
	req := chatRequest{
		Inputs:         map[string]interface{}{},
		Query:          msg.Content,
		ResponseMode:   "blocking",
		User:           userOrDefault(p.userID, msg.UserID),
		ConversationID: msg.ConversationID,
	}

	if msg.AttachmentPath != "" && msg.AttachmentType != "none" {
		fileID, kind, err := p.uploadFile(ctx, msg.AttachmentPath)
		if err != nil {
			return &platform.Result{Err: fmt.Errorf("dify attachment upload: %w", err)}
		}
		req.Files = []chatFile{{UploadFileID: fileID, Type: kind, TransferMethod: "local_file"}}
	}

	resp, status, err := p.send(ctx, req)
	if err != nil {
		return &platform.Result{Err: err}
	}

	// On HTTP 404 with a conversation_id, retry once without it and
	// instruct the caller to invalidate the stored mapping.
	if status == http.StatusNotFound && req.ConversationID != "" {
		req.ConversationID = ""
		resp, status, err = p.send(ctx, req)
		if err != nil {
			return &platform.Result{Err: errs.SessionInvalid("dify retry without conversation_id", err), SessionInvalid: true}
		}
		if status >= 400 {
			return &platform.Result{Err: errs.SessionInvalid("dify retry without conversation_id", fmt.Errorf("http %d", status)), SessionInvalid: true}
		}
		return &platform.Result{Content: resp.Answer, ShouldReply: true, ConversationID: resp.ConversationID, SessionInvalid: true}
	}

	if status >= 400 {
		return &platform.Result{Err: fmt.Errorf("dify chat-messages: http %d", status)}
	}

	return &platform.Result{Content: resp.Answer, ShouldReply: true, ConversationID: resp.ConversationID, Raw: resp}
}

func (p *Platform) send(ctx context.Context, req chatRequest) (*chatResponse, int, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal dify request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat-messages", bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("dify chat-messages request: %w", err)
	}
	defer resp.Body.Close()

	var out chatResponse
	if resp.StatusCode < 400 {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, resp.StatusCode, fmt.Errorf("decode dify response: %w", err)
		}
	}
	return &out, resp.StatusCode, nil
}

func userOrDefault(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}
