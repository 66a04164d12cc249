// Package zhiweijz implements the platform.Platform contract for the
// Zhiweijz smart-accounting backend: JWT-authenticated, auto-login on
// expiry, with a special-cased "irrelevant message" non-error outcome.
package zhiweijz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"wxorc/internal/errs"
	"wxorc/internal/platform"
)

const irrelevantMarker = "消息与记账无关"

// tokenSafetyWindow is subtracted from a token's exp claim so a login
// is triggered slightly before the server actually rejects the token.
const tokenSafetyWindow = 5 * time.Minute

// Platform implements platform.Platform for Zhiweijz.
type Platform struct {
	id, name         string
	serverURL        string
	username         string
	password         string
	accountBookID    string
	autoLogin        bool
	warnOnIrrelevant bool
	client           *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// RegisterOn wires the zhiweijz factory into a platform.Registry.
func RegisterOn(reg *platform.Registry) {
	reg.RegisterKind("zhiweijz", New)
}

// New constructs a Zhiweijz platform worker from its config blob.
func New(id, name string, config map[string]interface{}) (platform.Platform, error) {
	serverURL, _ := config["server_url"].(string)
	username, _ := config["username"].(string)
	password, _ := config["password"].(string)
	accountBookID, _ := config["account_book_id"].(string)
	autoLogin, _ := config["auto_login"].(bool)
	warnOnIrrelevant, _ := config["warn_on_irrelevant"].(bool)
	if serverURL == "" {
		return nil, errs.ProgrammerError(fmt.Sprintf("zhiweijz platform %s: server_url is required", id), nil)
	}
	return &Platform{
		id: id, name: name,
		serverURL:        strings.TrimRight(serverURL, "/"),
		username:         username, password: password, accountBookID: accountBookID,
		autoLogin:        autoLogin,
		warnOnIrrelevant: warnOnIrrelevant,
		client:           &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (p *Platform) ID() string     { return p.id }
func (p *Platform) Name() string   { return p.name }
func (p *Platform) Kind() string   { return "zhiweijz" }
func (p *Platform) Init() error    { return nil }
func (p *Platform) Cleanup() error { return nil }

func (p *Platform) TestConnection(ctx context.Context) error {
	_, err := p.ensureToken(ctx)
	if err != nil {
		return fmt.Errorf("zhiweijz test connection: %w", err)
	}
	return nil
}

type loginResponse struct {
	Token string `json:"token"`
}

func (p *Platform) login(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{"username": p.username, "password": p.password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("zhiweijz login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("zhiweijz login: http %d", resp.StatusCode)
	}

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode zhiweijz login response: %w", err)
	}
	return out.Token, nil
}

// ensureToken returns a cached, non-expiring-soon token, logging in
// again when missing or within the safety window of its exp claim. If
// auto_login is disabled, a missing/expired token is a hard error rather
// than an implicit login attempt.
func (p *Platform) ensureToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Before(p.tokenExp.Add(-tokenSafetyWindow)) {
		return p.token, nil
	}
	if !p.autoLogin {
		return "", fmt.Errorf("zhiweijz token missing or expired and auto_login is disabled")
	}

	token, err := p.login(ctx)
	if err != nil {
		return "", err
	}
	exp, err := expiryOf(token)
	if err != nil {
		return "", fmt.Errorf("parse zhiweijz token: %w", err)
	}
	p.token = token
	p.tokenExp = exp
	return token, nil
}

func (p *Platform) invalidateToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
}

func expiryOf(token string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	expFloat, err := claims.GetExpirationTime()
	if err != nil || expFloat == nil {
		return time.Time{}, fmt.Errorf("token has no exp claim")
	}
	return expFloat.Time, nil
}

type accountingResponse struct {
	Amount    string `json:"amount"`
	Category  string `json:"category"`
	Direction string `json:"direction"`
	Budget    string `json:"budget"`
}

// categoryIcons maps a category name to a display icon: the
// smart-accounting endpoint returns a bare category name, not an icon,
// so the reply formatter looks one up here.
var categoryIcons = map[string]string{
	"餐饮": "🍜", "交通": "🚌", "购物": "🛍", "娱乐": "🎮", "居住": "🏠",
	"医疗": "💊", "教育": "📚", "通讯": "📱", "旅行": "✈️", "人情": "🧧",
	"工资": "💰", "理财": "📈", "其他": "🧾",
}

func categoryIcon(category string) string {
	if icon, ok := categoryIcons[category]; ok {
		return icon
	}
	return "🧾"
}

func (p *Platform) ProcessMessage(ctx context.Context, msg *platform.InboundMessage) *platform.Result {
	result, err := p.tryAccounting(ctx, msg)
	if err != nil {
		if errs.Is(err, errs.KindPlatformIrrelevant) {
			// HTTP 400 "消息与记账无关" is not an error; should_reply
			// follows the platform's warn_on_irrelevant config.
			var classified *errs.Error
			errors.As(err, &classified)
			return &platform.Result{Content: classified.Msg, ShouldReply: p.warnOnIrrelevant}
		}
		return &platform.Result{Err: err}
	}
	return result
}

func (p *Platform) tryAccounting(ctx context.Context, msg *platform.InboundMessage) (*platform.Result, error) {
	token, err := p.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	result, status, err := p.postAccounting(ctx, token, msg)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		p.invalidateToken()
		token, err = p.ensureToken(ctx)
		if err != nil {
			return nil, err
		}
		result, status, err = p.postAccounting(ctx, token, msg)
		if err != nil {
			return nil, err
		}
	}

	if status >= 400 {
		return nil, result.asIrrelevantOrError(status)
	}
	return result.toResult(), nil
}

type postResult struct {
	raw  accountingResponse
	body string
}

func (r *postResult) asIrrelevantOrError(status int) error {
	if status == http.StatusBadRequest && strings.Contains(r.body, irrelevantMarker) {
		return errs.PlatformIrrelevant("这条消息似乎与记账无关，请发送一笔具体的收支记录。")
	}
	return fmt.Errorf("zhiweijz smart-accounting: http %d: %s", status, r.body)
}

func (r *postResult) toResult() *platform.Result {
	var sb strings.Builder
	sb.WriteString(r.raw.Direction)
	sb.WriteString(" ")
	sb.WriteString(r.raw.Amount)
	if r.raw.Category != "" {
		sb.WriteString(" · ")
		sb.WriteString(categoryIcon(r.raw.Category))
		sb.WriteString(r.raw.Category)
	}
	if r.raw.Budget != "" {
		sb.WriteString(" · 预算: ")
		sb.WriteString(r.raw.Budget)
	}
	return &platform.Result{Content: sb.String(), ShouldReply: true}
}

func (p *Platform) postAccounting(ctx context.Context, token string, msg *platform.InboundMessage) (*postResult, int, error) {
	payload := map[string]string{
		"description":   msg.Content,
		"accountBookId": p.accountBookID,
	}
	if msg.Sender != "" {
		payload["userName"] = msg.Sender
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal zhiweijz request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/api/ai/smart-accounting/direct", bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("zhiweijz smart-accounting request: %w", err)
	}
	defer resp.Body.Close()

	var rawBody bytes.Buffer
	if _, err := rawBody.ReadFrom(resp.Body); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read zhiweijz response: %w", err)
	}

	out := &postResult{body: rawBody.String()}
	if resp.StatusCode < 300 {
		if err := json.Unmarshal(rawBody.Bytes(), &out.raw); err != nil {
			return nil, resp.StatusCode, fmt.Errorf("decode zhiweijz response: %w", err)
		}
	}
	return out, resp.StatusCode, nil
}
