package wxinstance

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"wxorc/internal/errs"
)

const defaultTimeout = 30 * time.Second

// Client is the API client for a single remote WeChat-automation
// daemon. Calls against one Client are serialised by a weighted
// semaphore of 1 — one in-flight request at a time — while different
// Clients run in parallel. A token-bucket limiter caps the sustained
// call rate so we don't trip the remote daemon's own anti-spam
// throttling.
type Client struct {
	instanceID string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	sem        *semaphore.Weighted
	limiter    *rate.Limiter
	log        *slog.Logger
}

// NewClient constructs a Client for one configured instance. A
// ratePerSecond <= 0 disables rate limiting (unbounded).
func NewClient(instanceID, baseURL, apiKey string, ratePerSecond float64, rateBurst int, log *slog.Logger) *Client {
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		if rateBurst <= 0 {
			rateBurst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), rateBurst)
	}
	return &Client{
		instanceID: instanceID,
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		sem:        semaphore.NewWeighted(1),
		limiter:    limiter,
		log:        log.With("component", "wxinstance.client", "instance_id", instanceID),
	}
}

// Initialize brings the remote WeChat client up. Required before any
// other call succeeds.
func (c *Client) Initialize(ctx context.Context) (bool, error) {
	var data struct {
		OK bool `json:"ok"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/wechat/initialize", nil, &data); err != nil {
		return false, err
	}
	return data.OK, nil
}

// Status probes remote health.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var data StatusResult
	if err := c.call(ctx, http.MethodGet, "/api/wechat/status", nil, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Send pushes a text message, optionally @-mentioning at_list.
func (c *Client) Send(ctx context.Context, chat, text string, atList []string) error {
	body := map[string]interface{}{"receiver": chat, "message": text, "at_list": atList}
	return c.call(ctx, http.MethodPost, "/api/message/send", body, nil)
}

// SendImage pushes a local image path to chat.
func (c *Client) SendImage(ctx context.Context, chat, path string) error {
	body := map[string]interface{}{"receiver": chat, "message": path, "at_list": []string{}, "type": "image"}
	return c.call(ctx, http.MethodPost, "/api/message/send", body, nil)
}

// SendFile pushes a local file path to chat.
func (c *Client) SendFile(ctx context.Context, chat, path string) error {
	body := map[string]interface{}{"receiver": chat, "message": path, "at_list": []string{}, "type": "file"}
	return c.call(ctx, http.MethodPost, "/api/message/send", body, nil)
}

// SendTyping pushes text in a character-paced "typing" mode. Chunk size
// and delay are parameters of this call; chunkSize <= 0 sends the whole
// text at once. No config key sets them: DeliveryService calls it with
// chunkSize 0 and no delay.
func (c *Client) SendTyping(ctx context.Context, chat, text string, chunkSize int, chunkDelay func()) error {
	runes := []rune(text)
	if chunkSize <= 0 {
		chunkSize = len(runes)
	}
	var acc []rune
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		acc = append(acc, runes[i:end]...)
		if err := c.Send(ctx, chat, string(acc), nil); err != nil {
			return err
		}
		if chunkDelay != nil {
			chunkDelay()
		}
	}
	return nil
}

// GetUnread performs a one-shot poll of the main window (Task A).
func (c *Client) GetUnread(ctx context.Context, savePic, saveVideo, saveFile, saveVoice, parseURL bool) ([]*Message, error) {
	q := url.Values{}
	q.Set("savePic", strconv.FormatBool(savePic))
	q.Set("saveVideo", strconv.FormatBool(saveVideo))
	q.Set("saveFile", strconv.FormatBool(saveFile))
	q.Set("saveVoice", strconv.FormatBool(saveVoice))
	q.Set("parseUrl", strconv.FormatBool(parseURL))

	var data []*Message
	if err := c.call(ctx, http.MethodGet, "/api/message/get-next-new?"+q.Encode(), nil, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// AddListener subscribes to a chat (Task C re-arm, manual add, fixed-listener reconcile).
func (c *Client) AddListener(ctx context.Context, chat string, savePic, saveVideo, saveFile, saveVoice bool) error {
	body := map[string]interface{}{"who": chat, "savePic": savePic, "saveVideo": saveVideo, "saveFile": saveFile, "saveVoice": saveVoice}
	return c.call(ctx, http.MethodPost, "/api/message/listen/add", body, nil)
}

// RemoveListener unsubscribes from a chat (timeout transition to inactive).
func (c *Client) RemoveListener(ctx context.Context, chat string) error {
	body := map[string]interface{}{"who": chat}
	return c.call(ctx, http.MethodPost, "/api/message/listen/remove", body, nil)
}

// GetListenerMessages fetches pending messages for a subscribed chat (Task B).
func (c *Client) GetListenerMessages(ctx context.Context, chat string) ([]*Message, error) {
	q := url.Values{}
	q.Set("who", chat)

	var data []*Message
	if err := c.call(ctx, http.MethodGet, "/api/message/listen/get?"+q.Encode(), nil, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// call performs one serialised HTTP round trip against the instance,
// decoding the {code, message, data} envelope.
func (c *Client) call(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return errs.TransientNetwork("acquire instance call slot", err)
	}
	defer c.sem.Release(1)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errs.TransientNetwork("wait for instance rate limit", err)
		}
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errs.ProgrammerError("marshal request body", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return errs.ProgrammerError("build request", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.TransientNetwork("instance request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.TransientNetwork("read instance response", err)
	}

	if resp.StatusCode >= 400 {
		return errs.RemoteBusiness("instance api error", &APIError{HTTPStatus: resp.StatusCode, Message: string(raw)})
	}

	var wrapper struct {
		envelope
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return errs.TransientNetwork("decode instance envelope", err)
	}
	if wrapper.Code != 0 {
		return errs.RemoteBusiness("instance api error", &APIError{HTTPStatus: resp.StatusCode, Code: wrapper.Code, Message: wrapper.Message})
	}
	if out != nil && len(wrapper.Data) > 0 {
		if err := json.Unmarshal(wrapper.Data, out); err != nil {
			return errs.TransientNetwork("decode instance data", err)
		}
	}
	return nil
}
