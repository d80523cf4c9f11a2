package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/matheus3301/msync/internal/apierr"
	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/model"
	"go.uber.org/zap"
)

const maxErrorBody = 64 << 10

// Credentials supplies what every REST call carries.
type Credentials interface {
	Token() string
	SessionKey() string
}

// Client is the REST fallback used when the socket is unavailable, and the
// only path for uploads, read marks and deletions.
type Client struct {
	base   *url.URL
	http   *http.Client
	creds  Credentials
	bus    *bus.Bus
	logger *zap.Logger
}

// New creates a REST client rooted at baseURL (e.g. https://chat.example.com).
func New(baseURL string, timeout time.Duration, creds Credentials, b *bus.Bus, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parse api url: unsupported scheme %q", u.Scheme)
	}
	return &Client{
		base:   u,
		http:   &http.Client{Timeout: timeout},
		creds:  creds,
		bus:    b,
		logger: logger,
	}, nil
}

// ListChats returns the full chat list.
func (c *Client) ListChats(ctx context.Context) ([]model.Chat, error) {
	var out struct {
		Chats []model.Chat `json:"chats"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/chats", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return out.Chats, nil
}

// GetChat returns one chat.
func (c *Client) GetChat(ctx context.Context, chatID int64) (model.Chat, error) {
	var out struct {
		Chat model.Chat `json:"chat"`
	}
	if err := c.do(ctx, http.MethodGet, chatPath(chatID), nil, nil, &out); err != nil {
		return model.Chat{}, fmt.Errorf("get chat %d: %w", chatID, err)
	}
	return out.Chat, nil
}

// ListMessages returns one page of history, newest last. beforeID is the
// pagination cursor; nil fetches the latest page.
func (c *Client) ListMessages(ctx context.Context, chatID int64, limit int, beforeID *int64, forceRefresh bool) ([]model.Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if beforeID != nil {
		q.Set("before_id", strconv.FormatInt(*beforeID, 10))
	}
	if forceRefresh {
		q.Set("force_refresh", "true")
	}
	var out struct {
		Messages []model.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, chatPath(chatID)+"/messages", q, nil, &out); err != nil {
		return nil, fmt.Errorf("list messages of chat %d: %w", chatID, err)
	}
	for i := range out.Messages {
		if out.Messages[i].ChatID == 0 {
			out.Messages[i].ChatID = chatID
		}
	}
	return out.Messages, nil
}

type sendRequest struct {
	Text      string `json:"text"`
	ReplyToID *int64 `json:"reply_to_id,omitempty"`
}

// SendMessage posts a text message and returns the server's copy.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, replyToID *int64) (model.Message, error) {
	body, err := json.Marshal(sendRequest{Text: text, ReplyToID: replyToID})
	if err != nil {
		return model.Message{}, err
	}
	var out struct {
		Message model.Message `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, chatPath(chatID)+"/messages", nil, jsonBody(body), &out); err != nil {
		return model.Message{}, fmt.Errorf("send message to chat %d: %w", chatID, err)
	}
	if out.Message.ChatID == 0 {
		out.Message.ChatID = chatID
	}
	return out.Message, nil
}

// Upload is one media attachment.
type Upload struct {
	Type      model.MessageType
	FileName  string
	Content   io.Reader
	ReplyToID *int64
}

// UploadMedia posts a media message as multipart form data.
func (c *Client) UploadMedia(ctx context.Context, chatID int64, up Upload) (model.Message, error) {
	if !up.Type.IsMedia() {
		return model.Message{}, fmt.Errorf("upload to chat %d: %q is not a media type", chatID, up.Type)
	}
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	if err := w.WriteField("message_type", string(up.Type)); err != nil {
		return model.Message{}, err
	}
	if up.ReplyToID != nil {
		if err := w.WriteField("reply_to_id", strconv.FormatInt(*up.ReplyToID, 10)); err != nil {
			return model.Message{}, err
		}
	}
	part, err := w.CreateFormFile("file", up.FileName)
	if err != nil {
		return model.Message{}, err
	}
	if _, err := io.Copy(part, up.Content); err != nil {
		return model.Message{}, fmt.Errorf("read upload %s: %w", up.FileName, err)
	}
	if err := w.Close(); err != nil {
		return model.Message{}, err
	}

	var out struct {
		Message model.Message `json:"message"`
	}
	req := &body{contentType: w.FormDataContentType(), data: buf.Bytes()}
	if err := c.do(ctx, http.MethodPost, chatPath(chatID)+"/messages/upload", nil, req, &out); err != nil {
		return model.Message{}, fmt.Errorf("upload to chat %d: %w", chatID, err)
	}
	if out.Message.ChatID == 0 {
		out.Message.ChatID = chatID
	}
	return out.Message, nil
}

// MarkRead marks a message read.
func (c *Client) MarkRead(ctx context.Context, chatID, messageID int64) error {
	p := fmt.Sprintf("%s/messages/%d/read", chatPath(chatID), messageID)
	if err := c.do(ctx, http.MethodPost, p, nil, nil, nil); err != nil {
		return fmt.Errorf("mark message %d read: %w", messageID, err)
	}
	return nil
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	p := fmt.Sprintf("%s/messages/%d", chatPath(chatID), messageID)
	if err := c.do(ctx, http.MethodDelete, p, nil, nil, nil); err != nil {
		return fmt.Errorf("delete message %d: %w", messageID, err)
	}
	return nil
}

// CreatePersonalChat opens (or returns the existing) direct chat with userID.
func (c *Client) CreatePersonalChat(ctx context.Context, userID int64) (model.Chat, error) {
	data, err := json.Marshal(map[string]int64{"user_id": userID})
	if err != nil {
		return model.Chat{}, err
	}
	var out struct {
		Chat model.Chat `json:"chat"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/chats/personal", nil, jsonBody(data), &out); err != nil {
		return model.Chat{}, fmt.Errorf("create personal chat: %w", err)
	}
	return out.Chat, nil
}

// CreateGroupChat creates a group chat.
func (c *Client) CreateGroupChat(ctx context.Context, title string, memberIDs []int64) (model.Chat, error) {
	data, err := json.Marshal(struct {
		Title     string  `json:"title"`
		MemberIDs []int64 `json:"member_ids"`
	}{title, memberIDs})
	if err != nil {
		return model.Chat{}, err
	}
	var out struct {
		Chat model.Chat `json:"chat"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/chats/group", nil, jsonBody(data), &out); err != nil {
		return model.Chat{}, fmt.Errorf("create group chat: %w", err)
	}
	return out.Chat, nil
}

// FileURL is the download URL of an uploaded file, authorized by the
// session key in the query string.
func (c *Client) FileURL(path string) string {
	u := *c.base
	u.Path = u.Path + "/api/files/" + strings.TrimLeft(path, "/")
	q := url.Values{}
	q.Set("session_key", c.creds.SessionKey())
	u.RawQuery = q.Encode()
	return u.String()
}

type body struct {
	contentType string
	data        []byte
}

func jsonBody(data []byte) *body {
	return &body{contentType: "application/json", data: data}
}

func chatPath(chatID int64) string {
	return "/api/chats/" + strconv.FormatInt(chatID, 10)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in *body, out any) error {
	token := c.creds.Token()
	if token == "" {
		return apierr.ErrNotAuthenticated
	}

	u := *c.base
	u.Path = u.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var rd io.Reader
	if in != nil {
		rd = bytes.NewReader(in.data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if key := c.creds.SessionKey(); key != "" {
		req.Header.Set("X-Session-Key", key)
	}
	if in != nil {
		req.Header.Set("Content-Type", in.contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("rest request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return err
	}
	defer resp.Body.Close()
	c.logger.Debug("rest request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if resp.StatusCode == http.StatusUnauthorized {
			c.bus.Emit(bus.AuthRejected, nil)
		}
		return apierr.FromStatus(resp.StatusCode, errorMessage(raw))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &apierr.DecodeError{What: method + " " + path, Err: err}
	}
	return nil
}

// errorMessage extracts a human message from an error body, whatever key
// the backend used for it.
func errorMessage(raw []byte) string {
	if !gjson.ValidBytes(raw) {
		return strings.TrimSpace(string(raw))
	}
	for _, key := range []string{"message", "detail", "error"} {
		if v := gjson.GetBytes(raw, key); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}
