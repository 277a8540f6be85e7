package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/c-pro/geche"

	"parley/internal/models"
)

const (
	DefaultTimeout  = 15 * time.Second
	DefaultCacheTTL = 5 * time.Minute
)

var ErrUnauthorized = errors.New("unauthorized")

// StatusError is returned for every non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.Code == http.StatusUnauthorized
}

type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	CacheTTL   time.Duration
	Logger     *slog.Logger
}

// Client talks to the conversation, message, upload and auth endpoints.
// Every request carries the bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *slog.Logger

	// peer id -> conversation
	conversations geche.Geche[int64, models.Conversation]
}

// NewClient creates a client. ctx bounds the lifetime of the conversation
// cache cleanup.
func NewClient(ctx context.Context, config Config) *Client {
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL:       strings.TrimSuffix(config.BaseURL, "/"),
		token:         config.Token,
		http:          config.HTTPClient,
		log:           config.Logger,
		conversations: geche.NewMapTTLCache[int64, models.Conversation](ctx, config.CacheTTL, time.Minute),
	}
}

// SocketURL returns the websocket endpoint matching the base URL.
func (c *Client) SocketURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + PathSocket
}

func (c *Client) Login(ctx context.Context, email, password string) (LoginResponse, error) {
	var resp LoginResponse
	err := c.doJSON(ctx, http.MethodPost, PathLogin, LoginRequest{Email: email, Password: password}, &resp)
	if err != nil {
		return LoginResponse{}, fmt.Errorf("login: %w", err)
	}
	if resp.Token == "" || resp.User.ID == 0 {
		return LoginResponse{}, errors.New("login: response without token or user")
	}
	return resp, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var wire []models.WireConversation
	if err := c.doJSON(ctx, http.MethodGet, PathConversations, nil, &wire); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	result := make([]models.Conversation, 0, len(wire))
	for _, w := range wire {
		result = append(result, w.Conversation())
	}
	return result, nil
}

// GetOrCreateConversation returns the conversation with peerID, creating it
// on the server when needed. Results are cached per peer.
func (c *Client) GetOrCreateConversation(ctx context.Context, peerID int64) (models.Conversation, error) {
	if conv, err := c.conversations.Get(peerID); err == nil {
		return conv, nil
	}

	var wire models.WireConversation
	if err := c.doJSON(ctx, http.MethodPost, PathConversations, ConversationRequest{PeerID: peerID}, &wire); err != nil {
		return models.Conversation{}, fmt.Errorf("get or create conversation with %d: %w", peerID, err)
	}
	conv := wire.Conversation()
	c.conversations.Set(peerID, conv)
	return conv, nil
}

// ForgetConversation drops the cached conversation with peerID.
func (c *Client) ForgetConversation(peerID int64) {
	_ = c.conversations.Del(peerID)
}

// ListMessages returns the messages of a conversation, oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	var wire []models.WireMessage
	if err := c.doJSON(ctx, http.MethodGet, ConversationMessagesPath(conversationID), nil, &wire); err != nil {
		return nil, fmt.Errorf("list messages of %d: %w", conversationID, err)
	}
	result := make([]models.Message, 0, len(wire))
	for _, w := range wire {
		m := w.ToMessage()
		if m.ConversationID == 0 {
			m.ConversationID = conversationID
		}
		result = append(result, m)
	}
	return result, nil
}

// SendMessage is the fallback send path used while the socket is down.
func (c *Client) SendMessage(ctx context.Context, receiverID int64, body string, kind models.Kind) (models.Message, error) {
	req := models.SendFrame{ReceiverID: receiverID, Message: body, MessageType: kind}
	var wire models.WireMessage
	if err := c.doJSON(ctx, http.MethodPost, PathMessages, req, &wire); err != nil {
		return models.Message{}, fmt.Errorf("send message: %w", err)
	}
	if wire.ID == 0 {
		return models.Message{}, errors.New("send message: response without id")
	}
	return wire.ToMessage(), nil
}

// Upload posts one file as multipart form data and returns its URL.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, http.MethodPost, PathUpload, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp UploadResponse
	if err := c.do(req, &resp); err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if resp.URL == "" {
		return "", fmt.Errorf("upload %s: response without url", name)
	}
	return resp.URL, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.Debug("request failed", "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode)
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
