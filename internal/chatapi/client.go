// Package chatapi is the REST half of the server boundary: conversation
// listing, history snapshots, directory lookups, and uploads.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"time"

	"github.com/valyala/fasthttp"

	"zalachat/sync/internal/models"
)

const defaultTimeout = 15 * time.Second

// Client talks to the relay's HTTP API with a bearer credential.
type Client struct {
	base  string
	token string
	http  *fasthttp.Client
}

// New returns a client rooted at baseURL (no trailing slash).
func New(baseURL, token string) *Client {
	return &Client{
		base:  baseURL,
		token: token,
		http:  &fasthttp.Client{},
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Conversations lists the caller's conversations and groups.
func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := c.get(ctx, "/api/v1/chats/conversations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages fetches the history snapshot for one conversation key. The
// response is a snapshot to merge, not an incremental feed.
func (c *Client) Messages(ctx context.Context, conversationKey string) ([]models.Message, error) {
	var out []models.Message
	if err := c.get(ctx, "/api/v1/chats/messages/"+conversationKey, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// User resolves a single user's directory entry.
func (c *Client) User(ctx context.Context, userID string) (models.User, error) {
	var out models.User
	if err := c.get(ctx, "/api/v1/users/"+userID, &out); err != nil {
		return models.User{}, err
	}
	return out, nil
}

// Upload stores binary content and returns the reference URL used as the
// content of image and file messages. The bytes are opaque to the client.
func (c *Client) Upload(ctx context.Context, filename string, content []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", filename, err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("upload %s: %w", filename, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("upload %s: %w", filename, err)
	}

	var out struct {
		FileURL string `json:"fileUrl"`
	}
	if err := c.do(ctx, fasthttp.MethodPost, "/api/v1/upload", buf.Bytes(), w.FormDataContentType(), &out); err != nil {
		return "", err
	}
	return out.FileURL, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, fasthttp.MethodGet, path, nil, "", out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + path)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+c.token)
	if body != nil {
		req.SetBody(body)
		req.Header.SetContentType(contentType)
	}

	deadline := time.Now().Add(defaultTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	if resp.StatusCode() >= 400 || !env.Success {
		if env.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, env.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode())
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s %s: decode data: %w", method, path, err)
	}
	return nil
}
