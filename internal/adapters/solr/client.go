package solr

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
	"time"

	"github.com/tsaserv/channel-directory/internal/domain"
	"github.com/tsaserv/channel-directory/internal/infra/metrics"
)

// Client пишет посты в поисковый индекс и проверяет регистрацию каналов
// через HTTP API Solr. Устройство индекса остаётся снаружи: адаптер
// знает только эндпоинты update и select двух ядер.
type Client struct {
	httpClient     *http.Client
	postCoreURL    string
	channelCoreURL string
}

var (
	_ domain.PostSink         = (*Client)(nil)
	_ domain.ChannelDirectory = (*Client)(nil)
)

// NewClient создаёт адаптер индекса.
func NewClient(postCoreURL, channelCoreURL string, timeout time.Duration) (*Client, error) {
	if postCoreURL == "" {
		return nil, errors.New("post core url is empty")
	}
	if channelCoreURL == "" {
		return nil, errors.New("channel core url is empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient:     &http.Client{Timeout: timeout},
		postCoreURL:    strings.TrimRight(postCoreURL, "/"),
		channelCoreURL: strings.TrimRight(channelCoreURL, "/"),
	}, nil
}

// Write отправляет документ поста в ядро постов.
func (c *Client) Write(ctx context.Context, post domain.Post) error {
	doc := map[string]any{
		"id":              post.ID,
		"parent_simpleid": post.ParentSimpleID,
		"parent_fullid":   post.ParentFullID,
		"author":          post.Author,
		"author-uri":      post.AuthorURI,
		"content":         post.Content,
		"updated":         post.Updated.UTC().Format(time.RFC3339),
		"published":       post.Published.UTC().Format(time.RFC3339),
	}
	if post.InReplyTo != "" {
		doc["inreplyto"] = post.InReplyTo
	}
	if geo := post.Geolocation; geo != nil {
		if geo.Lat != nil && geo.Lng != nil {
			doc["geoloc"] = fmt.Sprintf("%.2f,%.2f", *geo.Lat, *geo.Lng)
		}
		if geo.Text != "" {
			doc["geoloc_text"] = geo.Text
		}
	}

	payload, err := json.Marshal([]map[string]any{doc})
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	return c.update(ctx, "write", payload)
}

// Commit делает записанные документы видимыми для поиска.
func (c *Client) Commit(ctx context.Context) error {
	return c.update(ctx, "commit", []byte(`{"commit":{}}`))
}

func (c *Client) update(ctx context.Context, operation string, payload []byte) error {
	endpoint := c.postCoreURL + "/update"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveNetworkRequest("solr", operation, "posts", start, err)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s failed: status %d: %s", operation, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}

// IsRegistered проверяет наличие канала в ядре каналов.
func (c *Client) IsRegistered(ctx context.Context, channelJID string) (bool, error) {
	query := url.Values{}
	query.Set("q", "jid:"+escapeQuery(channelJID))
	query.Set("wt", "json")
	query.Set("rows", "0")
	endpoint := c.channelCoreURL + "/select?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveNetworkRequest("solr", "select", "channels", start, err)
	if err != nil {
		return false, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, fmt.Errorf("select failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var result struct {
		Response struct {
			NumFound int64 `json:"numFound"`
		} `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return result.Response.NumFound > 0, nil
}

// escapeQuery экранирует спецсимволы запроса Solr в JID канала.
func escapeQuery(jid string) string {
	var b strings.Builder
	for _, r := range jid {
		switch r {
		case '+', '-', '&', '|', '!', '(', ')', '{', '}', '[', ']', '^', '"', '~', '*', '?', ':', '\\', '/':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
