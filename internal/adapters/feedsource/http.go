package feedsource

import (
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

// HTTPSource читает страницы элементов фида через HTTP-шлюз pubsub.
// Сессия и проводной протокол федерации остаются на стороне шлюза;
// адаптеру видны только постраничные выборки от новых к старым.
type HTTPSource struct {
	httpClient *http.Client
	baseURL    string
}

var _ domain.FeedItemSource = (*HTTPSource)(nil)

// NewHTTPSource создаёт источник элементов фида.
func NewHTTPSource(baseURL string, timeout time.Duration) (*HTTPSource, error) {
	if baseURL == "" {
		return nil, errors.New("gateway url is empty")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSource{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}, nil
}

type wireAuthor struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}

type wireGeoloc struct {
	Text string `json:"text,omitempty"`
	Lat  string `json:"lat,omitempty"`
	Lon  string `json:"lon,omitempty"`
}

type wireReply struct {
	Ref string `json:"ref"`
}

type wireItem struct {
	ID        string      `json:"id"`
	Author    wireAuthor  `json:"author"`
	Content   string      `json:"content"`
	Published string      `json:"published"`
	Updated   string      `json:"updated"`
	Geoloc    *wireGeoloc `json:"geoloc,omitempty"`
	InReplyTo *wireReply  `json:"in_reply_to,omitempty"`
}

// FetchPage возвращает страницу элементов фида, пустой срез — конец истории.
func (s *HTTPSource) FetchPage(ctx context.Context, feedID, afterItemID string) ([]domain.RawItem, error) {
	query := url.Values{}
	query.Set("feed", feedID)
	if afterItemID != "" {
		query.Set("after", afterItemID)
	}
	endpoint := s.baseURL + "/items?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	start := time.Now()
	resp, err := s.httpClient.Do(req)
	metrics.ObserveNetworkRequest("pubsub_gateway", "fetch_items", feedID, start, err)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("fetch items failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var wireItems []wireItem
	if err := json.NewDecoder(resp.Body).Decode(&wireItems); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}

	items := make([]domain.RawItem, 0, len(wireItems))
	for _, w := range wireItems {
		item := domain.RawItem{
			ID:        w.ID,
			Author:    domain.RawAuthor{Name: w.Author.Name, URI: w.Author.URI},
			Content:   w.Content,
			Published: w.Published,
			Updated:   w.Updated,
		}
		if w.Geoloc != nil {
			item.Geoloc = &domain.RawGeoloc{Text: w.Geoloc.Text, Lat: w.Geoloc.Lat, Lon: w.Geoloc.Lon}
		}
		if w.InReplyTo != nil {
			item.InReplyTo = &domain.RawReply{Ref: w.InReplyTo.Ref}
		}
		items = append(items, item)
	}
	return items, nil
}
