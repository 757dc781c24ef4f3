package crawl

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsaserv/channel-directory/internal/domain"
	"github.com/tsaserv/channel-directory/internal/infra/metrics"
)

// Формат временных меток элементов фида: yyyy-MM-dd'T'HH:mm:ss.SSS'Z'.
const itemTimeLayout = "2006-01-02T15:04:05.000Z"

var (
	// ErrFeedNotSubscribed возвращается при попытке обойти фид без подписки.
	ErrFeedNotSubscribed = errors.New("фид не подписан")
)

// Service выполняет проход по фиду: постранично выгружает новые элементы
// до ранее обработанной границы, пишет посты в хранилище и сворачивает
// активность каналов. Единственное долговременное состояние прохода —
// курсор в реестре подписок.
type Service struct {
	registry registryService
	source   domain.FeedItemSource
	sink     domain.PostSink
	activity domain.ActivityTracker
	log      zerolog.Logger
}

// registryService — операции реестра, нужные движку обхода.
type registryService interface {
	GetCursor(ctx context.Context, feedID, server string) (string, bool)
	SetCursor(ctx context.Context, feedID, server, itemID string)
	AddItemsCrawled(ctx context.Context, feedID, server string, n int64)
}

// NewService создаёт движок обхода.
func NewService(registry registryService, source domain.FeedItemSource, sink domain.PostSink, activity domain.ActivityTracker, log zerolog.Logger) *Service {
	return &Service{registry: registry, source: source, sink: sink, activity: activity, log: log}
}

// Accepts сообщает, обходит ли движок данный фид.
func (s *Service) Accepts(feed domain.Feed) bool {
	return domain.IsPostsFeed(feed.ID)
}

// Crawl выполняет один проход по новым элементам фида. Новым курсором
// становится первый увиденный в проходе элемент: всё, что свежее него,
// будет обработано следующим проходом, всё, что старше, добирается в
// текущем. Ошибка загрузки страницы или отмена контекста прерывают
// проход без записи курсора — повторная обработка безопасна, записи
// постов идемпотентны по идентификатору элемента.
func (s *Service) Crawl(ctx context.Context, feed domain.Feed) error {
	channelID, err := domain.ChannelFromFeedID(feed.ID)
	if err != nil {
		return fmt.Errorf("адрес фида %q: %w", feed.ID, err)
	}

	afterItem, subscribed := s.registry.GetCursor(ctx, feed.ID, feed.Server)
	if !subscribed {
		return fmt.Errorf("%w: %s@%s", ErrFeedNotSubscribed, feed.ID, feed.Server)
	}

	passStart := time.Now()
	var (
		olderItemID      string
		mostRecentItemID string
		processed        int64
	)

pass:
	for {
		// Отмена учитывается только между страницами: начатая страница
		// дорабатывается, чтобы курсор пагинации не завис посреди неё.
		if err := ctx.Err(); err != nil {
			return err
		}

		fetchStart := time.Now()
		items, err := s.source.FetchPage(ctx, feed.ID, olderItemID)
		metrics.ObserveNetworkRequest("feed_source", "fetch_page", feed.Server, fetchStart, err)
		if err != nil {
			metrics.CrawlErrors.Inc()
			return fmt.Errorf("загрузка страницы фида %s: %w", feed.ID, err)
		}
		if len(items) == 0 {
			break
		}
		metrics.CrawlPagesFetched.Inc()

		for _, item := range items {
			if afterItem != "" && item.ID == afterItem {
				break pass
			}
			if mostRecentItemID == "" {
				mostRecentItemID = item.ID
			}
			olderItemID = item.ID

			if err := s.processItem(ctx, feed, channelID, item); err != nil {
				// Сбойный элемент пропускается, но продвигает курсор
				// пагинации: при наличии более новых элементов он не
				// будет обработан повторно.
				metrics.CrawlItemErrors.Inc()
				s.log.Warn().Err(err).Str("feed", feed.ID).Str("item", item.ID).Msg("crawl: элемент пропущен")
				continue
			}
			processed++
			metrics.CrawlItemsProcessed.Inc()
		}
	}

	if mostRecentItemID != "" {
		s.registry.SetCursor(ctx, feed.ID, feed.Server, mostRecentItemID)
		s.registry.AddItemsCrawled(ctx, feed.ID, feed.Server, processed)
	}
	metrics.CrawlPassSeconds.Observe(time.Since(passStart).Seconds())
	return nil
}

func (s *Service) processItem(ctx context.Context, feed domain.Feed, channelID string, item domain.RawItem) error {
	post, err := parsePost(feed.ID, channelID, item)
	if err != nil {
		return fmt.Errorf("разбор элемента: %w", err)
	}
	if err := s.sink.Write(ctx, post); err != nil {
		return fmt.Errorf("запись поста: %w", err)
	}
	if err := s.sink.Commit(ctx); err != nil {
		return fmt.Errorf("коммит поста: %w", err)
	}
	if err := s.activity.Update(ctx, post); err != nil {
		// Учёт активности best-effort относительно обхода.
		s.log.Warn().Err(err).Str("channel", channelID).Str("item", item.ID).Msg("crawl: активность не обновлена")
	}
	return nil
}

// parsePost превращает сырой элемент фида в пост.
func parsePost(feedID, channelID string, item domain.RawItem) (domain.Post, error) {
	if item.ID == "" {
		return domain.Post{}, errors.New("элемент без идентификатора")
	}
	published, err := time.Parse(itemTimeLayout, item.Published)
	if err != nil {
		return domain.Post{}, fmt.Errorf("метка published: %w", err)
	}
	updated, err := time.Parse(itemTimeLayout, item.Updated)
	if err != nil {
		return domain.Post{}, fmt.Errorf("метка updated: %w", err)
	}

	post := domain.Post{
		ID:             item.ID,
		ParentFullID:   feedID,
		ParentSimpleID: channelID,
		Author:         item.Author.Name,
		AuthorURI:      item.Author.URI,
		Content:        item.Content,
		Published:      published,
		Updated:        updated,
	}

	if item.Geoloc != nil {
		geo := &domain.Geolocation{Text: item.Geoloc.Text}
		if item.Geoloc.Lat != "" && item.Geoloc.Lon != "" {
			lat, err := strconv.ParseFloat(item.Geoloc.Lat, 64)
			if err != nil {
				return domain.Post{}, fmt.Errorf("широта: %w", err)
			}
			lng, err := strconv.ParseFloat(item.Geoloc.Lon, 64)
			if err != nil {
				return domain.Post{}, fmt.Errorf("долгота: %w", err)
			}
			geo.Lat = &lat
			geo.Lng = &lng
		}
		post.Geolocation = geo
	}
	if item.InReplyTo != nil {
		post.InReplyTo = item.InReplyTo.Ref
	}
	return post, nil
}
