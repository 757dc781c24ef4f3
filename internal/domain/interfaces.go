package domain

import (
	"context"
	"time"
)

// FeedItemSource отдаёт страницы элементов фида, от новых к старым.
// Пустая страница означает конец доступной истории. afterItemID задаёт
// курсор пагинации: вернуть элементы строго старше указанного.
type FeedItemSource interface {
	FetchPage(ctx context.Context, feedID, afterItemID string) ([]RawItem, error)
}

// PostSink — долговременное хранилище постов с семантикой write-then-commit.
type PostSink interface {
	Write(ctx context.Context, post Post) error
	Commit(ctx context.Context) error
}

// ChannelDirectory проверяет, зарегистрирован ли канал в директории.
type ChannelDirectory interface {
	IsRegistered(ctx context.Context, channelJID string) (bool, error)
}

// ActivityTracker сворачивает принятый пост в гистограмму активности канала.
type ActivityTracker interface {
	Update(ctx context.Context, post Post) error
}

// SubscriptionRepo — хранилище подписанных серверов и фидов.
type SubscriptionRepo interface {
	ServerExists(ctx context.Context, server string) (bool, error)
	InsertServer(ctx context.Context, server string) error
	FeedExists(ctx context.Context, feedID, server string) (bool, error)
	InsertFeed(ctx context.Context, feedID, server string) error
	// GetCursor возвращает курсор фида и признак наличия подписки.
	GetCursor(ctx context.Context, feedID, server string) (string, bool, error)
	SetCursor(ctx context.Context, feedID, server, itemID string) error
	AddItemsCrawled(ctx context.Context, feedID, server string, n int64) error
	// CursorForServer возвращает курсор фида с наибольшим items_crawled.
	CursorForServer(ctx context.Context, server string) (string, bool, error)
	ListFeeds(ctx context.Context, server string) ([]SubscribedFeed, error)
}

// ActivityRepo — хранилище записей активности каналов.
type ActivityRepo interface {
	// GetActivity возвращает nil, если записи для канала ещё нет.
	GetActivity(ctx context.Context, channelJID string) (*ActivityRecord, error)
	InsertActivity(ctx context.Context, record ActivityRecord) error
	// UpdateActivity заменяет окно и сумму; updated/earliest сводятся
	// через GREATEST/LEAST на стороне хранилища.
	UpdateActivity(ctx context.Context, record ActivityRecord) error
}

// Cache используется для простых TTL-хранилищ и блокировок.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
