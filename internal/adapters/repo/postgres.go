package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tsaserv/channel-directory/internal/domain"
	"github.com/tsaserv/channel-directory/internal/infra/metrics"
)

// Postgres реализует репозитории подписок и активности на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.SubscriptionRepo = (*Postgres)(nil)
	_ domain.ActivityRepo     = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// ServerExists проверяет наличие сервера среди подписанных.
func (p *Postgres) ServerExists(ctx context.Context, server string) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var one int
	err := p.pool.QueryRow(ctx, `
SELECT 1 FROM subscribed_server WHERE name = $1
`, server).Scan(&one)
	metrics.ObserveNetworkRequest("postgres", "server_exists", "subscribed_server", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertServer добавляет сервер в список подписанных.
func (p *Postgres) InsertServer(ctx context.Context, server string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO subscribed_server (name) VALUES ($1) ON CONFLICT (name) DO NOTHING
`, server)
	metrics.ObserveNetworkRequest("postgres", "server_insert", "subscribed_server", start, err)
	return err
}

// FeedExists проверяет наличие подписки на фид.
func (p *Postgres) FeedExists(ctx context.Context, feedID, server string) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var one int
	err := p.pool.QueryRow(ctx, `
SELECT 1 FROM subscribed_node WHERE name = $1 AND server = $2
`, feedID, server).Scan(&one)
	metrics.ObserveNetworkRequest("postgres", "node_exists", "subscribed_node", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertFeed добавляет подписку на фид.
func (p *Postgres) InsertFeed(ctx context.Context, feedID, server string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO subscribed_node (name, server, items_crawled) VALUES ($1, $2, 0)
ON CONFLICT (name, server) DO NOTHING
`, feedID, server)
	metrics.ObserveNetworkRequest("postgres", "node_insert", "subscribed_node", start, err)
	return err
}

// GetCursor возвращает курсор фида и признак наличия подписки.
func (p *Postgres) GetCursor(ctx context.Context, feedID, server string) (string, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var cursor sql.NullString
	err := p.pool.QueryRow(ctx, `
SELECT last_item_crawled FROM subscribed_node WHERE name = $1 AND server = $2
`, feedID, server).Scan(&cursor)
	metrics.ObserveNetworkRequest("postgres", "cursor_get", "subscribed_node", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return cursor.String, true, nil
}

// SetCursor перезаписывает курсор фида.
func (p *Postgres) SetCursor(ctx context.Context, feedID, server, itemID string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE subscribed_node SET last_item_crawled = $1 WHERE name = $2 AND server = $3
`, itemID, feedID, server)
	metrics.ObserveNetworkRequest("postgres", "cursor_set", "subscribed_node", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("фид %s@%s не подписан", feedID, server)
	}
	return nil
}

// AddItemsCrawled увеличивает счётчик обработанных элементов фида.
func (p *Postgres) AddItemsCrawled(ctx context.Context, feedID, server string, n int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE subscribed_node SET items_crawled = items_crawled + $1 WHERE name = $2 AND server = $3
`, n, feedID, server)
	metrics.ObserveNetworkRequest("postgres", "items_crawled_add", "subscribed_node", start, err)
	return err
}

// CursorForServer возвращает курсор самого обжитого фида сервера.
func (p *Postgres) CursorForServer(ctx context.Context, server string) (string, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var cursor string
	err := p.pool.QueryRow(ctx, `
SELECT last_item_crawled FROM subscribed_node
WHERE server = $1 AND last_item_crawled IS NOT NULL
ORDER BY items_crawled DESC LIMIT 1
`, server).Scan(&cursor)
	metrics.ObserveNetworkRequest("postgres", "cursor_for_server", "subscribed_node", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return cursor, true, nil
}

// ListFeeds возвращает подписанные фиды, при пустом server — все.
func (p *Postgres) ListFeeds(ctx context.Context, server string) ([]domain.SubscribedFeed, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	query := `
SELECT name, server, COALESCE(last_item_crawled, ''), items_crawled
FROM subscribed_node`
	args := []any{}
	if server != "" {
		query += ` WHERE server = $1`
		args = append(args, server)
	}
	query += ` ORDER BY server, name`

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "node_list", "subscribed_node", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feeds []domain.SubscribedFeed
	for rows.Next() {
		var feed domain.SubscribedFeed
		if err := rows.Scan(&feed.Name, &feed.Server, &feed.LastItemCrawled, &feed.ItemsCrawled); err != nil {
			return nil, err
		}
		feeds = append(feeds, feed)
	}
	return feeds, rows.Err()
}

// GetActivity возвращает запись активности канала либо nil.
func (p *Postgres) GetActivity(ctx context.Context, channelJID string) (*domain.ActivityRecord, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var (
		detailed []byte
		record   domain.ActivityRecord
	)
	err := p.pool.QueryRow(ctx, `
SELECT detailed_activity, summarized_activity, updated, earliest
FROM channel_activity WHERE channel_jid = $1
`, channelJID).Scan(&detailed, &record.Summarized, &record.Updated, &record.Earliest)
	metrics.ObserveNetworkRequest("postgres", "activity_get", "channel_activity", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record.ChannelJID = channelJID

	var slots []domain.ActivitySlot
	if err := json.Unmarshal(detailed, &slots); err != nil {
		return nil, fmt.Errorf("разбор detailed_activity: %w", err)
	}
	if len(slots) != domain.ActivityWindowSize {
		return nil, fmt.Errorf("detailed_activity содержит %d слотов вместо %d", len(slots), domain.ActivityWindowSize)
	}
	copy(record.Window[:], slots)
	return &record, nil
}

// InsertActivity создаёт запись активности канала.
func (p *Postgres) InsertActivity(ctx context.Context, record domain.ActivityRecord) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	detailed, err := json.Marshal(record.Window[:])
	if err != nil {
		return fmt.Errorf("сериализация окна: %w", err)
	}

	start := time.Now()
	_, err = p.pool.Exec(ctx, `
INSERT INTO channel_activity (channel_jid, detailed_activity, summarized_activity, updated, earliest)
VALUES ($1, $2, $3, $4, $5)
`, record.ChannelJID, detailed, record.Summarized, record.Updated, record.Earliest)
	metrics.ObserveNetworkRequest("postgres", "activity_insert", "channel_activity", start, err)
	return err
}

// UpdateActivity заменяет окно и сумму; updated и earliest сводятся
// монотонно на стороне БД.
func (p *Postgres) UpdateActivity(ctx context.Context, record domain.ActivityRecord) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	detailed, err := json.Marshal(record.Window[:])
	if err != nil {
		return fmt.Errorf("сериализация окна: %w", err)
	}

	start := time.Now()
	_, err = p.pool.Exec(ctx, `
UPDATE channel_activity SET detailed_activity = $1, summarized_activity = $2,
updated = GREATEST($3, updated), earliest = LEAST($4, earliest)
WHERE channel_jid = $5
`, detailed, record.Summarized, record.Updated, record.Earliest, record.ChannelJID)
	metrics.ObserveNetworkRequest("postgres", "activity_update", "channel_activity", start, err)
	return err
}
