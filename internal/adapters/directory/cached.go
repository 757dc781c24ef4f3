package directory

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsaserv/channel-directory/internal/domain"
)

const cacheKeyPrefix = "channel_registered:"

// Cached снижает нагрузку на директорию каналов, кэшируя результаты
// проверки регистрации в TTL-хранилище. Сбои кэша не влияют на ответ:
// запрос уходит в директорию напрямую.
type Cached struct {
	inner domain.ChannelDirectory
	cache domain.Cache
	ttl   time.Duration
	log   zerolog.Logger
}

var _ domain.ChannelDirectory = (*Cached)(nil)

// NewCached создаёт кэширующую обёртку директории.
func NewCached(inner domain.ChannelDirectory, cache domain.Cache, ttl time.Duration, log zerolog.Logger) *Cached {
	return &Cached{inner: inner, cache: cache, ttl: ttl, log: log}
}

// IsRegistered проверяет регистрацию канала, используя кэш.
func (c *Cached) IsRegistered(ctx context.Context, channelJID string) (bool, error) {
	key := cacheKeyPrefix + channelJID
	if value, err := c.cache.Get(key); err == nil && len(value) == 1 {
		return value[0] == '1', nil
	}

	registered, err := c.inner.IsRegistered(ctx, channelJID)
	if err != nil {
		return false, err
	}

	value := []byte("0")
	if registered {
		value = []byte("1")
	}
	if err := c.cache.Set(key, value, c.ttl); err != nil {
		c.log.Warn().Err(err).Str("channel", channelJID).Msg("directory: кэш недоступен")
	}
	return registered, nil
}
