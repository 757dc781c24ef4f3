package registry

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tsaserv/channel-directory/internal/domain"
)

// Service ведёт учёт подписанных серверов и фидов вместе с курсорами
// обхода. Ошибки хранилища логируются и гасятся на этом уровне: потеря
// курсора приводит лишь к повторной обработке, но не к потере элементов,
// поскольку запись постов ниже по конвейеру идемпотентна.
type Service struct {
	repo domain.SubscriptionRepo
	log  zerolog.Logger
}

// NewService создаёт реестр подписок.
func NewService(repo domain.SubscriptionRepo, log zerolog.Logger) *Service {
	return &Service{repo: repo, log: log}
}

// RegisterServer идемпотентно добавляет сервер в список обходимых.
func (s *Service) RegisterServer(ctx context.Context, server string) {
	exists, err := s.repo.ServerExists(ctx, server)
	if err != nil {
		s.log.Error().Err(err).Str("server", server).Msg("registry: проверка сервера")
		return
	}
	if exists {
		return
	}
	if err := s.repo.InsertServer(ctx, server); err != nil {
		s.log.Error().Err(err).Str("server", server).Msg("registry: добавление сервера")
	}
}

// RegisterFeed идемпотентно добавляет подписку на фид сервера.
func (s *Service) RegisterFeed(ctx context.Context, feedID, server string) {
	exists, err := s.repo.FeedExists(ctx, feedID, server)
	if err != nil {
		s.log.Error().Err(err).Str("feed", feedID).Str("server", server).Msg("registry: проверка фида")
		return
	}
	if exists {
		return
	}
	if err := s.repo.InsertFeed(ctx, feedID, server); err != nil {
		s.log.Error().Err(err).Str("feed", feedID).Str("server", server).Msg("registry: добавление фида")
	}
}

// GetCursor возвращает курсор фида и признак наличия подписки. Сбой
// чтения трактуется как отсутствие курсора.
func (s *Service) GetCursor(ctx context.Context, feedID, server string) (string, bool) {
	cursor, subscribed, err := s.repo.GetCursor(ctx, feedID, server)
	if err != nil {
		s.log.Error().Err(err).Str("feed", feedID).Str("server", server).Msg("registry: чтение курсора")
		return "", false
	}
	return cursor, subscribed
}

// SetCursor перезаписывает курсор фида. Пустой идентификатор или
// отсутствующая подписка — несогласованность вызывающего кода, она
// логируется и не приводит к записи.
func (s *Service) SetCursor(ctx context.Context, feedID, server, itemID string) {
	if itemID == "" {
		s.log.Warn().Str("feed", feedID).Str("server", server).Msg("registry: попытка записать пустой курсор")
		return
	}
	if err := s.repo.SetCursor(ctx, feedID, server, itemID); err != nil {
		s.log.Error().Err(err).Str("feed", feedID).Str("server", server).Msg("registry: запись курсора")
	}
}

// AddItemsCrawled увеличивает счётчик обработанных элементов фида.
func (s *Service) AddItemsCrawled(ctx context.Context, feedID, server string, n int64) {
	if n <= 0 {
		return
	}
	if err := s.repo.AddItemsCrawled(ctx, feedID, server, n); err != nil {
		s.log.Error().Err(err).Str("feed", feedID).Str("server", server).Msg("registry: обновление items_crawled")
	}
}

// CursorForServer возвращает курсор фида с наибольшим числом
// обработанных элементов на сервере.
func (s *Service) CursorForServer(ctx context.Context, server string) (string, bool) {
	cursor, found, err := s.repo.CursorForServer(ctx, server)
	if err != nil {
		s.log.Error().Err(err).Str("server", server).Msg("registry: чтение курсора сервера")
		return "", false
	}
	return cursor, found
}

// ListFeeds возвращает подписанные фиды, при пустом server — все.
func (s *Service) ListFeeds(ctx context.Context, server string) []domain.SubscribedFeed {
	feeds, err := s.repo.ListFeeds(ctx, server)
	if err != nil {
		s.log.Error().Err(err).Str("server", server).Msg("registry: список фидов")
		return nil
	}
	return feeds
}
