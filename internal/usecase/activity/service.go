package activity

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tsaserv/channel-directory/internal/domain"
	"github.com/tsaserv/channel-directory/internal/infra/metrics"
)

const msPerDay = int64(24 * 60 * 60 * 1000)

// Service сворачивает каждый принятый пост в 30-слотовую дневную
// гистограмму активности его канала. Активность ведётся только для
// каналов, известных директории; посты старше отслеживаемого окна
// отбрасываются. Обновления одного канала сериализуются, поскольку
// чтение-модификация-запись на уровне хранилища не атомарны.
type Service struct {
	directory domain.ChannelDirectory
	repo      domain.ActivityRepo
	// legacyMerge воспроизводит историческое поведение: при продвижении
	// окна вперёд старые слоты копируются по тем же индексам, без сдвига
	// на delta. Метки дней в таких слотах отстают от их позиций.
	legacyMerge bool
	log         zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService создаёт агрегатор активности.
func NewService(directory domain.ChannelDirectory, repo domain.ActivityRepo, legacyMerge bool, log zerolog.Logger) *Service {
	return &Service{
		directory:   directory,
		repo:        repo,
		legacyMerge: legacyMerge,
		log:         log,
		locks:       map[string]*sync.Mutex{},
	}
}

var _ domain.ActivityTracker = (*Service)(nil)

func (s *Service) lockFor(channelJID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[channelJID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[channelJID] = lock
	}
	return lock
}

// Update сворачивает один пост в гистограмму его канала.
func (s *Service) Update(ctx context.Context, post domain.Post) error {
	channelJID := post.ParentSimpleID

	registered, err := s.directory.IsRegistered(ctx, channelJID)
	if err != nil {
		metrics.ObserveActivityUpdate("directory_error")
		return fmt.Errorf("проверка канала %s: %w", channelJID, err)
	}
	if !registered {
		metrics.ObserveActivityUpdate("unregistered")
		return nil
	}

	day := post.Published.UnixMilli() / msPerDay

	lock := s.lockFor(channelJID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.repo.GetActivity(ctx, channelJID)
	if err != nil {
		metrics.ObserveActivityUpdate("storage_error")
		return fmt.Errorf("чтение активности %s: %w", channelJID, err)
	}

	var window domain.ActivityWindow
	for i := range window {
		window[i] = domain.ActivitySlot{Day: day - int64(i)}
	}

	if existing != nil {
		oldestTrackedDay := existing.Window[domain.ActivityWindowSize-1].Day
		if day < oldestTrackedDay {
			metrics.ObserveActivityUpdate("stale")
			return nil
		}

		lastDay := existing.Window[0].Day
		delta := day - lastDay
		switch {
		case delta <= 0:
			// Пост внутри уже отслеживаемого окна: окно не двигается.
			window = existing.Window
		case s.legacyMerge:
			start := delta
			if start > domain.ActivityWindowSize {
				start = domain.ActivityWindowSize
			}
			for i := start; i < domain.ActivityWindowSize; i++ {
				window[i] = existing.Window[i]
			}
		default:
			for i := int64(0); i+delta < domain.ActivityWindowSize; i++ {
				window[i+delta] = existing.Window[i]
			}
		}
	}

	idx := window[0].Day - day
	if idx < 0 || idx >= domain.ActivityWindowSize {
		// Возможно только при рассогласованных метках дней в хранимом окне.
		metrics.ObserveActivityUpdate("inconsistent")
		s.log.Warn().Str("channel", channelJID).Int64("day", day).Int64("idx", idx).Msg("activity: слот вне окна, пост пропущен")
		return nil
	}
	window[idx].Count++

	var summarized int64
	for i := range window {
		summarized += window[i].Count
	}

	record := domain.ActivityRecord{
		ChannelJID: channelJID,
		Window:     window,
		Summarized: summarized,
		Updated:    post.Published,
		Earliest:   post.Published,
	}

	if existing == nil {
		err = s.repo.InsertActivity(ctx, record)
	} else {
		err = s.repo.UpdateActivity(ctx, record)
	}
	if err != nil {
		metrics.ObserveActivityUpdate("storage_error")
		return fmt.Errorf("сохранение активности %s: %w", channelJID, err)
	}
	metrics.ObserveActivityUpdate("ok")
	return nil
}
