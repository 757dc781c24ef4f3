package activity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsaserv/channel-directory/internal/domain"
)

const testChannel = "topics@example.com"

const msInDay = int64(24 * 60 * 60 * 1000)

type stubDirectory struct {
	registered map[string]bool
	fail       bool
	calls      int
}

func (s *stubDirectory) IsRegistered(_ context.Context, channelJID string) (bool, error) {
	s.calls++
	if s.fail {
		return false, errors.New("директория недоступна")
	}
	return s.registered[channelJID], nil
}

type stubActivityRepo struct {
	records map[string]*domain.ActivityRecord
	inserts int
	updates int
	failGet bool
}

func newStubActivityRepo() *stubActivityRepo {
	return &stubActivityRepo{records: map[string]*domain.ActivityRecord{}}
}

func (s *stubActivityRepo) GetActivity(_ context.Context, channelJID string) (*domain.ActivityRecord, error) {
	if s.failGet {
		return nil, errors.New("db down")
	}
	record, ok := s.records[channelJID]
	if !ok {
		return nil, nil
	}
	clone := *record
	return &clone, nil
}

func (s *stubActivityRepo) InsertActivity(_ context.Context, record domain.ActivityRecord) error {
	clone := record
	s.records[record.ChannelJID] = &clone
	s.inserts++
	return nil
}

func (s *stubActivityRepo) UpdateActivity(_ context.Context, record domain.ActivityRecord) error {
	existing, ok := s.records[record.ChannelJID]
	if !ok {
		return errors.New("записи нет")
	}
	// Монотонность updated/earliest обеспечивает хранилище (GREATEST/LEAST).
	updated := record.Updated
	if existing.Updated.After(updated) {
		updated = existing.Updated
	}
	earliest := record.Earliest
	if existing.Earliest.Before(earliest) {
		earliest = existing.Earliest
	}
	clone := record
	clone.Updated = updated
	clone.Earliest = earliest
	s.records[record.ChannelJID] = &clone
	s.updates++
	return nil
}

func postOnDay(day int64, hour int) domain.Post {
	published := time.UnixMilli(day*msInDay + int64(hour)*3600*1000).UTC()
	return domain.Post{
		ID:             "item-x",
		ParentSimpleID: testChannel,
		Published:      published,
	}
}

func newTestService(repo *stubActivityRepo, legacyMerge bool) (*Service, *stubDirectory) {
	directory := &stubDirectory{registered: map[string]bool{testChannel: true}}
	return NewService(directory, repo, legacyMerge, zerolog.Nop()), directory
}

func TestFirstPostCreatesWindow(t *testing.T) {
	repo := newStubActivityRepo()
	svc, _ := newTestService(repo, false)

	if err := svc.Update(context.Background(), postOnDay(100, 10)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	record := repo.records[testChannel]
	if record == nil {
		t.Fatalf("ожидали созданную запись")
	}
	if record.Window[0].Day != 100 || record.Window[0].Count != 1 {
		t.Fatalf("ожидали слот 0 = {100,1}, получили %+v", record.Window[0])
	}
	for i := 1; i < domain.ActivityWindowSize; i++ {
		if record.Window[i].Day != int64(100-i) || record.Window[i].Count != 0 {
			t.Fatalf("слот %d неверен: %+v", i, record.Window[i])
		}
	}
	if record.Summarized != 1 {
		t.Fatalf("ожидали summarized 1, получили %d", record.Summarized)
	}
	if repo.inserts != 1 || repo.updates != 0 {
		t.Fatalf("ожидали единственную вставку")
	}
}

func TestSecondPostSameDayIncrementsSlot(t *testing.T) {
	repo := newStubActivityRepo()
	svc, _ := newTestService(repo, false)
	ctx := context.Background()

	if err := svc.Update(ctx, postOnDay(100, 10)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := svc.Update(ctx, postOnDay(100, 15)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	record := repo.records[testChannel]
	if record.Window[0].Count != 2 {
		t.Fatalf("ожидали счётчик 2, получили %d", record.Window[0].Count)
	}
	if record.Summarized != 2 {
		t.Fatalf("ожидали summarized 2, получили %d", record.Summarized)
	}
	if got := record.Updated; got != postOnDay(100, 15).Published {
		t.Fatalf("updated должен отражать более поздний пост, получили %v", got)
	}
	if got := record.Earliest; got != postOnDay(100, 10).Published {
		t.Fatalf("earliest должен остаться от первого поста, получили %v", got)
	}
}

func TestStalePostRejected(t *testing.T) {
	repo := newStubActivityRepo()
	svc, _ := newTestService(repo, false)
	ctx := context.Background()

	if err := svc.Update(ctx, postOnDay(100, 10)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	before := *repo.records[testChannel]

	// День на единицу старше нижней границы окна (100-29-1).
	if err := svc.Update(ctx, postOnDay(70, 10)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	after := *repo.records[testChannel]
	if before != after {
		t.Fatalf("запись изменилась для устаревшего поста")
	}
	if repo.updates != 0 {
		t.Fatalf("не ожидали обновлений")
	}
}

func TestOutOfOrderPostWithinWindow(t *testing.T) {
	repo := newStubActivityRepo()
	svc, _ := newTestService(repo, false)
	ctx := context.Background()

	if err := svc.Update(ctx, postOnDay(100, 10)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := svc.Update(ctx, postOnDay(95, 10)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	record := repo.records[testChannel]
	if record.Window[0].Day != 100 {
		t.Fatalf("якорь окна не должен меняться, получили %d", record.Window[0].Day)
	}
	if record.Window[5].Day != 95 || record.Window[5].Count != 1 {
		t.Fatalf("ожидали слот 5 = {95,1}, получили %+v", record.Window[5])
	}
	if record.Summarized != 2 {
		t.Fatalf("ожидали summarized 2, получили %d", record.Summarized)
	}
	if got := record.Earliest; got != postOnDay(95, 10).Published {
		t.Fatalf("earliest должен опуститься до более раннего поста, получили %v", got)
	}
	if got := record.Updated; got != postOnDay(100, 10).Published {
		t.Fatalf("updated не должен уменьшаться, получили %v", got)
	}
}

func TestForwardRollShiftsSlots(t *testing.T) {
	repo := newStubActivityRepo()
	svc, _ := newTestService(repo, false)
	ctx := context.Background()

	if err := svc.Update(ctx, postOnDay(100, 10)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := svc.Update(ctx, postOnDay(103, 10)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	record := repo.records[testChannel]
	if record.Window[0].Day != 103 || record.Window[0].Count != 1 {
		t.Fatalf("ожидали слот 0 = {103,1}, получили %+v", record.Window[0])
	}
	// Счётчик дня 100 сдвинулся на позицию delta=3 с корректной меткой.
	if record.Window[3].Day != 100 || record.Window[3].Count != 1 {
		t.Fatalf("ожидали слот 3 = {100,1}, получили %+v", record.Window[3])
	}
	for i := range record.Window {
		if record.Window[i].Day != int64(103-i) {
			t.Fatalf("метка дня в слоте %d не согласована: %+v", i, record.Window[i])
		}
	}
	if record.Summarized != 2 {
		t.Fatalf("ожидали summarized 2, получили %d", record.Summarized)
	}
}

func TestForwardRollLegacyMergeKeepsIndexes(t *testing.T) {
	repo := newStubActivityRepo()
	svc, _ := newTestService(repo, true)
	ctx := context.Background()

	if err := svc.Update(ctx, postOnDay(100, 10)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := svc.Update(ctx, postOnDay(103, 10)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	record := repo.records[testChannel]
	if record.Window[0].Day != 103 || record.Window[0].Count != 1 {
		t.Fatalf("ожидали слот 0 = {103,1}, получили %+v", record.Window[0])
	}
	// Историческое поведение: слот 3 переносится как есть и хранит метку
	// дня 97, счётчик дня 100 теряется вместе со слотами 0..2.
	if record.Window[3].Day != 97 || record.Window[3].Count != 0 {
		t.Fatalf("ожидали слот 3 = {97,0}, получили %+v", record.Window[3])
	}
	if record.Summarized != 1 {
		t.Fatalf("ожидали summarized 1, получили %d", record.Summarized)
	}
}

func TestWindowAlwaysBounded(t *testing.T) {
	repo := newStubActivityRepo()
	svc, _ := newTestService(repo, false)
	ctx := context.Background()

	days := []int64{100, 100, 101, 99, 130, 130, 131, 128}
	for _, day := range days {
		if err := svc.Update(ctx, postOnDay(day, 12)); err != nil {
			t.Fatalf("не ожидали ошибку на дне %d: %v", day, err)
		}
	}
	record := repo.records[testChannel]
	var sum int64
	for i := range record.Window {
		sum += record.Window[i].Count
	}
	if record.Summarized != sum {
		t.Fatalf("summarized %d не равен сумме слотов %d", record.Summarized, sum)
	}
	for i := 1; i < domain.ActivityWindowSize; i++ {
		if record.Window[i].Day != record.Window[0].Day-int64(i) {
			t.Fatalf("метки дней не монотонны в слоте %d", i)
		}
	}
}

func TestMonotonicUpdatedAndEarliest(t *testing.T) {
	repo := newStubActivityRepo()
	svc, _ := newTestService(repo, false)
	ctx := context.Background()

	days := []int64{100, 98, 105, 102}
	var prevUpdated, prevEarliest time.Time
	for i, day := range days {
		if err := svc.Update(ctx, postOnDay(day, 12)); err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
		record := repo.records[testChannel]
		if i > 0 {
			if record.Updated.Before(prevUpdated) {
				t.Fatalf("updated уменьшился: %v -> %v", prevUpdated, record.Updated)
			}
			if record.Earliest.After(prevEarliest) {
				t.Fatalf("earliest вырос: %v -> %v", prevEarliest, record.Earliest)
			}
		}
		prevUpdated, prevEarliest = record.Updated, record.Earliest
	}
}

func TestUnknownChannelIgnored(t *testing.T) {
	repo := newStubActivityRepo()
	svc, directory := newTestService(repo, false)
	directory.registered = map[string]bool{}

	if err := svc.Update(context.Background(), postOnDay(100, 10)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(repo.records) != 0 {
		t.Fatalf("не ожидали записей для неизвестного канала")
	}
}

func TestDirectoryFailureAbortsUpdate(t *testing.T) {
	repo := newStubActivityRepo()
	svc, directory := newTestService(repo, false)
	directory.fail = true

	if err := svc.Update(context.Background(), postOnDay(100, 10)); err == nil {
		t.Fatalf("ожидали ошибку директории")
	}
	if len(repo.records) != 0 {
		t.Fatalf("не ожидали записей при недоступной директории")
	}
}

func TestStorageReadFailureAbortsUpdate(t *testing.T) {
	repo := newStubActivityRepo()
	repo.failGet = true
	svc, _ := newTestService(repo, false)

	if err := svc.Update(context.Background(), postOnDay(100, 10)); err == nil {
		t.Fatalf("ожидали ошибку чтения активности")
	}
}
