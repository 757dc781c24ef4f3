package crawl

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsaserv/channel-directory/internal/domain"
)

const testFeedID = "/user/topics@example.com/posts"

var testFeed = domain.Feed{ID: testFeedID, Server: "example.com"}

type stubRegistry struct {
	cursor     string
	subscribed bool
	setCalls   int
	itemsAdded int64
}

func (s *stubRegistry) GetCursor(context.Context, string, string) (string, bool) {
	return s.cursor, s.subscribed
}

func (s *stubRegistry) SetCursor(_ context.Context, _, _, itemID string) {
	s.cursor = itemID
	s.setCalls++
}

func (s *stubRegistry) AddItemsCrawled(_ context.Context, _, _ string, n int64) {
	s.itemsAdded += n
}

type stubSource struct {
	items    []domain.RawItem
	pageSize int
	fetches  int
	failAt   int
}

func (s *stubSource) FetchPage(_ context.Context, _ string, afterItemID string) ([]domain.RawItem, error) {
	s.fetches++
	if s.failAt > 0 && s.fetches >= s.failAt {
		return nil, errors.New("сервер недоступен")
	}
	start := 0
	if afterItemID != "" {
		for i, item := range s.items {
			if item.ID == afterItemID {
				start = i + 1
				break
			}
		}
	}
	end := start + s.pageSize
	if end > len(s.items) {
		end = len(s.items)
	}
	if start >= end {
		return nil, nil
	}
	return s.items[start:end], nil
}

type stubSink struct {
	written   []domain.Post
	commits   int
	failOnID  string
	writeErrs int
}

func (s *stubSink) Write(_ context.Context, post domain.Post) error {
	if s.failOnID != "" && post.ID == s.failOnID {
		s.writeErrs++
		return errors.New("индекс недоступен")
	}
	s.written = append(s.written, post)
	return nil
}

func (s *stubSink) Commit(context.Context) error {
	s.commits++
	return nil
}

type stubTracker struct {
	updates []domain.Post
	fail    bool
}

func (s *stubTracker) Update(_ context.Context, post domain.Post) error {
	if s.fail {
		return errors.New("активность недоступна")
	}
	s.updates = append(s.updates, post)
	return nil
}

func makeItem(n int) domain.RawItem {
	published := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).Add(-time.Duration(n) * time.Minute)
	return domain.RawItem{
		ID:        fmt.Sprintf("item-%d", n),
		Author:    domain.RawAuthor{Name: "alice", URI: "acct:alice@example.com"},
		Content:   fmt.Sprintf("пост %d", n),
		Published: published.Format(itemTimeLayout),
		Updated:   published.Format(itemTimeLayout),
	}
}

// makeItems возвращает n элементов от самого нового (item-1) к старому.
func makeItems(n int) []domain.RawItem {
	items := make([]domain.RawItem, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, makeItem(i))
	}
	return items
}

func newTestService(reg *stubRegistry, src *stubSource, sink *stubSink, tracker *stubTracker) *Service {
	return NewService(reg, src, sink, tracker, zerolog.Nop())
}

func TestFirstCrawlWalksFullHistory(t *testing.T) {
	reg := &stubRegistry{subscribed: true}
	src := &stubSource{items: makeItems(45), pageSize: 20}
	sink := &stubSink{}
	tracker := &stubTracker{}
	svc := newTestService(reg, src, sink, tracker)

	if err := svc.Crawl(context.Background(), testFeed); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// 45 элементов страницами по 20: три страницы с данными и одна пустая.
	if src.fetches != 4 {
		t.Fatalf("ожидали 4 запроса страниц, получили %d", src.fetches)
	}
	if len(sink.written) != 45 {
		t.Fatalf("ожидали 45 постов, получили %d", len(sink.written))
	}
	if reg.cursor != "item-1" {
		t.Fatalf("ожидали курсор item-1, получили %s", reg.cursor)
	}
	if reg.itemsAdded != 45 {
		t.Fatalf("ожидали items_crawled 45, получили %d", reg.itemsAdded)
	}
}

func TestSecondCrawlStopsAtCursor(t *testing.T) {
	// Три новых элемента поверх ранее обработанного item-4 (бывший item-1).
	items := makeItems(10)
	reg := &stubRegistry{subscribed: true, cursor: items[3].ID}
	src := &stubSource{items: items, pageSize: 20}
	sink := &stubSink{}
	tracker := &stubTracker{}
	svc := newTestService(reg, src, sink, tracker)

	if err := svc.Crawl(context.Background(), testFeed); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if src.fetches != 1 {
		t.Fatalf("ожидали 1 запрос страницы, получили %d", src.fetches)
	}
	if len(sink.written) != 3 {
		t.Fatalf("ожидали 3 новых поста, получили %d", len(sink.written))
	}
	if reg.cursor != "item-1" {
		t.Fatalf("ожидали курсор item-1, получили %s", reg.cursor)
	}
}

func TestRepeatedCrawlNeverReemitsProcessedItems(t *testing.T) {
	items := makeItems(25)
	reg := &stubRegistry{subscribed: true}
	src := &stubSource{items: items, pageSize: 10}
	sink := &stubSink{}
	tracker := &stubTracker{}
	svc := newTestService(reg, src, sink, tracker)

	if err := svc.Crawl(context.Background(), testFeed); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	firstPass := len(sink.written)

	// Повторный проход без новых элементов ничего не пишет и не двигает курсор.
	src.fetches = 0
	if err := svc.Crawl(context.Background(), testFeed); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(sink.written) != firstPass {
		t.Fatalf("повторный проход переиздал посты: %d -> %d", firstPass, len(sink.written))
	}
	if reg.setCalls != 1 {
		t.Fatalf("ожидали единственную запись курсора, получили %d", reg.setCalls)
	}

	// Появились два новых элемента: обработаны только они.
	src.items = append([]domain.RawItem{makeItem(-1), makeItem(0)}, src.items...)
	if err := svc.Crawl(context.Background(), testFeed); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(sink.written) != firstPass+2 {
		t.Fatalf("ожидали %d постов, получили %d", firstPass+2, len(sink.written))
	}
	if reg.cursor != "item--1" {
		t.Fatalf("ожидали курсор item--1, получили %s", reg.cursor)
	}
}

func TestCrawlRefusesUnsubscribedFeed(t *testing.T) {
	reg := &stubRegistry{subscribed: false}
	src := &stubSource{items: makeItems(3), pageSize: 20}
	svc := newTestService(reg, src, &stubSink{}, &stubTracker{})

	err := svc.Crawl(context.Background(), testFeed)
	if !errors.Is(err, ErrFeedNotSubscribed) {
		t.Fatalf("ожидали ErrFeedNotSubscribed, получили %v", err)
	}
	if src.fetches != 0 {
		t.Fatalf("не ожидали запросов к источнику")
	}
}

func TestCrawlRejectsMalformedFeedID(t *testing.T) {
	svc := newTestService(&stubRegistry{subscribed: true}, &stubSource{}, &stubSink{}, &stubTracker{})

	err := svc.Crawl(context.Background(), domain.Feed{ID: "topics@example.com", Server: "example.com"})
	if !errors.Is(err, domain.ErrMalformedFeedID) {
		t.Fatalf("ожидали ErrMalformedFeedID, получили %v", err)
	}
}

func TestFailingItemSkippedButAdvancesPagination(t *testing.T) {
	items := makeItems(5)
	reg := &stubRegistry{subscribed: true}
	src := &stubSource{items: items, pageSize: 2}
	sink := &stubSink{failOnID: "item-3"}
	tracker := &stubTracker{}
	svc := newTestService(reg, src, sink, tracker)

	if err := svc.Crawl(context.Background(), testFeed); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(sink.written) != 4 {
		t.Fatalf("ожидали 4 поста, получили %d", len(sink.written))
	}
	if reg.cursor != "item-1" {
		t.Fatalf("ожидали курсор item-1, получили %s", reg.cursor)
	}
	if reg.itemsAdded != 4 {
		t.Fatalf("ожидали items_crawled 4, получили %d", reg.itemsAdded)
	}
}

func TestParseFailureDoesNotAbortPass(t *testing.T) {
	items := makeItems(3)
	items[1].Published = "мусор"
	reg := &stubRegistry{subscribed: true}
	src := &stubSource{items: items, pageSize: 10}
	sink := &stubSink{}
	svc := newTestService(reg, src, sink, &stubTracker{})

	if err := svc.Crawl(context.Background(), testFeed); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(sink.written) != 2 {
		t.Fatalf("ожидали 2 поста, получили %d", len(sink.written))
	}
	if reg.cursor != "item-1" {
		t.Fatalf("ожидали курсор item-1, получили %s", reg.cursor)
	}
}

func TestFetchFailureLeavesCursorUntouched(t *testing.T) {
	reg := &stubRegistry{subscribed: true, cursor: "item-old"}
	src := &stubSource{items: makeItems(30), pageSize: 10, failAt: 2}
	svc := newTestService(reg, src, &stubSink{}, &stubTracker{})

	if err := svc.Crawl(context.Background(), testFeed); err == nil {
		t.Fatalf("ожидали ошибку загрузки страницы")
	}
	if reg.setCalls != 0 {
		t.Fatalf("не ожидали записи курсора при прерванном проходе")
	}
	if reg.cursor != "item-old" {
		t.Fatalf("курсор изменился: %s", reg.cursor)
	}
}

func TestActivityFailureDoesNotFailItem(t *testing.T) {
	reg := &stubRegistry{subscribed: true}
	src := &stubSource{items: makeItems(2), pageSize: 10}
	sink := &stubSink{}
	svc := newTestService(reg, src, sink, &stubTracker{fail: true})

	if err := svc.Crawl(context.Background(), testFeed); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(sink.written) != 2 {
		t.Fatalf("ожидали 2 поста, получили %d", len(sink.written))
	}
	if reg.cursor != "item-1" {
		t.Fatalf("ожидали курсор item-1, получили %s", reg.cursor)
	}
}

func TestParsePostFields(t *testing.T) {
	item := makeItem(1)
	item.Geoloc = &domain.RawGeoloc{Text: "Париж", Lat: "48.85", Lon: "2.35"}
	item.InReplyTo = &domain.RawReply{Ref: "item-0"}

	post, err := parsePost(testFeedID, "topics@example.com", item)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if post.ParentFullID != testFeedID {
		t.Fatalf("ожидали полный адрес фида, получили %s", post.ParentFullID)
	}
	if post.ParentSimpleID != "topics@example.com" {
		t.Fatalf("ожидали JID канала, получили %s", post.ParentSimpleID)
	}
	if post.Geolocation == nil || post.Geolocation.Lat == nil || *post.Geolocation.Lat != 48.85 {
		t.Fatalf("геометка разобрана неверно: %+v", post.Geolocation)
	}
	if post.InReplyTo != "item-0" {
		t.Fatalf("ожидали ссылку на item-0, получили %s", post.InReplyTo)
	}
	if post.Published.Format(itemTimeLayout) != item.Published {
		t.Fatalf("метка published разобрана неверно")
	}
}

func TestParsePostGeolocWithoutCoords(t *testing.T) {
	item := makeItem(1)
	item.Geoloc = &domain.RawGeoloc{Text: "где-то"}

	post, err := parsePost(testFeedID, "topics@example.com", item)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if post.Geolocation == nil || post.Geolocation.Text != "где-то" {
		t.Fatalf("ожидали текстовую геометку")
	}
	if post.Geolocation.Lat != nil || post.Geolocation.Lng != nil {
		t.Fatalf("не ожидали координат")
	}
}
