package domain

import (
	"context"
	"time"
)

// CrawlJobCause описывает источник задачи обхода.
type CrawlJobCause string

const (
	// CrawlCauseManual — обход запрошен вручную через API.
	CrawlCauseManual CrawlJobCause = "manual"
	// CrawlCauseScheduled — обход запланирован по расписанию.
	CrawlCauseScheduled CrawlJobCause = "scheduled"
)

// CrawlJob содержит информацию о задаче обхода одного фида.
type CrawlJob struct {
	ID          string        `json:"job_id,omitempty"`
	FeedID      string        `json:"feed_id"`
	Server      string        `json:"server"`
	RequestedAt time.Time     `json:"requested_at"`
	Cause       CrawlJobCause `json:"cause"`
}

// CrawlAckFunc подтверждает обработку задачи или возвращает её в очередь.
type CrawlAckFunc func(success bool) error

// CrawlQueue описывает очередь задач обхода фидов.
type CrawlQueue interface {
	Enqueue(ctx context.Context, job CrawlJob) error
	Receive(ctx context.Context) (CrawlJob, CrawlAckFunc, error)
}
