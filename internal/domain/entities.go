package domain

import "time"

// Feed описывает поток постов удалённого канала (pubsub-узел вида
// /user/channel@domain/posts).
type Feed struct {
	ID     string
	Server string
}

// SubscribedFeed хранит состояние обхода фида на сервере.
type SubscribedFeed struct {
	Name            string
	Server          string
	LastItemCrawled string
	ItemsCrawled    int64
}

// Geolocation — необязательная геометка поста.
type Geolocation struct {
	Text string
	Lat  *float64
	Lng  *float64
}

// Post представляет один элемент фида после разбора.
type Post struct {
	ID             string
	ParentFullID   string
	ParentSimpleID string
	Author         string
	AuthorURI      string
	Content        string
	Published      time.Time
	Updated        time.Time
	Geolocation    *Geolocation
	InReplyTo      string
}

// RawAuthor — автор сырого элемента фида.
type RawAuthor struct {
	Name string
	URI  string
}

// RawGeoloc — геометка сырого элемента, координаты приходят строками.
type RawGeoloc struct {
	Text string
	Lat  string
	Lon  string
}

// RawReply — ссылка на пост, на который отвечает элемент.
type RawReply struct {
	Ref string
}

// RawItem — элемент страницы фида в том виде, в котором его отдаёт источник.
// Временные метки — строки формата yyyy-MM-dd'T'HH:mm:ss.SSS'Z'.
type RawItem struct {
	ID        string
	Author    RawAuthor
	Content   string
	Published string
	Updated   string
	Geoloc    *RawGeoloc
	InReplyTo *RawReply
}

// ActivityWindowSize — размер скользящего окна активности канала в днях.
const ActivityWindowSize = 30

// ActivitySlot — счётчик постов за один день. Ключи JSON совпадают с
// форматом detailed_activity в БД: p — день, a — количество.
type ActivitySlot struct {
	Day   int64 `json:"p"`
	Count int64 `json:"a"`
}

// ActivityWindow — ровно 30 слотов, слот 0 — самый свежий день.
type ActivityWindow [ActivityWindowSize]ActivitySlot

// ActivityRecord — агрегированная активность канала.
type ActivityRecord struct {
	ChannelJID string
	Window     ActivityWindow
	Summarized int64
	Updated    time.Time
	Earliest   time.Time
}
