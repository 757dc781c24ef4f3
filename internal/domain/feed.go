package domain

import (
	"errors"
	"strings"
)

// ErrMalformedFeedID возвращается, когда адрес фида не содержит канал.
var ErrMalformedFeedID = errors.New("некорректный адрес фида")

// ChannelFromFeedID извлекает JID канала из полного адреса фида.
// Адрес имеет вид /user/channel@domain/posts, канал — третий сегмент.
func ChannelFromFeedID(feedID string) (string, error) {
	parts := strings.Split(feedID, "/")
	if len(parts) < 4 || parts[2] == "" {
		return "", ErrMalformedFeedID
	}
	return parts[2], nil
}

// ServerFromJID возвращает доменную часть JID.
func ServerFromJID(jid string) string {
	if idx := strings.IndexByte(jid, '@'); idx >= 0 {
		return jid[idx+1:]
	}
	return jid
}

// IsPostsFeed сообщает, является ли фид потоком постов канала.
func IsPostsFeed(feedID string) bool {
	return strings.HasSuffix(feedID, "/posts")
}
