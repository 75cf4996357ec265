package messenger

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/moltbot/moltbot/internal/driver"
)

var threadIDPattern = regexp.MustCompile(`/t/([\w.-]+)`)

// threadIDFromURL pulls the conversation id out of a thread URL, or ""
// when none is present.
func threadIDFromURL(url string) string {
	m := threadIDPattern.FindStringSubmatch(url)
	if m == nil {
		return ""
	}
	return m[1]
}

// conversationsFromRows maps extracted rows onto the Conversation model.
// Ids come from the per-item link when present, otherwise a synthetic
// positional id that may not be stable across polls.
func conversationsFromRows(rows []driver.Row) []Conversation {
	out := make([]Conversation, 0, len(rows))
	for i, row := range rows {
		id := threadIDFromURL(row["link"])
		if id == "" {
			id = fmt.Sprintf("thread-%d", i)
		}

		name := strings.TrimSpace(row["name"])
		if name == "" {
			name = "Unknown"
		}

		out = append(out, Conversation{
			ID:                id,
			DisplayName:       name,
			PreviewText:       strings.TrimSpace(row["preview"]),
			LastActivityLabel: strings.TrimSpace(row["time"]),
			HasUnread:         row["unread"] == "true",
		})
	}
	return out
}

// messagesFromRows maps extracted rows onto the Message model. Rows with no
// text are dropped; ids are positional within the surviving set.
func messagesFromRows(rows []driver.Row) []Message {
	out := make([]Message, 0, len(rows))
	for _, row := range rows {
		text := strings.TrimSpace(row["text"])
		if text == "" {
			continue
		}

		dir := DirectionInbound
		if row["outgoing"] == "true" {
			dir = DirectionOutbound
		}

		out = append(out, Message{
			ID:        fmt.Sprintf("msg-%d", len(out)),
			Text:      text,
			Direction: dir,
			TimeLabel: strings.TrimSpace(row["time"]),
		})
	}
	return out
}
