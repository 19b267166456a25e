package notifications

import (
	"errors"
	"fmt"
	"strings"
)

// Type identifies a notification kind.
type Type string

const (
	TypeNewTopic      Type = "NEW_TOPIC"
	TypeVoteReminder  Type = "VOTE_REMINDER"
	TypeBreakingNews  Type = "BREAKING_NEWS"
	TypeExclusiveNews Type = "EXCLUSIVE_NEWS"
	TypeAdminNotice   Type = "ADMIN_NOTICE"
)

var ErrUnknownNotificationType = errors.New("notifications: unknown notification type")

// UserConfigurableTypes are the kinds a user may opt out of from their settings page.
var UserConfigurableTypes = []Type{TypeNewTopic, TypeBreakingNews, TypeExclusiveNews}

// Payload is the free-form data a producer supplies with a dispatch.
type Payload map[string]interface{}

type template struct {
	message func(Payload) string
	url     func(Payload) *string
}

var templates = map[Type]template{
	TypeNewTopic: {
		message: func(p Payload) string {
			return fmt.Sprintf("Round 2 of '%s' has started! Share your view on both sides and cast your vote.\nDebate open until %s.",
				p.text("topicName", "[topic]"), p.text("endDate", "[end date]"))
		},
		url: debateURL,
	},
	TypeVoteReminder: {
		message: func(p Payload) string {
			return fmt.Sprintf("Voting on '%s' closes in %s hour(s).\nVote now if you haven't yet!",
				p.text("topicName", "[topic]"), p.text("hoursLeft", "?"))
		},
		url: debateURL,
	},
	TypeBreakingNews: {
		message: func(p Payload) string {
			return fmt.Sprintf("Breaking news\n\n%s\n\nSource: %s", p.text("title", "[title]"), p.text("source", "[source]"))
		},
		url: explicitURL,
	},
	TypeExclusiveNews: {
		message: func(p Payload) string {
			return fmt.Sprintf("Exclusive report\n\n%s\n\nSource: %s", p.text("title", "[title]"), p.text("source", "[source]"))
		},
		url: explicitURL,
	},
	TypeAdminNotice: {
		message: func(p Payload) string { return p.text("message", "") },
		url:     explicitURL,
	},
}

// ParseType validates a notification type name.
func ParseType(value string) (Type, error) {
	candidate := Type(strings.TrimSpace(value))
	if _, ok := templates[candidate]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownNotificationType, value)
	}
	return candidate, nil
}

// Render produces the stored message text and related url for a notification.
// A payload message or url overrides the template.
func Render(notificationType Type, payload Payload) (string, *string, error) {
	tmpl, ok := templates[notificationType]
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownNotificationType, notificationType)
	}
	message := payload.text("message", "")
	if message == "" {
		message = tmpl.message(payload)
	}
	return message, tmpl.url(payload), nil
}

func debateURL(p Payload) *string {
	if explicit := explicitURL(p); explicit != nil {
		return explicit
	}
	topicID := p.text("topicId", "")
	if topicID == "" {
		return nil
	}
	url := "/debate/" + topicID
	return &url
}

func explicitURL(p Payload) *string {
	url := p.text("url", "")
	if url == "" {
		return nil
	}
	return &url
}

func (p Payload) text(key, fallback string) string {
	value, ok := p[key]
	if !ok || value == nil {
		return fallback
	}
	var rendered string
	switch typed := value.(type) {
	case string:
		rendered = typed
	case float64:
		if typed == float64(int64(typed)) {
			rendered = fmt.Sprintf("%d", int64(typed))
		} else {
			rendered = fmt.Sprintf("%g", typed)
		}
	default:
		rendered = fmt.Sprint(typed)
	}
	rendered = strings.TrimSpace(rendered)
	if rendered == "" {
		return fallback
	}
	return rendered
}
