package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventName identifies a server→client frame.
type EventName string

const (
	EventReceiveMessage  EventName = "receive_message"
	EventMessageDeleted  EventName = "message_deleted"
	EventMessageHidden   EventName = "message_hidden"
	EventUserCount       EventName = "user_count"
	EventNewNotification EventName = "new_notification"
	EventTopicClosed     EventName = "topic_closed"
	EventError           EventName = "error"
)

// CommandName identifies a client→server frame.
type CommandName string

const (
	CommandJoinRoom    CommandName = "join_room"
	CommandLeaveRoom   CommandName = "leave_room"
	CommandSendMessage CommandName = "send_message"
)

var (
	ErrMalformedFrame = errors.New("realtime: malformed frame")
	ErrUnknownCommand = errors.New("realtime: unknown command")
)

// Event is the closed set of frames the server pushes to clients.
type Event interface {
	Name() EventName
	serverEvent()
}

// ReceiveMessage carries a persisted chat message.
type ReceiveMessage struct {
	ID              int64           `json:"id"`
	Author          string          `json:"author"`
	Message         string          `json:"message"`
	ProfileImageURL string          `json:"profile_image_url,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ArticlePreview  json.RawMessage `json:"article_preview,omitempty"`
	TopicPreview    json.RawMessage `json:"topic_preview,omitempty"`
}

type MessageDeleted struct {
	MessageID int64 `json:"messageId"`
}

type MessageHidden struct {
	MessageID int64 `json:"messageId"`
}

// UserCount reports the number of connections joined to a room.
type UserCount struct {
	Room  string `json:"room"`
	Count int    `json:"count"`
}

// NewNotification is pushed to a single connected recipient.
type NewNotification struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Message    string          `json:"message"`
	RelatedURL *string         `json:"related_url"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type TopicClosed struct {
	TopicID int64 `json:"topicId"`
}

// ErrorEvent reports a rejected command back to the issuing connection only.
type ErrorEvent struct {
	Command CommandName `json:"command"`
	Code    string      `json:"code"`
}

func (ReceiveMessage) Name() EventName  { return EventReceiveMessage }
func (MessageDeleted) Name() EventName  { return EventMessageDeleted }
func (MessageHidden) Name() EventName   { return EventMessageHidden }
func (UserCount) Name() EventName       { return EventUserCount }
func (NewNotification) Name() EventName { return EventNewNotification }
func (TopicClosed) Name() EventName     { return EventTopicClosed }
func (ErrorEvent) Name() EventName      { return EventError }

func (ReceiveMessage) serverEvent()  {}
func (MessageDeleted) serverEvent()  {}
func (MessageHidden) serverEvent()   {}
func (UserCount) serverEvent()       {}
func (NewNotification) serverEvent() {}
func (TopicClosed) serverEvent()     {}
func (ErrorEvent) serverEvent()      {}

type outboundFrame struct {
	Event EventName `json:"event"`
	Data  Event     `json:"data"`
}

// EncodeEvent renders the wire frame for an event.
func EncodeEvent(event Event) ([]byte, error) {
	if event == nil {
		return nil, fmt.Errorf("realtime: nil event")
	}
	return json.Marshal(outboundFrame{Event: event.Name(), Data: event})
}

// Command is the closed set of frames clients may send.
type Command interface {
	Name() CommandName
	clientCommand()
}

type JoinRoom struct {
	Room string
}

type LeaveRoom struct {
	Room string
}

// SendMessage is the direct socket chat path; it is persisted before any broadcast.
type SendMessage struct {
	Room    string `json:"room"`
	Message string `json:"message"`
}

func (JoinRoom) Name() CommandName    { return CommandJoinRoom }
func (LeaveRoom) Name() CommandName   { return CommandLeaveRoom }
func (SendMessage) Name() CommandName { return CommandSendMessage }

func (JoinRoom) clientCommand()    {}
func (LeaveRoom) clientCommand()   {}
func (SendMessage) clientCommand() {}

type inboundFrame struct {
	Event CommandName     `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DecodeCommand parses a client frame. Room commands accept either a bare string
// or an object with a room field as their data.
func DecodeCommand(frame []byte) (Command, error) {
	var inbound inboundFrame
	if err := json.Unmarshal(frame, &inbound); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch inbound.Event {
	case CommandJoinRoom:
		room, err := decodeRoomData(inbound.Data)
		if err != nil {
			return nil, err
		}
		return JoinRoom{Room: room}, nil
	case CommandLeaveRoom:
		room, err := decodeRoomData(inbound.Data)
		if err != nil {
			return nil, err
		}
		return LeaveRoom{Room: room}, nil
	case CommandSendMessage:
		var message SendMessage
		if err := json.Unmarshal(inbound.Data, &message); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		message.Room = strings.TrimSpace(message.Room)
		return message, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, inbound.Event)
	}
}

func decodeRoomData(data json.RawMessage) (string, error) {
	var room string
	if err := json.Unmarshal(data, &room); err == nil {
		return strings.TrimSpace(room), nil
	}
	var wrapped struct {
		Room string `json:"room"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return strings.TrimSpace(wrapped.Room), nil
}
