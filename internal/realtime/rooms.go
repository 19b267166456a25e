package realtime

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultRoom is the site-wide room shown on the landing page.
const DefaultRoom = "mainpage"

const topicRoomPrefix = "topic-"

var ErrInvalidRoom = errors.New("realtime: invalid room identifier")

// TopicRoom returns the room key for a topic discussion.
func TopicRoom(topicID int64) string {
	return topicRoomPrefix + strconv.FormatInt(topicID, 10)
}

// ParseRoom validates a room key and reports the topic id for topic rooms.
// The default room yields a zero topic id.
func ParseRoom(room string) (int64, error) {
	if room == DefaultRoom {
		return 0, nil
	}
	if !strings.HasPrefix(room, topicRoomPrefix) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}
	digits := strings.TrimPrefix(room, topicRoomPrefix)
	topicID, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || topicID <= 0 || strconv.FormatInt(topicID, 10) != digits {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}
	return topicID, nil
}
