package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/auth"
	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"github.com/MarcoPoloResearchLab/agora/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type broadcastRecord struct {
	room  string
	event realtime.Event
}

type recordingBroadcaster struct {
	mu      sync.Mutex
	records []broadcastRecord
	onSend  func(room string, event realtime.Event)
}

func (b *recordingBroadcaster) Broadcast(room string, event realtime.Event) int {
	if b.onSend != nil {
		b.onSend(room, event)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, broadcastRecord{room: room, event: event})
	return 1
}

func (b *recordingBroadcaster) snapshot() []broadcastRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broadcastRecord(nil), b.records...)
}

type staticTopics map[int64]bool

func (s staticTopics) Exists(_ context.Context, topicID int64) (bool, error) {
	return s[topicID], nil
}

type chatFixture struct {
	db          *gorm.DB
	service     *Service
	broadcaster *recordingBroadcaster
	author      users.User
	other       users.User
	now         time.Time
}

func newChatFixture(t *testing.T, name string) *chatFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&users.User{}, &Message{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("users service: %v", err)
	}
	author, err := userService.Create(context.Background(), "mira", "https://example.com/mira.png")
	if err != nil {
		t.Fatalf("seed author: %v", err)
	}
	other, err := userService.Create(context.Background(), "jun", "")
	if err != nil {
		t.Fatalf("seed other: %v", err)
	}

	fixture := &chatFixture{
		db:          db,
		broadcaster: &recordingBroadcaster{},
		author:      author,
		other:       other,
		now:         time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	service, err := NewService(ServiceConfig{
		Database:    db,
		Broadcaster: fixture.broadcaster,
		Profiles:    userService,
		Topics:      staticTopics{5: true, 6: true},
		Clock: func() time.Time {
			fixture.now = fixture.now.Add(time.Second)
			return fixture.now
		},
	})
	if err != nil {
		t.Fatalf("chat service: %v", err)
	}
	fixture.service = service
	return fixture
}

func TestPostMessagePersistsBeforeBroadcast(t *testing.T) {
	fixture := newChatFixture(t, "chat_post_order")
	fixture.broadcaster.onSend = func(room string, event realtime.Event) {
		received, ok := event.(realtime.ReceiveMessage)
		if !ok {
			return
		}
		var count int64
		if err := fixture.db.Model(&Message{}).Where("id = ?", received.ID).Count(&count).Error; err != nil || count != 1 {
			t.Errorf("broadcast observed message %d before it was fetchable", received.ID)
		}
	}

	view, err := fixture.service.PostMessage(context.Background(), PostRequest{
		TopicID:      5,
		AuthorID:     fixture.author.ID,
		Content:      "  first!  ",
		TopicPreview: json.RawMessage(`{"id":5,"title":"Cars"}`),
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if view.ID == 0 || view.Message != "first!" || view.Author != "mira" {
		t.Fatalf("unexpected view %#v", view)
	}
	if view.ProfileImageURL != "https://example.com/mira.png" {
		t.Fatalf("expected profile image on view")
	}

	records := fixture.broadcaster.snapshot()
	if len(records) != 1 || records[0].room != realtime.TopicRoom(5) {
		t.Fatalf("unexpected broadcasts %#v", records)
	}
	received := records[0].event.(realtime.ReceiveMessage)
	if received.ID != view.ID || !received.CreatedAt.Equal(view.CreatedAt) {
		t.Fatalf("broadcast shape diverged from persisted message")
	}
	if string(received.TopicPreview) != `{"id":5,"title":"Cars"}` || received.ArticlePreview != nil {
		t.Fatalf("unexpected previews %s / %s", received.TopicPreview, received.ArticlePreview)
	}
}

func TestPostMessageRejectsInvalidContent(t *testing.T) {
	fixture := newChatFixture(t, "chat_post_validation")
	ctx := context.Background()

	cases := []struct {
		name    string
		request PostRequest
		want    error
	}{
		{"empty", PostRequest{TopicID: 5, AuthorID: fixture.author.ID, Content: "   "}, ErrEmptyContent},
		{"too long", PostRequest{TopicID: 5, AuthorID: fixture.author.ID, Content: strings.Repeat("a", 1001)}, ErrContentTooLong},
		{"unknown topic", PostRequest{TopicID: 77, AuthorID: fixture.author.ID, Content: "hi"}, ErrTopicNotFound},
		{"bad topic id", PostRequest{TopicID: 0, AuthorID: fixture.author.ID, Content: "hi"}, ErrInvalidTopic},
		{"array preview", PostRequest{TopicID: 5, AuthorID: fixture.author.ID, Content: "hi", ArticlePreview: json.RawMessage(`[1,2]`)}, ErrInvalidPreview},
	}
	for _, testCase := range cases {
		if _, err := fixture.service.PostMessage(ctx, testCase.request); !errors.Is(err, testCase.want) {
			t.Fatalf("%s: expected %v, got %v", testCase.name, testCase.want, err)
		}
	}

	var count int64
	fixture.db.Model(&Message{}).Count(&count)
	if count != 0 {
		t.Fatalf("rejected messages must not persist, found %d", count)
	}
	if records := fixture.broadcaster.snapshot(); len(records) != 0 {
		t.Fatalf("rejected messages must not broadcast")
	}
}

func TestPostMessageCountsRunesNotBytes(t *testing.T) {
	fixture := newChatFixture(t, "chat_post_runes")
	content := strings.Repeat("토", DefaultMaxContentLength)
	if _, err := fixture.service.PostMessage(context.Background(), PostRequest{TopicID: 5, AuthorID: fixture.author.ID, Content: content}); err != nil {
		t.Fatalf("expected %d multi-byte characters to be accepted: %v", DefaultMaxContentLength, err)
	}
}

func TestPostMessageStorageFailureSkipsBroadcast(t *testing.T) {
	fixture := newChatFixture(t, "chat_post_storage_failure")
	if err := fixture.db.Migrator().DropTable(&Message{}); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	_, err := fixture.service.PostMessage(context.Background(), PostRequest{TopicID: 5, AuthorID: fixture.author.ID, Content: "lost"})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "chat.post_message.insert_failed" {
		t.Fatalf("expected insert failure, got %v", err)
	}
	if records := fixture.broadcaster.snapshot(); len(records) != 0 {
		t.Fatalf("failed insert must not broadcast")
	}
}

func TestHistoryRoundTripMostRecentFirst(t *testing.T) {
	fixture := newChatFixture(t, "chat_history")
	ctx := context.Background()

	var posted []MessageView
	for _, content := range []string{"one", "two", "three"} {
		view, err := fixture.service.PostMessage(ctx, PostRequest{TopicID: 5, AuthorID: fixture.author.ID, Content: content})
		if err != nil {
			t.Fatalf("post %s: %v", content, err)
		}
		posted = append(posted, view)
	}
	if _, err := fixture.service.PostMessage(ctx, PostRequest{TopicID: 6, AuthorID: fixture.other.ID, Content: "elsewhere"}); err != nil {
		t.Fatalf("post other topic: %v", err)
	}
	if err := fixture.db.Model(&Message{}).Where("id = ?", posted[1].ID).Update("status", StatusHidden).Error; err != nil {
		t.Fatalf("hide: %v", err)
	}

	history, err := fixture.service.ListHistory(ctx, 5, 0, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected two active messages, got %d", len(history))
	}
	if history[0].ID != posted[2].ID || history[1].ID != posted[0].ID {
		t.Fatalf("expected most recent first, got %d then %d", history[0].ID, history[1].ID)
	}
	if history[0].Message != "three" || !history[0].CreatedAt.Equal(posted[2].CreatedAt) {
		t.Fatalf("history diverged from posted message: %#v", history[0])
	}
	if history[0].Author != "mira" {
		t.Fatalf("expected author nickname, got %q", history[0].Author)
	}

	page, err := fixture.service.ListHistory(ctx, 5, 1, 1)
	if err != nil {
		t.Fatalf("paged history: %v", err)
	}
	if len(page) != 1 || page[0].ID != posted[0].ID {
		t.Fatalf("unexpected page %#v", page)
	}
}

func TestDeleteMessageAuthorOnly(t *testing.T) {
	fixture := newChatFixture(t, "chat_delete")
	ctx := context.Background()
	view, err := fixture.service.PostMessage(ctx, PostRequest{TopicID: 6, AuthorID: fixture.author.ID, Content: "oops"})
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	if err := fixture.service.DeleteMessage(ctx, view.ID, fixture.other.ID); !errors.Is(err, ErrNotAuthor) {
		t.Fatalf("expected ErrNotAuthor, got %v", err)
	}
	var stored Message
	fixture.db.Where("id = ?", view.ID).Take(&stored)
	if stored.Status != StatusActive {
		t.Fatalf("non-author delete changed status to %s", stored.Status)
	}

	if err := fixture.service.DeleteMessage(ctx, view.ID, fixture.author.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	fixture.db.Where("id = ?", view.ID).Take(&stored)
	if stored.Status != StatusDeleted {
		t.Fatalf("expected DELETED, got %s", stored.Status)
	}

	records := fixture.broadcaster.snapshot()
	last := records[len(records)-1]
	deleted, ok := last.event.(realtime.MessageDeleted)
	if !ok || deleted.MessageID != view.ID || last.room != realtime.TopicRoom(6) {
		t.Fatalf("expected message_deleted to topic-6, got %#v", last)
	}

	if err := fixture.service.DeleteMessage(ctx, view.ID, fixture.author.ID); err != nil {
		t.Fatalf("repeat delete should succeed: %v", err)
	}
	if len(fixture.broadcaster.snapshot()) != len(records) {
		t.Fatalf("repeat delete must not broadcast again")
	}

	if err := fixture.service.DeleteMessage(ctx, 9999, fixture.author.ID); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestSocketSenderUsesPipeline(t *testing.T) {
	fixture := newChatFixture(t, "chat_socket_sender")
	send := fixture.service.SocketSender()

	if err := send(context.Background(), auth.Identity{UserID: fixture.other.ID}, 5, "via socket"); err != nil {
		t.Fatalf("socket send: %v", err)
	}
	if err := send(context.Background(), auth.Identity{UserID: fixture.other.ID}, 5, ""); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected validation error for empty socket message, got %v", err)
	}

	history, err := fixture.service.ListHistory(context.Background(), 5, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Message != "via socket" {
		t.Fatalf("unexpected history %#v", history)
	}
}

func TestConcurrentPostsBroadcastInCommitOrder(t *testing.T) {
	fixture := newChatFixture(t, "chat_post_concurrent")
	ctx := context.Background()

	var wg sync.WaitGroup
	for index := 0; index < 20; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := fixture.service.PostMessage(ctx, PostRequest{TopicID: 5, AuthorID: fixture.author.ID, Content: "burst"}); err != nil {
				t.Errorf("post: %v", err)
			}
		}()
	}
	wg.Wait()

	var previous int64
	for _, record := range fixture.broadcaster.snapshot() {
		received := record.event.(realtime.ReceiveMessage)
		if received.ID <= previous {
			t.Fatalf("broadcast order %d after %d does not follow commit order", received.ID, previous)
		}
		previous = received.ID
	}
}

func TestTopicLocksAreStriped(t *testing.T) {
	fixture := newChatFixture(t, "chat_topic_stripes")
	service := fixture.service

	if service.topicLock(5) != service.topicLock(5) {
		t.Fatalf("expected a stable lock per topic")
	}
	if service.topicLock(5) != service.topicLock(5+topicLockStripes) {
		t.Fatalf("expected topics to share a bounded set of locks")
	}
	if service.topicLock(5) == service.topicLock(6) {
		t.Fatalf("expected neighbouring topics on different stripes")
	}
}
