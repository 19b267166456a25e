// Package messaging feeds notification dispatch requests published on NATS into
// the notification fanout.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubject is the subject producers publish dispatch requests on.
const DefaultSubject = "notifications.dispatch"

var errMissingTrigger = errors.New("messaging: notification trigger required")

// Trigger starts a fire-and-forget notification dispatch.
type Trigger interface {
	Trigger(notificationType string, payload json.RawMessage) error
}

// DispatchRequest mirrors the body of POST /internal/send-notification.
type DispatchRequest struct {
	NotificationType string          `json:"notification_type"`
	Data             json.RawMessage `json:"data"`
}

type ConsumerConfig struct {
	URL     string
	Subject string
	Name    string
	Trigger Trigger
	Logger  *zap.Logger
}

// Consumer subscribes to the dispatch subject.
type Consumer struct {
	url     string
	subject string
	name    string
	trigger Trigger
	logger  *zap.Logger
}

func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Trigger == nil {
		return nil, errMissingTrigger
	}
	subject := cfg.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	name := cfg.Name
	if name == "" {
		name = "agora-api"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{url: cfg.URL, subject: subject, name: name, trigger: cfg.Trigger, logger: logger}, nil
}

// Run connects, subscribes and blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	conn, err := nats.Connect(c.url,
		nats.Name(c.name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer conn.Close()

	subscription, err := conn.Subscribe(c.subject, func(msg *nats.Msg) {
		c.handle(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", c.subject, err)
	}
	c.logger.Info("notification consumer subscribed", zap.String("subject", c.subject))

	<-ctx.Done()
	if err := subscription.Drain(); err != nil {
		c.logger.Warn("nats drain failed", zap.Error(err))
	}
	return nil
}

func (c *Consumer) handle(data []byte) error {
	var request DispatchRequest
	if err := json.Unmarshal(data, &request); err != nil {
		c.logger.Warn("notification request malformed", zap.String("subject", c.subject), zap.Error(err))
		return err
	}
	if err := c.trigger.Trigger(request.NotificationType, request.Data); err != nil {
		c.logger.Warn("notification request rejected",
			zap.String("subject", c.subject),
			zap.String("notification_type", request.NotificationType),
			zap.Error(err))
		return err
	}
	return nil
}
