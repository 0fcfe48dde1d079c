// Package notify delivers user-facing notifications. Delivery always
// happens after the state change it reports, and a delivery failure never
// rolls the state change back.
package notify

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/procurehq/rfq-engine/internal/config"
	"github.com/procurehq/rfq-engine/internal/model"
	"github.com/procurehq/rfq-engine/internal/resilience"
	"github.com/procurehq/rfq-engine/internal/store"
)

// Message is one notification to one user.
type Message struct {
	UserID  string
	Type    model.NotificationType
	Title   string
	Content string
	Link    string
}

// Sink delivers notifications.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// StoreSink writes notifications into the store's notifications table for
// the UI to poll. Sends are rate limited so a mass cancellation cannot
// hammer the database.
type StoreSink struct {
	store   store.Store
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

func NewStoreSink(st store.Store, cfg config.NotifyConfig) *StoreSink {
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 20
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(rps) * 2
	}
	return &StoreSink{
		store:   st,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		retry:   resilience.DefaultRetryConfig(),
	}
}

func (s *StoreSink) Send(ctx context.Context, msg Message) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "notify: rate limit wait")
	}
	return resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.store.InsertNotification(ctx, &model.Notification{
			UserID:  msg.UserID,
			Type:    msg.Type,
			Title:   msg.Title,
			Content: msg.Content,
			Link:    msg.Link,
		})
	})
}

// SendAll delivers a batch, logging and skipping failures so one bad
// message does not block the rest.
func SendAll(ctx context.Context, sink Sink, msgs []Message) {
	for _, msg := range msgs {
		if err := sink.Send(ctx, msg); err != nil {
			zap.L().Warn("notification delivery failed",
				zap.String("user_id", msg.UserID),
				zap.String("type", string(msg.Type)),
				zap.Error(err))
		}
	}
}
