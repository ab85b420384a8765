package services

import (
	"context"
	"time"

	"github.com/nicedonate/nicedonate/internal/logging"
)

const defaultResubscribeDelay = 2 * time.Second

// runSubscription keeps a subscription to channel open until ctx is done,
// resubscribing after errors. onSubscribed runs after every successful
// subscribe so callers can resync state they may have missed.
func runSubscription(
	ctx context.Context,
	subscriber Subscriber,
	channel string,
	retryDelay time.Duration,
	logger *logging.Logger,
	onSubscribed func(ctx context.Context),
	onMessage func(ctx context.Context, msg PubSubMessage),
) {
	if retryDelay <= 0 {
		retryDelay = defaultResubscribeDelay
	}

	for ctx.Err() == nil {
		sub, err := subscriber.Subscribe(ctx, channel)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Subscribe failed; retrying", map[string]interface{}{
				"channel": channel,
				"error":   err.Error(),
			})
			if !sleepCtx(ctx, retryDelay) {
				return
			}
			continue
		}

		logger.Debug("Subscribed", map[string]interface{}{"channel": channel})
		onSubscribed(ctx)
		consume(ctx, sub, onMessage)
		_ = sub.Close()

		if ctx.Err() == nil {
			logger.Warn("Subscription ended; resubscribing", map[string]interface{}{"channel": channel})
			if !sleepCtx(ctx, retryDelay) {
				return
			}
		}
	}
}

func consume(ctx context.Context, sub Subscription, onMessage func(ctx context.Context, msg PubSubMessage)) {
	messages := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			onMessage(ctx, msg)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
