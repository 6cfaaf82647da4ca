package balancer

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

////////////////////////////////////////////////////////////////////////////////

// LivenessUpdate is one transition delivered by the external
// health-check executor. This control plane never initiates probes.
type LivenessUpdate struct {
	Addr netip.Addr
	Live bool
}

// HealthFeed is the boundary to the health-check executor. Subscribe
// returns a channel of liveness transitions; a closed channel means the
// feed went away and the bridge should resubscribe.
type HealthFeed interface {
	Subscribe(ctx context.Context) (<-chan LivenessUpdate, error)
}

////////////////////////////////////////////////////////////////////////////////

// HealthBridge ingests liveness transitions and turns them into ring
// rebuilds. Updates arriving in a burst are coalesced: the affected
// VIPs are collected first and each VIP is rebuilt once, under the
// balancer lock, so there is never more than one in-flight rebuild per
// VIP.
type HealthBridge struct {
	lb   *Balancer
	feed HealthFeed
	log  *zap.SugaredLogger
}

func newHealthBridge(lb *Balancer, feed HealthFeed, log *zap.SugaredLogger) *HealthBridge {
	return &HealthBridge{lb: lb, feed: feed, log: log}
}

// Run consumes the feed until the context is canceled, resubscribing
// with exponential backoff whenever the feed fails or closes.
func (h *HealthBridge) Run(ctx context.Context) error {
	for {
		updates, err := h.subscribe(ctx)
		if err != nil {
			return err
		}

		if err := h.consume(ctx, updates); err != nil {
			return err
		}
		h.log.Info("health feed closed, resubscribing")
	}
}

func (h *HealthBridge) subscribe(ctx context.Context) (<-chan LivenessUpdate, error) {
	ticker := backoff.NewTicker(&backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         30 * time.Second,
	})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			updates, err := h.feed.Subscribe(ctx)
			if err != nil {
				h.log.Warnw("health feed subscription failed", zap.Error(err))
				continue
			}
			return updates, nil
		}
	}
}

func (h *HealthBridge) consume(ctx context.Context, updates <-chan LivenessUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}

			// Coalesce the burst: drain whatever is already queued and
			// apply the whole batch with one rebuild per affected VIP.
			batch := []LivenessUpdate{update}
		drain:
			for {
				select {
				case more, ok := <-updates:
					if !ok {
						break drain
					}
					batch = append(batch, more)
				default:
					break drain
				}
			}

			if err := h.lb.applyLivenessBatch(batch); err != nil {
				h.log.Errorw("failed to apply liveness batch",
					"updates", len(batch), zap.Error(err))
			}
		}
	}
}

////////////////////////////////////////////////////////////////////////////////

// ChannelHealthFeed is a HealthFeed fed programmatically. Used by tests
// and by harnesses that script liveness transitions.
type ChannelHealthFeed struct {
	mu sync.Mutex
	ch chan LivenessUpdate
}

func NewChannelHealthFeed(buffer int) *ChannelHealthFeed {
	return &ChannelHealthFeed{ch: make(chan LivenessUpdate, buffer)}
}

func (f *ChannelHealthFeed) Subscribe(context.Context) (<-chan LivenessUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ch, nil
}

// Push delivers one transition to the subscriber.
func (f *ChannelHealthFeed) Push(update LivenessUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ch <- update
}

// CloseFeed terminates the current subscription.
func (f *ChannelHealthFeed) CloseFeed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.ch)
	f.ch = make(chan LivenessUpdate, cap(f.ch))
}
