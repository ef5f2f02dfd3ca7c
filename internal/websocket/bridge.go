package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/teamcodebridge/chatrelay/internal/domain"
	"github.com/teamcodebridge/chatrelay/internal/pubsub"
)

// remoteExpiryBeats is how many heartbeats a remote presence set survives
// without a refresh.
const remoteExpiryBeats = 3

const bridgePublishTimeout = 5 * time.Second

// Run subscribes the hub to the cluster bus and drives the presence
// heartbeat until ctx is cancelled. On return every session is closed and
// other instances are told this one has no online users.
func (h *Hub) Run(ctx context.Context) error {
	var subs []pubsub.Subscription
	if h.bus != nil {
		relaySub, err := h.bus.Subscribe(ctx, pubsub.Topics.Relay(), h.handleBridgeDeliver)
		if err != nil {
			return err
		}
		subs = append(subs, relaySub)

		presenceSub, err := h.bus.Subscribe(ctx, pubsub.Topics.Presence(), h.handleBridgePresence)
		if err != nil {
			_ = relaySub.Unsubscribe()
			return err
		}
		subs = append(subs, presenceSub)
	}

	h.logger.Info("hub started", "heartbeat", h.opts.Heartbeat, "bridge", h.bus != nil)
	h.publishPresence(ctx)

	ticker := time.NewTicker(h.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.publishUsers(context.Background(), []string{})
			for _, sub := range subs {
				_ = sub.Unsubscribe()
			}
			h.closeAll()
			h.logger.Info("hub stopped")
			return nil
		case <-ticker.C:
			h.publishPresence(ctx)
			h.expireRemote()
		}
	}
}

// publishPresence announces this instance's local online set.
func (h *Hub) publishPresence(ctx context.Context) {
	if h.bus == nil {
		return
	}
	h.publishUsers(ctx, h.registry.Snapshot())
}

func (h *Hub) publishUsers(ctx context.Context, users []string) {
	if h.bus == nil {
		return
	}
	h.publish(ctx, pubsub.Topics.Presence(), bridgeTypePresence, presenceSyncPayload{
		Origin: h.opts.InstanceID,
		Users:  users,
	})
}

// publishDelivery forwards a relayed envelope to the other instances.
// receivers is nil for direct messages.
func (h *Hub) publishDelivery(ctx context.Context, env domain.Envelope, receivers []string) {
	if h.bus == nil {
		return
	}
	h.publish(ctx, pubsub.Topics.Relay(), bridgeTypeDeliver, deliverPayload{
		Origin:    h.opts.InstanceID,
		Envelope:  env,
		Receivers: receivers,
	})
}

func (h *Hub) publish(ctx context.Context, topic, msgType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal bridge payload", "error", err, "type", msgType)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bridgePublishTimeout)
	defer cancel()

	err = h.bus.Publish(ctx, topic, &pubsub.Message{
		Topic:   topic,
		Type:    msgType,
		Origin:  h.opts.InstanceID,
		Payload: data,
	})
	if err != nil {
		h.logger.Warn("bridge publish failed", "error", err, "topic", topic, "type", msgType)
		return
	}
	h.metrics.Bridge("out", msgType)
}

func (h *Hub) handleBridgeDeliver(ctx context.Context, msg *pubsub.Message) {
	if msg.Origin == h.opts.InstanceID || msg.Type != bridgeTypeDeliver {
		return
	}

	var p deliverPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		h.logger.Warn("invalid bridge delivery", "error", err, "origin", msg.Origin)
		return
	}
	h.metrics.Bridge("in", msg.Type)

	receivers := p.Receivers
	if p.Envelope.ChatRoomID == "" {
		receivers = []string{p.Envelope.ReceiverID}
	}
	delivered, echoed := h.deliverLocal(p.Envelope, receivers)
	h.logger.Debug("bridged message delivered",
		"origin", msg.Origin,
		"message_id", p.Envelope.ID,
		"delivered", delivered,
		"echoed", echoed,
	)
}

func (h *Hub) handleBridgePresence(ctx context.Context, msg *pubsub.Message) {
	if msg.Origin == h.opts.InstanceID || msg.Type != bridgeTypePresence {
		return
	}

	var p presenceSyncPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		h.logger.Warn("invalid bridge presence", "error", err, "origin", msg.Origin)
		return
	}
	h.metrics.Bridge("in", msg.Type)

	h.mu.Lock()
	defer h.mu.Unlock()

	prev, had := h.remote[msg.Origin]
	if len(p.Users) == 0 {
		delete(h.remote, msg.Origin)
	} else {
		h.remote[msg.Origin] = remotePresence{users: p.Users, seen: h.now()}
	}

	if had != (len(p.Users) > 0) || !sameUsers(prev.users, p.Users) {
		h.broadcastOnlineLocked()
	}
}

// expireRemote drops remote sets that missed too many heartbeats.
func (h *Hub) expireRemote() {
	cutoff := h.now().Add(-remoteExpiryBeats * h.opts.Heartbeat)

	h.mu.Lock()
	defer h.mu.Unlock()

	expired := false
	for origin, rp := range h.remote {
		if rp.seen.Before(cutoff) {
			delete(h.remote, origin)
			expired = true
			h.logger.Info("remote presence expired", "origin", origin)
		}
	}
	if expired {
		h.broadcastOnlineLocked()
	}
}

func sameUsers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
