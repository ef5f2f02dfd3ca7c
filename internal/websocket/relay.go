package websocket

import (
	"context"

	"github.com/teamcodebridge/chatrelay/internal/domain"
)

// Relay validates a send intent and delivers it live: receive_message to
// every connection of the receiver and message_sent to every connection of
// the sender. An offline receiver is not an error; the message is simply not
// delivered. Nothing is stored or retried.
func (h *Hub) Relay(ctx context.Context, intent domain.SendIntent) (domain.RelayResult, error) {
	if err := intent.Validate(h.opts.MaxContentLength); err != nil {
		return domain.RelayResult{}, err
	}

	env := domain.NewEnvelope(intent, h.now())
	delivered, echoed := h.deliverLocal(env, []string{env.ReceiverID})

	h.metrics.RelayOutcome(delivered, echoed)
	h.logger.Debug("message relayed",
		"message_id", env.ID,
		"sender_id", env.SenderID,
		"receiver_id", env.ReceiverID,
		"delivered", delivered,
		"echoed", echoed,
	)

	h.publishDelivery(ctx, env, nil)

	return domain.RelayResult{Envelope: env, Delivered: delivered, Echoed: echoed}, nil
}

// RelayRoom delivers a room message live: receive_message to every
// connection of every member except the sender, and message_sent to the
// sender's connections.
func (h *Hub) RelayRoom(ctx context.Context, intent domain.RoomIntent) (domain.RelayResult, error) {
	if err := intent.Validate(h.opts.MaxContentLength); err != nil {
		return domain.RelayResult{}, err
	}

	receivers := make([]string, 0, len(intent.MemberIDs))
	for _, id := range intent.MemberIDs {
		if id != intent.SenderID {
			receivers = append(receivers, id)
		}
	}

	env := domain.NewRoomEnvelope(intent, h.now())
	delivered, echoed := h.deliverLocal(env, receivers)

	h.metrics.RelayOutcome(delivered, echoed)
	h.logger.Debug("room message relayed",
		"message_id", env.ID,
		"sender_id", env.SenderID,
		"chat_room_id", env.ChatRoomID,
		"delivered", delivered,
		"echoed", echoed,
	)

	h.publishDelivery(ctx, env, receivers)

	return domain.RelayResult{Envelope: env, Delivered: delivered, Echoed: echoed}, nil
}

// deliverLocal fans env out to this instance's connections of the receivers
// and the sender. A user messaging themself gets both events on each handle.
func (h *Hub) deliverLocal(env domain.Envelope, receivers []string) (delivered, echoed int) {
	received, err := encodeMessage(EventTypeReceiveMessage, receiverView(env))
	if err != nil {
		h.logger.Error("failed to encode message", "error", err, "message_id", env.ID)
		return 0, 0
	}
	sent, err := encodeMessage(EventTypeMessageSent, senderView(env))
	if err != nil {
		h.logger.Error("failed to encode message", "error", err, "message_id", env.ID)
		return 0, 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, userID := range receivers {
		for _, s := range h.registry.Lookup(userID) {
			s.enqueue(received)
			delivered++
		}
	}
	for _, s := range h.registry.Lookup(env.SenderID) {
		s.enqueue(sent)
		echoed++
	}
	return delivered, echoed
}
