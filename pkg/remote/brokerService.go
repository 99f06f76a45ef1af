package remote

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/zoff-tech/offline-sync/pkg/broker"
	"github.com/zoff-tech/offline-sync/schema"
)

// BrokerService hands operations to a message broker instead of calling the
// API directly. The topic of each message is the operation kind.
type BrokerService struct {
	broker broker.MessageBroker
}

func NewBrokerService(b broker.MessageBroker) *BrokerService {
	return &BrokerService{broker: b}
}

func (s *BrokerService) CheckIn(ctx context.Context, idempotencyKey string, p schema.CheckIn) error {
	return s.publish(ctx, "CheckIn", schema.KindCheckIn, idempotencyKey, p)
}

func (s *BrokerService) CheckOut(ctx context.Context, idempotencyKey string, p schema.CheckOut) error {
	return s.publish(ctx, "CheckOut", schema.KindCheckOut, idempotencyKey, p)
}

func (s *BrokerService) SubmitComplaint(ctx context.Context, idempotencyKey string, p schema.Complaint) error {
	return s.publish(ctx, "SubmitComplaint", schema.KindComplaint, idempotencyKey, p)
}

func (s *BrokerService) publish(ctx context.Context, op string, kind schema.Kind, idempotencyKey string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return terminalError(op, fmt.Errorf("failed to encode payload: %w", err))
	}

	err = s.broker.Publish(ctx, &broker.Message{
		Topic:       string(kind),
		OrderingKey: OrderingKey(ctx),
		Payload:     data,
		Headers:     map[string]string{IdempotencyHeader: idempotencyKey},
	})
	if err != nil {
		return transientError(op, err)
	}
	return nil
}

func (s *BrokerService) Close() error {
	return s.broker.Close()
}
