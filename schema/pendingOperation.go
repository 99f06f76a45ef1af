package schema

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Kind identifies the remote effect a pending operation replays.
type Kind string

const (
	KindCheckIn   Kind = "attendance-check-in"
	KindCheckOut  Kind = "attendance-check-out"
	KindComplaint Kind = "complaint-submission"
)

// Kinds lists every kind the reconciler knows how to replay.
var Kinds = []Kind{KindCheckIn, KindCheckOut, KindComplaint}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// attendanceOrderingKey serialises check-ins and check-outs of the same member.
const attendanceOrderingKey = "attendance"

// DefaultOrderingKey returns the causal key used when the caller gives none.
func DefaultOrderingKey(k Kind) string {
	switch k {
	case KindCheckIn, KindCheckOut:
		return attendanceOrderingKey
	default:
		return ""
	}
}

// PendingOperation is a deferred mutation waiting to be delivered to the remote service.
// Records are immutable once enqueued; delivery bookkeeping lives in DeliveryState.
type PendingOperation struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	IdempotencyKey string          `json:"idempotency_key"`
	OrderingKey    string          `json:"ordering_key,omitempty"`
}

var validate = validator.New()

// NewOperation builds a validated operation with a fresh id and idempotency key.
func NewOperation(kind Kind, payload any, orderingKey string) (*PendingOperation, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown operation kind: %q", kind)
	}
	if err := ValidatePayload(kind, payload); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate operation id: %w", err)
	}

	if orderingKey == "" {
		orderingKey = DefaultOrderingKey(kind)
	}

	return &PendingOperation{
		ID:             id.String(),
		Kind:           kind,
		Payload:        raw,
		EnqueuedAt:     time.Now().UTC(),
		IdempotencyKey: uuid.NewString(),
		OrderingKey:    orderingKey,
	}, nil
}

// ValidatePayload checks that payload has the type and fields kind requires.
func ValidatePayload(kind Kind, payload any) error {
	switch kind {
	case KindCheckIn:
		if _, ok := payload.(CheckIn); !ok {
			if _, ok := payload.(*CheckIn); !ok {
				return fmt.Errorf("%s expects a CheckIn payload, got %T", kind, payload)
			}
		}
	case KindCheckOut:
		if _, ok := payload.(CheckOut); !ok {
			if _, ok := payload.(*CheckOut); !ok {
				return fmt.Errorf("%s expects a CheckOut payload, got %T", kind, payload)
			}
		}
	case KindComplaint:
		if _, ok := payload.(Complaint); !ok {
			if _, ok := payload.(*Complaint); !ok {
				return fmt.Errorf("%s expects a Complaint payload, got %T", kind, payload)
			}
		}
	default:
		return fmt.Errorf("unknown operation kind: %q", kind)
	}

	if err := validate.Struct(payload); err != nil {
		return fmt.Errorf("invalid %s payload: %w", kind, err)
	}
	return nil
}

// Decode unmarshals the payload into v and validates it.
func (o *PendingOperation) Decode(v any) error {
	if err := json.Unmarshal(o.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload of %s: %w", o.Kind, o.ID, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid %s payload of %s: %w", o.Kind, o.ID, err)
	}
	return nil
}
