package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type TransactionKind string

const (
	KindPurchase   TransactionKind = "purchase"
	KindGeneration TransactionKind = "generation"
	KindRefund     TransactionKind = "refund"
	KindAdWatch    TransactionKind = "ad_watch"
	KindBonus      TransactionKind = "bonus"
)

func (k TransactionKind) Valid() bool {
	switch k {
	case KindPurchase, KindGeneration, KindRefund, KindAdWatch, KindBonus:
		return true
	}
	return false
}

// Transaction is one row of the append-only credit ledger. Amount is signed:
// positive entries add credits, negative entries spend them. Rows are never
// updated or deleted; the account balance is maintained alongside the insert.
type Transaction struct {
	ID             int32           `json:"id"`
	AccountID      int32           `json:"account_id"`
	Amount         int32           `json:"amount"`
	Kind           TransactionKind `json:"kind"`
	Metadata       Metadata        `json:"metadata,omitempty"`
	IdempotencyKey string          `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Metadata is the kind-specific payload attached to a transaction. Each kind
// carries its own typed shape instead of a free-form map.
type Metadata interface {
	Kind() TransactionKind
}

type PurchaseMetadata struct {
	PaymentSessionID string `json:"payment_session_id"`
	PaymentIntentID  string `json:"payment_intent_id,omitempty"`
	AmountPaidCents  int64  `json:"amount_paid_cents"`
}

func (PurchaseMetadata) Kind() TransactionKind { return KindPurchase }

type GenerationMetadata struct {
	Prompt            string `json:"prompt"`
	HasReferenceImage bool   `json:"has_reference_image"`
	ProviderJobID     string `json:"provider_job_id,omitempty"`
}

func (GenerationMetadata) Kind() TransactionKind { return KindGeneration }

type RefundMetadata struct {
	OriginalTransactionID int32  `json:"original_transaction_id"`
	Reason                string `json:"reason"`
}

func (RefundMetadata) Kind() TransactionKind { return KindRefund }

type AdWatchMetadata struct {
	AdViewID string `json:"ad_view_id"`
}

func (AdWatchMetadata) Kind() TransactionKind { return KindAdWatch }

type BonusMetadata struct {
	Reason string `json:"reason"`
}

func (BonusMetadata) Kind() TransactionKind { return KindBonus }

// EncodeMetadata serializes metadata for storage. Nil metadata becomes an
// empty JSON object so the column stays NOT NULL.
func EncodeMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// DecodeMetadata picks the concrete metadata type for the given kind.
func DecodeMetadata(kind TransactionKind, raw []byte) (Metadata, error) {
	if len(raw) == 0 || string(raw) == "{}" {
		return nil, nil
	}
	var m Metadata
	switch kind {
	case KindPurchase:
		m = &PurchaseMetadata{}
	case KindGeneration:
		m = &GenerationMetadata{}
	case KindRefund:
		m = &RefundMetadata{}
	case KindAdWatch:
		m = &AdWatchMetadata{}
	case KindBonus:
		m = &BonusMetadata{}
	default:
		return nil, fmt.Errorf("unknown transaction kind %q", kind)
	}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("failed to decode %s metadata: %w", kind, err)
	}
	return m, nil
}
