package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrDuplicateInvoiceNumber occurs when an allocated number is already taken.
var ErrDuplicateInvoiceNumber = errors.New("billing: duplicate invoice number")

// SequenceStore atomically reserves the next invoice sequence value for an
// organization and period. Implementations must never hand out a value twice.
type SequenceStore interface {
	ReserveInvoiceSequence(ctx context.Context, organizationID uuid.UUID, period string) (int64, error)
}

// NumberAllocator produces invoice numbers of the form INV-<yyyy>-<mm>-<nnnn>.
type NumberAllocator struct {
	store SequenceStore
}

// NewNumberAllocator constructs the allocator.
func NewNumberAllocator(store SequenceStore) *NumberAllocator {
	return &NumberAllocator{store: store}
}

// Allocate reserves the next invoice number for the organization's month of at.
func (a *NumberAllocator) Allocate(ctx context.Context, organizationID uuid.UUID, at time.Time) (string, error) {
	if organizationID == uuid.Nil {
		return "", fmt.Errorf("%w: organization required", ErrPrecondition)
	}
	prefix := InvoicePrefix(at)
	seq, err := a.store.ReserveInvoiceSequence(ctx, organizationID, prefix)
	if err != nil {
		return "", fmt.Errorf("reserve invoice sequence: %w", err)
	}
	return FormatInvoiceNumber(prefix, seq), nil
}

// InvoicePrefix returns the numbering scope for a month.
func InvoicePrefix(at time.Time) string {
	return fmt.Sprintf("INV-%04d-%02d", at.Year(), int(at.Month()))
}

// FormatInvoiceNumber appends a zero-padded sequence to prefix.
func FormatInvoiceNumber(prefix string, seq int64) string {
	return fmt.Sprintf("%s-%04d", prefix, seq)
}

// RedisSequenceStore reserves sequence values with INCR. The Redis instance
// must be persistent; the unique index on invoice numbers catches any reuse.
type RedisSequenceStore struct {
	client *redis.Client
}

// NewRedisSequenceStore constructs the store.
func NewRedisSequenceStore(client *redis.Client) *RedisSequenceStore {
	return &RedisSequenceStore{client: client}
}

// ReserveInvoiceSequence implements SequenceStore.
func (s *RedisSequenceStore) ReserveInvoiceSequence(ctx context.Context, organizationID uuid.UUID, period string) (int64, error) {
	if s == nil || s.client == nil {
		return 0, errors.New("billing: redis sequence store not configured")
	}
	return s.client.Incr(ctx, sequenceKey(organizationID, period)).Result()
}

func sequenceKey(organizationID uuid.UUID, period string) string {
	return fmt.Sprintf("billing:invoice_seq:%s:%s", organizationID, period)
}
