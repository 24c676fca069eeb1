package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soyeahso/livechat/internal/domain"
	"github.com/soyeahso/livechat/internal/kv"
)

// ErrRequestExists is returned when creating a request under an id in use.
var ErrRequestExists = errors.New("tracking: request id already in use")

// ErrRequestNotFound is returned for unknown, expired or resolved requests.
var ErrRequestNotFound = errors.New("tracking: request not found")

// RequestStore holds pending transfer and invitation requests.
type RequestStore struct {
	store *Guard
	ttl   time.Duration
}

// NewRequestStore creates a request store. A zero ttl keeps requests until
// they are resolved.
func NewRequestStore(store *Guard, ttl time.Duration) *RequestStore {
	return &RequestStore{store: store, ttl: ttl}
}

// NewRequestID mints an opaque correlation id.
func NewRequestID() string { return uuid.NewString() }

// Create stores req, minting an id when none is set.
func (r *RequestStore) Create(ctx context.Context, req *domain.TransferRequest) error {
	if req.ID == "" {
		req.ID = NewRequestID()
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	ok, err := r.store.SetNX(ctx, requestKey(req.ID), string(data), r.ttl)
	if err != nil {
		return fmt.Errorf("storing request %s: %w", req.ID, err)
	}
	if !ok {
		return ErrRequestExists
	}
	return nil
}

// Get returns the pending request without resolving it.
func (r *RequestStore) Get(ctx context.Context, id string) (*domain.TransferRequest, error) {
	raw, err := r.store.Get(ctx, requestKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading request %s: %w", id, err)
	}
	return decodeRequest(raw)
}

// Take atomically removes and returns the request. Only one caller can take
// a given id.
func (r *RequestStore) Take(ctx context.Context, id string) (*domain.TransferRequest, error) {
	raw, err := r.store.GetDel(ctx, requestKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving request %s: %w", id, err)
	}
	return decodeRequest(raw)
}

// Delete discards the request.
func (r *RequestStore) Delete(ctx context.Context, id string) error {
	return r.store.Del(ctx, requestKey(id))
}

func decodeRequest(raw string) (*domain.TransferRequest, error) {
	var req domain.TransferRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	return &req, nil
}
