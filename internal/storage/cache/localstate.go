package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tinywideclouds/go-cache-sync/internal/token"
)

// The manager's only persisted state: the token itself and a marker for
// a token that was generated before any user claimed it.
const (
	tokenKey        = "sync:device:token"
	pendingOwnerKey = "sync:device:token:pending"
)

// localRecord is the stored shape under tokenKey.
type localRecord struct {
	Value string `json:"value"`
	Owner string `json:"owner,omitempty"`
}

// LocalState implements token.LocalStore on a Client. Entries never
// expire; the token survives restarts until explicitly cleared.
type LocalState struct {
	cache Client
}

func NewLocalState(cache Client) *LocalState {
	return &LocalState{cache: cache}
}

func (s *LocalState) Load(ctx context.Context) (token.DeviceToken, bool, error) {
	var rec localRecord
	err := s.cache.Get(ctx, tokenKey, &rec)
	if errors.Is(err, redis.Nil) {
		return token.DeviceToken{}, false, nil
	}
	if err != nil {
		return token.DeviceToken{}, false, fmt.Errorf("load token state: %w", err)
	}

	tok := token.DeviceToken{Value: rec.Value, Owner: rec.Owner}
	var pending bool
	if err := s.cache.Get(ctx, pendingOwnerKey, &pending); err != nil && !errors.Is(err, redis.Nil) {
		return token.DeviceToken{}, false, fmt.Errorf("load pending marker: %w", err)
	}

	switch {
	case pending:
		tok.State = token.StatePendingOwner
	case rec.Owner != "":
		tok.State = token.StateRegistered
	default:
		tok.State = token.StatePendingOwner
	}
	return tok, true, nil
}

func (s *LocalState) Save(ctx context.Context, tok token.DeviceToken) error {
	rec := localRecord{Value: tok.Value, Owner: tok.Owner}
	if err := s.cache.Set(ctx, tokenKey, rec, 0); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	if tok.State == token.StatePendingOwner {
		return s.cache.Set(ctx, pendingOwnerKey, true, 0)
	}
	return s.cache.Del(ctx, pendingOwnerKey)
}

func (s *LocalState) Clear(ctx context.Context) error {
	if err := s.cache.Del(ctx, tokenKey); err != nil {
		return err
	}
	return s.cache.Del(ctx, pendingOwnerKey)
}
