package receipt

import (
	"context"
	"fmt"
	"strings"
)

// Credentials resolves the extraction-service key for a receipt owner
type Credentials interface {
	ExtractionKey(ctx context.Context, userID string) (string, error)
}

// KeyStore is the part of DB that holds per-user keys
type KeyStore interface {
	UserAPIKey(ctx context.Context, userID string) (string, error)
}

// KeyResolver prefers the user's own key and falls back to a server-wide key
type KeyResolver struct {
	store    KeyStore
	fallback string
}

// NewKeyResolver creates a KeyResolver; fallback may be empty
func NewKeyResolver(store KeyStore, fallback string) *KeyResolver {
	return &KeyResolver{store: store, fallback: strings.TrimSpace(fallback)}
}

// ExtractionKey returns the key to use for userID
func (k *KeyResolver) ExtractionKey(ctx context.Context, userID string) (string, error) {
	if k.store != nil && userID != "" {
		key, err := k.store.UserAPIKey(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("loading user settings: %w", err)
		}
		if key = strings.TrimSpace(key); key != "" {
			return key, nil
		}
	}
	if k.fallback != "" {
		return k.fallback, nil
	}
	return "", ErrMissingCredential
}
