package seeder

import (
	"context"

	"github.com/vnmchuo/chat-gateway/internal/auth"
	"github.com/vnmchuo/chat-gateway/pkg/logger"
)

const (
	DevAPIKey    = "dev-chat-key-12345"
	DevAccountID = "00000000-0000-0000-0000-000000000001"
)

// SeedDevAPIKey registers DevAPIKey for DevAccountID. An existing key is
// left alone.
func SeedDevAPIKey(ctx context.Context, store auth.Store, rateLimit int64) {
	apiKey := &auth.APIKey{
		AccountID: DevAccountID,
		KeyHash:   auth.HashKey(DevAPIKey),
		RateLimit: rateLimit,
		Active:    true,
	}

	if err := store.Create(ctx, apiKey); err != nil {
		logger.Info("dev API key may already exist, skipping", "error", err)
		return
	}
	logger.Info("dev API key created", "key", DevAPIKey, "account_id", DevAccountID)
}
