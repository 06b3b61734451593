package redisstore

import (
	"testing"
	"time"

	"circles-server/internal/model"
)

func TestSignalTTL_FollowsWriteClock(t *testing.T) {
	now := int64(1_700_000_000_000)
	sig := model.StoredSignal{
		OwnerID:      "a",
		TTLExpiresAt: now + 5000,
		UpdatedAt:    now,
	}
	if got := signalTTL(sig); got != 5*time.Second {
		t.Fatalf("expected 5s, got %v", got)
	}
}

func TestSignalTTL_NeverImmortal(t *testing.T) {
	now := int64(1_700_000_000_000)
	sig := model.StoredSignal{
		OwnerID:      "a",
		TTLExpiresAt: now - 1,
		UpdatedAt:    now,
	}
	if got := signalTTL(sig); got != time.Second {
		t.Fatalf("expected 1s floor, got %v", got)
	}
}
