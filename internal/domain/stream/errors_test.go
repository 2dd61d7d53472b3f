package stream_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"telegram-radar/internal/domain/stream"
)

func TestAsFloodWait(t *testing.T) {
	t.Parallel()

	fw := &stream.FloodWaitError{Wait: 42 * time.Second}
	wrapped := fmt.Errorf("get history: %w", fw)

	wait, ok := stream.AsFloodWait(wrapped)
	if !ok || wait != 42*time.Second {
		t.Fatalf("AsFloodWait(wrapped) = %v, %v", wait, ok)
	}

	if _, ok := stream.AsFloodWait(errors.New("plain")); ok {
		t.Fatal("AsFloodWait распознала обычную ошибку")
	}
	if _, ok := stream.AsFloodWait(nil); ok {
		t.Fatal("AsFloodWait распознала nil")
	}
}

func TestPermanentError(t *testing.T) {
	t.Parallel()

	cause := errors.New("CHANNEL_PRIVATE")
	pe := &stream.PermanentError{Reason: "CHANNEL_PRIVATE", Err: cause}
	wrapped := fmt.Errorf("resolve chat: %w", pe)

	if !stream.IsPermanent(wrapped) {
		t.Fatal("IsPermanent не распознала обёрнутую ошибку")
	}
	if stream.IsPermanent(errors.New("transient")) {
		t.Fatal("IsPermanent распознала транзиентную ошибку")
	}
	if !pe.StopRetry() {
		t.Fatal("перманентная ошибка должна прекращать ретраи")
	}
	if !errors.Is(wrapped, cause) {
		t.Fatal("Unwrap не достаёт исходную причину")
	}
}

func TestAuthError(t *testing.T) {
	t.Parallel()

	ae := &stream.AuthError{Err: errors.New("AUTH_KEY_UNREGISTERED")}
	wrapped := fmt.Errorf("self: %w", ae)

	if !stream.IsAuth(wrapped) {
		t.Fatal("IsAuth не распознала обёрнутую ошибку")
	}
	if stream.IsAuth(errors.New("nope")) {
		t.Fatal("IsAuth распознала постороннюю ошибку")
	}
	if !ae.StopRetry() {
		t.Fatal("потеря авторизации должна прекращать ретраи")
	}
}
