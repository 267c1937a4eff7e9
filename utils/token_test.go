package utils

import (
	"errors"
	"testing"
	"time"
)

func TestUserIdFromToken(t *testing.T) {
	token, err := JwtGenerate(42, "owner", time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id, err := UserIdFromToken(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 42 {
		t.Fatalf("expected 42, got %d", id)
	}
}

func TestUserIdFromTokenRejectsExpired(t *testing.T) {
	token, err := JwtGenerate(42, "owner", -time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := UserIdFromToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestUserIdFromTokenRejectsGarbage(t *testing.T) {
	if _, err := UserIdFromToken("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
