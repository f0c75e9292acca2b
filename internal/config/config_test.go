package config

import "testing"

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("CALLKIT_RELAY_URL", "")
	t.Setenv("CALLKIT_USER_ROLE", "")

	cfg := FromEnv()
	if cfg.RelayURL != "ws://localhost:8000" {
		t.Errorf("RelayURL default = %q", cfg.RelayURL)
	}
	if cfg.UserRole != "client" {
		t.Errorf("UserRole default = %q", cfg.UserRole)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CALLKIT_RELAY_URL", "wss://relay.example.com")
	t.Setenv("CALLKIT_ROOM_ID", "job-42")
	t.Setenv("CALLKIT_USER_ROLE", "professional")

	cfg := FromEnv()
	if cfg.RelayURL != "wss://relay.example.com" {
		t.Errorf("RelayURL = %q", cfg.RelayURL)
	}
	if cfg.RoomID != "job-42" {
		t.Errorf("RoomID = %q", cfg.RoomID)
	}
	if cfg.UserRole != "professional" {
		t.Errorf("UserRole = %q", cfg.UserRole)
	}
}
