// Package config holds the CLI configuration types.
package config

import "os"

// Config stores all parameters gathered from CLI flags, with environment
// variables as fallback for non-interactive use.
type Config struct {
	RelayURL string // base URL of the signaling relay, e.g. wss://api.example.com
	TokenURL string // REST endpoint issuing short-lived relay tokens
	RoomID   string // job/room identifier scoping the relay connection
	UserID   string // local participant id
	UserName string // local participant display name
	UserRole string // "client" or "professional"
}

// FromEnv returns a Config populated from environment variables, applying
// the given defaults where a variable is unset.
func FromEnv() Config {
	return Config{
		RelayURL: getEnv("CALLKIT_RELAY_URL", "ws://localhost:8000"),
		TokenURL: getEnv("CALLKIT_TOKEN_URL", "http://localhost:8000/api/ws-auth-token/"),
		RoomID:   getEnv("CALLKIT_ROOM_ID", ""),
		UserID:   getEnv("CALLKIT_USER_ID", ""),
		UserName: getEnv("CALLKIT_USER_NAME", ""),
		UserRole: getEnv("CALLKIT_USER_ROLE", "client"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
