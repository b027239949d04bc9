package types

import (
	"strings"
	"unicode/utf8"
)

const (
	// RoomCodeLength is the fixed length of a room code.
	RoomCodeLength = 6

	// RoomCodeAlphabet is the character set room codes are drawn from.
	RoomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	maxParticipantIDLen = 50
	maxDisplayNameLen   = 100

	// MaxChatMessageLen caps a single chat message, in runes.
	MaxChatMessageLen = 2000
)

// NormalizeRoomCode uppercases a user-typed code so that "abc123" and
// "ABC123" address the same room.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsValidRoomCode reports whether code is exactly six characters from the
// room code alphabet. Callers normalize first.
func IsValidRoomCode(code string) bool {
	if len(code) != RoomCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// IsValidParticipantID checks the identifier a client supplies for itself.
// Kept to URL- and log-safe characters.
func IsValidParticipantID(id string) bool {
	if len(id) < 1 || len(id) > maxParticipantIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// IsValidDisplayName checks a human-facing name: non-empty, bounded, valid
// UTF-8 with no control characters.
func IsValidDisplayName(name string) bool {
	if name == "" || !utf8.ValidString(name) {
		return false
	}
	if utf8.RuneCountInString(name) > maxDisplayNameLen {
		return false
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// ValidateChatMessage enforces the chat length cap.
func ValidateChatMessage(text string) error {
	if text == "" {
		return ErrEmptyChatMessage
	}
	if utf8.RuneCountInString(text) > MaxChatMessageLen {
		return ErrChatMessageTooLong
	}
	return nil
}
