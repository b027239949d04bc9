package types

import "errors"

var (
	ErrInvalidRoomCode      = errors.New("room code must be 6 characters, A-Z and 0-9 only")
	ErrInvalidParticipantID = errors.New("participant ID must be 1-50 characters, alphanumeric plus underscore/hyphen")
	ErrInvalidDisplayName   = errors.New("display name must be 1-100 printable characters")
	ErrEmptyChatMessage     = errors.New("chat message cannot be empty")
	ErrChatMessageTooLong   = errors.New("chat message exceeds 2000 character limit")
	ErrInvalidMessageType   = errors.New("invalid message type")
)
