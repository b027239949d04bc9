package room

import "errors"

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrDuplicateTeacher   = errors.New("room code already has an active teacher")
	ErrRoomClosed         = errors.New("room is closed")
	ErrCodeSpaceExhausted = errors.New("unable to allocate a unique room code")
)
