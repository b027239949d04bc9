package websocket

import "errors"

var (
	ErrConnectionClosed  = errors.New("connection is closed")
	ErrMalformedEnvelope = errors.New("malformed message envelope")
)
