package realtime

import "errors"

var (
	ErrClientClosed    = errors.New("client closed")
	ErrSendBufferFull  = errors.New("send buffer full")
	ErrOriginForbidden = errors.New("origin not allowed")
)
