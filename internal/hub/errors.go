package hub

import "errors"

var (
	// ErrUnauthenticated — неизвестный токен.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnknownCommand — команда не принимается от сессий.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrInvalidFrame — кадр не разобран.
	ErrInvalidFrame = errors.New("invalid frame")
)
