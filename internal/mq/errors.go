package mq

import (
	"fmt"

	"github.com/shaiso/vss/internal/domain"
)

// ErrTransport — категория всех ошибок шины.
var ErrTransport = domain.ErrTransport

// Ошибки шины. Все оборачивают ErrTransport.
var (
	// ErrBusDisabled — шина выключена конфигом (local-only режим).
	ErrBusDisabled = fmt.Errorf("%w: message bus disabled", ErrTransport)

	// ErrNotConnected — нет активного соединения.
	ErrNotConnected = fmt.Errorf("%w: not connected", ErrTransport)

	// ErrConnectionLost — брокер закрыл соединение.
	ErrConnectionLost = fmt.Errorf("%w: connection lost", ErrTransport)

	// ErrConnectionClosed — соединение закрыто через Close.
	ErrConnectionClosed = fmt.Errorf("%w: connection closed", ErrTransport)
)
