package slot

import "errors"

// Ошибки движка слотов.
var (
	// ErrNoFreeSlot — нет свободного слота с назначенным номером.
	ErrNoFreeSlot = errors.New("no free slot")

	// ErrNoIdentity — у слота нет SIP identity (нельзя звонить и регистрироваться).
	ErrNoIdentity = errors.New("slot has no sip identity")

	// ErrDispatch — команда вызова не доставлена в call-control.
	ErrDispatch = errors.New("call dispatch failed")

	// ErrInvalidCommand — некорректные параметры команды.
	ErrInvalidCommand = errors.New("invalid command")
)
