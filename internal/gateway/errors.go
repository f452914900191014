// Package gateway содержит общие ошибки клиентов платёжных шлюзов.
package gateway

import "errors"

var (
	// ErrTransient возвращается при сетевых ошибках, таймаутах и ответах не 2xx.
	// Такая ошибка никогда не означает, что платёж не оплачен.
	ErrTransient = errors.New("gateway temporarily unavailable")
	// ErrNotFound возвращается, если шлюз не знает о платеже.
	ErrNotFound = errors.New("gateway has no record of payment")
)

// IsRetryable сообщает, что запрос к шлюзу можно повторить позже.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrNotFound)
}
