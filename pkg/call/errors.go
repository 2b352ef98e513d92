package call

import (
	"errors"
	"fmt"
)

var (
	// ErrCallNotFound звонок с таким id не зарегистрирован
	ErrCallNotFound = errors.New("call not found")
	// ErrInvalidStreamSnapshot снимок потока непригоден для статистики
	ErrInvalidStreamSnapshot = errors.New("invalid stream snapshot")
	// ErrInvalidTransferTarget адрес перевода не разбирается как SIP URI
	ErrInvalidTransferTarget = errors.New("invalid transfer target")
	// ErrSessionTerminated команда пришла после Disconnected
	ErrSessionTerminated = errors.New("session terminated")
)

// ErrorCategory категория ошибки сессии
type ErrorCategory string

const (
	ErrorCategoryQuery    ErrorCategory = "QUERY"    // запросы info/media/stream
	ErrorCategoryCommand  ErrorCategory = "COMMAND"  // answer, hold, transfer, ...
	ErrorCategoryResource ErrorCategory = "RESOURCE" // тон, окно, превью
	ErrorCategoryStats    ErrorCategory = "STATS"    // сборка и отправка статистики
)

// Error ошибка операции сессии с контекстом звонка
type Error struct {
	Category ErrorCategory
	Op       string
	CallID   int
	Cause    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] call %d: %s: %v", e.Category, e.CallID, e.Op, e.Cause)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(category ErrorCategory, op string, callID int, cause error) *Error {
	return &Error{Category: category, Op: op, CallID: callID, Cause: cause}
}
