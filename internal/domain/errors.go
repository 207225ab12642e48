package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind разделяет ошибки платформы по способу реакции.
type ErrorKind string

const (
	// ErrorKindTransient — сетевые сбои и прочее, что имеет смысл повторить.
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindRateLimited — платформа просит подождать (FLOOD_WAIT).
	ErrorKindRateLimited ErrorKind = "rate_limited"
	// ErrorKindPermanent — авторизация отозвана, чат недоступен; повторять бесполезно.
	ErrorKindPermanent ErrorKind = "permanent"
)

// PlatformError — ошибка платформы с категорией из таксономии.
type PlatformError struct {
	Kind       ErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("platform %s: %v", e.Kind, e.Err)
}

func (e *PlatformError) Unwrap() error { return e.Err }

// NewTransientError оборачивает временную ошибку платформы.
func NewTransientError(err error) error {
	return &PlatformError{Kind: ErrorKindTransient, Err: err}
}

// NewRateLimitedError оборачивает FLOOD_WAIT с рекомендованной паузой.
func NewRateLimitedError(err error, retryAfter time.Duration) error {
	return &PlatformError{Kind: ErrorKindRateLimited, RetryAfter: retryAfter, Err: err}
}

// NewPermanentError оборачивает невосстановимую ошибку платформы.
func NewPermanentError(err error) error {
	return &PlatformError{Kind: ErrorKindPermanent, Err: err}
}

// IsTransient сообщает, стоит ли повторять операцию.
func IsTransient(err error) bool {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Kind == ErrorKindTransient || pe.Kind == ErrorKindRateLimited
	}
	return false
}

// IsPermanent сообщает, что чат надо пропустить до следующего прогона.
func IsPermanent(err error) bool {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Kind == ErrorKindPermanent
	}
	return false
}

// RetryAfter возвращает паузу, запрошенную платформой, если она есть.
func RetryAfter(err error) (time.Duration, bool) {
	var pe *PlatformError
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		return pe.RetryAfter, true
	}
	return 0, false
}
