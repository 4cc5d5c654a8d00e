package engine

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrNotAuthorized indicates the actor lacks authority for the requested write.
	ErrNotAuthorized = errors.New("engine: not authorized")
	// ErrBanned indicates the actor or nick is banned from the channel.
	ErrBanned = errors.New("engine: banned from channel")
	// ErrNickOwned indicates the nick belongs to another actor.
	ErrNickOwned = errors.New("engine: nick owned by another actor")
	// ErrInvalidRequest indicates a malformed channel, nick or mode.
	ErrInvalidRequest = errors.New("engine: invalid request")
	// ErrStopped indicates the owner goroutine is not running.
	ErrStopped = errors.New("engine: stopped")
)

// ServiceError carries a stable "operation.reason" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the "operation.reason" code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opRequestJoin       = "engine.request_join"
	opRequestPart       = "engine.request_part"
	opRequestTopic      = "engine.request_topic"
	opRequestMode       = "engine.request_mode"
	opRequestModeration = "engine.request_moderation"
	opRequestNickClaim  = "engine.request_nick_claim"
	opRequestMessage    = "engine.request_message"
	opMergeDelta        = "engine.merge_delta"
	opRestore           = "engine.restore"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	if e.logger == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}, fields...)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	e.logger.Error("engine operation failed", allFields...)
}
