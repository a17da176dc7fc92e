package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/content-service/content-service/internal/retry"
)

// Category is one member of the closed storage failure taxonomy
type Category string

const (
	CategoryConfig       Category = "config_error"
	CategoryUpload       Category = "upload_error"
	CategoryDownload     Category = "download_error"
	CategoryDelete       Category = "delete_error"
	CategoryConnection   Category = "connection_error"
	CategoryPermission   Category = "permission_error"
	CategoryFileNotFound Category = "file_not_found"
	CategoryInvalidFile  Category = "invalid_file"
	CategoryBucket       Category = "bucket_error"
	CategorySigning      Category = "signing_error"
	CategoryUnknown      Category = "unknown_error"
)

// Sentinels for errors.Is matching by category:
//
//	if errors.Is(err, storage.ErrFileNotFound) { ... }
var (
	ErrConfig       = sentinel(CategoryConfig)
	ErrUpload       = sentinel(CategoryUpload)
	ErrDownload     = sentinel(CategoryDownload)
	ErrDelete       = sentinel(CategoryDelete)
	ErrConnection   = sentinel(CategoryConnection)
	ErrPermission   = sentinel(CategoryPermission)
	ErrFileNotFound = sentinel(CategoryFileNotFound)
	ErrInvalidFile  = sentinel(CategoryInvalidFile)
	ErrBucket       = sentinel(CategoryBucket)
	ErrSigning      = sentinel(CategorySigning)
	ErrUnknown      = sentinel(CategoryUnknown)
)

// Error is a classified storage failure
type Error struct {
	Category Category
	Op       string
	Provider Provider
	Key      string
	Message  string
	Err      error

	sentinel bool
}

func sentinel(c Category) *Error {
	return &Error{Category: c, Message: strings.ReplaceAll(string(c), "_", " "), sentinel: true}
}

// NewError builds a classified error
func NewError(category Category, op string, provider Provider, key, message string, cause error) *Error {
	return &Error{
		Category: category,
		Op:       op,
		Provider: provider,
		Key:      key,
		Message:  message,
		Err:      cause,
	}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("storage")
	if e.Provider != "" {
		b.WriteString(" ")
		b.WriteString(string(e.Provider))
	}
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Key != "" {
		b.WriteString(" ")
		b.WriteString(e.Key)
	}
	b.WriteString(": ")
	msg := e.Message
	if msg == "" {
		msg = strings.ReplaceAll(string(e.Category), "_", " ")
	}
	b.WriteString(msg)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches category sentinels, so errors.Is(err, ErrFileNotFound) holds for
// any FileNotFound error regardless of op or key.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || !t.sentinel {
		return false
	}
	return t.Category == e.Category
}

// Retryable classifies the failure for retry.IsRetryable. Connection errors are
// retryable; configuration, permission, absence and bad input are not; the rest
// defer to the wrapped cause.
func (e *Error) Retryable() bool {
	switch e.Category {
	case CategoryConnection:
		return true
	case CategoryConfig, CategoryPermission, CategoryFileNotFound, CategoryInvalidFile, CategoryBucket:
		return false
	}
	if e.Err == nil {
		return false
	}
	return retry.IsRetryable(e.Err)
}

// AsError extracts the classified error from err's chain
func AsError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// CategoryOf returns err's category, or "" when err is nil or unclassified
func CategoryOf(err error) Category {
	if se, ok := AsError(err); ok {
		return se.Category
	}
	return ""
}

// IsClassified reports whether err carries a taxonomy category
func IsClassified(err error) bool {
	_, ok := AsError(err)
	return ok
}

// IsCategory reports whether err carries category c
func IsCategory(err error, c Category) bool {
	return CategoryOf(err) == c
}

// IsNotFound reports whether err is a FileNotFound error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrFileNotFound)
}

// Classify returns err unchanged when it is already classified, otherwise wraps
// it under fallback. Adapters use it after their own SDK-specific mapping.
func Classify(err error, fallback Category, op string, provider Provider, key string) error {
	if err == nil {
		return nil
	}
	if IsClassified(err) {
		return err
	}
	return NewError(fallback, op, provider, key, fmt.Sprintf("%s failed", op), err)
}

// IsTransport reports whether err is a network-level failure: the request
// never produced a provider response.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}
