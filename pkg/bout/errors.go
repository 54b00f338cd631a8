package bout

import (
	"context"
	"errors"
	"fmt"

	"github.com/pario-ai/pit/pkg/provider"
)

// Category groups run failures by what the caller can do about them.
type Category string

const (
	CategoryValidation         Category = "validation"
	CategoryQuota              Category = "quota"
	CategoryUpstreamTimeout    Category = "upstream_timeout"
	CategoryUpstreamOverloaded Category = "upstream_overloaded"
	CategoryInternal           Category = "internal"
)

// Quota reasons.
const (
	ReasonBalance   = "balance"
	ReasonCount     = "count"
	ReasonSpend     = "spend"
	ReasonIntroPool = "intro_pool"
)

// ReasonForbidden marks a validation failure on another owner's bout.
const ReasonForbidden = "forbidden"

// Error is a categorized run failure.
type Error struct {
	Category Category
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %v", e.Category, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message is the user-facing text for the failure.
func (e *Error) Message() string {
	if e.Category == CategoryQuota {
		switch e.Reason {
		case ReasonCount:
			return "Daily free bout pool exhausted. Try again tomorrow."
		case ReasonSpend:
			return "Daily free tier spend cap reached. Try again tomorrow."
		case ReasonBalance:
			return "Insufficient credits."
		case ReasonIntroPool:
			return "Intro pool exhausted. Sign in to continue."
		}
	}
	return e.Err.Error()
}

func validationErr(format string, args ...any) *Error {
	return &Error{Category: CategoryValidation, Err: fmt.Errorf(format, args...)}
}

func wrapValidation(err error) *Error {
	return &Error{Category: CategoryValidation, Err: err}
}

func quotaErr(reason string) *Error {
	return &Error{Category: CategoryQuota, Reason: reason, Err: fmt.Errorf("quota exhausted: %s", reason)}
}

func internalErr(err error) *Error {
	return &Error{Category: CategoryInternal, Err: err}
}

// errDisconnected marks a run stopped because the caller went away.
var errDisconnected = errors.New("client disconnected")

// classify maps a turn failure to a categorized error.
func classify(err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	if errors.Is(err, errDisconnected) {
		return &Error{Category: CategoryInternal, Reason: "disconnected", Err: err}
	}
	switch provider.Classify(err) {
	case provider.KindTimeout:
		return &Error{Category: CategoryUpstreamTimeout, Err: err}
	case provider.KindOverloaded:
		return &Error{Category: CategoryUpstreamOverloaded, Err: err}
	case provider.KindCanceled:
		return &Error{Category: CategoryInternal, Reason: "disconnected", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Category: CategoryUpstreamTimeout, Err: err}
	}
	return internalErr(err)
}

// CategoryOf returns the category of err, or CategoryInternal.
func CategoryOf(err error) Category {
	var be *Error
	if errors.As(err, &be) {
		return be.Category
	}
	return CategoryInternal
}
