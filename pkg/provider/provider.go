// Package provider defines a uniform streaming generation interface and
// adapters for upstream model APIs.
package provider

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one non-system message in a request.
type Message struct {
	Role Role
	Text string
}

// Request is a single generation call.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	MaxTokens int
}

// Usage is what the upstream reported. Zero values mean not reported.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Reported reports whether the upstream returned any token counts.
func (u Usage) Reported() bool {
	return u.InputTokens > 0 || u.OutputTokens > 0
}

// Result is the outcome of a completed stream.
type Result struct {
	Text  string
	Usage Usage
}

// DeltaFunc receives each text fragment as it arrives. A non-nil return
// aborts the stream.
type DeltaFunc func(delta string) error

// Generator streams one completion.
type Generator interface {
	Stream(ctx context.Context, req Request, onDelta DeltaFunc) (Result, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request, onDelta DeltaFunc) (Result, error)

// Stream implements Generator.
func (f GeneratorFunc) Stream(ctx context.Context, req Request, onDelta DeltaFunc) (Result, error) {
	return f(ctx, req, onDelta)
}

// Kind classifies generation failures.
type Kind int

const (
	KindOther Kind = iota
	KindTimeout
	KindOverloaded
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindOverloaded:
		return "overloaded"
	case KindCanceled:
		return "canceled"
	default:
		return "other"
	}
}

// Classify maps an error from a Generator to a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if code := statusCode(err); code != 0 {
		return classifyStatus(code)
	}
	return KindOther
}

func statusCode(err error) int {
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	var oe *openai.Error
	if errors.As(err, &oe) {
		return oe.StatusCode
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

func classifyStatus(code int) Kind {
	switch code {
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, 529:
		return KindOverloaded
	default:
		return KindOther
	}
}

// StatusError carries an HTTP status from an upstream that is not one of
// the SDK clients.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	if e.Msg == "" {
		return http.StatusText(e.Code)
	}
	return e.Msg
}

// Retryable reports whether another provider may succeed where this one
// failed.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindTimeout, KindOverloaded:
		return true
	case KindCanceled:
		return false
	}
	code := statusCode(err)
	return code >= 500
}
