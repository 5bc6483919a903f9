package ability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/oarkflow/ability/filter"
)

// Kind classifies errors crossing the engine boundary.
type Kind string

const (
	KindNotFound   Kind = "not_found"
	KindForbidden  Kind = "forbidden"
	KindValidation Kind = "validation"
	KindParse      Kind = "parse"
	KindTimeout    Kind = "timeout"
	KindTransient  Kind = "transient"
	KindInternal   Kind = "internal"
)

// Status is the HTTP-shaped status for the kind.
func (k Kind) Status() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindValidation, KindParse:
		return http.StatusUnprocessableEntity
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// UnauthorizedMessage is the only text callers see for a denial.
const UnauthorizedMessage = "Unauthorized"

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// ForbiddenError is an evaluator denial. Reason and Fields are for logs;
// callers only ever see UnauthorizedMessage.
type ForbiddenError struct {
	Action  string
	Subject string
	Reason  string
	Fields  []string
}

func (e *ForbiddenError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "forbidden: %s %s", e.Action, e.Subject)
	if len(e.Fields) > 0 {
		fmt.Fprintf(&b, " fields [%s]", strings.Join(e.Fields, ","))
	}
	if e.Reason != "" {
		b.WriteString(": " + e.Reason)
	}
	return b.String()
}

type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Msg
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// ParseError is malformed rule JSON.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "parse rules: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("%s timed out: %v", e.Op, e.Err) }
func (e *TimeoutError) Unwrap() error { return e.Err }

// TransientError wraps collaborator I/O failures other than timeouts.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s failed: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// KindOf classifies err. nil has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var (
		nf  *NotFoundError
		fb  *ForbiddenError
		ve  *ValidationError
		fve *filter.ValidationError
		pe  *ParseError
		te  *TimeoutError
		tr  *TransientError
	)
	switch {
	case errors.As(err, &nf):
		return KindNotFound
	case errors.As(err, &fb):
		return KindForbidden
	case errors.As(err, &ve), errors.As(err, &fve):
		return KindValidation
	case errors.As(err, &pe):
		return KindParse
	case errors.As(err, &te), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &tr):
		return KindTransient
	}
	return KindInternal
}

// StatusOf maps err to an HTTP-shaped status; nil is 200.
func StatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return KindOf(err).Status()
}

// classify turns a raw collaborator error into the taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TimeoutError
	if errors.Is(err, context.DeadlineExceeded) && !errors.As(err, &te) {
		return &TimeoutError{Op: op, Err: err}
	}
	if KindOf(err) != KindInternal {
		return err
	}
	return &TransientError{Op: op, Err: err}
}
