package apperror

import (
	"errors"
	"fmt"
)

type Kind string

const (
	Matching    Kind = "matching"
	Chain       Kind = "chain"
	Provider    Kind = "provider"
	Consistency Kind = "consistency"
	Config      Kind = "config"
)

// Provider sub-codes.
const (
	CodeAuth      = "auth"
	CodeRateLimit = "rate_limit"
	CodeTimeout   = "timeout"
	CodeRejected  = "rejected"
	CodeTransport = "transport"
)

// Chain sub-codes.
const (
	CodeReverted     = "reverted"
	CodeSend         = "send"
	CodeInsufficient = "insufficient_balance"
	CodeDecimals     = "decimals_mismatch"
	CodeNotConfirmed = "not_confirmed"
)

// CodeBusy marks a Consistency error for a payment step another worker holds.
const CodeBusy = "busy"

type E struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %s (%v)", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

func (e *E) Unwrap() error {
	return e.Err
}

func New(kind Kind, code, msg string) error {
	return &E{Kind: kind, Code: code, Message: msg}
}

func Wrap(kind Kind, code, msg string, err error) error {
	return &E{Kind: kind, Code: code, Message: msg, Err: err}
}

// KindOf returns the kind of the first *E in the chain, or "" for untyped errors.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func CodeOf(err error) string {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func Is(err error, kind Kind, code string) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind && (code == "" || e.Code == code)
}

// IsRetryable reports whether repeating the same call may succeed.
// Configuration errors, matching ambiguities, consistency violations and
// business rejections need an operator.
func IsRetryable(err error) bool {
	var e *E
	if !errors.As(err, &e) {
		return true
	}
	switch e.Kind {
	case Config, Matching, Consistency:
		return false
	case Provider:
		return e.Code != CodeRejected && e.Code != CodeAuth
	case Chain:
		return e.Code != CodeInsufficient && e.Code != CodeDecimals
	}
	return true
}
