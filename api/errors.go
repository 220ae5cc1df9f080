package api

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized means the broker rejected the session even after a
	// fresh login.
	ErrUnauthorized = errors.New("broker session unauthorized")
	// ErrNotFound means the referenced deal does not exist (anymore).
	ErrNotFound = errors.New("broker deal not found")
	// ErrUnconfirmed means an order was accepted but its outcome could not
	// be confirmed. The deal may exist at the broker.
	ErrUnconfirmed = errors.New("broker order unconfirmed")
	// ErrNoSession means a call needed session tokens and none were held.
	ErrNoSession = errors.New("no broker session")
)

// UnconfirmedError carries the deal reference of an accepted order whose
// confirmation failed.
type UnconfirmedError struct {
	Op            string
	DealReference string
	Err           error
}

func (e *UnconfirmedError) Error() string {
	return fmt.Sprintf("%s: deal reference %s unconfirmed: %v", e.Op, e.DealReference, e.Err)
}

func (e *UnconfirmedError) Unwrap() error { return e.Err }

func (e *UnconfirmedError) Is(target error) bool { return target == ErrUnconfirmed }

// RejectError is any other non-2xx answer, or a rejected deal
// confirmation.
type RejectError struct {
	Op     string
	Status int
	Code   string
	Body   string
}

func (e *RejectError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s rejected: status %d code %s body %s", e.Op, e.Status, e.Code, e.Body)
	}
	return fmt.Sprintf("%s rejected: status %d body %s", e.Op, e.Status, e.Body)
}
