package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and platform adapters return
// these (optionally wrapped) so services can translate them into domain errors.
//
// They describe the state of a resource, not input validation:
// - ErrNotFound: record, token or message does not exist
// - ErrConflict: a uniqueness rule was violated (e.g. identity already bound)
// - ErrExpired: token or pending record is past its deadline
// - ErrAlreadyUsed: token consumed, or verification attempt already starting
// - ErrInvalidState: record is terminal for the requested transition
// - ErrUnavailable: external collaborator temporarily unavailable
// - ErrPermissionDenied: the bot lacks rights in the chat
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrExpired          = errors.New("expired")
	ErrAlreadyUsed      = errors.New("already used")
	ErrInvalidState     = errors.New("invalid state")
	ErrUnavailable      = errors.New("unavailable")
	ErrPermissionDenied = errors.New("permission denied")
)
