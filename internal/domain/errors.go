package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Lifecycle errors
	ErrClosed          = errors.New("node is closed")
	ErrTransportClosed = errors.New("transport is closed")
	ErrOutboxFull      = errors.New("transport outbox full")

	// Protocol errors
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrUnknownSender     = errors.New("envelope sender has no guid")
	ErrUncorrelated      = errors.New("no outstanding request for envelope uuid")

	// Discovery errors
	ErrTimeout         = errors.New("request timed out")
	ErrBootstrapFailed = errors.New("no bootstrap peer answered")
	ErrPeerNotFound    = errors.New("peer not found in routing table")

	// Collaborator errors
	ErrNoExecutor      = errors.New("no command executor configured")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrCommandFailed   = errors.New("command failed")
	ErrNoFileTransfer  = errors.New("no file transfer configured")
	ErrInvalidPath     = errors.New("invalid file path")
	ErrTransferUnknown = errors.New("file transfer not found")
	ErrChunkOutOfRange = errors.New("file chunk outside declared size")
)
