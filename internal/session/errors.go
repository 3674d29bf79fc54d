package session

import "errors"

var (
	ErrNotFound          = errors.New("document not found")
	ErrAccessDenied      = errors.New("access denied")
	ErrNotOwner          = errors.New("only the owner can create the document")
	ErrViewerForbidden   = errors.New("viewers cannot update the document")
	ErrNotSubscribed     = errors.New("connection is not subscribed to this document")
	ErrAlreadySubscribed = errors.New("connection is already subscribed to a document")
	ErrStoreUnavailable  = errors.New("change store unavailable")
	ErrBrokerUnavailable = errors.New("broadcast broker unavailable")
)
