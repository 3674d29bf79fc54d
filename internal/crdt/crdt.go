// Package crdt wraps the automerge engine behind the handful of
// operations the sync service needs. Nothing outside this package
// imports automerge directly.
package crdt

import (
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
)

// ErrMerge marks a structurally invalid change payload. The batch that
// contained it is rejected as a whole; retrying the same payload can
// never succeed.
var ErrMerge = errors.New("merge rejected")

// New returns an empty document snapshot.
func New() *automerge.Doc {
	return automerge.New()
}

// Load materializes a snapshot from its saved byte form.
func Load(raw []byte) (*automerge.Doc, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return doc, nil
}

// Save serializes a snapshot. Saving and reloading is lossless and
// stable: Save(Load(b)) == b when no changes happen in between.
func Save(doc *automerge.Doc) []byte {
	return doc.Save()
}

// Fork produces an independent copy of a snapshot. Appliers mutate the
// fork and swap it in on success, so a failed apply or a failed append
// never leaves a half-updated snapshot behind.
func Fork(doc *automerge.Doc) (*automerge.Doc, error) {
	return Load(doc.Save())
}

// ApplyChanges merges raw change payloads into a copy of doc and
// returns the merged snapshot. The input snapshot is never modified.
// Any undecodable or unappliable payload fails the whole batch with an
// error matching ErrMerge.
//
// Payloads go through LoadIncremental rather than LoadChanges:
// LoadChanges refuses a change whose dependencies live in the
// document's prior history, which is every change after the seed.
// LoadIncremental resolves dependencies against the fork and applying
// an already-known change is a no-op, which also absorbs the broker's
// at-least-once delivery.
func ApplyChanges(doc *automerge.Doc, payloads [][]byte) (*automerge.Doc, error) {
	next, err := Fork(doc)
	if err != nil {
		return nil, err
	}
	for i, payload := range payloads {
		if err := next.LoadIncremental(payload); err != nil {
			return nil, fmt.Errorf("%w: apply change %d: %v", ErrMerge, i, err)
		}
	}
	return next, nil
}

// SeedEmptyText builds the initial snapshot for a fresh document: a
// single "text" field holding empty collaborative text. It returns the
// snapshot together with the serialized changes that produced it, so
// the caller can persist them as the first log records.
func SeedEmptyText() (*automerge.Doc, [][]byte, error) {
	doc := automerge.New()
	// Changes below commits the outstanding ops, so it sees the seed.
	if err := doc.Path("text").Set(automerge.NewText("")); err != nil {
		return nil, nil, fmt.Errorf("seed text: %w", err)
	}
	payloads, err := Changes(doc)
	if err != nil {
		return nil, nil, err
	}
	return doc, payloads, nil
}

// Changes serializes every change in the document's history, in
// dependency order.
func Changes(doc *automerge.Doc) ([][]byte, error) {
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	out := make([][]byte, 0, len(changes))
	for _, change := range changes {
		out = append(out, change.Save())
	}
	return out, nil
}

// Text reads the document's text field.
func Text(doc *automerge.Doc) (string, error) {
	return doc.Path("text").Text().Get()
}
