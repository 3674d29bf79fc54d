package store

import "time"

// Document is the metadata row owned by the document service. The sync
// engine reads it only to resolve existence and access.
type Document struct {
	ID        string
	Title     string
	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChangeRecord is one immutable entry of a document's change log. Seq
// is assigned by the database on append and is the ordering key;
// CreatedAt is descriptive metadata only.
type ChangeRecord struct {
	Seq        int64
	DocumentID string
	UserID     string
	Payload    []byte
	CreatedAt  time.Time
}
