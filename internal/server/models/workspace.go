package models

import "time"

type EntryKind string

const (
	EntryFile      EntryKind = "file"
	EntryDirectory EntryKind = "directory"
)

// WorkspaceEntry is one item of a local workspace listing. Path is
// slash-separated and relative to the tenant root; directories end in "/".
type WorkspaceEntry struct {
	Path    string    `json:"path"`
	Kind    EntryKind `json:"kind"`
	Size    int64     `json:"size,omitempty"`
	ModTime time.Time `json:"mod_time"`
}

// RemoteEntry is one item of a bucket listing, with Path relative to the
// tenant's key prefix. Folders end in "/".
type RemoteEntry struct {
	Path         string    `json:"path"`
	Key          string    `json:"key"`
	Kind         EntryKind `json:"kind"`
	Size         int64     `json:"size,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
}
