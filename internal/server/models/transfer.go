package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/notebookhub/internal/common"
)

type TransferKind string

const (
	KindUpload    TransferKind = "upload"
	KindDownload  TransferKind = "download"
	KindMove      TransferKind = "move"
	KindCopy      TransferKind = "copy"
	KindZipExport TransferKind = "zip-export"
)

func (k TransferKind) Valid() bool {
	switch k {
	case KindUpload, KindDownload, KindMove, KindCopy, KindZipExport:
		return true
	}
	return false
}

type TransferStatus string

const (
	StatusQueued    TransferStatus = "queued"
	StatusRunning   TransferStatus = "running"
	StatusSucceeded TransferStatus = "succeeded"
	StatusFailed    TransferStatus = "failed"
	StatusCancelled TransferStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s TransferStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether s -> next is allowed:
// queued -> running, and any non-terminal status -> a terminal one.
func (s TransferStatus) CanTransition(next TransferStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusRunning:
		return s == StatusQueued
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type Scheme string

const (
	SchemeLocal  Scheme = "local"
	SchemeRemote Scheme = "remote"
)

// Location is one end of a transfer. Local paths are relative to the
// tenant's workspace root, remote paths to the resolved key prefix. A remote
// path that is empty or ends in "/" is a folder.
type Location struct {
	Scheme Scheme `json:"scheme"`
	Path   string `json:"path"`
}

func Local(p string) Location  { return Location{Scheme: SchemeLocal, Path: p} }
func Remote(p string) Location { return Location{Scheme: SchemeRemote, Path: p} }

// IsFolder is true for remote prefixes and local paths ending in "/".
func (l Location) IsFolder() bool {
	return l.Path == "" || strings.HasSuffix(l.Path, "/")
}

func (l Location) String() string {
	if l.Scheme == "" && l.Path == "" {
		return ""
	}
	return string(l.Scheme) + ":" + l.Path
}

// ParseLocation parses "local:<path>" or "remote:<path>". The empty string
// parses to the zero Location.
func ParseLocation(s string) (Location, error) {
	if s == "" {
		return Location{}, nil
	}
	scheme, p, ok := strings.Cut(s, ":")
	if !ok {
		return Location{}, fmt.Errorf("location %q: missing scheme: %w", s, common.ErrorValidation)
	}
	switch Scheme(scheme) {
	case SchemeLocal, SchemeRemote:
		return Location{Scheme: Scheme(scheme), Path: p}, nil
	default:
		return Location{}, fmt.Errorf("location %q: unknown scheme %q: %w", s, scheme, common.ErrorValidation)
	}
}

// TransferTask is a snapshot of one background transfer. Progress counts
// bytes for upload and download and items otherwise; Total is 0 when
// unknown. Error and ErrorKind are set only for failed tasks.
type TransferTask struct {
	Token       string           `json:"token"`
	Kind        TransferKind     `json:"kind"`
	Tenant      string           `json:"tenant"`
	Source      Location         `json:"source"`
	Destination Location         `json:"destination"`
	Status      TransferStatus   `json:"status"`
	Progress    int64            `json:"progress"`
	Total       int64            `json:"total"`
	ItemsDone   int              `json:"items_done"`
	ItemsTotal  int              `json:"items_total"`
	FailedItem  string           `json:"failed_item,omitempty"`
	Error       string           `json:"error,omitempty"`
	ErrorKind   common.ErrorKind `json:"error_kind,omitempty"`
	ArchivePath string           `json:"-"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}
