// Package protocol defines the API request/response types.
package protocol

import (
	"time"

	"github.com/fruitsalade/kumquat/pkg/models"
)

// TreeResponse is returned by GET /api/v1/tree
type TreeResponse struct {
	Root *models.FileNode `json:"root"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// StatResponse is returned by GET /api/v1/stat?path=
type StatResponse struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mtime"`
	IsDir    bool      `json:"is_dir"`
	RealPath string    `json:"real_path,omitempty"`
}

// ListResponse is returned by GET /api/v1/list?path=
type ListResponse struct {
	Path    string         `json:"path"`
	Entries []StatResponse `json:"entries"`
}

// WriteResponse is returned by PUT /api/v1/content?path=
type WriteResponse struct {
	Stat StatResponse `json:"stat"`
}

// MkdirRequest is the body for POST /api/v1/mkdir
type MkdirRequest struct {
	Path string `json:"path"`
}

// RenameRequest is the body for POST /api/v1/rename
type RenameRequest struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

// DeleteRequest is the body for POST /api/v1/delete
type DeleteRequest struct {
	Path string `json:"path"`
}

// WatchRequest is the body for POST /api/v1/watch and /api/v1/unwatch
type WatchRequest struct {
	Path string `json:"path"`
}

// SSEEvent represents a server-sent event for change notification.
type SSEEvent struct {
	Type      string `json:"type"`
	Path      string `json:"path,omitempty"`
	OldPath   string `json:"old_path,omitempty"`
	NewPath   string `json:"new_path,omitempty"`
	IsDir     bool   `json:"is_dir,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
