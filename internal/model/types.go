// Package model defines core data types shared across the application.
package model

import (
	"mime"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID generates a UUIDv7 (time-ordered) identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails (should never happen).
		return uuid.New().String()
	}
	return id.String()
}

// MessageRecord is one damaged export unit as read from the groups API dump.
// Read once from its side-file and never mutated.
type MessageRecord struct {
	MsgID   int    `json:"msgId"`
	TopicID int    `json:"topicId,omitempty"`
	// RawEmail is the HTML-entity-encoded raw message source. A record with
	// no raw body is skipped by the reconstruction stage.
	RawEmail string `json:"rawEmail,omitempty"`
	Profile  string `json:"profile,omitempty"`
	UserID   int    `json:"userId,omitempty"`

	AttachmentsInfo []AttachmentDescriptor `json:"attachmentsInfo,omitempty"`
}

// Pseudonym returns the stable per-submitter handle used to derive the
// synthetic replacement domain: the profile name when present, otherwise the
// numeric user id, otherwise empty (no repair possible).
func (m MessageRecord) Pseudonym() string {
	if m.Profile != "" {
		return m.Profile
	}
	if m.UserID != 0 {
		return strconv.Itoa(m.UserID)
	}
	return ""
}

// AttachmentDescriptor is the export's metadata for one detached file.
// A descriptor may exist with no file on disk, and vice versa.
type AttachmentDescriptor struct {
	FileID   int    `json:"fileId"`
	Filename string `json:"filename"`
	FileType string `json:"fileType,omitempty"`
}

// TopicRecord is the shared per-topic metadata side-file. Only the
// attachment descriptors matter; direct per-message metadata wins on overlap.
type TopicRecord struct {
	TopicID         int                    `json:"topicId"`
	AttachmentsInfo []AttachmentDescriptor `json:"attachmentsInfo,omitempty"`
}

// CandidateFile is a detached attachment found on disk. Its name on disk is
// "<file-id>-<filename>". DeclaredType is filled in from the matching
// descriptor when one exists.
type CandidateFile struct {
	FileID       int
	Filename     string
	Path         string
	DeclaredType string
}

// ContentType returns the declared content type, falling back to a guess
// from the filename extension, then to application/octet-stream.
func (c CandidateFile) ContentType() string {
	if c.DeclaredType != "" {
		return c.DeclaredType
	}
	if ext := filepath.Ext(c.Filename); ext != "" {
		if mt := mime.TypeByExtension(ext); mt != "" {
			// Strip any charset parameter; the trailer part adds its own name param.
			if idx := strings.IndexByte(mt, ';'); idx >= 0 {
				mt = mt[:idx]
			}
			return mt
		}
	}
	return "application/octet-stream"
}

// RenderStatus tracks a message through the rendering pipeline.
type RenderStatus string

const (
	RenderPending     RenderStatus = "pending"
	RenderSimplifying RenderStatus = "simplifying"
	RenderSuccess     RenderStatus = "success"
	RenderFailed      RenderStatus = "failed"
	// RenderCancelled marks a job the run stopped before completing; the
	// message keeps its previous recorded state.
	RenderCancelled RenderStatus = "cancelled"
)

// RenderResult is the outcome of rendering one repaired message.
// Index is the message's position in the stable sorted order; results are
// re-sorted by it before merge regardless of worker completion order.
type RenderResult struct {
	MsgID       int
	Index       int
	Status      RenderStatus
	Artifact    string
	Simplified  bool
	Diagnostics []string
	Elapsed     time.Duration
}

// MessageState is one row of the run-state database.
type MessageState struct {
	MsgID       int        `json:"msg_id"`
	Status      string     `json:"status"`
	Artifact    string     `json:"artifact,omitempty"`
	RunID       string     `json:"run_id"`
	Diagnostics string     `json:"diagnostics,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	RenderedAt  *time.Time `json:"rendered_at,omitempty"`
}

// Reconstruction status values stored in the run-state database.
const (
	StateRebuilt      = "rebuilt"
	StateSkipped      = "skipped"
	StateRendered     = "rendered"
	StateRenderFailed = "render_failed"
)
