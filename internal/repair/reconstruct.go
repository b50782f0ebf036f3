package repair

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/eslider/listrescue/internal/match"
	"github.com/eslider/listrescue/internal/mimetree"
	"github.com/eslider/listrescue/internal/model"
)

// Damage markers the export writes into message bodies.
const (
	// AttachmentSentinel replaces the body of every detached attachment part.
	AttachmentSentinel = "[ Attachment content not displayed ]"

	// TruncationMarker terminates bodies the export cut at its size limit.
	TruncationMarker = "(Message over 64 KB, truncated)"
)

// Audit headers added by repairs.
const (
	HeaderTruncated          = "X-ListRescue-Truncated"
	HeaderAttachmentNotFound = "X-ListRescue-Attachment-Not-Found"

	headerOriginalContentType        = "X-Original-Content-Type"
	headerOriginalContentDisposition = "X-Original-Content-Disposition"
	headerOriginalContentID          = "X-Original-Content-Id"
)

// damage classifies what the export did to a leaf part.
type damage int

const (
	damageNone damage = iota
	damageDetached
	damageTruncated
)

// classify inspects a leaf part's raw body. Pure: no part is modified.
func classify(p *mimetree.Part) damage {
	body := strings.TrimSpace(string(p.Body))
	if body == AttachmentSentinel {
		return damageDetached
	}
	if strings.HasSuffix(strings.TrimRight(string(p.Body), " \t\n"), TruncationMarker) {
		return damageTruncated
	}
	return damageNone
}

// Outcome summarizes one message's reconstruction.
type Outcome struct {
	// Unplaced lists file ids that could be neither matched to a part nor
	// appended as a trailer attachment (unreadable on disk). Diagnostics
	// only; the repaired message is still produced.
	Unplaced []int

	Reattached int
	Trailers   int
	Missing    int
	Truncated  int
}

// Reconstructor repairs the MIME tree of one message against a pool of
// candidate attachment files. The pool is message-scoped and consumed as
// parts claim candidates.
type Reconstructor struct {
	logger   *slog.Logger
	readFile func(string) ([]byte, error)
}

// NewReconstructor creates a reconstructor logging through logger.
func NewReconstructor(logger *slog.Logger) *Reconstructor {
	return &Reconstructor{logger: logger, readFile: os.ReadFile}
}

// Reconstruct walks every leaf part of root, applies the repair matching the
// part's damage classification, then appends any attachment still unclaimed
// as a new top-level attachment part. No leaf is ever deleted: its content
// is replaced with real attachment bytes or an explicit placeholder.
func (r *Reconstructor) Reconstruct(root *mimetree.Part, pool map[int]model.CandidateFile, msgID int) Outcome {
	var out Outcome

	for _, leaf := range root.Leaves() {
		switch classify(leaf) {
		case damageDetached:
			r.repairDetached(leaf, pool, msgID, &out)
		case damageTruncated:
			repairTruncated(leaf)
			out.Truncated++
		}
	}

	// Orphans: attachments no part claimed become trailer parts.
	for _, id := range sortedIDs(pool) {
		cand := pool[id]
		data, err := r.readFile(cand.Path)
		if err != nil {
			r.logger.Warn("orphan attachment unreadable", "msg", msgID, "file", cand.Path, "err", err)
			out.Unplaced = append(out.Unplaced, id)
			delete(pool, id)
			continue
		}
		appendTrailer(root, cand, data, msgID)
		delete(pool, id)
		out.Trailers++
	}
	return out
}

// repairDetached reattaches the candidate file matching the part's declared
// filename, or downgrades the part to an explicit not-found placeholder.
func (r *Reconstructor) repairDetached(p *mimetree.Part, pool map[int]model.CandidateFile, msgID int, out *Outcome) {
	wanted := p.Filename()
	if wanted != "" {
		names := make(map[int]string, len(pool))
		for id, cand := range pool {
			names[id] = cand.Filename
		}
		if id, ok := match.Best(wanted, names); ok {
			cand := pool[id]
			data, err := r.readFile(cand.Path)
			if err == nil {
				delete(pool, id)
				p.Header.Set("Content-Transfer-Encoding", "base64")
				p.SetBodyEncoded(data)
				out.Reattached++
				return
			}
			r.logger.Warn("matched attachment unreadable", "msg", msgID, "file", cand.Path, "err", err)
		}
	}

	r.logger.Debug("no attachment candidate for part", "msg", msgID, "filename", wanted)
	markNotFound(p, wanted)
	out.Missing++
}

// markNotFound replaces the sentinel body with a plain-text explanation,
// preserving the part's original content headers under backups.
func markNotFound(p *mimetree.Part, filename string) {
	if v := p.Header.Get("Content-Type"); v != "" {
		p.Header.Add(headerOriginalContentType, v)
	}
	if v := p.Header.Get("Content-Disposition"); v != "" {
		p.Header.Add(headerOriginalContentDisposition, v)
	}
	if v := p.Header.Get("Content-Id"); v != "" {
		p.Header.Add(headerOriginalContentID, v)
	}
	label := filename
	if label == "" {
		label = "(unnamed)"
	}
	p.Header.Add(HeaderAttachmentNotFound, label)
	p.Header.Set("Content-Type", `text/plain; charset="us-ascii"`)
	p.Header.Del("Content-Disposition")
	p.Header.Del("Content-Id")
	p.Header.Set("Content-Transfer-Encoding", "7bit")
	p.Body = []byte(fmt.Sprintf("[The archive export did not capture the attachment %q; its content is lost.]\n", label))
}

// repairTruncated removes exactly the trailing marker text (plus the newline
// immediately before it) and leaves every preceding byte of the encoded
// stream untouched. The remainder of a stream cut mid-encoding may not
// decode; that is accepted and flagged.
func repairTruncated(p *mimetree.Part) {
	body := string(p.Body)
	trimmed := strings.TrimRight(body, " \t\n")
	body = trimmed[:len(trimmed)-len(TruncationMarker)]
	body = strings.TrimSuffix(body, "\n")
	p.Body = []byte(body)
	p.Header.Add(HeaderTruncated, "true")
}

// appendTrailer adds an unclaimed attachment as a new top-level part,
// wrapping a non-multipart message into multipart/mixed first.
func appendTrailer(root *mimetree.Part, cand model.CandidateFile, data []byte, msgID int) {
	if !root.IsMultipart() {
		wrapMixed(root, msgID)
	}

	part := &mimetree.Part{}
	ct := cand.ContentType()
	part.Header.Add("Content-Type", fmt.Sprintf("%s; name=%q", ct, cand.Filename))
	part.Header.Add("Content-Disposition", fmt.Sprintf("attachment; filename=%q", cand.Filename))
	part.Header.Add("Content-Transfer-Encoding", "base64")
	part.SetBodyEncoded(data)
	root.Subparts = append(root.Subparts, part)
}

// wrapMixed converts a single-part message into multipart/mixed with the
// original body as the first sub-part, moving the content headers down.
func wrapMixed(root *mimetree.Part, msgID int) {
	inner := &mimetree.Part{Body: root.Body}
	for _, name := range []string{"Content-Type", "Content-Transfer-Encoding", "Content-Disposition", "Content-Id"} {
		if v := root.Header.Get(name); v != "" {
			inner.Header.Add(name, v)
			root.Header.Del(name)
		}
	}
	root.Body = nil
	root.Boundary = fmt.Sprintf("----=_listrescue-%d", msgID)
	root.Header.Set("Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", root.Boundary))
	root.Subparts = []*mimetree.Part{inner}
}

func sortedIDs(pool map[int]model.CandidateFile) []int {
	ids := make([]int, 0, len(pool))
	for id := range pool {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
