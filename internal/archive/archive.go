// Package archive reads the damaged export from disk: per-message JSON
// records, optional per-topic metadata, and the candidate attachment files
// scattered across the export's directory layouts.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/eslider/listrescue/internal/model"
)

// Layout describes where an export keeps its pieces.
type Layout struct {
	// MessagesDir holds <msg-id>.json records, a topics/ subdirectory of
	// per-topic records, and possibly <msg-id>_attachments directories.
	MessagesDir string
	// AttachmentsDir holds per-message and per-topic attachment
	// subdirectories. May be empty.
	AttachmentsDir string
}

// ErrNoRawBody marks a record the export captured without any message
// source. Such messages are skipped silently.
var ErrNoRawBody = eris.New("record has no raw message body")

// ListMessageIDs returns all message ids found in the messages directory in
// ascending numeric order. Numeric ordering, not lexical: the export has
// gaps and ids of varying width.
func (l Layout) ListMessageIDs() ([]int, error) {
	entries, err := os.ReadDir(l.MessagesDir)
	if err != nil {
		return nil, eris.Wrapf(err, "read messages dir %s", l.MessagesDir)
	}
	var ids []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// LoadRecord reads and decodes one message record.
func (l Layout) LoadRecord(msgID int) (model.MessageRecord, error) {
	path := filepath.Join(l.MessagesDir, fmt.Sprintf("%d.json", msgID))
	data, err := os.ReadFile(path)
	if err != nil {
		return model.MessageRecord{}, eris.Wrapf(err, "read record %d", msgID)
	}
	var rec model.MessageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.MessageRecord{}, eris.Wrapf(err, "decode record %d", msgID)
	}
	if rec.MsgID == 0 {
		rec.MsgID = msgID
	}
	return rec, nil
}

// loadTopicRecord reads the shared per-topic metadata record, if present.
func (l Layout) loadTopicRecord(topicID int) (model.TopicRecord, bool) {
	path := filepath.Join(l.MessagesDir, "topics", fmt.Sprintf("%d.json", topicID))
	data, err := os.ReadFile(path)
	if err != nil {
		return model.TopicRecord{}, false
	}
	var rec model.TopicRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.TopicRecord{}, false
	}
	return rec, true
}

// Descriptors aggregates attachment descriptors for a message from its two
// possible sources. Direct per-message metadata takes precedence over the
// shared per-topic record on file-id overlap.
func (l Layout) Descriptors(rec model.MessageRecord) []model.AttachmentDescriptor {
	seen := make(map[int]bool, len(rec.AttachmentsInfo))
	out := make([]model.AttachmentDescriptor, 0, len(rec.AttachmentsInfo))
	for _, d := range rec.AttachmentsInfo {
		if seen[d.FileID] {
			continue
		}
		seen[d.FileID] = true
		out = append(out, d)
	}
	if rec.TopicID != 0 {
		if topic, ok := l.loadTopicRecord(rec.TopicID); ok {
			for _, d := range topic.AttachmentsInfo {
				if seen[d.FileID] {
					continue
				}
				seen[d.FileID] = true
				out = append(out, d)
			}
		}
	}
	return out
}

// CandidatePool unions the attachment files found under the three possible
// directory layouts for a message/topic pair. The first location to yield a
// given file id wins; later duplicates are dropped. Declared content types
// from descriptors are folded in by file id.
func (l Layout) CandidatePool(rec model.MessageRecord, descriptors []model.AttachmentDescriptor) map[int]model.CandidateFile {
	pool := make(map[int]model.CandidateFile)

	dirs := make([]string, 0, 3)
	if l.AttachmentsDir != "" {
		dirs = append(dirs, filepath.Join(l.AttachmentsDir, strconv.Itoa(rec.MsgID)))
		if rec.TopicID != 0 {
			dirs = append(dirs, filepath.Join(l.AttachmentsDir, strconv.Itoa(rec.TopicID)))
		}
	}
	dirs = append(dirs, filepath.Join(l.MessagesDir, fmt.Sprintf("%d_attachments", rec.MsgID)))

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			id, name, ok := splitCandidateName(e.Name())
			if !ok {
				continue
			}
			if _, dup := pool[id]; dup {
				continue
			}
			pool[id] = model.CandidateFile{
				FileID:   id,
				Filename: name,
				Path:     filepath.Join(dir, e.Name()),
			}
		}
	}

	for _, d := range descriptors {
		if cand, ok := pool[d.FileID]; ok && d.FileType != "" {
			cand.DeclaredType = d.FileType
			pool[d.FileID] = cand
		}
	}
	return pool
}

// splitCandidateName decodes the export's "<file-id>-<filename>" on-disk
// naming.
func splitCandidateName(name string) (int, string, bool) {
	idx := strings.IndexByte(name, '-')
	if idx <= 0 || idx == len(name)-1 {
		return 0, "", false
	}
	id, err := strconv.Atoi(name[:idx])
	if err != nil {
		return 0, "", false
	}
	return id, name[idx+1:], true
}

// Preflight verifies the layout is usable before any work starts. Anything
// wrong here aborts the whole run; nothing downstream can proceed.
func (l Layout) Preflight() error {
	info, err := os.Stat(l.MessagesDir)
	if err != nil {
		return eris.Wrapf(err, "messages directory %s", l.MessagesDir)
	}
	if !info.IsDir() {
		return eris.Errorf("messages path %s is not a directory", l.MessagesDir)
	}
	if l.AttachmentsDir != "" {
		if info, err := os.Stat(l.AttachmentsDir); err == nil && !info.IsDir() {
			return eris.Errorf("attachments path %s is not a directory", l.AttachmentsDir)
		}
	}
	return nil
}
