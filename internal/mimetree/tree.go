// Package mimetree parses a message into an explicit typed MIME tree and
// serializes it back.
//
// The standard multipart reader decodes transfer encodings on read, which is
// exactly wrong for repair work: a truncated base64 stream must survive the
// round trip byte for byte. This tree therefore keeps every leaf body as its
// raw encoded bytes and only ever decodes on explicit request.
package mimetree

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"strings"

	"github.com/emersion/go-message/charset"
)

// Field is a single header field. Order and duplicates are preserved.
type Field struct {
	Key   string
	Value string
}

// Header is an ordered multimap of message header fields.
type Header struct {
	fields []Field
}

// Get returns the first value for key, or "" when absent.
func (h *Header) Get(key string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Key, key) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether key is present.
func (h *Header) Has(key string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Key, key) {
			return true
		}
	}
	return false
}

// Set replaces the first occurrence of key in place, preserving its
// position, and drops any later duplicates. Absent keys are appended.
func (h *Header) Set(key, value string) {
	out := h.fields[:0]
	replaced := false
	for _, f := range h.fields {
		if strings.EqualFold(f.Key, key) {
			if replaced {
				continue
			}
			f.Value = value
			replaced = true
		}
		out = append(out, f)
	}
	h.fields = out
	if !replaced {
		h.fields = append(h.fields, Field{Key: key, Value: value})
	}
}

// Add appends a field without touching existing occurrences.
func (h *Header) Add(key, value string) {
	h.fields = append(h.fields, Field{Key: key, Value: value})
}

// Del removes all occurrences of key.
func (h *Header) Del(key string) {
	out := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Key, key) {
			out = append(out, f)
		}
	}
	h.fields = out
}

// Fields returns the fields in order. The slice is shared; callers must not
// mutate it.
func (h *Header) Fields() []Field {
	return h.fields
}

// Part is one node of the MIME tree: either a leaf carrying a raw encoded
// body, or a multipart container carrying subparts.
type Part struct {
	Header   Header
	Body     []byte  // leaf only, raw encoded bytes
	Subparts []*Part // non-nil means multipart
	Boundary string  // multipart only
}

// IsMultipart reports whether the part is a container.
func (p *Part) IsMultipart() bool {
	return p.Subparts != nil
}

// MediaType returns the lower-case media type from Content-Type, defaulting
// to text/plain when the header is absent or malformed.
func (p *Part) MediaType() string {
	mt, _ := p.ContentTypeParams()
	return mt
}

// ContentTypeParams parses Content-Type into media type and parameters.
func (p *Part) ContentTypeParams() (string, map[string]string) {
	ct := p.Header.Get("Content-Type")
	if ct == "" {
		return "text/plain", nil
	}
	mt, params, err := mime.ParseMediaType(unfold(ct))
	if err != nil {
		return "text/plain", nil
	}
	return mt, params
}

var filenameDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// Filename returns the declared filename from Content-Disposition, falling
// back to the Content-Type name parameter. Empty when the part declares none.
func (p *Part) Filename() string {
	if cd := p.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(unfold(cd)); err == nil {
			if fn := params["filename"]; fn != "" {
				return decodeWord(fn)
			}
		}
	}
	_, params := p.ContentTypeParams()
	if fn := params["name"]; fn != "" {
		return decodeWord(fn)
	}
	return ""
}

func decodeWord(s string) string {
	decoded, err := filenameDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// TransferEncoding returns the lower-case Content-Transfer-Encoding value.
func (p *Part) TransferEncoding() string {
	return strings.ToLower(strings.TrimSpace(p.Header.Get("Content-Transfer-Encoding")))
}

// DecodedBody decodes the raw body per the part's transfer encoding. Decode
// errors return whatever prefix decoded cleanly; repair must stay
// best-effort in the face of bodies the export cut mid-stream.
func (p *Part) DecodedBody() []byte {
	var r io.Reader = bytes.NewReader(p.Body)
	switch p.TransferEncoding() {
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, newlineStripper{bytes.NewReader(p.Body)})
	case "quoted-printable":
		r = quotedprintable.NewReader(bytes.NewReader(p.Body))
	}
	data, _ := io.ReadAll(r)
	return data
}

// SetBodyEncoded replaces the leaf body with data, re-encoding it according
// to the part's existing transfer encoding header.
func (p *Part) SetBodyEncoded(data []byte) {
	switch p.TransferEncoding() {
	case "base64":
		p.Body = encodeBase64Wrapped(data)
	case "quoted-printable":
		var buf bytes.Buffer
		w := quotedprintable.NewWriter(&buf)
		w.Write(data)
		w.Close()
		p.Body = buf.Bytes()
	default:
		p.Body = append([]byte(nil), data...)
	}
}

// encodeBase64Wrapped encodes data as base64 with 76-character lines.
func encodeBase64Wrapped(data []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(data)
	var buf bytes.Buffer
	for len(encoded) > 76 {
		buf.WriteString(encoded[:76])
		buf.WriteByte('\n')
		encoded = encoded[76:]
	}
	buf.WriteString(encoded)
	buf.WriteByte('\n')
	return buf.Bytes()
}

// newlineStripper removes LF bytes so the stdlib base64 decoder tolerates
// wrapped streams.
type newlineStripper struct {
	r io.Reader
}

func (s newlineStripper) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	kept := 0
	for i := 0; i < n; i++ {
		if p[i] == '\n' || p[i] == '\r' {
			continue
		}
		p[kept] = p[i]
		kept++
	}
	return kept, err
}

// Walk visits every part of the tree depth-first, parents before children.
func (p *Part) Walk(visit func(*Part)) {
	visit(p)
	for _, sub := range p.Subparts {
		sub.Walk(visit)
	}
}

// Leaves returns all leaf parts in document order.
func (p *Part) Leaves() []*Part {
	var leaves []*Part
	p.Walk(func(n *Part) {
		if !n.IsMultipart() {
			leaves = append(leaves, n)
		}
	})
	return leaves
}

// Parse builds the tree from a complete message source. The input is
// expected to use bare LF line endings (the sanitizer strips CRs); CRLF
// input is tolerated.
func Parse(raw []byte) (*Part, error) {
	raw = bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	part, err := parsePart(raw)
	if err != nil {
		return nil, err
	}
	return part, nil
}

func parsePart(raw []byte) (*Part, error) {
	header, body, err := splitHeader(raw)
	if err != nil {
		return nil, err
	}
	p := &Part{Header: header, Body: body}

	mt, params := p.ContentTypeParams()
	if !strings.HasPrefix(mt, "multipart/") {
		return p, nil
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("multipart %s missing boundary", mt)
	}

	chunks, err := splitMultipart(body, boundary)
	if err != nil {
		return nil, err
	}
	p.Body = nil
	p.Boundary = boundary
	p.Subparts = make([]*Part, 0, len(chunks))
	for i, chunk := range chunks {
		sub, err := parsePart(chunk)
		if err != nil {
			return nil, fmt.Errorf("part %d: %w", i, err)
		}
		p.Subparts = append(p.Subparts, sub)
	}
	return p, nil
}

// splitHeader separates the header block from the body at the first blank
// line and parses fields, joining folded continuation lines.
func splitHeader(raw []byte) (Header, []byte, error) {
	var h Header
	rest := raw
	for len(rest) > 0 {
		if rest[0] == '\n' {
			return h, rest[1:], nil
		}
		line := rest
		if idx := bytes.IndexByte(rest, '\n'); idx >= 0 {
			line = rest[:idx]
			rest = rest[idx+1:]
		} else {
			rest = nil
		}
		// Folded continuation of the previous field.
		if line[0] == ' ' || line[0] == '\t' {
			if n := len(h.fields); n > 0 {
				h.fields[n-1].Value += "\n" + string(line)
				continue
			}
			return h, nil, fmt.Errorf("continuation line before any header field")
		}
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return h, nil, fmt.Errorf("malformed header line %q", string(line))
		}
		key := strings.TrimSpace(string(line[:colon]))
		value := strings.TrimLeft(string(line[colon+1:]), " \t")
		h.Add(key, value)
	}
	// Headers with no body at all.
	return h, nil, nil
}

// splitMultipart cuts the body into raw sub-part chunks between boundary
// delimiter lines. Preamble and epilogue are discarded. The newline that
// terminates a chunk belongs to the boundary per RFC 2046 and is not part of
// the chunk.
func splitMultipart(body []byte, boundary string) ([][]byte, error) {
	open := []byte("--" + boundary)
	closeDelim := []byte("--" + boundary + "--")

	var chunks [][]byte
	var current []byte
	inPart := false
	closed := false

	for _, line := range bytes.SplitAfter(body, []byte("\n")) {
		trimmed := bytes.TrimRight(line, "\n")
		trimmed = bytes.TrimRight(trimmed, " \t")
		if bytes.Equal(trimmed, closeDelim) {
			if inPart {
				chunks = append(chunks, chopFinalNewline(current))
			}
			inPart = false
			closed = true
			break
		}
		if bytes.Equal(trimmed, open) {
			if inPart {
				chunks = append(chunks, chopFinalNewline(current))
			}
			current = nil
			inPart = true
			continue
		}
		if inPart {
			current = append(current, line...)
		}
	}
	if !closed {
		if inPart {
			// Tolerate a missing close delimiter; the export truncates.
			chunks = append(chunks, chopFinalNewline(current))
		} else if len(chunks) == 0 {
			return nil, fmt.Errorf("no boundary %q found in multipart body", boundary)
		}
	}
	return chunks, nil
}

func chopFinalNewline(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\n' {
		return b[:len(b)-1]
	}
	return b
}

// WriteTo serializes the tree back to wire form with LF line endings.
func (p *Part) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	p.write(&buf)
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// Bytes serializes the tree to a byte slice.
func (p *Part) Bytes() []byte {
	var buf bytes.Buffer
	p.write(&buf)
	return buf.Bytes()
}

func (p *Part) write(buf *bytes.Buffer) {
	for _, f := range p.Header.fields {
		buf.WriteString(f.Key)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	if !p.IsMultipart() {
		buf.Write(p.Body)
		return
	}
	for _, sub := range p.Subparts {
		buf.WriteString("--")
		buf.WriteString(p.Boundary)
		buf.WriteByte('\n')
		sub.write(buf)
		buf.WriteByte('\n')
	}
	buf.WriteString("--")
	buf.WriteString(p.Boundary)
	buf.WriteString("--\n")
}

// unfold flattens folded header continuations into a single line.
func unfold(v string) string {
	return strings.Join(strings.FieldsFunc(v, func(r rune) bool {
		return r == '\n'
	}), " ")
}
