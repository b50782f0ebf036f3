package render

import (
	"bytes"
	"io"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"github.com/eslider/listrescue/internal/mimetree"
	"github.com/eslider/listrescue/internal/repair"
	"github.com/eslider/listrescue/internal/sanitize"
)

// Candidate is one reduced form of a message to offer the renderer.
type Candidate struct {
	Label string
	Data  []byte
}

// textPart is a usable text-bearing leaf extracted for simplification.
type textPart struct {
	mediaType string
	charset   string
	raw       []byte // transfer-decoded, original charset
	text      string // charset-decoded UTF-8
}

// Candidates builds the ordered list of reduced messages to try once direct
// rendering is exhausted. Identical candidates are deduplicated; order is
// cheapest-change first, most destructive last.
func Candidates(root *mimetree.Part) []Candidate {
	parts := usableTextParts(root)

	var out []Candidate
	add := func(label string, data []byte) {
		if len(data) > 0 {
			out = append(out, Candidate{Label: label, Data: data})
		}
	}

	if len(parts) > 0 {
		add("text parts only", partsOnly(root, parts))
		add("text parts re-encoded utf-8", buildTextMessage(topHeaders(root, false), parts, encodeUTF8))
		add("text parts in minimal message", buildTextMessage(topHeaders(root, true), parts, encodeUTF8))
		add("text parts forced 7-bit ascii", buildTextMessage(topHeaders(root, true), parts, encodeASCII))
		if html := htmlToPlain(parts); html != nil {
			add("html converted to plain text", buildTextMessage(topHeaders(root, true), html, encodeUTF8))
		}
	}
	add("entire message forced ascii", sanitize.ForceASCII(root.Bytes()))

	return dedupe(out)
}

// usableTextParts returns the one or two longest text-bearing leaves,
// excluding parts already flagged as truncated or attachment-not-found.
func usableTextParts(root *mimetree.Part) []textPart {
	var parts []textPart
	for _, leaf := range root.Leaves() {
		if leaf.Header.Has(repair.HeaderTruncated) || leaf.Header.Has(repair.HeaderAttachmentNotFound) {
			continue
		}
		mt, params := leaf.ContentTypeParams()
		switch mt {
		case "text/plain", "text/html":
		case "text/richtext", "text/enriched", "text/rtf":
			// Rich-text-only bodies are coerced to plain text.
		default:
			continue
		}
		raw := leaf.DecodedBody()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		text := decodeCharset(raw, params["charset"])
		if mt == "text/richtext" || mt == "text/enriched" || mt == "text/rtf" {
			mt = "text/plain"
			text = stripRichText(text)
			raw = []byte(text)
		}
		parts = append(parts, textPart{mediaType: mt, charset: params["charset"], raw: raw, text: text})
	}

	sort.SliceStable(parts, func(i, j int) bool {
		return len(parts[i].text) > len(parts[j].text)
	})
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return parts
}

// partsOnly rebuilds the message from its original top-level headers plus
// the selected parts, bodies and content headers untouched.
func partsOnly(root *mimetree.Part, parts []textPart) []byte {
	out := &mimetree.Part{}
	for _, f := range root.Header.Fields() {
		if strings.HasPrefix(strings.ToLower(f.Key), "content-") {
			continue
		}
		out.Header.Add(f.Key, f.Value)
	}

	if len(parts) == 1 {
		ct := parts[0].mediaType
		if parts[0].charset != "" {
			ct += `; charset="` + parts[0].charset + `"`
		}
		out.Header.Add("Content-Type", ct)
		out.Body = parts[0].raw
		return out.Bytes()
	}

	out.Boundary = "----=_listrescue-simplified"
	out.Header.Add("Content-Type", `multipart/mixed; boundary="`+out.Boundary+`"`)
	for _, p := range parts {
		sub := &mimetree.Part{Body: p.raw}
		ct := p.mediaType
		if p.charset != "" {
			ct += `; charset="` + p.charset + `"`
		}
		sub.Header.Add("Content-Type", ct)
		out.Subparts = append(out.Subparts, sub)
	}
	return out.Bytes()
}

// headerField is a top-level header carried into a rebuilt candidate.
type headerField struct {
	key, value string
}

// topHeaders selects the top-level headers of a rebuilt candidate: either
// just the minimal From/To/Date/Subject set, or all non-content headers.
func topHeaders(root *mimetree.Part, minimal bool) []headerField {
	if minimal {
		var out []headerField
		for _, key := range []string{"From", "To", "Date", "Subject"} {
			if v := root.Header.Get(key); v != "" {
				out = append(out, headerField{key, unfoldValue(v)})
			}
		}
		return out
	}
	var out []headerField
	for _, f := range root.Header.Fields() {
		if strings.HasPrefix(strings.ToLower(f.Key), "content-") {
			continue
		}
		out = append(out, headerField{f.Key, unfoldValue(f.Value)})
	}
	return out
}

func unfoldValue(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

// bodyEncoding describes how buildTextMessage materializes part text.
type bodyEncoding int

const (
	encodeUTF8 bodyEncoding = iota
	encodeASCII
)

// buildTextMessage constructs a fresh message from the given headers and
// text parts using go-message, which handles boundaries and transfer
// encoding.
func buildTextMessage(headers []headerField, parts []textPart, enc bodyEncoding) []byte {
	entities := make([]*message.Entity, 0, len(parts))
	for _, p := range parts {
		var ph message.Header
		switch enc {
		case encodeASCII:
			ph.SetContentType(p.mediaType, map[string]string{"charset": "us-ascii"})
			ph.Set("Content-Transfer-Encoding", "7bit")
		default:
			ph.SetContentType(p.mediaType, map[string]string{"charset": "utf-8"})
			ph.Set("Content-Transfer-Encoding", "quoted-printable")
		}
		text := p.text
		if enc == encodeASCII {
			text = string(sanitize.ForceASCII([]byte(text)))
		}
		e, err := message.New(ph, strings.NewReader(text))
		if err != nil {
			continue
		}
		entities = append(entities, e)
	}
	if len(entities) == 0 {
		return nil
	}

	var h message.Header
	for _, f := range headers {
		h.Set(f.key, f.value)
	}

	var root *message.Entity
	var err error
	if len(entities) == 1 {
		single := entities[0]
		for fields := single.Header.Fields(); fields.Next(); {
			h.Set(fields.Key(), fields.Value())
		}
		root, err = message.New(h, single.Body)
	} else {
		h.SetContentType("multipart/mixed", nil)
		root, err = message.NewMultipart(h, entities)
	}
	if err != nil {
		return nil
	}

	var buf bytes.Buffer
	if err := root.WriteTo(&buf); err != nil {
		return nil
	}
	return buf.Bytes()
}

// htmlToPlain converts the HTML parts of the selection to plain text;
// returns nil when the selection has no HTML part.
func htmlToPlain(parts []textPart) []textPart {
	var out []textPart
	converted := false
	for _, p := range parts {
		if p.mediaType == "text/html" {
			text := stripHTML(p.text)
			out = append(out, textPart{mediaType: "text/plain", text: text, raw: []byte(text)})
			converted = true
			continue
		}
		out = append(out, p)
	}
	if !converted {
		return nil
	}
	return out
}

func dedupe(cands []Candidate) []Candidate {
	seen := make(map[string]bool, len(cands))
	out := cands[:0]
	for _, c := range cands {
		key := string(c.Data)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

// decodeCharset converts raw text to UTF-8 using the declared charset,
// falling back to windows-1252 for undeclared 8-bit content.
func decodeCharset(raw []byte, cs string) string {
	cs = strings.ToLower(strings.TrimSpace(cs))
	if cs != "" && cs != "utf-8" && cs != "us-ascii" && cs != "ascii" {
		if r, err := charset.Reader(cs, bytes.NewReader(raw)); err == nil {
			if decoded, err := io.ReadAll(r); err == nil {
				return string(decoded)
			}
		}
	}
	return ensureUTF8(string(raw))
}

func ensureUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	enc, err := htmlindex.Get("windows-1252")
	if err != nil || enc == nil {
		return s
	}
	decoded, _, err := transform.String(enc.NewDecoder(), s)
	if err != nil {
		return s
	}
	return decoded
}

var (
	reStyle      = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	reScript     = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	reHTMLTag    = regexp.MustCompile(`<[^>]*>`)
	reWhitespace = regexp.MustCompile(`[ \t]+`)
	reHTMLEntity = regexp.MustCompile(`&[a-zA-Z0-9#]+;`)
	reRichToken  = regexp.MustCompile(`\\[a-z]+-?\d*[ ]?|[{}]`)
)

// stripHTML reduces an HTML body to its text content.
func stripHTML(html string) string {
	text := reStyle.ReplaceAllString(html, " ")
	text = reScript.ReplaceAllString(text, " ")
	text = reHTMLTag.ReplaceAllString(text, " ")
	text = strings.NewReplacer(
		"&amp;", "&", "&lt;", "<", "&gt;", ">",
		"&quot;", `"`, "&apos;", "'", "&#39;", "'",
		"&nbsp;", " ",
	).Replace(text)
	text = reHTMLEntity.ReplaceAllString(text, " ")
	text = reWhitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// stripRichText removes RTF/enriched control tokens, leaving plain text.
func stripRichText(s string) string {
	s = reRichToken.ReplaceAllString(s, "")
	s = reHTMLTag.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
