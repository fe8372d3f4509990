package message

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Attachment is a MIME part of a Spine EbXmlMessage.
type Attachment interface {
	// ContentID returns the part's Content-Id value, without brackets.
	ContentID() string

	// MimeType returns the part's content type.
	MimeType() string

	// Serialise returns the part body, without MIME sub-headers.
	Serialise() string

	// MimeHeader returns the MIME sub-header block for the part, starting
	// with CRLF (it directly follows the boundary marker) and ending with
	// the blank-line delimiter.
	MimeHeader() string

	// EbXmlReference returns the eb:Reference manifest entry for the part,
	// or "" where the part contributes none.
	EbXmlReference() string
}

var mimeTypeExtractor = regexp.MustCompile(`(?i)content-type: ([^\r\n]*)`)

// partBody strips the MIME sub-headers from a received part, returning the
// header block and the trimmed body. The delimiter is the first CRLFCRLF,
// or, tolerantly, the first LFLF.
func partBody(part string) (header, body string, err error) {
	i := strings.Index(part, "\r\n\r\n")
	if i == -1 {
		i = strings.Index(part, "\n\n")
		if i == -1 {
			return "", "", fmt.Errorf("invalid MIME attachment: no header/body delimiter")
		}
	}
	return part[:i], strings.TrimSpace(part[i:]), nil
}

// partMimeType sniffs the content type from a received part's own MIME
// sub-headers.
func partMimeType(part string) (string, error) {
	m := mimeTypeExtractor.FindStringSubmatch(part)
	if m == nil {
		return "", fmt.Errorf("invalid attachment: content-type not set")
	}
	return strings.TrimSpace(m[1]), nil
}

func makeMimeHeader(contentID, mimeType string) string {
	var sb strings.Builder
	sb.WriteString("\r\nContent-Id: <")
	sb.WriteString(contentID)
	sb.WriteString(">\r\nContent-Type: ")
	sb.WriteString(mimeType)
	sb.WriteString("\r\nContent-Transfer-Encoding: 8bit\r\n\r\n")
	return sb.String()
}

// GeneralAttachment is an uninterpreted attachment part carried after the
// HL7 payload.
type GeneralAttachment struct {
	contentID string
	mimeType  string
	body      string
}

// NewGeneralAttachment wraps a body for sending.
func NewGeneralAttachment(mimeType, body string) *GeneralAttachment {
	return &GeneralAttachment{
		contentID: uuid.NewString(),
		mimeType:  mimeType,
		body:      body,
	}
}

// ParseGeneralAttachment builds an attachment from a received MIME part,
// sniffing the content type from the part's own sub-headers.
func ParseGeneralAttachment(part string) (*GeneralAttachment, error) {
	mt, err := partMimeType(part)
	if err != nil {
		return nil, err
	}
	_, body, err := partBody(part)
	if err != nil {
		return nil, err
	}
	return &GeneralAttachment{
		contentID: uuid.NewString(),
		mimeType:  mt,
		body:      body,
	}, nil
}

func (a *GeneralAttachment) ContentID() string  { return a.contentID }
func (a *GeneralAttachment) MimeType() string   { return a.mimeType }
func (a *GeneralAttachment) Serialise() string  { return a.body }
func (a *GeneralAttachment) MimeHeader() string { return makeMimeHeader(a.contentID, a.mimeType) }

func (a *GeneralAttachment) EbXmlReference() string {
	var sb strings.Builder
	sb.WriteString("<eb:Reference xlink:href=\"cid:")
	sb.WriteString(a.contentID)
	sb.WriteString("\">\r\n<eb:Description xml:lang=\"en\">Attachment</eb:Description>\r\n</eb:Reference>\r\n")
	return sb.String()
}
