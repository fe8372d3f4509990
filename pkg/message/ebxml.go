package message

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hscic/go-spine/pkg/sds"
)

// MaxMessageSize is the Spine 5MB ceiling on ebXML message bodies.
const MaxMessageSize = 5242880

// ErrLargeMessage reports a body over MaxMessageSize. The large-message
// split transmission mode is not implemented, so oversize is a hard failure.
var ErrLargeMessage = errors.New("message body exceeds 5MB Spine maximum, large message protocol not supported")

const (
	// The full part delimiter including the leading dashes. The
	// Content-Type boundary parameter is this less the first two.
	defaultMimeBoundary = "----=_MIME-Boundary"

	// Placeholders used when a persisted reliable message is replayed or
	// expired and no resolved URL is available.
	persistedHost        = "SPINE_RELIABLE_MESSAGE_HOST"
	persistedContextPath = "EXPIRED_PERSISTED_RELIABLE_MESSAGE"
)

// EbXmlMessage is a Spine asynchronous ebXML message: multipart/related MIME
// with the ebXML header as part 0, the HL7 content as part 1 and any
// attachments after that.
type EbXmlMessage struct {
	Header      *EbXmlHeader
	HL7         *SpineHL7Message
	Attachments []Attachment

	MimeBoundary string

	state RetryState

	persistable  bool
	persisted    bool
	receivedHost string
	// Context path from the received POST line, kept so a persisted copy
	// replays with the same request line.
	receivedContextPath string
}

// NewEbXmlMessage constructs a message for sending. The recipient URL is
// taken from the transmission details unless the resolver holds an override
// for the service-interaction. A message is persistable when the contract
// allows at least one retry.
func NewEbXmlMessage(d *sds.TransmissionDetails, hl7 *SpineHL7Message, localPartyKey string, resolver interface{ ResolveURL(string) string }) *EbXmlMessage {
	m := &EbXmlMessage{
		HL7:                 hl7,
		MimeBoundary:        defaultMimeBoundary,
		state:               NewRetryState(),
		receivedHost:        persistedHost,
		receivedContextPath: persistedContextPath,
	}
	m.Header = NewEbXmlHeader(m, localPartyKey, d)
	m.state.SetOdsCode(d.Org)
	m.state.ResolvedURL = d.URL
	if resolver != nil {
		if u := resolver.ResolveURL(d.SvcIA); u != "" {
			m.state.ResolvedURL = u
		}
	}
	if d.Retries != sds.NotSet {
		m.state.RetryCount = d.Retries
		m.state.RetryInterval = d.RetryInterval
		m.state.PersistDuration = d.PersistDuration
	}
	m.persistable = d.Retries > 0
	return m
}

// DecodeResult is the outcome of reading one inbound transmission. Either
// Message is set, or the transmission was a bare acknowledgment or
// MessageError notification and AckedMessageID refers to the message it
// settles.
type DecodeResult struct {
	Message *EbXmlMessage

	AckedMessageID string
	// IsError distinguishes a MessageError notification from a plain
	// acknowledgment.
	IsError bool
	// Body is the raw notification body, retained for logging.
	Body string
}

// Decode assembles a message from an accepted network stream, starting at
// the HTTP POST line. Spine messages are never chunked, so the body is read
// as exactly Content-Length bytes.
func Decode(r io.Reader) (*DecodeResult, error) {
	br := bufio.NewReader(r)

	headers := make(map[string]string)
	contextPath := ""
	for {
		line, err := readHeaderLine(br)
		if err != nil {
			return nil, fmt.Errorf("reading HTTP headers: %w", err)
		}
		if strings.TrimSpace(line) == "" {
			break
		}
		if strings.HasPrefix(line, "POST") {
			first := strings.IndexByte(line, ' ')
			second := -1
			if first != -1 {
				second = strings.IndexByte(line[first+1:], ' ')
			}
			if first == -1 || second == -1 {
				return nil, errors.New("malformed HTTP request line, can't parse POST context path")
			}
			contextPath = strings.TrimSpace(line[first+1 : first+1+second])
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon == -1 {
			return nil, errors.New("malformed HTTP header: no field/data delimiter colon")
		}
		headers[strings.ToUpper(line[:colon])] = strings.TrimSpace(line[colon+1:])
	}

	ctype, ok := headers["CONTENT-TYPE"]
	if !ok {
		return nil, errors.New("malformed HTTP headers: no Content-Type found")
	}
	host, ok := headers["HOST"]
	if !ok {
		return nil, errors.New("malformed HTTP headers: no Host found")
	}
	clen, ok := headers["CONTENT-LENGTH"]
	if !ok {
		return nil, errors.New("malformed HTTP headers: no Content-Length found")
	}
	contentLength, err := strconv.Atoi(clen)
	if err != nil {
		return nil, fmt.Errorf("malformed Content-Length %q: %w", clen, err)
	}
	soapAction, ok := headers["SOAPACTION"]
	if !ok {
		return nil, errors.New("malformed HTTP headers: no SOAPAction found")
	}
	soapAction = strings.TrimSpace(strings.ReplaceAll(soapAction, "\"", " "))
	// A defect in Spine-hosted services doubles the urn prefix on the
	// SOAPAction. Collapse it when seen.
	if strings.HasPrefix(soapAction, "urn:urn:") {
		soapAction = soapAction[4:]
	}

	boundary := ""
	if strings.Contains(ctype, "multipart/related") {
		if boundary, err = parseMimeBoundary(ctype); err != nil {
			return nil, err
		}
	}

	wire := make([]byte, contentLength)
	if _, err := io.ReadFull(br, wire); err != nil {
		return nil, fmt.Errorf("reading %d byte body: %w", contentLength, err)
	}
	msg := string(wire)

	start := -1
	if boundary != "" {
		start = strings.Index(msg, boundary)
	}
	if start == -1 {
		// Asynchronous acks and MessageErrors come back as bare text/xml
		// bodies, not multipart messages.
		if strings.HasPrefix(strings.ToLower(ctype), "text/xml") {
			isErr := strings.Contains(soapAction, "MessageError")
			if isErr || strings.Contains(soapAction, "Acknowledgment") {
				acked := AckedMessageID(msg)
				if acked == "" {
					return nil, fmt.Errorf("failed to extract message id reference from %s", soapAction)
				}
				return &DecodeResult{AckedMessageID: acked, IsError: isErr, Body: msg}, nil
			}
		}
		return nil, errors.New("malformed message")
	}

	m := &EbXmlMessage{
		MimeBoundary:        boundary,
		state:               NewRetryState(),
		receivedHost:        host,
		receivedContextPath: contextPath,
	}

	partCount := 0
	for {
		start += len(boundary)
		end := strings.Index(msg[start:], boundary)
		if end == -1 {
			break
		}
		end += start
		part := msg[start:end]
		switch partCount {
		case 0:
			if m.Header, err = ParseEbXmlHeader(part); err != nil {
				return nil, err
			}
		case 1:
			if m.HL7, err = ParseSpineHL7Message(part); err != nil {
				return nil, err
			}
		default:
			a, err := ParseGeneralAttachment(part)
			if err != nil {
				return nil, err
			}
			m.Attachments = append(m.Attachments, a)
		}
		partCount++
		start = end
	}
	if m.Header == nil {
		return nil, errors.New("malformed message: no ebXML header part")
	}

	// The number of attempts the sender actually made is unknowable, so
	// assume a single try at the declared timestamp.
	if ts, err := time.ParseInLocation(ISO8601DateFormat, m.Header.Timestamp, time.Local); err == nil {
		m.state.Started = ts
		m.state.LastTry = ts
		m.state.SetTries(1)
	}
	return &DecodeResult{Message: m}, nil
}

// readHeaderLine reads up to LF, dropping CRs.
func readHeaderLine(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		c, err := br.ReadByte()
		if err != nil {
			if err == io.EOF && sb.Len() > 0 {
				return sb.String(), nil
			}
			return "", err
		}
		if c == '\n' {
			return sb.String(), nil
		}
		if c != '\r' {
			sb.WriteByte(c)
		}
	}
}

// parseMimeBoundary extracts the boundary token from a multipart/related
// Content-Type value. The token may be quoted or bare and runs to ';', '"'
// or the end of the value; embedded spaces are malformed.
func parseMimeBoundary(ctype string) (string, error) {
	i := strings.Index(ctype, "boundary")
	if i == -1 {
		return "", nil
	}
	i += len("boundary")
	if i >= len(ctype) || ctype[i] != '=' {
		return "", errors.New("invalid Content-Type: MIME boundary not properly defined (spaces ?)")
	}
	i++
	if i < len(ctype) && ctype[i] == '"' {
		i++
	}
	start := i
	for ; i < len(ctype); i++ {
		switch ctype[i] {
		case ';', '"':
			return "--" + ctype[start:i], nil
		case ' ':
			return "", errors.New("invalid Content-Type: MIME boundary not properly defined (spaces ?)")
		}
	}
	return "--" + ctype[start:], nil
}

func (m *EbXmlMessage) Type() int          { return TypeEbXml }
func (m *EbXmlMessage) State() *RetryState { return &m.state }

func (m *EbXmlMessage) MessageID() string {
	return m.Header.MessageIDValue
}

// SOAPAction returns service/interaction, the action the message is POSTed
// under.
func (m *EbXmlMessage) SOAPAction() string {
	return m.Header.Service + "/" + m.Header.InteractionID
}

func (m *EbXmlMessage) HL7Payload() string {
	if m.HL7 == nil {
		return ""
	}
	return m.HL7.HL7Payload()
}

// Host returns the Host header of a received message.
func (m *EbXmlMessage) Host() string { return m.receivedHost }

// Persistable reports whether the contract allows retries, making the
// message eligible for on-disk persistence.
func (m *EbXmlMessage) Persistable() bool { return m.persistable }

// Persisted reports whether a wire-exact copy has been written to disk.
// The flag is only raised after a successful write, so a failed persist is
// retried on the next transmission attempt.
func (m *EbXmlMessage) Persisted() bool     { return m.persisted }
func (m *EbXmlMessage) SetPersisted(v bool) { m.persisted = v }

// manifestReferences concatenates the eb:Reference manifest entries for the
// HL7 part and every attachment.
func (m *EbXmlMessage) manifestReferences() string {
	var sb strings.Builder
	if m.HL7 != nil {
		sb.WriteString(m.HL7.EbXmlReference())
	}
	for _, a := range m.Attachments {
		sb.WriteString(a.EbXmlReference())
	}
	return sb.String()
}

// serialiseBody renders the multipart body without HTTP framing.
func (m *EbXmlMessage) serialiseBody() string {
	var sb strings.Builder
	sb.WriteString(m.MimeBoundary)
	sb.WriteString(m.Header.MimeHeader())
	sb.WriteString(m.Header.Serialise())
	sb.WriteString("\r\n")
	sb.WriteString(m.MimeBoundary)
	sb.WriteString(m.HL7.MimeHeader())
	sb.WriteString(m.HL7.Serialise())
	for _, a := range m.Attachments {
		sb.WriteString("\r\n")
		sb.WriteString(m.MimeBoundary)
		sb.WriteString(a.MimeHeader())
		sb.WriteString(a.Serialise())
	}
	sb.WriteString("\r\n")
	sb.WriteString(m.MimeBoundary)
	sb.WriteString("--")
	return sb.String()
}

// WriteTo serialises the complete wire form, HTTP framing included.
// The header serialisation is computed once, so every retry and persisted
// replay sends identical bytes.
func (m *EbXmlMessage) WriteTo(w io.Writer) error {
	body := m.serialiseBody()
	if len(body) >= MaxMessageSize {
		return ErrLargeMessage
	}
	hdr, err := m.httpHeader(len(body))
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, hdr); err != nil {
		return err
	}
	_, err = io.WriteString(w, body)
	return err
}

func (m *EbXmlMessage) httpHeader(contentLength int) (string, error) {
	contextPath := m.receivedContextPath
	host := m.receivedHost
	if m.state.ResolvedURL != "" {
		u, err := url.Parse(m.state.ResolvedURL)
		if err != nil {
			return "", fmt.Errorf("invalid resolved URL %q: %w", m.state.ResolvedURL, err)
		}
		contextPath = u.Path
		host = u.Host
	}
	var sb strings.Builder
	sb.WriteString("POST ")
	sb.WriteString(contextPath)
	sb.WriteString(" HTTP/1.1\r\nHost: ")
	sb.WriteString(host)
	sb.WriteString("\r\nSOAPAction: \"")
	sb.WriteString(m.SOAPAction())
	sb.WriteString("\"\r\nContent-Length: ")
	sb.WriteString(strconv.Itoa(contentLength))
	sb.WriteString("\r\nContent-Type: multipart/related; boundary=\"")
	sb.WriteString(strings.TrimPrefix(m.MimeBoundary, "--"))
	sb.WriteString("\"; type=\"text/xml\"; start=\"<")
	sb.WriteString(m.Header.ContentID())
	sb.WriteString(">\"\r\nConnection: close\r\n\r\n")
	return sb.String(), nil
}
