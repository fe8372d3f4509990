package message

import (
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
)

// HL7v3 constants.
const (
	HL7v3NS       = "urn:hl7-org:v3"
	hl7MimeType   = "application/xml; charset=UTF-8"
	hl7DateFormat = "20060102150405"

	asidOIDRoot    = "1.2.826.0.1285.0.2.0.107"
	sdsUserOIDRoot = "1.2.826.0.1285.0.2.0.65"
	sdsRoleOIDRoot = "1.2.826.0.1285.0.2.0.67"
)

// SpineHL7Message is the HL7v3 part of a Spine message: a transmission and
// control-act wrapper around a payload. With no payload it is the minimal
// wrapper TMS still requires so the message declares ASID and author details.
type SpineHL7Message struct {
	InteractionID string
	MyAsid        string
	ToAsid        string
	AuthorUID     string
	AuthorURP     string
	AuthorRole    string

	// IsQuery selects a bare payload inside the control act instead of a
	// subject element. It defaults from the interaction id's leading letter
	// but callers can override it; HL7 naming is not that dependable.
	IsQuery bool

	payload   string
	messageID string
	fromAsid  string
	contentID string

	serialisation string
	mimeHeader    string
}

// NewSpineHL7Message wraps the given payload for sending under the given
// interaction id. The HL7 message id is a fresh upper-case UUID.
func NewSpineHL7Message(interactionID, payload string) *SpineHL7Message {
	return &SpineHL7Message{
		InteractionID: interactionID,
		IsQuery:       strings.HasPrefix(interactionID, "Q"),
		payload:       payload,
		messageID:     strings.ToUpper(uuid.NewString()),
		contentID:     uuid.NewString(),
	}
}

// ParseSpineHL7Message builds a message from a received MIME part, extracting
// the message id, interaction id and both ASIDs. Missing elements are
// malformed-input errors.
func ParseSpineHL7Message(part string) (*SpineHL7Message, error) {
	rawHeader, body, err := partBody(part)
	if err != nil {
		return nil, err
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromString(body); err != nil {
		return nil, fmt.Errorf("malformed HL7v3: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("malformed HL7v3: empty document")
	}

	m := &SpineHL7Message{
		payload:       body,
		contentID:     uuid.NewString(),
		serialisation: body,
		mimeHeader:    rawHeader + "\r\n\r\n",
	}

	id := root.FindElement("//id")
	if id == nil {
		return nil, fmt.Errorf("malformed HL7v3: no message id")
	}
	m.messageID = id.SelectAttrValue("root", "")

	ia := root.FindElement("//interactionId")
	if ia == nil {
		return nil, fmt.Errorf("malformed HL7v3: no interaction id")
	}
	m.InteractionID = ia.SelectAttrValue("extension", "")

	if m.fromAsid, err = deviceAsid(root, "communicationFunctionSnd"); err != nil {
		return nil, err
	}
	if m.ToAsid, err = deviceAsid(root, "communicationFunctionRcv"); err != nil {
		return nil, err
	}
	return m, nil
}

// deviceAsid digs the ASID out of a communicationFunctionSnd/Rcv element.
func deviceAsid(root *etree.Element, fn string) (string, error) {
	cf := root.FindElement("//" + fn)
	if cf == nil {
		return "", fmt.Errorf("malformed HL7v3: no %s", fn)
	}
	dev := cf.FindElement("device")
	if dev == nil {
		return "", fmt.Errorf("malformed HL7v3: no %s device", fn)
	}
	id := dev.FindElement("id")
	if id == nil {
		return "", fmt.Errorf("malformed HL7v3: no %s id", fn)
	}
	asid := strings.TrimSpace(id.SelectAttrValue("extension", ""))
	if asid == "" {
		return "", fmt.Errorf("malformed HL7v3: no %s ASID", fn)
	}
	return asid, nil
}

// MessageID returns the HL7 message id.
func (m *SpineHL7Message) MessageID() string { return m.messageID }

// FromAsid returns the sending ASID of a received message.
func (m *SpineHL7Message) FromAsid() string { return m.fromAsid }

// HL7Payload returns the payload body.
func (m *SpineHL7Message) HL7Payload() string { return m.payload }

func (m *SpineHL7Message) ContentID() string { return m.contentID }
func (m *SpineHL7Message) MimeType() string  { return hl7MimeType }

func (m *SpineHL7Message) MimeHeader() string {
	if m.mimeHeader == "" {
		m.mimeHeader = makeMimeHeader(m.contentID, hl7MimeType)
	}
	return m.mimeHeader
}

// Serialise builds the transmission and control-act wrappers around the
// payload. Computed once and cached so retries are byte-identical.
func (m *SpineHL7Message) Serialise() string {
	if m.serialisation != "" {
		return m.serialisation
	}
	var sb strings.Builder
	sb.WriteString("<")
	sb.WriteString(m.InteractionID)
	sb.WriteString(" xmlns=\"urn:hl7-org:v3\">\r\n")
	sb.WriteString("<id root=\"" + m.messageID + "\"/>\r\n")
	sb.WriteString("<creationTime value=\"" + time.Now().Format(hl7DateFormat) + "\"/>\r\n")
	sb.WriteString("<versionCode code=\"V3NPfIT3.0\"/>\r\n")
	sb.WriteString("<interactionId root=\"2.16.840.1.113883.2.1.3.2.4.12\" extension=\"" + m.InteractionID + "\"/>\r\n")
	sb.WriteString("<processingCode code=\"P\"/>\r\n")
	sb.WriteString("<processingModeCode code=\"T\"/>\r\n")
	sb.WriteString("<acceptAckCode code=\"NE\"/>\r\n")
	sb.WriteString("<communicationFunctionRcv typeCode=\"RCV\">\r\n")
	sb.WriteString("<device classCode=\"DEV\" determinerCode=\"INSTANCE\">\r\n")
	sb.WriteString("<id root=\"" + asidOIDRoot + "\" extension=\"" + m.ToAsid + "\"/>\r\n")
	sb.WriteString("</device>\r\n</communicationFunctionRcv>\r\n")
	sb.WriteString("<communicationFunctionSnd typeCode=\"SND\">\r\n")
	sb.WriteString("<device classCode=\"DEV\" determinerCode=\"INSTANCE\">\r\n")
	sb.WriteString("<id root=\"" + asidOIDRoot + "\" extension=\"" + m.MyAsid + "\"/>\r\n")
	sb.WriteString("</device>\r\n</communicationFunctionSnd>\r\n")
	sb.WriteString("<ControlActEvent classCode=\"CACT\" moodCode=\"EVN\">\r\n")
	sb.WriteString("<author1 typeCode=\"AUT\">\r\n")
	sb.WriteString("<AgentSystemSDS classCode=\"AGNT\">\r\n")
	sb.WriteString("<agentSystemSDS classCode=\"DEV\" determinerCode=\"INSTANCE\">\r\n")
	sb.WriteString("<id root=\"" + asidOIDRoot + "\" extension=\"" + m.MyAsid + "\"/>\r\n")
	sb.WriteString("</agentSystemSDS>\r\n</AgentSystemSDS>\r\n</author1>\r\n")
	sb.WriteString(m.authorElement())
	if m.payload != "" {
		if !m.IsQuery {
			sb.WriteString("<subject>")
		}
		sb.WriteString(stripXMLDeclaration(m.payload))
		if !m.IsQuery {
			sb.WriteString("</subject>")
		}
		sb.WriteString("\r\n")
	}
	sb.WriteString("</ControlActEvent>\r\n")
	sb.WriteString("</" + m.InteractionID + ">\r\n")
	m.serialisation = sb.String()
	return m.serialisation
}

// authorElement renders the optional author details. An empty author uid
// means the interaction carries no author element at all.
func (m *SpineHL7Message) authorElement() string {
	if m.AuthorUID == "" {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<author typeCode=\"AUT\">\r\n")
	sb.WriteString("<AgentPersonSDS classCode=\"AGNT\">\r\n")
	sb.WriteString("<id root=\"" + sdsRoleOIDRoot + "\" extension=\"" + m.AuthorURP + "\"/>\r\n")
	sb.WriteString("<agentPersonSDS classCode=\"PSN\" determinerCode=\"INSTANCE\">\r\n")
	sb.WriteString("<id root=\"" + sdsUserOIDRoot + "\" extension=\"" + m.AuthorUID + "\"/>\r\n")
	sb.WriteString("</agentPersonSDS>\r\n")
	sb.WriteString("<part typeCode=\"PART\">\r\n")
	sb.WriteString("<partSDSRole classCode=\"ROL\">\r\n")
	sb.WriteString("<id root=\"1.2.826.0.1285.0.2.1.104\" extension=\"" + m.AuthorRole + "\"/>\r\n")
	sb.WriteString("</partSDSRole>\r\n</part>\r\n")
	sb.WriteString("</AgentPersonSDS>\r\n</author>\r\n")
	return sb.String()
}

// stripXMLDeclaration removes a leading processing directive so the payload
// can be embedded in a larger document built as a string.
func stripXMLDeclaration(s string) string {
	if strings.HasPrefix(s, "<?xml ") {
		if i := strings.IndexByte(s, '>'); i != -1 {
			return s[i+1:]
		}
	}
	return s
}

func (m *SpineHL7Message) EbXmlReference() string {
	var sb strings.Builder
	sb.WriteString("<eb:Reference xlink:href=\"cid:")
	sb.WriteString(m.contentID)
	sb.WriteString("\">\r\n")
	sb.WriteString("<eb:Schema eb:location=\"http://www.nhsia.nhs.uk/schemas/HL7-Message.xsd\" eb:version=\"1.0\"/>\r\n")
	sb.WriteString("<eb:Description xml:lang=\"en\">HL7 payload</eb:Description>\r\n")
	sb.WriteString("<hl7ebxml:Payload style=\"HL7\" encoding=\"XML\" version=\"3.0\"/>\r\n")
	sb.WriteString("</eb:Reference>\r\n")
	return sb.String()
}
