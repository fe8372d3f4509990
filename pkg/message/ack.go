package message

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AckService is the ebXML service under which acknowledgments are addressed
// in the directory.
const AckService = "urn:oasis:names:tc:ebxml-msg:service:Acknowledgment"

// The intermediary path all asynchronous acknowledgments POST to. The
// doubled urn prefix on the SOAPAction is what TMS expects on this path.
const ackContextPath = "/reliablemessaging/intermediary"

// EbXmlAcknowledgment wraps a prebuilt ebXML acknowledgment or MessageError
// body so it can be returned asynchronously through the transmission engine.
// The body is identical whether the acknowledgment goes back synchronously
// on the open connection or asynchronously in a connection of its own; this
// type only adds the HTTP framing for the latter.
type EbXmlAcknowledgment struct {
	body  string
	host  string
	state RetryState
}

// NewEbXmlAcknowledgment wraps an acknowledgment body. The caller supplies
// the target host and any resolved URL override before sending.
func NewEbXmlAcknowledgment(body string) *EbXmlAcknowledgment {
	return &EbXmlAcknowledgment{body: body, state: NewRetryState()}
}

// SetHost sets the Host header for transmission.
func (a *EbXmlAcknowledgment) SetHost(h string) { a.host = h }

func (a *EbXmlAcknowledgment) Type() int          { return TypeAck }
func (a *EbXmlAcknowledgment) MessageID() string  { return "" }
func (a *EbXmlAcknowledgment) State() *RetryState { return &a.state }

func (a *EbXmlAcknowledgment) SOAPAction() string {
	return "urn:oasis:names:tc:ebxml-msg:service/Acknowledgment"
}

func (a *EbXmlAcknowledgment) HL7Payload() string {
	return "EbXml Acknowledgment - no HL7 payload"
}

func (a *EbXmlAcknowledgment) WriteTo(w io.Writer) error {
	var sb strings.Builder
	sb.WriteString("POST ")
	sb.WriteString(ackContextPath)
	sb.WriteString(" HTTP/1.1\r\nHost: ")
	sb.WriteString(a.host)
	sb.WriteString("\r\nContent-Length: ")
	sb.WriteString(strconv.Itoa(len(a.body)))
	sb.WriteString("\r\nConnection: close\r\nContent-Type: text/xml\r\n")
	sb.WriteString("SOAPAction: urn:urn:oasis:names:tc:ebxml-msg:service/Acknowledgment\r\n\r\n")
	sb.WriteString(a.body)
	_, err := io.WriteString(w, sb.String())
	return err
}

// AckedMessageID interrogates a received acknowledgment or MessageError body
// for the message id it settles. Returns "" when no reference is present.
func AckedMessageID(msg string) string {
	const marker = "RefToMessageId>"
	start := strings.Index(msg, marker)
	if start == -1 {
		return ""
	}
	start += len(marker)
	end := strings.Index(msg[start:], "<")
	if end == -1 {
		return ""
	}
	return msg[start : start+end]
}

// AckDetails carries the fields an acknowledgment body is assembled from.
// CpaID may be left empty and injected later, once the sender's contract
// properties have been resolved from the directory.
type AckDetails struct {
	FromPartyKey string
	ToPartyKey   string
	CpaID        string
	Conversation string
	RefToID      string
}

// BuildAck assembles an ebXML acknowledgment body referencing the given
// message.
func BuildAck(d AckDetails) string {
	var sb strings.Builder
	ackEnvelopeOpen(&sb, d, "Acknowledgment")
	sb.WriteString("<eb:Acknowledgment SOAP:mustUnderstand=\"1\" eb:version=\"2.0\" SOAP:actor=\"urn:oasis:names:tc:ebxml-msg:actor:toPartyMSH\">\r\n")
	sb.WriteString("<eb:Timestamp>" + time.Now().Format(ISO8601DateFormat) + "</eb:Timestamp>\r\n")
	sb.WriteString("<eb:RefToMessageId>" + d.RefToID + "</eb:RefToMessageId>\r\n")
	sb.WriteString("<eb:From><eb:PartyId eb:type=\"" + partyIDType + "\">" + d.FromPartyKey + "</eb:PartyId></eb:From>\r\n")
	sb.WriteString("</eb:Acknowledgment>\r\n")
	ackEnvelopeClose(&sb)
	return sb.String()
}

// BuildMessageError assembles an ebXML MessageError body reporting a
// delivery failure for the given message. Sent in place of an acknowledgment
// when an asynchronously-acknowledged message could not be processed.
func BuildMessageError(d AckDetails, description string) string {
	var sb strings.Builder
	ackEnvelopeOpen(&sb, d, "MessageError")
	sb.WriteString("<eb:ErrorList SOAP:mustUnderstand=\"1\" eb:version=\"2.0\" eb:highestSeverity=\"Error\">\r\n")
	sb.WriteString("<eb:Error eb:errorCode=\"DeliveryFailure\" eb:severity=\"Error\">\r\n")
	sb.WriteString("<eb:Description xml:lang=\"en\">" + description + "</eb:Description>\r\n")
	sb.WriteString("</eb:Error>\r\n")
	sb.WriteString("</eb:ErrorList>\r\n")
	ackEnvelopeClose(&sb)
	return sb.String()
}

func ackEnvelopeOpen(sb *strings.Builder, d AckDetails, action string) {
	sb.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\r\n")
	sb.WriteString("<SOAP:Envelope xmlns:SOAP=\"" + soapNS + "\" xmlns:eb=\"" + EbXmlNS + "\">\r\n")
	sb.WriteString("<SOAP:Header>\r\n")
	sb.WriteString("<eb:MessageHeader SOAP:mustUnderstand=\"1\" eb:version=\"2.0\">\r\n")
	sb.WriteString("<eb:From><eb:PartyId eb:type=\"" + partyIDType + "\">" + d.FromPartyKey + "</eb:PartyId></eb:From>\r\n")
	sb.WriteString("<eb:To><eb:PartyId eb:type=\"" + partyIDType + "\">" + d.ToPartyKey + "</eb:PartyId></eb:To>\r\n")
	sb.WriteString("<eb:CPAId>" + d.CpaID + "</eb:CPAId>\r\n")
	sb.WriteString("<eb:ConversationId>" + d.Conversation + "</eb:ConversationId>\r\n")
	sb.WriteString("<eb:Service>urn:oasis:names:tc:ebxml-msg:service</eb:Service>\r\n")
	sb.WriteString("<eb:Action>" + action + "</eb:Action>\r\n")
	sb.WriteString("<eb:MessageData>\r\n")
	sb.WriteString("<eb:MessageId>" + strings.ToUpper(uuid.NewString()) + "</eb:MessageId>\r\n")
	sb.WriteString("<eb:Timestamp>" + time.Now().Format(ISO8601DateFormat) + "</eb:Timestamp>\r\n")
	sb.WriteString("<eb:RefToMessageId>" + d.RefToID + "</eb:RefToMessageId>\r\n")
	sb.WriteString("</eb:MessageData>\r\n")
	sb.WriteString("</eb:MessageHeader>\r\n")
}

func ackEnvelopeClose(sb *strings.Builder) {
	sb.WriteString("</SOAP:Header>\r\n")
	sb.WriteString("<SOAP:Body/>\r\n")
	sb.WriteString("</SOAP:Envelope>\r\n")
}
