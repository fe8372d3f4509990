package message

import (
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/hscic/go-spine/pkg/sds"
)

// EbXmlNS is the ebXML message-header 2.0 schema namespace.
const EbXmlNS = "http://www.oasis-open.org/committees/ebxml-msg/schema/msg-header-2_0.xsd"

const (
	soapNS      = "http://schemas.xmlsoap.org/soap/envelope/"
	xlinkNS     = "http://www.w3.org/1999/xlink"
	partyIDType = "urn:nhs:names:partyType:ocs+serviceInstance"

	// ISO8601DateFormat is the timestamp layout used in ebXML headers.
	ISO8601DateFormat = "2006-01-02T15:04:05"

	ebxmlHeaderMimeType = "text/xml"
	nextActor           = "http://schemas.xmlsoap.org/soap/actor/next"
)

// EbXmlHeader is the ebXML message header of a Spine asynchronous message,
// carried as MIME part 0. It is either built from SDS transmission details
// for sending, or parsed from a received part.
type EbXmlHeader struct {
	FromPartyKey   string
	ToPartyKey     string
	CpaID          string
	Service        string
	InteractionID  string
	MessageIDValue string
	ConversationID string
	SoapActor      string
	Timestamp      string

	DuplicateElimination bool
	AckRequested         bool
	SyncReply            bool

	contentID string
	msg       *EbXmlMessage

	// Cached so that retries and persisted replays are byte-identical,
	// and Content-Length stays correct across attempts.
	serialisation string
	mimeHeader    string
}

// SvcIA returns the composite service:interaction key.
func (h *EbXmlHeader) SvcIA() string {
	return h.Service + ":" + h.InteractionID
}

// ContentID returns the header part's Content-Id, used as the multipart
// "start" parameter.
func (h *EbXmlHeader) ContentID() string { return h.contentID }

// NewEbXmlHeader constructs a header for the given outbound message from the
// recipient's transmission details. The message id is a freshly generated
// upper-case UUID. The contract properties for duplicate elimination and
// acknowledgments arrive as directory strings and become booleans here.
func NewEbXmlHeader(msg *EbXmlMessage, localPartyKey string, d *sds.TransmissionDetails) *EbXmlHeader {
	return &EbXmlHeader{
		FromPartyKey:         localPartyKey,
		ToPartyKey:           d.PartyKey,
		CpaID:                d.CPAID,
		Service:              d.Service,
		InteractionID:        d.InteractionID,
		MessageIDValue:       strings.ToUpper(uuid.NewString()),
		SoapActor:            d.SoapActor,
		DuplicateElimination: d.DuplicateElimination == "always",
		AckRequested:         d.AckRequested == "always",
		SyncReply:            d.SyncReply == "MSHSignalsOnly",
		contentID:            uuid.NewString(),
		msg:                  msg,
	}
}

// ParseEbXmlHeader builds a header from a received MIME part, including its
// sub-headers. The original part text is retained so the message can be
// persisted and replayed byte-for-byte.
func ParseEbXmlHeader(part string) (*EbXmlHeader, error) {
	rawHeader, body, err := partBody(part)
	if err != nil {
		return nil, err
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromString(body); err != nil {
		return nil, fmt.Errorf("malformed ebXML header: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("malformed ebXML header: empty document")
	}

	h := &EbXmlHeader{
		contentID:     uuid.NewString(),
		serialisation: body,
		mimeHeader:    rawHeader + "\r\n\r\n",
	}
	h.DuplicateElimination = root.FindElement("//DuplicateElimination") != nil
	h.SyncReply = root.FindElement("//SyncReply") != nil
	h.AckRequested = root.FindElement("//AckRequested") != nil

	required := []struct {
		tag  string
		dest *string
	}{
		{"CPAId", &h.CpaID},
		{"ConversationId", &h.ConversationID},
		{"MessageId", &h.MessageIDValue},
		{"Timestamp", &h.Timestamp},
		{"Service", &h.Service},
		{"Action", &h.InteractionID},
	}
	for _, f := range required {
		el := root.FindElement("//" + f.tag)
		if el == nil {
			return nil, fmt.Errorf("malformed ebXML: no %s", f.tag)
		}
		*f.dest = el.Text()
	}

	h.FromPartyKey, err = partyKey(root, "From")
	if err != nil {
		return nil, err
	}
	h.ToPartyKey, err = partyKey(root, "To")
	if err != nil {
		return nil, err
	}
	return h, nil
}

func partyKey(root *etree.Element, tag string) (string, error) {
	el := root.FindElement("//" + tag)
	if el == nil {
		return "", fmt.Errorf("malformed ebXML: no %s PartyId", tag)
	}
	pid := el.FindElement("PartyId")
	if pid == nil {
		return "", fmt.Errorf("malformed ebXML: %s element contains no PartyId", tag)
	}
	return pid.Text(), nil
}

// Serialise returns the header XML. For outbound headers the envelope is
// built on first use and cached; the timestamp is fixed at that point.
func (h *EbXmlHeader) Serialise() string {
	if h.serialisation != "" {
		return h.serialisation
	}
	if h.ConversationID == "" {
		h.ConversationID = h.MessageIDValue
	}
	h.Timestamp = time.Now().Format(ISO8601DateFormat)

	doc := etree.NewDocument()
	env := doc.CreateElement("SOAP:Envelope")
	env.CreateAttr("xmlns:SOAP", soapNS)
	env.CreateAttr("xmlns:eb", EbXmlNS)
	env.CreateAttr("xmlns:xlink", xlinkNS)

	hdr := env.CreateElement("SOAP:Header")
	mh := hdr.CreateElement("eb:MessageHeader")
	mh.CreateAttr("eb:version", "2.0")
	mh.CreateAttr("SOAP:mustUnderstand", "1")

	from := mh.CreateElement("eb:From")
	fp := from.CreateElement("eb:PartyId")
	fp.CreateAttr("eb:type", partyIDType)
	fp.SetText(h.FromPartyKey)

	to := mh.CreateElement("eb:To")
	tp := to.CreateElement("eb:PartyId")
	tp.CreateAttr("eb:type", partyIDType)
	tp.SetText(h.ToPartyKey)

	mh.CreateElement("eb:CPAId").SetText(h.CpaID)
	mh.CreateElement("eb:ConversationId").SetText(h.ConversationID)

	svc := mh.CreateElement("eb:Service")
	svc.CreateAttr("eb:type", "urn:nhs:names:service")
	svc.SetText(h.Service)
	mh.CreateElement("eb:Action").SetText(h.InteractionID)

	md := mh.CreateElement("eb:MessageData")
	md.CreateElement("eb:MessageId").SetText(h.MessageIDValue)
	md.CreateElement("eb:Timestamp").SetText(h.Timestamp)

	if h.DuplicateElimination {
		mh.CreateElement("eb:DuplicateElimination")
	}
	if h.AckRequested {
		ar := hdr.CreateElement("eb:AckRequested")
		ar.CreateAttr("eb:version", "2.0")
		ar.CreateAttr("SOAP:mustUnderstand", "1")
		ar.CreateAttr("SOAP:actor", h.SoapActor)
		ar.CreateAttr("eb:signed", "false")
	}
	if h.SyncReply {
		sr := hdr.CreateElement("eb:SyncReply")
		sr.CreateAttr("eb:version", "2.0")
		sr.CreateAttr("SOAP:mustUnderstand", "1")
		sr.CreateAttr("SOAP:actor", nextActor)
	}

	body := env.CreateElement("SOAP:Body")
	manifest := body.CreateElement("eb:Manifest")
	manifest.CreateAttr("eb:version", "2.0")
	if h.msg != nil {
		refs := etree.NewDocument()
		if err := refs.ReadFromString("<refs>" + h.msg.manifestReferences() + "</refs>"); err == nil && refs.Root() != nil {
			for _, child := range refs.Root().ChildElements() {
				manifest.AddChild(child.Copy())
			}
		}
	}

	doc.Indent(2)
	s, err := doc.WriteToString()
	if err != nil {
		// etree string writes cannot fail on an in-memory document; keep
		// the empty serialisation rather than panic.
		return ""
	}
	h.serialisation = s
	return h.serialisation
}

// MimeHeader returns the MIME sub-header block for the header part. For
// received messages this is the original block from the wire.
func (h *EbXmlHeader) MimeHeader() string {
	if h.mimeHeader == "" {
		h.mimeHeader = makeMimeHeader(h.contentID, ebxmlHeaderMimeType)
	}
	return h.mimeHeader
}

func (h *EbXmlHeader) MimeType() string { return ebxmlHeaderMimeType }

// EbXmlReference returns "" - the header contributes no manifest entry.
func (h *EbXmlHeader) EbXmlReference() string { return "" }
