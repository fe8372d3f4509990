package message

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/hscic/go-spine/pkg/sds"
)

const wsaNS = "http://schemas.xmlsoap.org/ws/2004/08/addressing"

// SpineSOAPRequest is a synchronous Spine query. This message type is always
// synchronous so it is built for sending only, never assembled from an
// accepted stream, and it is neither tracked nor persisted.
type SpineSOAPRequest struct {
	details   *sds.TransmissionDetails
	hl7       *SpineHL7Message
	messageID string
	myAsid    string
	myIP      string
	state     RetryState
}

// NewSpineSOAPRequest constructs a synchronous query for sending. myIP is
// the local address advertised in the WS-Addressing headers; when empty the
// first non-loopback interface address is used.
func NewSpineSOAPRequest(d *sds.TransmissionDetails, m *SpineHL7Message, myAsid, myIP string, resolver interface{ ResolveURL(string) string }) (*SpineSOAPRequest, error) {
	if myIP == "" {
		var err error
		if myIP, err = localIP(); err != nil {
			return nil, err
		}
	}
	r := &SpineSOAPRequest{
		details:   d,
		hl7:       m,
		messageID: strings.ToUpper(uuid.NewString()),
		myAsid:    myAsid,
		myIP:      myIP,
		state:     NewRetryState(),
	}
	r.state.ResolvedURL = d.URL
	if resolver != nil {
		if u := resolver.ResolveURL(d.SvcIA); u != "" {
			r.state.ResolvedURL = u
		}
	}
	return r, nil
}

// localIP returns the first non-loopback interface address.
func localIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("enumerating local addresses: %w", err)
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String(), nil
		}
	}
	return "", errors.New("no non-localhost IP interfaces found")
}

func (r *SpineSOAPRequest) Type() int          { return TypeSOAP }
func (r *SpineSOAPRequest) MessageID() string  { return r.messageID }
func (r *SpineSOAPRequest) State() *RetryState { return &r.state }

func (r *SpineSOAPRequest) SOAPAction() string {
	return r.details.Service + "/" + r.details.InteractionID
}

func (r *SpineSOAPRequest) HL7Payload() string { return r.hl7.HL7Payload() }

func (r *SpineSOAPRequest) WriteTo(w io.Writer) error {
	body := r.serialiseBody()
	u, err := url.Parse(r.state.ResolvedURL)
	if err != nil {
		return fmt.Errorf("invalid resolved URL %q: %w", r.state.ResolvedURL, err)
	}
	var sb strings.Builder
	sb.WriteString("POST ")
	sb.WriteString(u.Path)
	sb.WriteString(" HTTP/1.1\r\nHost: ")
	sb.WriteString(u.Host)
	sb.WriteString("\r\nSOAPAction: \"")
	sb.WriteString(r.SOAPAction())
	sb.WriteString("\"\r\nContent-Length: ")
	sb.WriteString(strconv.Itoa(len(body)))
	sb.WriteString("\r\nContent-Type: text/xml; charset=utf-8\r\nConnection: close\r\n\r\n")
	sb.WriteString(body)
	_, err = io.WriteString(w, sb.String())
	return err
}

func (r *SpineSOAPRequest) serialiseBody() string {
	toAsid := ""
	if len(r.details.Asid) > 0 {
		toAsid = r.details.Asid[0]
	}
	var sb strings.Builder
	sb.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\r\n")
	sb.WriteString("<SOAP-ENV:Envelope xmlns:SOAP-ENV=\"" + soapNS + "\" xmlns:wsa=\"" + wsaNS + "\" xmlns:hl7=\"" + HL7v3NS + "\">\r\n")
	sb.WriteString("<SOAP-ENV:Header>\r\n")
	sb.WriteString("<wsa:MessageID>uuid:" + r.messageID + "</wsa:MessageID>\r\n")
	sb.WriteString("<wsa:Action>" + r.SOAPAction() + "</wsa:Action>\r\n")
	sb.WriteString("<wsa:To>" + r.state.ResolvedURL + "</wsa:To>\r\n")
	sb.WriteString("<wsa:From><wsa:Address>https://" + r.myIP + "</wsa:Address></wsa:From>\r\n")
	sb.WriteString("<hl7:communicationFunctionRcv>\r\n<hl7:device>\r\n")
	sb.WriteString("<hl7:id root=\"" + asidOIDRoot + "\" extension=\"" + toAsid + "\"/>\r\n")
	sb.WriteString("</hl7:device>\r\n</hl7:communicationFunctionRcv>\r\n")
	sb.WriteString("<hl7:communicationFunctionSnd>\r\n<hl7:device>\r\n")
	sb.WriteString("<hl7:id root=\"" + asidOIDRoot + "\" extension=\"" + r.myAsid + "\"/>\r\n")
	sb.WriteString("</hl7:device>\r\n</hl7:communicationFunctionSnd>\r\n")
	sb.WriteString("<wsa:ReplyTo>\r\n<wsa:Address>https://" + r.myIP + "</wsa:Address>\r\n</wsa:ReplyTo>\r\n")
	sb.WriteString("</SOAP-ENV:Header>\r\n")
	sb.WriteString("<SOAP-ENV:Body>\r\n")
	sb.WriteString(stripXMLDeclaration(r.hl7.Serialise()))
	sb.WriteString("\r\n</SOAP-ENV:Body>\r\n")
	sb.WriteString("</SOAP-ENV:Envelope>\r\n")
	return sb.String()
}
