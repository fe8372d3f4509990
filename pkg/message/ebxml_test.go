package message

import (
	"bytes"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hscic/go-spine/pkg/sds"
)

func testTransmissionDetails() *sds.TransmissionDetails {
	return &sds.TransmissionDetails{
		Org:                  "R1A",
		SvcIA:                "urn:nhs:names:services:psis:REPC_IN150016UK05",
		Service:              "urn:nhs:names:services:psis",
		InteractionID:        "REPC_IN150016UK05",
		PartyKey:             "SPINE-987654",
		CPAID:                "S2001919A2011852",
		URL:                  "https://msg.example.nhs.uk/reliablemessaging/reliablerequest",
		AckRequested:         "always",
		DuplicateElimination: "always",
		SyncReply:            "MSHSignalsOnly",
		SoapActor:            "urn:oasis:names:tc:ebxml-msg:actor:toPartyMSH",
		Retries:              2,
		RetryInterval:        10,
		PersistDuration:      3600,
	}
}

func TestParseMimeBoundary(t *testing.T) {
	tests := []struct {
		name  string
		ctype string
		want  string
		err   bool
	}{
		{"quoted", `multipart/related; boundary="--=_Next-Part"; type="text/xml"`, "----=_Next-Part", false},
		{"unquoted semicolon", `multipart/related; boundary=--=_Next-Part; type="text/xml"`, "----=_Next-Part", false},
		{"unquoted end of value", `multipart/related; boundary=--=_Next-Part`, "----=_Next-Part", false},
		{"no boundary", `text/xml`, "", false},
		{"embedded space", `multipart/related; boundary=--=_Next Part`, "", true},
		{"space before equals", `multipart/related; boundary =--=_Next-Part`, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseMimeBoundary(tc.ctype)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEbXmlMessageRoundTrip(t *testing.T) {
	d := testTransmissionDetails()
	hl7 := NewSpineHL7Message("REPC_IN150016UK05", "<payload><content>event</content></payload>")
	hl7.MyAsid = "200000000001"
	hl7.ToAsid = "200000000002"
	m := NewEbXmlMessage(d, hl7, "XYZ-123456", nil)
	m.Attachments = append(m.Attachments, NewGeneralAttachment("text/plain", "supporting notes"))

	var buf bytes.Buffer
	require.NoError(t, m.WriteTo(&buf))

	res, err := Decode(&buf)
	require.NoError(t, err)
	require.NotNil(t, res.Message)
	got := res.Message

	assert.Equal(t, m.MessageID(), got.MessageID())
	assert.Equal(t, "XYZ-123456", got.Header.FromPartyKey)
	assert.Equal(t, "SPINE-987654", got.Header.ToPartyKey)
	assert.Equal(t, "S2001919A2011852", got.Header.CpaID)
	assert.Equal(t, d.SvcIA, got.Header.SvcIA())
	assert.Equal(t, m.SOAPAction(), got.SOAPAction())
	assert.True(t, got.Header.DuplicateElimination)
	assert.True(t, got.Header.AckRequested)
	assert.True(t, got.Header.SyncReply)

	// The conversation id defaults to the message id on first serialisation.
	assert.Equal(t, m.MessageID(), got.Header.ConversationID)

	assert.Equal(t, hl7.MessageID(), got.HL7.MessageID())
	assert.Equal(t, "REPC_IN150016UK05", got.HL7.InteractionID)
	assert.Equal(t, "200000000001", got.HL7.FromAsid())
	assert.Equal(t, "200000000002", got.HL7.ToAsid)
	assert.Equal(t, strings.TrimSpace(hl7.Serialise()), got.HL7.HL7Payload())

	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "text/plain", got.Attachments[0].MimeType())
	assert.Equal(t, "supporting notes", got.Attachments[0].Serialise())

	// A received message counts as one try at the declared timestamp.
	assert.Equal(t, 1, got.State().Tries())
	assert.Equal(t, "msg.example.nhs.uk", got.Host())
}

func TestEbXmlMessageRetrySettings(t *testing.T) {
	d := testTransmissionDetails()
	hl7 := NewSpineHL7Message("REPC_IN150016UK05", "<payload/>")
	m := NewEbXmlMessage(d, hl7, "XYZ-123456", nil)

	assert.Equal(t, 2, m.State().RetryCount)
	assert.Equal(t, 10, m.State().RetryInterval)
	assert.Equal(t, 3600, m.State().PersistDuration)
	assert.Equal(t, "R1A", m.State().OdsCode)
	assert.Equal(t, d.URL, m.State().ResolvedURL)
	assert.True(t, m.Persistable())

	d.Retries = sds.NotSet
	m = NewEbXmlMessage(d, hl7, "XYZ-123456", nil)
	assert.Equal(t, NotSet, m.State().RetryCount)
	assert.False(t, m.Persistable())
}

type fixedResolver string

func (r fixedResolver) ResolveURL(string) string { return string(r) }

func TestEbXmlMessageURLOverride(t *testing.T) {
	d := testTransmissionDetails()
	hl7 := NewSpineHL7Message("REPC_IN150016UK05", "<payload/>")
	m := NewEbXmlMessage(d, hl7, "XYZ-123456", fixedResolver("https://override.example/path"))
	assert.Equal(t, "https://override.example/path", m.State().ResolvedURL)

	m = NewEbXmlMessage(d, hl7, "XYZ-123456", fixedResolver(""))
	assert.Equal(t, d.URL, m.State().ResolvedURL)
}

func TestWriteToRejectsOversizeBody(t *testing.T) {
	d := testTransmissionDetails()
	hl7 := NewSpineHL7Message("REPC_IN150016UK05", strings.Repeat("A", MaxMessageSize))
	m := NewEbXmlMessage(d, hl7, "XYZ-123456", nil)

	var buf bytes.Buffer
	err := m.WriteTo(&buf)
	require.ErrorIs(t, err, ErrLargeMessage)
	assert.Zero(t, buf.Len())
}

func bareNotification(soapAction, body string) string {
	var sb strings.Builder
	sb.WriteString("POST /reliablemessaging/intermediary HTTP/1.1\r\n")
	sb.WriteString("Host: mhs.example.nhs.uk\r\n")
	sb.WriteString("Content-Type: text/xml\r\n")
	sb.WriteString("SOAPAction: " + soapAction + "\r\n")
	sb.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n")
	sb.WriteString(body)
	return sb.String()
}

func TestDecodeBareAcknowledgment(t *testing.T) {
	body := "<SOAP:Envelope><eb:RefToMessageId>ABCD-1234</eb:RefToMessageId></SOAP:Envelope>"
	wire := bareNotification(`"urn:urn:oasis:names:tc:ebxml-msg:service/Acknowledgment"`, body)

	res, err := Decode(strings.NewReader(wire))
	require.NoError(t, err)
	assert.Nil(t, res.Message)
	assert.Equal(t, "ABCD-1234", res.AckedMessageID)
	assert.False(t, res.IsError)
	assert.Equal(t, body, res.Body)
}

func TestDecodeBareMessageError(t *testing.T) {
	body := "<SOAP:Envelope><eb:RefToMessageId>ABCD-1234</eb:RefToMessageId></SOAP:Envelope>"
	wire := bareNotification("urn:oasis:names:tc:ebxml-msg:service/MessageError", body)

	res, err := Decode(strings.NewReader(wire))
	require.NoError(t, err)
	assert.Nil(t, res.Message)
	assert.Equal(t, "ABCD-1234", res.AckedMessageID)
	assert.True(t, res.IsError)
}

func TestDecodeRejectsMissingHeaders(t *testing.T) {
	wire := "POST /x HTTP/1.1\r\nHost: h\r\nContent-Length: 0\r\n\r\n"
	_, err := Decode(strings.NewReader(wire))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Content-Type")
}

func TestRecordTryWithoutBudget(t *testing.T) {
	st := NewRetryState()
	for i := 0; i < 5; i++ {
		assert.True(t, st.RecordTry())
	}
	assert.Equal(t, 0, st.Tries())
}

func TestRecordTryExhaustsBudget(t *testing.T) {
	st := NewRetryState()
	st.RetryCount = 2
	assert.True(t, st.RecordTry())
	assert.True(t, st.RecordTry())
	assert.False(t, st.RecordTry())
	assert.Equal(t, 3, st.Tries())
}

func TestDueForRetry(t *testing.T) {
	st := NewRetryState()
	st.RetryInterval = 10

	// Never tried: the first attempt is still in flight.
	assert.False(t, st.DueForRetry(time.Now()))

	st.RetryCount = 3
	require.True(t, st.RecordTry())
	assert.False(t, st.DueForRetry(st.LastTry.Add(5*time.Second)))
	assert.True(t, st.DueForRetry(st.LastTry.Add(10*time.Second)))
}

func TestAckedMessageID(t *testing.T) {
	assert.Equal(t, "AB-12", AckedMessageID("<eb:RefToMessageId>AB-12</eb:RefToMessageId>"))
	assert.Equal(t, "", AckedMessageID("<eb:MessageId>AB-12</eb:MessageId>"))
	assert.Equal(t, "", AckedMessageID("<eb:RefToMessageId>AB-12"))
}

func TestBuildAck(t *testing.T) {
	body := BuildAck(AckDetails{
		FromPartyKey: "ABC-111111",
		ToPartyKey:   "XYZ-123456",
		CpaID:        "S2001919A2011852",
		Conversation: "CONV-1",
		RefToID:      "MSG-1",
	})
	assert.Contains(t, body, "<eb:RefToMessageId>MSG-1</eb:RefToMessageId>")
	assert.Contains(t, body, "urn:oasis:names:tc:ebxml-msg:actor:toPartyMSH")
	assert.Contains(t, body, "<eb:Action>Acknowledgment</eb:Action>")
	assert.Contains(t, body, "<eb:CPAId>S2001919A2011852</eb:CPAId>")
	assert.Equal(t, "MSG-1", AckedMessageID(body))
}

func TestBuildMessageError(t *testing.T) {
	body := BuildMessageError(AckDetails{
		FromPartyKey: "ABC-111111",
		ToPartyKey:   "XYZ-123456",
		Conversation: "CONV-1",
		RefToID:      "MSG-1",
	}, "processing failed")
	assert.Contains(t, body, "<eb:Action>MessageError</eb:Action>")
	assert.Contains(t, body, `eb:errorCode="DeliveryFailure"`)
	assert.Contains(t, body, "processing failed")
	assert.Equal(t, "MSG-1", AckedMessageID(body))
}

func TestEbXmlAcknowledgmentWriteTo(t *testing.T) {
	ack := NewEbXmlAcknowledgment("<ack/>")
	ack.SetHost("mhs.example.nhs.uk")

	var buf bytes.Buffer
	require.NoError(t, ack.WriteTo(&buf))
	wire := buf.String()

	assert.True(t, strings.HasPrefix(wire, "POST /reliablemessaging/intermediary HTTP/1.1\r\n"))
	assert.Contains(t, wire, "Host: mhs.example.nhs.uk\r\n")
	assert.Contains(t, wire, "Content-Length: 6\r\n")
	assert.Contains(t, wire, "SOAPAction: urn:urn:oasis:names:tc:ebxml-msg:service/Acknowledgment\r\n")
	assert.True(t, strings.HasSuffix(wire, "\r\n\r\n<ack/>"))
	assert.Equal(t, TypeAck, ack.Type())
	assert.Equal(t, "", ack.MessageID())
}
