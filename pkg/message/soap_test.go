package message

import (
	"bytes"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hscic/go-spine/pkg/sds"
)

func soapTransmissionDetails() *sds.TransmissionDetails {
	return &sds.TransmissionDetails{
		Org:             "R1A",
		SvcIA:           "urn:nhs:names:services:pdsquery:QUPA_IN000006UK02",
		Service:         "urn:nhs:names:services:pdsquery",
		InteractionID:   "QUPA_IN000006UK02",
		PartyKey:        "SPINE-987654",
		URL:             "https://pds.example.nhs.uk/sync-service",
		Asid:            []string{"928942012545"},
		Retries:         sds.NotSet,
		RetryInterval:   sds.NotSet,
		PersistDuration: sds.NotSet,
	}
}

func TestSpineSOAPRequestWriteTo(t *testing.T) {
	d := soapTransmissionDetails()
	hl7 := NewSpineHL7Message("QUPA_IN000006UK02", "<queryByParameter/>")
	hl7.MyAsid = "200000000001"
	hl7.ToAsid = "928942012545"

	r, err := NewSpineSOAPRequest(d, hl7, "200000000001", "192.168.7.20", nil)
	require.NoError(t, err)
	assert.Equal(t, TypeSOAP, r.Type())
	assert.Equal(t, d.Service+"/"+d.InteractionID, r.SOAPAction())

	var buf bytes.Buffer
	require.NoError(t, r.WriteTo(&buf))
	wire := buf.String()

	assert.True(t, strings.HasPrefix(wire, "POST /sync-service HTTP/1.1\r\n"))
	assert.Contains(t, wire, "Host: pds.example.nhs.uk\r\n")
	assert.Contains(t, wire, "SOAPAction: \""+r.SOAPAction()+"\"\r\n")
	assert.Contains(t, wire, "Content-Type: text/xml; charset=utf-8\r\n")

	assert.Contains(t, wire, "<wsa:MessageID>uuid:"+r.MessageID()+"</wsa:MessageID>")
	assert.Contains(t, wire, "<wsa:To>"+d.URL+"</wsa:To>")
	assert.Contains(t, wire, "<wsa:Address>https://192.168.7.20</wsa:Address>")
	assert.Contains(t, wire, `extension="928942012545"`)
	assert.Contains(t, wire, "<queryByParameter/>")

	// The declared length covers exactly the serialised body.
	headerEnd := strings.Index(wire, "\r\n\r\n")
	require.NotEqual(t, -1, headerEnd)
	body := wire[headerEnd+4:]
	assert.Contains(t, wire, "Content-Length: "+strconv.Itoa(len(body))+"\r\n")
}

func TestSpineSOAPRequestURLOverride(t *testing.T) {
	d := soapTransmissionDetails()
	hl7 := NewSpineHL7Message("QUPA_IN000006UK02", "<queryByParameter/>")
	r, err := NewSpineSOAPRequest(d, hl7, "200000000001", "192.168.7.20", fixedResolver("https://override.example/pds"))
	require.NoError(t, err)
	assert.Equal(t, "https://override.example/pds", r.State().ResolvedURL)
}
