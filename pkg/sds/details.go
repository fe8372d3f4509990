package sds

import (
	"strconv"
	"strings"
)

// NotSet marks retry parameters the directory did not supply.
const NotSet = -1

// Directory attribute names, lower-cased the way search results report them.
const (
	attrIDCode          = "nhsidcode"
	attrPartyKey        = "nhsmhspartykey"
	attrCPAID           = "nhsmhscpaid"
	attrInteraction     = "nhsmhsin"
	attrSvcIA           = "nhsmhssvcia"
	attrService         = "nhsmhssn"
	attrAckRequested    = "nhsmhsackrequested"
	attrSyncReply       = "nhsmhssyncreplymode"
	attrSoapActor       = "nhsmhsactor"
	attrDupElimination  = "nhsmhsduplicateelimination"
	attrEndpoint        = "nhsmhsendpoint"
	attrRetries         = "nhsmhsretries"
	attrRetryInterval   = "nhsmhsretryinterval"
	attrPersistDuration = "nhsmhspersistduration"
)

// TransmissionDetails is the endpoint and contract-properties record for one
// (service-interaction, recipient MHS) pairing. Instances come from directory
// query results or from JSON files in the local cache.
type TransmissionDetails struct {
	Org           string `json:"org"`
	SvcIA         string `json:"svcIA"`
	Service       string `json:"service"`
	InteractionID string `json:"interactionId"`
	PartyKey      string `json:"partyKey"`
	CPAID         string `json:"cpaId"`
	URL           string `json:"url"`

	// ASIDs of the end systems behind the MHS.
	Asid []string `json:"asid,omitempty"`

	// Contract properties as directory strings: AckRequested and
	// DuplicateElimination are "always"/"never", SyncReply is a mode name.
	// Absent for synchronous interactions.
	AckRequested         string `json:"ackRequested,omitempty"`
	DuplicateElimination string `json:"duplicateElimination,omitempty"`
	SyncReply            string `json:"syncReply,omitempty"`
	SoapActor            string `json:"soapActor,omitempty"`

	Retries         int `json:"retries"`
	RetryInterval   int `json:"retryInterval"`
	PersistDuration int `json:"persistDuration"`
}

// newTransmissionDetails builds a record from an nhsMHS entry's attributes.
// Retry parameters stay at NotSet for non-retryable entries.
func newTransmissionDetails(attrs map[string][]string) *TransmissionDetails {
	d := &TransmissionDetails{
		Org:                  firstAttr(attrs, attrIDCode),
		PartyKey:             firstAttr(attrs, attrPartyKey),
		CPAID:                firstAttr(attrs, attrCPAID),
		InteractionID:        firstAttr(attrs, attrInteraction),
		SvcIA:                firstAttr(attrs, attrSvcIA),
		Service:              firstAttr(attrs, attrService),
		AckRequested:         firstAttr(attrs, attrAckRequested),
		SyncReply:            firstAttr(attrs, attrSyncReply),
		SoapActor:            firstAttr(attrs, attrSoapActor),
		DuplicateElimination: firstAttr(attrs, attrDupElimination),
		URL:                  firstAttr(attrs, attrEndpoint),
		Retries:              NotSet,
		RetryInterval:        NotSet,
		PersistDuration:      NotSet,
	}
	if r, err := strconv.Atoi(firstAttr(attrs, attrRetries)); err == nil {
		d.Retries = r
		d.RetryInterval = ISO8601DurationSeconds(firstAttr(attrs, attrRetryInterval))
		d.PersistDuration = ISO8601DurationSeconds(firstAttr(attrs, attrPersistDuration))
	}
	return d
}

func firstAttr(attrs map[string][]string, name string) string {
	if v := attrs[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// IsSynchronous reports whether the interaction gets its response on the
// same connection, rather than by asynchronous ebXML messaging.
func (d *TransmissionDetails) IsSynchronous() bool {
	return d.SyncReply == "" || strings.TrimSpace(strings.ToLower(d.SyncReply)) == "none"
}

// ISO8601DurationSeconds converts a directory duration such as "PT30S" or
// "PT2H" to seconds. Only time components are understood; the scan runs
// right to left and stops at the date/time separator.
func ISO8601DurationSeconds(d string) int {
	seconds := 0
	multiplier := 1
	for i := len(d) - 1; i >= 0; i-- {
		c := d[i]
		if c >= '0' && c <= '9' {
			seconds += int(c-'0') * multiplier
			multiplier *= 10
			continue
		}
		switch c {
		case 'S':
			multiplier = 1
		case 'M':
			multiplier = 60
		case 'H':
			multiplier = 3600
		case 'T':
			return seconds
		}
	}
	return seconds
}
