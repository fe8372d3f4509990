package sds

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

const (
	servicesRoot = "o=nhs"
	defaultPort  = 389
)

// directoryClient runs the two-stage endpoint query against the directory:
// nhsMHS records for the service and organisation, then nhsAS records per
// party key to enumerate ASIDs.
type directoryClient struct {
	server string
	port   int
	log    *slog.Logger
}

func (dc *directoryClient) dial() (*ldap.Conn, error) {
	conn, err := ldap.DialURL(fmt.Sprintf("ldap://%s:%d", dc.server, dc.port))
	if err != nil {
		return nil, fmt.Errorf("connecting to SDS at %s:%d: %w", dc.server, dc.port, err)
	}
	if err := conn.UnauthenticatedBind(""); err != nil {
		conn.Close()
		return nil, fmt.Errorf("anonymous bind to SDS: %w", err)
	}
	return conn, nil
}

// transmissionDetails queries the directory. A supplied asid is trusted
// as-is and suppresses the nhsAS stage; any Spine request made with a wrong
// one will simply fail downstream.
func (dc *directoryClient) transmissionDetails(svcIA, ods, asid, pk string) ([]*TransmissionDetails, error) {
	conn, err := dc.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	pkFilter := ""
	if pk != "" {
		pkFilter = fmt.Sprintf("(nhsMhsPartyKey=%s)", ldap.EscapeFilter(pk))
	}
	mhsFilter := fmt.Sprintf("(&(objectclass=nhsMHS)(nhsMHSSvcIA=%s)(nhsIDcode=%s)%s)",
		ldap.EscapeFilter(svcIA), ldap.EscapeFilter(ods), pkFilter)

	entries, err := dc.search(conn, mhsFilter, []string{"*"})
	if err != nil || entries == nil {
		return nil, err
	}

	var results []*TransmissionDetails
	for _, mhs := range entries {
		d := newTransmissionDetails(mhs)
		results = append(results, d)
		if asid != "" {
			d.Asid = append(d.Asid, asid)
			continue
		}
		asFilter := fmt.Sprintf("(&(objectclass=nhsAS)(nhsASSvcIA=%s)(nhsIDcode=%s)(nhsMhsPartyKey=%s))",
			ldap.EscapeFilter(svcIA), ldap.EscapeFilter(ods), ldap.EscapeFilter(firstAttr(mhs, attrPartyKey)))
		asEntries, err := dc.search(conn, asFilter, []string{"uniqueIdentifier"})
		if err != nil || asEntries == nil {
			// Already reported, leave the ASID list unpopulated.
			continue
		}
		for _, as := range asEntries {
			if id := firstAttr(as, "uniqueidentifier"); id != "" {
				d.Asid = append(d.Asid, id)
			}
		}
	}
	return results, nil
}

// search runs one subtree search, returning nil (not an error) for an empty
// result so callers can distinguish "no data" from "directory unreachable".
func (dc *directoryClient) search(conn *ldap.Conn, filter string, attrs []string) ([]map[string][]string, error) {
	req := ldap.NewSearchRequest(servicesRoot, ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases, 0, 0, false, filter, attrs, nil)
	res, err := conn.Search(req)
	if err != nil {
		dc.log.Error("SDS query request failed", "filter", filter, "error", err)
		return nil, fmt.Errorf("SDS query %s: %w", filter, err)
	}
	if len(res.Entries) == 0 {
		dc.log.Warn("SDS query returned no data", "filter", filter)
		return nil, nil
	}
	out := make([]map[string][]string, 0, len(res.Entries))
	for _, e := range res.Entries {
		entry := make(map[string][]string)
		for _, a := range e.Attributes {
			entry[strings.ToLower(a.Name)] = a.Values
		}
		out = append(out, entry)
	}
	return out, nil
}
