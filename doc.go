/*
Package spinetools implements a message handling service (MHS) adapter for
the NHS Spine transaction messaging service.

# Overview

spinetools sends and receives ebXML-wrapped HL7v3 messages over
mutually-authenticated TLS. Outbound "reliable" messages are persisted to
disk, retried on a bounded schedule, and correlated with synchronous or
asynchronous ebXML acknowledgments. Inbound messages are de-duplicated by
message id within their persist-duration window and dispatched to handlers
registered by SOAPAction.

# Package Structure

	pkg/message     - wire format: ebXML multipart codec, HL7v3 wrappers, acknowledgments
	pkg/sds         - SDS endpoint resolution, on-disk cache, URL overrides
	pkg/spine       - transmission engine, retry/expiry, inbound listener, handlers
	internal/config - YAML configuration
	cmd/spinemhs    - service entrypoint

# Quick Start

	sdsConn, err := sds.NewConnection(sds.Config{
		Server:     "ldap.spine.nhs.uk",
		CacheDir:   "/var/cache/spine/sds",
		MyAsid:     myAsid,
		MyPartyKey: myPartyKey,
	})
	if err != nil {
		log.Fatal(err)
	}
	cm, err := spine.NewConnectionManager(spine.Config{
		Certificate: cert,
		MessageDir:  "/var/spool/spine/messages",
		SDS:         sdsConn,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer cm.Close()

	details, err := sdsConn.TransmissionDetails(svcIA, odsCode, "", "")
	hl7 := message.NewSpineHL7Message(interactionID, payload)
	msg := message.NewEbXmlMessage(details[0], hl7, sdsConn.MyPartyKey(), sdsConn)
	err = cm.Send(msg, details[0])

See examples/basic for a complete sending application.

Messages that exceed the Spine 5MB ceiling are rejected: the "large message"
split transmission mode is not implemented.
*/
package spinetools
