/*
Package message provides the Spine wire data model and codec.

A Spine message on the wire is an HTTP/1.1 POST whose body is a
multipart/related MIME structure: part 0 is the ebXML message header,
part 1 the HL7v3 payload, and any further parts are attachments. This
package implements bit-exact serialization and parsing of that format,
plus the three Sendable message variants:

  - EbXmlMessage: asynchronous "reliable" ebXML message
  - SpineSOAPRequest: synchronous SOAP query (never retried or persisted)
  - EbXmlAcknowledgment: asynchronous ebXML acknowledgment or error notification

Received acknowledgments and MessageError notifications arrive as bare
text/xml bodies rather than multipart messages; Decode recognises these and
returns the referenced message id instead of a parsed message.

Messages larger than MaxMessageSize (the Spine 5MB ceiling) cannot be sent:
the large-message split transmission mode is not implemented and encoding
fails with ErrLargeMessage.
*/
package message
