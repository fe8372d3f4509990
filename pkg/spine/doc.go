/*
Package spine implements the reliable messaging engine for the Spine
Transaction Messaging Service.

The ConnectionManager owns outbound messaging: reliable ebXML messages are
tracked in a pending table until acknowledged, persisted to disk so they
survive restarts, retried on a sweep timer within their contract's retry
budget, and expired once their persist duration passes. Synchronous SOAP
requests bypass all of that and deliver their response to a registered
handler.

The Listener owns inbound messaging: it accepts mutually-authenticated TLS
connections, answers synchronous acknowledgments on the open connection,
de-duplicates received messages by ebXML message id, dispatches to handlers
by SOAPAction, and returns asynchronous acknowledgments or MessageError
notifications where the sender's contract calls for them.
*/
package spine
