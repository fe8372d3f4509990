package spine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hscic/go-spine/pkg/message"
)

// SpineHandler processes a received Spine message. Implementations are
// registered with the ConnectionManager against the SOAPAction the message
// is delivered under.
type SpineHandler interface {
	Handle(s message.Sendable) error
}

// SynchronousResponseHandler processes the synchronous response to a Spine
// SOAP request, registered against the SOAPAction of the outbound request.
type SynchronousResponseHandler interface {
	Handle(r *message.SpineSOAPRequest) error
}

// ExpiredMessageHandler is called when a reliable message exhausts its
// persist duration without being acknowledged, for any action beyond the
// default of logging it, saving the message and stopping retries.
type ExpiredMessageHandler interface {
	HandleExpiry(s message.Sendable) error
}

// fileSafeMessageID strips colons (e.g. from uuid:something) so a message id
// can be part of a file name.
func fileSafeMessageID(s string) string {
	return strings.ReplaceAll(s, ":", "")
}

// lastServiceURIElement returns the part of a SOAPAction after the
// service/interaction separator, or the whole action when there is none.
func lastServiceURIElement(s string) string {
	return s[strings.IndexByte(s, '/')+1:]
}

func spoolFileName(dir, soapAction, messageID string) string {
	return filepath.Join(dir, lastServiceURIElement(soapAction)+"_"+fileSafeMessageID(messageID)+".message")
}

// FileSaveSpineHandler writes the HL7 payload of a received message to the
// spool directory. It acts partly as an example and partly as the default
// for message types with no specific handler registered.
type FileSaveSpineHandler struct {
	Dir string
}

func (h *FileSaveSpineHandler) Handle(s message.Sendable) error {
	fn := spoolFileName(h.Dir, s.SOAPAction(), s.MessageID())
	if err := os.WriteFile(fn, []byte(s.HL7Payload()), 0o644); err != nil {
		return fmt.Errorf("saving message %s for %s: %w", s.MessageID(), s.SOAPAction(), err)
	}
	return nil
}

// FileSaveSynchronousResponseHandler writes the synchronous response body to
// the spool directory, named after the request it answers.
type FileSaveSynchronousResponseHandler struct {
	Dir string
}

func (h *FileSaveSynchronousResponseHandler) Handle(r *message.SpineSOAPRequest) error {
	fn := spoolFileName(h.Dir, r.SOAPAction(), r.MessageID())
	if err := os.WriteFile(fn, []byte(r.State().SynchronousResponse), 0o644); err != nil {
		return fmt.Errorf("saving response to %s for %s: %w", r.MessageID(), r.SOAPAction(), err)
	}
	return nil
}

// NullSynchronousResponseHandler does nothing, for callers that read the
// synchronous response off the request themselves.
type NullSynchronousResponseHandler struct{}

func (NullSynchronousResponseHandler) Handle(*message.SpineSOAPRequest) error { return nil }
