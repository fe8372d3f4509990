package spine

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hscic/go-spine/pkg/message"
)

const (
	defaultListenAddr = "0.0.0.0"
	defaultListenPort = 443

	emptyResponse = "HTTP/1.1 202 OK\r\nContent-Length: 0\r\nConnection: close\r\nContent-Type: text/xml\r\n\r\n"

	syncAckHeader = "HTTP/1.1 202 OK\r\nContent-Length: %d\r\nConnection: close\r\nContent-Type: text/xml\r\nSOAPAction: urn:urn:oasis:names:tc:ebxml-msg:service/Acknowledgment\r\n\r\n"
)

// Listener accepts mutually-authenticated connections inbound from TMS,
// de-duplicates received ebXML messages, returns acknowledgments, and hands
// messages off to the ConnectionManager for processing.
type Listener struct {
	cm   *ConnectionManager
	addr string
	port int

	mu sync.Mutex
	ln net.Listener
	// Received ebXML message ids and their de-duplication expiry times.
	receivedIds map[string]time.Time
	cleaning    bool

	wg sync.WaitGroup
}

func newListener(cm *ConnectionManager, addr string, port int) *Listener {
	if addr == "" {
		addr = defaultListenAddr
	}
	if port == 0 {
		port = defaultListenPort
	}
	return &Listener{
		cm:          cm,
		addr:        addr,
		port:        port,
		receivedIds: make(map[string]time.Time),
	}
}

// Listening reports whether the accept loop is active.
func (l *Listener) Listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ln != nil
}

// start binds the listening socket and runs the accept loop in its own
// goroutine. Starting an already-started listener does nothing.
func (l *Listener) start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return nil
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{l.cm.cfg.Certificate},
		// TODO: require and verify the client certificate against the
		// Spine CAs once a bundle is reliably available at deployment.
		ClientAuth: tls.RequestClientCert,
	}
	ln, err := tls.Listen("tcp", net.JoinHostPort(l.addr, strconv.Itoa(l.port)), cfg)
	if err != nil {
		return fmt.Errorf("starting Spine listener on %s:%d: %w", l.addr, l.port, err)
	}
	l.ln = ln
	l.wg.Add(1)
	go l.acceptLoop(ln)
	return nil
}

func (l *Listener) stop() error {
	l.mu.Lock()
	ln := l.ln
	l.ln = nil
	l.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	l.wg.Wait()
	return err
}

func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !l.Listening() {
				return
			}
			l.cm.log.Error("error accepting Spine connection", "error", err)
			continue
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.processMessage(conn)
		}()
	}
}

// processMessage handles one inbound connection: read the message, return
// any synchronous acknowledgment, de-duplicate, dispatch, and return any
// asynchronous acknowledgment. Received ids are only logged in memory; if
// the node goes down between retries of a long-duration interaction the
// duplicate goes undetected, which HL7-level de-duplication is supposed to
// catch anyway.
func (l *Listener) processMessage(conn net.Conn) {
	defer conn.Close()

	res, err := message.Decode(conn)
	if err != nil {
		l.cm.log.Error("error receiving message", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	if res.Message == nil {
		// Bare acknowledgment or MessageError notification.
		if res.IsError {
			l.cm.log.Error("ebXML MessageError received", "refToMessageId", res.AckedMessageID, "body", res.Body)
		}
		l.cm.RegisterAck(res.AckedMessageID)
		return
	}
	msg := res.Message

	if _, err := conn.Write([]byte(l.makeSynchronousAck(msg))); err != nil {
		l.cm.log.Error("error returning synchronous acknowledgment",
			"messageId", msg.MessageID(), "error", err)
		l.asynchronousNack(msg, "acknowledgment could not be returned")
		return
	}
	conn.Close()

	if l.cm.persistDurations == nil {
		// No de-duplication data: always dispatch.
		l.cm.receive(msg)
		l.asynchronousAck(msg)
		return
	}

	id := msg.MessageID()
	l.mu.Lock()
	exp, recorded := l.receivedIds[id]
	// An entry that has outlived its window no longer suppresses dispatch,
	// even before the sweep gets around to removing it.
	seen := recorded && time.Now().Before(exp)
	if !seen {
		if d, ok := l.cm.persistDurations[msg.Header.SvcIA()]; ok {
			l.receivedIds[id] = time.Now().Add(d)
		}
		// A type with no persist duration entry is dispatched without
		// being recorded.
	}
	l.mu.Unlock()

	if !seen {
		l.cm.receive(msg)
	}
	// A duplicate still gets its acknowledgment, but nothing else.
	l.asynchronousAck(msg)
}

// makeSynchronousAck decides how the open connection is answered: a 202
// carrying an ebXML acknowledgment when the sender asked for duplicate
// elimination with a synchronous reply, an empty 202 otherwise.
func (l *Listener) makeSynchronousAck(msg *message.EbXmlMessage) string {
	if !msg.Header.DuplicateElimination || !msg.Header.SyncReply {
		return emptyResponse
	}
	ack := message.BuildAck(message.AckDetails{
		FromPartyKey: msg.Header.FromPartyKey,
		ToPartyKey:   l.cm.sds.MyPartyKey(),
		CpaID:        msg.Header.CpaID,
		Conversation: msg.Header.ConversationID,
		RefToID:      msg.MessageID(),
	})
	return fmt.Sprintf(syncAckHeader, len(ack)) + ack
}

// asynchronousAck returns an acknowledgment in a connection of its own,
// owed when the sender asked for duplicate elimination without a
// synchronous reply. The acknowledgment endpoint is resolved from the
// directory for the sender's party key.
func (l *Listener) asynchronousAck(msg *message.EbXmlMessage) {
	if !msg.Header.DuplicateElimination || msg.Header.SyncReply {
		return
	}
	l.sendNotification(msg, func(d message.AckDetails) string {
		return message.BuildAck(d)
	})
}

// asynchronousNack reports a processing failure with an ebXML MessageError,
// sent exactly like an asynchronous acknowledgment and only when one would
// have been owed.
func (l *Listener) asynchronousNack(msg *message.EbXmlMessage, description string) {
	if msg.Header == nil || !msg.Header.DuplicateElimination || msg.Header.SyncReply {
		return
	}
	l.sendNotification(msg, func(d message.AckDetails) string {
		return message.BuildMessageError(d, description)
	})
}

func (l *Listener) sendNotification(msg *message.EbXmlMessage, build func(message.AckDetails) string) {
	from := msg.Header.FromPartyKey
	dash := strings.IndexByte(from, '-')
	if dash == -1 {
		l.cm.log.Error("cannot derive organisation from party key", "partyKey", from)
		return
	}
	details, err := l.cm.sds.TransmissionDetails(message.AckService, from[:dash], "", from)
	if err != nil || len(details) == 0 {
		l.cm.log.Error("cannot resolve acknowledgment endpoint",
			"partyKey", from, "error", err)
		return
	}
	body := build(message.AckDetails{
		FromPartyKey: from,
		ToPartyKey:   l.cm.sds.MyPartyKey(),
		CpaID:        details[0].CPAID,
		Conversation: msg.Header.ConversationID,
		RefToID:      msg.MessageID(),
	})
	ack := message.NewEbXmlAcknowledgment(body)
	target := details[0].URL
	if u := l.cm.sds.ResolveURL(message.AckService); u != "" {
		target = u
	}
	ack.State().ResolvedURL = target
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		ack.SetHost(u.Host)
	} else {
		ack.SetHost(target)
	}
	if err := l.cm.Send(ack, details[0]); err != nil {
		l.cm.log.Error("failed to send asynchronous acknowledgment",
			"refToMessageId", msg.MessageID(), "error", err)
	}
}

// cleanDeduplicationList removes expired entries from the received id list.
// Called from the retry sweep; re-entrant calls while a clean is already
// running return immediately.
func (l *Listener) cleanDeduplicationList() {
	l.mu.Lock()
	if l.cleaning {
		l.mu.Unlock()
		return
	}
	l.cleaning = true
	now := time.Now()
	var expired []string
	for id, exp := range l.receivedIds {
		if now.After(exp) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(l.receivedIds, id)
	}
	l.cleaning = false
	l.mu.Unlock()
}
