package spine

import (
	"bytes"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hscic/go-spine/pkg/message"
)

// deliver plays one wire transmission into the listener over an in-memory
// connection and returns whatever came back.
func deliver(t *testing.T, l *Listener, wire []byte) string {
	t.Helper()
	client, server := net.Pipe()
	resp := make(chan string, 1)
	go func() {
		client.Write(wire)
		raw, _ := io.ReadAll(client)
		client.Close()
		resp <- string(raw)
	}()
	l.processMessage(server)
	select {
	case r := <-resp:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no response from listener")
		return ""
	}
}

func TestProcessMessageDeduplicates(t *testing.T) {
	cm := testManager(t)
	cm.persistDurations = map[string]time.Duration{
		"urn:nhs:names:services:psis:REPC_IN150016UK05": time.Hour,
	}
	m := reliableMessage(t)
	h := &countingHandler{}
	cm.AddHandler(m.SOAPAction(), h)

	var buf bytes.Buffer
	require.NoError(t, m.WriteTo(&buf))
	wire := buf.Bytes()

	first := deliver(t, cm.listener, wire)
	assert.Contains(t, first, "HTTP/1.1 202 OK")
	assert.Contains(t, first, "<eb:RefToMessageId>"+m.MessageID()+"</eb:RefToMessageId>")
	assert.Equal(t, 1, h.count())

	// The duplicate is acknowledged again but not dispatched again.
	second := deliver(t, cm.listener, wire)
	assert.Contains(t, second, "HTTP/1.1 202 OK")
	assert.Contains(t, second, "<eb:RefToMessageId>"+m.MessageID()+"</eb:RefToMessageId>")
	assert.Equal(t, 1, h.count())
}

func TestProcessMessageRedispatchesAfterWindow(t *testing.T) {
	cm := testManager(t)
	cm.persistDurations = map[string]time.Duration{
		"urn:nhs:names:services:psis:REPC_IN150016UK05": time.Hour,
	}
	m := reliableMessage(t)
	h := &countingHandler{}
	cm.AddHandler(m.SOAPAction(), h)

	var buf bytes.Buffer
	require.NoError(t, m.WriteTo(&buf))
	wire := buf.Bytes()

	// A recorded id whose window has already lapsed no longer counts as a
	// duplicate, even if the cleanup sweep has not removed it yet.
	l := cm.listener
	l.mu.Lock()
	l.receivedIds[m.MessageID()] = time.Now().Add(-time.Minute)
	l.mu.Unlock()

	deliver(t, l, wire)
	assert.Equal(t, 1, h.count())

	// The delivery started a fresh window.
	l.mu.Lock()
	exp := l.receivedIds[m.MessageID()]
	l.mu.Unlock()
	assert.True(t, exp.After(time.Now()))
}

func TestProcessMessageWithoutDeduplicationData(t *testing.T) {
	cm := testManager(t)
	require.Nil(t, cm.persistDurations)
	m := reliableMessage(t)
	h := &countingHandler{}
	cm.AddHandler(m.SOAPAction(), h)

	var buf bytes.Buffer
	require.NoError(t, m.WriteTo(&buf))
	wire := buf.Bytes()

	// Without persist duration data every delivery is dispatched.
	deliver(t, cm.listener, wire)
	deliver(t, cm.listener, wire)
	assert.Equal(t, 2, h.count())
}

func TestProcessMessageRegistersBareAck(t *testing.T) {
	cm := testManager(t)
	m := reliableMessage(t)
	id := m.MessageID()
	cm.mu.Lock()
	cm.requests[id] = m
	cm.mu.Unlock()

	body := "<SOAP:Envelope><eb:RefToMessageId>" + id + "</eb:RefToMessageId></SOAP:Envelope>"
	wire := "POST /reliablemessaging/intermediary HTTP/1.1\r\n" +
		"Host: mhs.example.nhs.uk\r\n" +
		"Content-Type: text/xml\r\n" +
		"SOAPAction: \"urn:urn:oasis:names:tc:ebxml-msg:service/Acknowledgment\"\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body

	deliver(t, cm.listener, []byte(wire))
	assert.False(t, cm.Pending(id))
}

func TestMakeSynchronousAck(t *testing.T) {
	cm := testManager(t)
	m := reliableMessage(t)
	m.Header.ConversationID = m.MessageID()

	ack := cm.listener.makeSynchronousAck(m)
	assert.Contains(t, ack, "HTTP/1.1 202 OK")
	assert.Contains(t, ack, "SOAPAction: urn:urn:oasis:names:tc:ebxml-msg:service/Acknowledgment")
	assert.Contains(t, ack, "<eb:RefToMessageId>"+m.MessageID()+"</eb:RefToMessageId>")
	// The acknowledgment goes back under the sender's party key, from ours.
	assert.Contains(t, ack, "XYZ-123456")

	// Without duplicate elimination and a synchronous reply the connection
	// is answered with an empty 202.
	m.Header.SyncReply = false
	assert.Equal(t, emptyResponse, cm.listener.makeSynchronousAck(m))
}

func TestCleanDeduplicationList(t *testing.T) {
	cm := testManager(t)
	l := cm.listener

	l.mu.Lock()
	l.receivedIds["expired"] = time.Now().Add(-time.Minute)
	l.receivedIds["live"] = time.Now().Add(time.Hour)
	l.mu.Unlock()

	l.cleanDeduplicationList()

	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.receivedIds["expired"]
	assert.False(t, ok)
	_, ok = l.receivedIds["live"]
	assert.True(t, ok)
}

func TestListenerNotStartedByDefault(t *testing.T) {
	cm := testManager(t)
	assert.False(t, cm.listener.Listening())
}

func TestSendNotificationDerivesOrganisation(t *testing.T) {
	cm := testManager(t)
	m := reliableMessage(t)
	m.Header.FromPartyKey = "nodash"

	// A party key without the organisation separator cannot be resolved;
	// the failure is logged and nothing is sent.
	cm.listener.sendNotification(m, func(d message.AckDetails) string {
		return message.BuildAck(d)
	})
}
