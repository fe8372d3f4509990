package spine

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hscic/go-spine/pkg/message"
	"github.com/hscic/go-spine/pkg/sds"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func reliableDetails() *sds.TransmissionDetails {
	return &sds.TransmissionDetails{
		Org:                  "R1A",
		SvcIA:                "urn:nhs:names:services:psis:REPC_IN150016UK05",
		Service:              "urn:nhs:names:services:psis",
		InteractionID:        "REPC_IN150016UK05",
		PartyKey:             "SPINE-987654",
		CPAID:                "S2001919A2011852",
		URL:                  "https://msg.example.nhs.uk/reliablemessaging/reliablerequest",
		Asid:                 []string{"200000000002"},
		AckRequested:         "always",
		DuplicateElimination: "always",
		SyncReply:            "MSHSignalsOnly",
		SoapActor:            "urn:oasis:names:tc:ebxml-msg:actor:toPartyMSH",
		Retries:              2,
		RetryInterval:        10,
		PersistDuration:      3600,
	}
}

func reliableMessage(t *testing.T) *message.EbXmlMessage {
	t.Helper()
	hl7 := message.NewSpineHL7Message("REPC_IN150016UK05", "<payload><content>event</content></payload>")
	hl7.MyAsid = "200000000001"
	hl7.ToAsid = "200000000002"
	return message.NewEbXmlMessage(reliableDetails(), hl7, "XYZ-123456", nil)
}

// seedSDSCache writes a transmission detail straight into an on-disk SDS
// cache, the way a previous directory query would have left it.
func seedSDSCache(t *testing.T, dir string, d *sds.TransmissionDetails) {
	t.Helper()
	svcDir := filepath.Join(dir, strings.ReplaceAll(d.SvcIA, ":", "="))
	require.NoError(t, os.MkdirAll(svcDir, 0o755))
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(svcDir, d.PartyKey), raw, 0o644))
}

func testManager(t *testing.T) *ConnectionManager {
	t.Helper()
	return testManagerWithCache(t, t.TempDir())
}

func testManagerWithCache(t *testing.T, cacheDir string) *ConnectionManager {
	t.Helper()
	conn, err := sds.NewConnection(sds.Config{
		CacheDir:   cacheDir,
		MyAsid:     "200000000001",
		MyPartyKey: "XYZ-123456",
		Logger:     discardLogger(),
	})
	require.NoError(t, err)
	cm, err := NewConnectionManager(Config{
		SDS:        conn,
		Logger:     discardLogger(),
		MessageDir: t.TempDir(),
		ExpiredDir: t.TempDir(),
		SpoolDir:   t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { cm.Close() })
	return cm
}

func TestLoadPersistDurations(t *testing.T) {
	file := filepath.Join(t.TempDir(), "persistDurations.txt")
	content := "urn:nhs:names:services:psis:REPC_IN150016UK05\tPT1H\n" +
		"\n" +
		"urn:nhs:names:services:ebs:PRSC_IN080000UK07\tPT30S\n"
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))

	pd, err := loadPersistDurations(file)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, pd["urn:nhs:names:services:psis:REPC_IN150016UK05"])
	assert.Equal(t, 30*time.Second, pd["urn:nhs:names:services:ebs:PRSC_IN080000UK07"])

	_, err = loadPersistDurations("")
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte("no-tab-here\n"), 0o644))
	_, err = loadPersistDurations(bad)
	assert.Error(t, err)
}

func TestPersistDurationUnknownType(t *testing.T) {
	cm := testManager(t)
	cm.persistDurations = map[string]time.Duration{"svc:ia": time.Hour}
	assert.Equal(t, time.Hour, cm.PersistDuration("svc:ia"))
	assert.Equal(t, time.Duration(0), cm.PersistDuration("svc:other"))
}

func TestPersistIsIdempotent(t *testing.T) {
	cm := testManager(t)
	m := reliableMessage(t)

	cm.persist(m)
	fn := filepath.Join(cm.cfg.MessageDir, "R1A_"+m.MessageID())
	raw, err := os.ReadFile(fn)
	require.NoError(t, err)
	assert.True(t, m.Persisted())

	// The persisted copy is the exact wire form.
	var buf bytes.Buffer
	require.NoError(t, m.WriteTo(&buf))
	assert.Equal(t, buf.String(), string(raw))

	// Once persisted, nothing is written again.
	require.NoError(t, os.Remove(fn))
	cm.persist(m)
	_, err = os.Stat(fn)
	assert.True(t, os.IsNotExist(err))
}

func TestRegisterAckSettlesRequest(t *testing.T) {
	cm := testManager(t)
	m := reliableMessage(t)
	id := m.MessageID()

	cm.mu.Lock()
	cm.requests[id] = m
	cm.mu.Unlock()
	cm.persist(m)
	require.True(t, cm.Pending(id))

	cm.RegisterAck(id)
	assert.False(t, cm.Pending(id))
	_, err := os.Stat(filepath.Join(cm.cfg.MessageDir, "R1A_"+id))
	assert.True(t, os.IsNotExist(err))

	// Unknown ids are tolerated.
	cm.RegisterAck("NOT-A-KNOWN-ID")
	cm.RegisterAck("")
}

func TestProcessRetriesExpiresOldMessages(t *testing.T) {
	cm := testManager(t)
	m := reliableMessage(t)
	st := m.State()
	st.Started = time.Now().Add(-2 * time.Hour)
	st.PersistDuration = 3600

	cm.mu.Lock()
	cm.requests[m.MessageID()] = m
	cm.mu.Unlock()

	cm.processRetries()
	assert.False(t, cm.Pending(m.MessageID()))

	_, err := os.Stat(filepath.Join(cm.cfg.ExpiredDir, m.MessageID()+".msg"))
	assert.NoError(t, err)
}

func TestProcessRetriesSkipsNeverTried(t *testing.T) {
	cm := testManager(t)
	m := reliableMessage(t)

	cm.mu.Lock()
	cm.requests[m.MessageID()] = m
	cm.mu.Unlock()

	// First attempt still in flight: not expired, not retransmitted.
	cm.processRetries()
	assert.True(t, cm.Pending(m.MessageID()))
	assert.Equal(t, 0, m.State().Tries())
}

type countingExpiryHandler struct {
	mu sync.Mutex
	n  int
}

func (h *countingExpiryHandler) HandleExpiry(message.Sendable) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.n++
	return nil
}

func (h *countingExpiryHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

func TestExpireRunsRegisteredHandler(t *testing.T) {
	cm := testManager(t)
	m := reliableMessage(t)
	h := &countingExpiryHandler{}
	cm.AddExpiryHandler(m.SOAPAction(), h)

	cm.expire(m)
	assert.Equal(t, 1, h.count())
}

func TestExpiryRunsOnceWhenRaced(t *testing.T) {
	// The retry sweep and an in-flight transmission can both decide the same
	// message is spent. Only the caller that actually removed it expires it.
	cm := testManager(t)
	m := reliableMessage(t)
	h := &countingExpiryHandler{}
	cm.AddExpiryHandler(m.SOAPAction(), h)

	cm.mu.Lock()
	cm.requests[m.MessageID()] = m
	cm.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cm.removeRequest(m) {
				cm.expire(m)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, h.count())
}

func TestLoadPersistedMessages(t *testing.T) {
	cacheDir := t.TempDir()
	seedSDSCache(t, cacheDir, reliableDetails())
	cm := testManagerWithCache(t, cacheDir)
	cm.persistDurations = map[string]time.Duration{
		"urn:nhs:names:services:psis:REPC_IN150016UK05": time.Hour,
	}

	m := reliableMessage(t)
	fn := filepath.Join(cm.cfg.MessageDir, "R1A_"+m.MessageID())
	f, err := os.Create(fn)
	require.NoError(t, err)
	require.NoError(t, m.WriteTo(f))
	require.NoError(t, f.Close())

	cm.LoadPersistedMessages()
	require.True(t, cm.Pending(m.MessageID()))

	cm.mu.Lock()
	loaded := cm.requests[m.MessageID()].(*message.EbXmlMessage)
	cm.mu.Unlock()

	// Retry policy is re-resolved from the directory, not the file.
	assert.Equal(t, 2, loaded.State().RetryCount)
	assert.Equal(t, 10, loaded.State().RetryInterval)
	assert.Equal(t, 3600, loaded.State().PersistDuration)
	assert.Equal(t, "R1A", loaded.State().OdsCode)
	assert.True(t, loaded.Persisted())
}

type countingHandler struct {
	mu sync.Mutex
	n  int
}

func (h *countingHandler) Handle(message.Sendable) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.n++
	return nil
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

func TestReceiveDispatchesBySOAPAction(t *testing.T) {
	cm := testManager(t)
	m := reliableMessage(t)
	h := &countingHandler{}
	cm.AddHandler(m.SOAPAction(), h)

	cm.receive(m)
	assert.Equal(t, 1, h.count())
}

func TestReceiveSettlesAsynchronousAck(t *testing.T) {
	cm := testManager(t)
	m := reliableMessage(t)
	conv := m.MessageID()

	cm.mu.Lock()
	cm.requests[conv] = m
	cm.mu.Unlock()

	ack := &message.EbXmlMessage{
		Header: &message.EbXmlHeader{
			Service:        message.AckService,
			ConversationID: conv,
		},
	}
	cm.receive(ack)
	assert.False(t, cm.Pending(conv))
}

func TestTargetAddress(t *testing.T) {
	ack := message.NewEbXmlAcknowledgment("<ack/>")
	ack.State().ResolvedURL = "https://msg.example.nhs.uk/reliablemessaging/intermediary"
	host, addr, err := targetAddress(ack)
	require.NoError(t, err)
	assert.Equal(t, "msg.example.nhs.uk", host)
	assert.Equal(t, "msg.example.nhs.uk:443", addr)

	ack.State().ResolvedURL = "https://msg.example.nhs.uk:8443/x"
	_, addr, err = targetAddress(ack)
	require.NoError(t, err)
	assert.Equal(t, "msg.example.nhs.uk:8443", addr)

	// No resolved URL and no received host to fall back on.
	ack.State().ResolvedURL = ""
	_, _, err = targetAddress(ack)
	assert.Error(t, err)
}

func TestReadSyncResponse(t *testing.T) {
	raw := "HTTP/1.1 202 OK\r\nContent-Length: 5\r\nConnection: close\r\n\r\nhello"
	status, body, err := readSyncResponse(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 202 OK", status)
	assert.Equal(t, "hello", body)

	// An explicit zero-length body is fine.
	raw = "HTTP/1.1 202 OK\r\nContent-Length: 0\r\n\r\n"
	status, body, err = readSyncResponse(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 202 OK", status)
	assert.Equal(t, "", body)
}

func TestReadSyncResponseRequiresContentLength(t *testing.T) {
	// A response that never declares a length cannot be read reliably, so
	// the attempt fails rather than recording an empty response.
	raw := "HTTP/1.1 200 OK\r\nConnection: close\r\n\r\n<resp/>"
	_, _, err := readSyncResponse(strings.NewReader(raw))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Content-Length")
}
