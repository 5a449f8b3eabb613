package dcc

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgeof8/pyrc-core/internal/config"
	"github.com/edgeof8/pyrc-core/internal/eventbus"
	"github.com/edgeof8/pyrc-core/internal/hub"
	"github.com/edgeof8/pyrc-core/internal/wire"
)

func noopSend(string, string) {}

func newTestEngine(t *testing.T, cfg config.DCCConfig) *Engine {
	t.Helper()
	cfg.Enabled = true
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return New(cfg, noopSend, hub.Noop(), eventbus.New(), nil, nil)
}

func TestEnqueueSendQueuesBehindInFlight(t *testing.T) {
	dir := t.TempDir()
	f1 := filepath.Join(dir, "a.txt")
	f2 := filepath.Join(dir, "b.txt")
	os.WriteFile(f1, []byte("a"), 0o644)
	os.WriteFile(f2, []byte("b"), 0o644)

	e := newTestEngine(t, config.DCCConfig{})
	e.mu.Lock()
	e.inFlight["bob"] = true
	e.mu.Unlock()

	if _, err := e.EnqueueSend("bob", f1, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.EnqueueSend("bob", f2, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e.mu.Lock()
	q := e.sendQueue["bob"]
	e.mu.Unlock()
	if len(q) != 2 {
		t.Fatalf("expected 2 queued sends, got %d", len(q))
	}
	if q[0].path != f1 || q[1].path != f2 {
		t.Fatalf("expected FIFO order a.txt then b.txt, got %v", q)
	}
}

func TestEnqueueSendRejectsMissingFile(t *testing.T) {
	e := newTestEngine(t, config.DCCConfig{})
	if _, err := e.EnqueueSend("bob", "/no/such/file", false); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestCleanupEvictsAgedTerminalTransfers(t *testing.T) {
	e := newTestEngine(t, config.DCCConfig{TransferMaxAgeSeconds: 0})
	tr := newTransfer("old1")
	tr.setStatus(Completed)
	e.mu.Lock()
	e.transfers["old1"] = tr
	e.mu.Unlock()

	time.Sleep(2 * time.Millisecond)
	e.cleanup()

	e.mu.Lock()
	_, stillThere := e.transfers["old1"]
	e.mu.Unlock()
	if stillThere {
		t.Fatal("expected aged terminal transfer to be evicted")
	}
}

func TestCleanupKeepsNonTerminalTransfers(t *testing.T) {
	e := newTestEngine(t, config.DCCConfig{TransferMaxAgeSeconds: 0})
	tr := newTransfer("active1")
	tr.setStatus(Transferring)
	e.mu.Lock()
	e.transfers["active1"] = tr
	e.mu.Unlock()

	e.cleanup()

	e.mu.Lock()
	_, stillThere := e.transfers["active1"]
	e.mu.Unlock()
	if !stillThere {
		t.Fatal("expected in-progress transfer to survive cleanup")
	}
}

func TestCleanupExpiresPassiveOffers(t *testing.T) {
	e := newTestEngine(t, config.DCCConfig{PassiveTokenTTLSeconds: 0})
	var expired []PassiveOffer
	e.bus.Subscribe("DCC_PASSIVE_OFFER_EXPIRED", func(ev eventbus.Event) {
		expired = append(expired, ev.Payload.(PassiveOffer))
	})

	e.mu.Lock()
	e.offers["tok1"] = &PassiveOffer{Token: "tok1", ReceivedAt: time.Now().Add(-time.Second)}
	e.mu.Unlock()

	e.cleanup()

	if len(expired) != 1 || expired[0].Token != "tok1" {
		t.Fatalf("expected tok1 to expire, got %v", expired)
	}
	e.mu.Lock()
	_, stillThere := e.offers["tok1"]
	e.mu.Unlock()
	if stillThere {
		t.Fatal("expected expired offer to be removed from the table")
	}
}

func TestAcceptFromPeerRejectsUnmatched(t *testing.T) {
	e := newTestEngine(t, config.DCCConfig{})
	err := e.AcceptFromPeer("mallory", &wire.DCCAccept{Filename: "movie.mkv", Position: 500})
	if err == nil {
		t.Fatal("expected strict correlation to reject an unmatched ACCEPT")
	}
}

func TestAcceptFromPeerMatchesOutgoingActiveByFilenameSetsResumeOffset(t *testing.T) {
	e := newTestEngine(t, config.DCCConfig{})
	tr := newTransfer("send1")
	tr.PeerNick = "bob"
	tr.Direction = DirSend
	tr.OriginalFilename = "movie.mkv"
	tr.Filesize = 1_000_000
	tr.setStatus(Negotiating)
	e.register(tr)

	if err := e.AcceptFromPeer("bob", &wire.DCCAccept{Filename: "movie.mkv", Position: 500000}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := e.getResumeOffset("send1"); got != 500000 {
		t.Fatalf("expected resume offset 500000, got %d", got)
	}
}

func TestResumeRequestedRejectsPositionBeyondFilesize(t *testing.T) {
	e := newTestEngine(t, config.DCCConfig{})
	tr := newTransfer("send1")
	tr.PeerNick = "bob"
	tr.Direction = DirSend
	tr.OriginalFilename = "movie.mkv"
	tr.Filesize = 1000
	tr.setStatus(Negotiating)
	e.register(tr)

	err := e.ResumeRequested("bob", &wire.DCCResume{Filename: "movie.mkv", Port: 49201, Position: 5000})
	if err == nil {
		t.Fatal("expected rejection of resume position beyond filesize")
	}
}

func TestFindResumableRejectsAmbiguous(t *testing.T) {
	e := newTestEngine(t, config.DCCConfig{ResumeEnabled: true})
	mk := func(id string) *Transfer {
		tr := newTransfer(id)
		tr.Direction = DirSend
		tr.OriginalFilename = "movie.mkv"
		tr.bytesTransferred.Store(100)
		tr.setStatus(Failed)
		return tr
	}
	e.register(mk("aaa111"))
	e.register(mk("aaa222"))

	if _, err := e.findResumable("movie.mkv"); err != ErrAmbiguousTransfer {
		t.Fatalf("expected ErrAmbiguousTransfer, got %v", err)
	}
}

func TestFindResumableIgnoresFreshTransfers(t *testing.T) {
	e := newTestEngine(t, config.DCCConfig{ResumeEnabled: true})
	tr := newTransfer("id1")
	tr.Direction = DirSend
	tr.OriginalFilename = "movie.mkv"
	// never started transferring: zero bytes, not terminal.
	e.register(tr)

	if _, err := e.findResumable("movie.mkv"); err != ErrNoSuchTransfer {
		t.Fatalf("expected ErrNoSuchTransfer, got %v", err)
	}
}

// TestAcceptIncomingRejectsPathTraversalFilename exercises scenario 6: a
// peer offering a filename with ".." path segments must be refused before
// any socket opens or any transfer is registered, with DCC_TRANSFER_ERROR
// published and no byte ever accepted.
func TestAcceptIncomingRejectsPathTraversalFilename(t *testing.T) {
	downloadDir := t.TempDir()
	e := New(config.DCCConfig{
		Enabled: true, AdvertisedIP: "127.0.0.1", DownloadDir: downloadDir,
		Timeout: 5 * time.Second,
	}, noopSend, hub.Noop(), eventbus.New(), nil, nil)

	var errEvents []map[string]any
	e.bus.Subscribe("DCC_TRANSFER_ERROR", func(ev eventbus.Event) {
		if m, ok := ev.Payload.(map[string]any); ok {
			errEvents = append(errEvents, m)
		}
	})

	tr, err := e.AcceptIncoming("mallory", "10.0.0.1", 49200, "../../etc/passwd", 1024)
	if tr != nil {
		t.Fatalf("expected no transfer to be created, got %+v", tr)
	}
	if !errors.Is(err, ErrDCCSecurityViolation) {
		t.Fatalf("expected ErrDCCSecurityViolation, got %v", err)
	}

	e.mu.Lock()
	n := len(e.transfers)
	e.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no transfer to be registered, got %d", n)
	}

	if len(errEvents) != 1 {
		t.Fatalf("expected exactly one DCC_TRANSFER_ERROR event, got %d", len(errEvents))
	}
	if _, err := os.Stat(filepath.Join(downloadDir, "passwd")); !os.IsNotExist(err) {
		t.Fatal("expected no file to be written into the download dir")
	}
}

// TestCancelWhileAwaitingPassiveReceiveConnectionSetsCancelled exercises the
// §5 invariant that cancel_transfer forces CANCELLED even when the transfer
// is still blocked inside acceptWithCancel waiting for the peer to dial in,
// rather than landing in FAILED via acceptWithCancel's cancellation error.
func TestCancelWhileAwaitingPassiveReceiveConnectionSetsCancelled(t *testing.T) {
	downloadDir := t.TempDir()
	e := New(config.DCCConfig{
		Enabled: true, AdvertisedIP: "127.0.0.1", DownloadDir: downloadDir,
		PortRangeStart: 22000, PortRangeEnd: 22100, Timeout: 5 * time.Second,
	}, noopSend, hub.Noop(), eventbus.New(), nil, nil)

	e.mu.Lock()
	e.offers["tok1"] = &PassiveOffer{Token: "tok1", SenderNick: "alice", Filename: "report.txt", Filesize: 10}
	e.mu.Unlock()

	var cancelledEvents int
	e.bus.Subscribe("DCC_TRANSFER_CANCELLED", func(eventbus.Event) { cancelledEvents++ })

	tr, err := e.AcceptPassive("tok1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && tr.Status() != Connecting {
		time.Sleep(5 * time.Millisecond)
	}
	if tr.Status() != Connecting {
		t.Fatalf("expected transfer to reach Connecting while awaiting peer, got %s", tr.Status())
	}

	tr.Cancel()

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !tr.Status().Terminal() {
		time.Sleep(5 * time.Millisecond)
	}
	if tr.Status() != Cancelled {
		t.Fatalf("expected Cancelled, got %s (%s)", tr.Status(), tr.ErrorMessage())
	}
	if cancelledEvents != 1 {
		t.Fatalf("expected exactly one DCC_TRANSFER_CANCELLED event, got %d", cancelledEvents)
	}
}

// TestActiveSendReceiveEndToEnd exercises scenario 3 from the spec end to
// end over real loopback sockets between two independent engines: A
// offers an active SEND, B auto-accepts, the file streams, and both sides
// agree on the sha256 checksum.
func TestActiveSendReceiveEndToEnd(t *testing.T) {
	srcDir := t.TempDir()
	downloadDir := t.TempDir()
	content := make([]byte, 4096)
	for i := range content {
		content[i] = byte(i % 251)
	}
	srcPath := filepath.Join(srcDir, "report.txt")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var engB *Engine
	sendA := func(peerNick, payload string) {
		ctcp, ok := wire.ExtractCTCP(payload)
		if !ok || !wire.IsDCC(ctcp) {
			return
		}
		verb := ctcp
		switch {
		case len(verb) >= 8 && verb[4:8] == "SEND":
			s, err := wire.ParseDCCSend(ctcp)
			if err != nil {
				t.Errorf("peer received malformed SEND: %v", err)
				return
			}
			if _, err := engB.AcceptIncoming("alice", uint32ToIP(s.IP).String(), s.Port, s.Filename, s.Size); err != nil {
				t.Errorf("AcceptIncoming failed: %v", err)
			}
		case len(verb) >= 12 && verb[4:12] == "CHECKSUM":
			c, err := wire.ParseDCCChecksum(ctcp)
			if err != nil {
				t.Errorf("peer received malformed CHECKSUM: %v", err)
				return
			}
			if err := engB.ChecksumReceived("alice", c); err != nil {
				t.Errorf("ChecksumReceived failed: %v", err)
			}
		}
	}

	engA := New(config.DCCConfig{
		Enabled: true, AdvertisedIP: "127.0.0.1", PortRangeStart: 21000, PortRangeEnd: 21100,
		Timeout: 5 * time.Second, ChecksumEnabled: true, ChecksumAlgorithm: "sha256",
	}, sendA, hub.Noop(), eventbus.New(), nil, nil)

	engB = New(config.DCCConfig{
		Enabled: true, AdvertisedIP: "127.0.0.1", DownloadDir: downloadDir,
		Timeout: 5 * time.Second, ChecksumEnabled: true, ChecksumAlgorithm: "sha256",
	}, noopSend, hub.Noop(), eventbus.New(), nil, nil)

	if _, err := engA.EnqueueSend("bob", srcPath, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var sent, received *Transfer
	for time.Now().Before(deadline) {
		engA.mu.Lock()
		for _, tr := range engA.transfers {
			if tr.OriginalFilename == "report.txt" {
				sent = tr
			}
		}
		engA.mu.Unlock()
		engB.mu.Lock()
		for _, tr := range engB.transfers {
			if tr.OriginalFilename == "report.txt" {
				received = tr
			}
		}
		engB.mu.Unlock()
		if sent != nil && received != nil && sent.Status().Terminal() && received.Status().Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if sent == nil || received == nil {
		t.Fatal("expected both sides to register a transfer")
	}
	if sent.Status() != Completed {
		t.Fatalf("expected sender COMPLETED, got %s (%s)", sent.Status(), sent.ErrorMessage())
	}
	if received.Status() != Completed {
		t.Fatalf("expected receiver COMPLETED, got %s (%s)", received.Status(), received.ErrorMessage())
	}
	if received.BytesTransferred() != uint64(len(content)) {
		t.Fatalf("expected %d bytes received, got %d", len(content), received.BytesTransferred())
	}

	got, err := os.ReadFile(received.SanitizedLocalPath)
	if err != nil {
		t.Fatalf("unexpected error reading downloaded file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatal("downloaded content does not match source")
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && received.ChecksumStatus() != ChecksumMatch {
		time.Sleep(10 * time.Millisecond)
	}
	if received.ChecksumStatus() != ChecksumMatch {
		t.Fatalf("expected checksum Match, got %s", received.ChecksumStatus())
	}
}
