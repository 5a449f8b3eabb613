package dcc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/edgeof8/pyrc-core/internal/config"
	"github.com/edgeof8/pyrc-core/internal/eventbus"
	"github.com/edgeof8/pyrc-core/internal/hub"
	"github.com/edgeof8/pyrc-core/internal/wire"
)

// SendFunc transmits a CTCP-wrapped payload to targetNick as a PRIVMSG. Unlike
// the router's and capsasl negotiator's send functions, which take a whole
// protocol line, it takes the target and payload separately and returns no
// error.
type SendFunc func(targetNick, ctcpPayload string)

// ErrNoSuchTransfer is returned when a transfer id or prefix does not match
// any entry in the engine's table.
var ErrNoSuchTransfer = errors.New("dcc: no such transfer")

// ErrAmbiguousTransfer is returned when an id-prefix or filename lookup
// matches more than one transfer.
var ErrAmbiguousTransfer = errors.New("dcc: ambiguous transfer reference")

// ErrDisabled is returned by every engine entry point when DCC is
// configured off.
var ErrDisabled = errors.New("dcc: disabled by configuration")

// Engine is the DCC Transfer Engine, spec §4.7: the transfer table, the
// passive offer table, and one FIFO send queue per peer, all guarded by a
// single mutex per spec §5. Grounded on internal/agent/backup.go's
// AgentServer (holds one mutex over its job table and stream registry) and
// internal/agent/scheduler.go's cron-driven periodic task.
type Engine struct {
	cfg    config.DCCConfig
	logger *slog.Logger
	bus    *eventbus.Bus
	hub    hub.Hub
	send   SendFunc
	disk   *SystemMonitor

	mu            sync.Mutex
	transfers     map[string]*Transfer
	offers        map[string]*PassiveOffer
	sendQueue     map[string][]*queuedSend // peer nick -> FIFO
	inFlight      map[string]bool          // peer nick -> has an active outgoing send
	resumeOffsets map[string]uint64        // transfer id -> offset negotiated via RESUME/ACCEPT
	pendingConn   map[string]chan connTarget

	cron    *cron.Cron
	closeCh chan struct{}
	wg      sync.WaitGroup
}

type queuedSend struct {
	peerNick string
	path     string
	token    string // non-empty forces passive mode
}

// New builds an Engine; Start must be called before any transfer is
// attempted. monitor may be nil, in which case disk-space gating is
// skipped (treated as always-sufficient).
func New(cfg config.DCCConfig, send SendFunc, h hub.Hub, bus *eventbus.Bus, monitor *SystemMonitor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "dcc_engine"),
		bus:       bus,
		hub:       h,
		send:      send,
		disk:      monitor,
		transfers: make(map[string]*Transfer),
		offers:    make(map[string]*PassiveOffer),
		sendQueue:     make(map[string][]*queuedSend),
		inFlight:      make(map[string]bool),
		resumeOffsets: make(map[string]uint64),
		pendingConn:   make(map[string]chan connTarget),
		closeCh:       make(chan struct{}),
	}
}

// Start launches the periodic cleanup task, scheduled via a robfig/cron
// "@every Ns" spec, matching the cron-driven cadence of
// internal/agent/scheduler.go.
func (e *Engine) Start() error {
	if !e.cfg.Enabled {
		return nil
	}
	interval := e.cfg.CleanupIntervalSeconds
	if interval <= 0 {
		interval = 60
	}
	e.cron = cron.New()
	spec := fmt.Sprintf("@every %ds", interval)
	if _, err := e.cron.AddFunc(spec, e.cleanup); err != nil {
		return fmt.Errorf("dcc: scheduling cleanup: %w", err)
	}
	e.cron.Start()
	return nil
}

// Stop halts the cleanup task and cancels every non-terminal transfer.
func (e *Engine) Stop() {
	close(e.closeCh)
	if e.cron != nil {
		ctx := e.cron.Stop()
		<-ctx.Done()
	}
	e.mu.Lock()
	for _, t := range e.transfers {
		t.Cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// Transfers returns a snapshot of every tracked transfer.
func (e *Engine) Transfers() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Snapshot, 0, len(e.transfers))
	for _, t := range e.transfers {
		out = append(out, t.Snapshot())
	}
	return out
}

// Offers returns a snapshot of every pending passive offer.
func (e *Engine) Offers() []PassiveOffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PassiveOffer, 0, len(e.offers))
	for _, o := range e.offers {
		out = append(out, *o)
	}
	return out
}

// Cancel requests cooperative cancellation of transfer id (or its prefix).
func (e *Engine) Cancel(idOrPrefix string) error {
	t, err := e.findByIDOrPrefix(idOrPrefix)
	if err != nil {
		return err
	}
	t.Cancel()
	return nil
}

func (e *Engine) findByIDOrPrefix(idOrPrefix string) (*Transfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.transfers[idOrPrefix]; ok {
		return t, nil
	}
	var match *Transfer
	for id, t := range e.transfers {
		if strings.HasPrefix(id, idOrPrefix) {
			if match != nil {
				return nil, ErrAmbiguousTransfer
			}
			match = t
		}
	}
	if match == nil {
		return nil, ErrNoSuchTransfer
	}
	return match, nil
}

func newTransferID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func (e *Engine) register(t *Transfer) {
	e.mu.Lock()
	e.transfers[t.ID] = t
	e.mu.Unlock()
}

func (e *Engine) publish(name string, payload any) {
	if e.bus != nil {
		e.bus.Publish(name, payload)
	}
}

// cleanup runs every cleanup_interval_seconds, evicting terminal transfers
// past transfer_max_age_seconds and passive offers past their token TTL.
// Grounded on internal/agent/scheduler.go's periodic GC task shape.
func (e *Engine) cleanup() {
	maxAge := time.Duration(e.cfg.TransferMaxAgeSeconds) * time.Second
	offerTTL := time.Duration(e.cfg.PassiveTokenTTLSeconds) * time.Second

	now := time.Now()
	var expired []PassiveOffer

	e.mu.Lock()
	for id, t := range e.transfers {
		if !t.Status().Terminal() {
			continue
		}
		end := t.EndTime()
		if end.IsZero() || now.Sub(end) > maxAge {
			delete(e.transfers, id)
		}
	}
	for token, o := range e.offers {
		if o.expired(offerTTL) {
			delete(e.offers, token)
			expired = append(expired, *o)
		}
	}
	e.mu.Unlock()

	for _, o := range expired {
		e.publish("DCC_PASSIVE_OFFER_EXPIRED", o)
	}
}

// diskSufficient reports whether accepting filesize more bytes keeps free
// space at or above the configured floor. Spec §4.10, grounded on
// original_source/pyrc_core/dcc/dcc_manager.py's pre-accept disk check.
func (e *Engine) diskSufficient(filesize uint64) bool {
	if e.disk == nil || e.cfg.DiskFreeFloorBytes <= 0 {
		return true
	}
	free, ok := e.disk.FreeBytes()
	if !ok {
		return true
	}
	if free < uint64(e.cfg.DiskFreeFloorBytes) {
		return false
	}
	return free-uint64(e.cfg.DiskFreeFloorBytes) >= filesize
}

func (e *Engine) targetPath(filename string) (string, error) {
	sanitized, err := sanitizeFilename(filename, e.cfg.BlockedExtensions)
	if err != nil {
		return "", err
	}
	resolved, err := resolveDownloadPath(e.cfg.DownloadDir, sanitized)
	if err != nil {
		return "", err
	}
	return uniqueIfExists(resolved, fileExists), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// AcceptIncoming begins a RECEIVE transfer for an active ("SEND" with
// port != 0) offer: connects to the peer's advertised address and streams
// into the download directory. Spec §4.7 "Accepting an incoming SEND
// (active)".
func (e *Engine) AcceptIncoming(peerNick, peerIP string, peerPort uint16, filename string, size uint64) (*Transfer, error) {
	if !e.cfg.Enabled {
		return nil, ErrDisabled
	}
	if !e.diskSufficient(size) {
		err := fmt.Errorf("%w: insufficient free disk space for %q", ErrDCCSecurityViolation, filename)
		e.publish("DCC_TRANSFER_ERROR", map[string]any{"filename": filename, "peer": peerNick, "error": err.Error()})
		return nil, err
	}
	path, err := e.targetPath(filename)
	if err != nil {
		e.publish("DCC_TRANSFER_ERROR", map[string]any{"filename": filename, "peer": peerNick, "error": err.Error()})
		return nil, err
	}
	t := newTransfer(newTransferID())
	t.PeerNick = peerNick
	t.PeerIP = peerIP
	t.PeerPort = peerPort
	t.Direction = DirReceive
	t.OriginalFilename = filename
	t.SanitizedLocalPath = path
	t.Filesize = size
	t.ChecksumAlgorithm = e.checksumAlgoOrNone()
	e.register(t)
	e.publish("DCC_TRANSFER_QUEUED", t.Snapshot())

	e.wg.Add(1)
	go e.runActiveReceive(t, peerIP, peerPort, 0)
	return t, nil
}

// AcceptPassive accepts a registered PassiveOffer: opens a listening socket
// in the configured range and CTCP ACCEPTs the sender, spec §4.7
// "Accepting an incoming SEND (passive, reverse DCC)".
func (e *Engine) AcceptPassive(token string) (*Transfer, error) {
	if !e.cfg.Enabled {
		return nil, ErrDisabled
	}
	e.mu.Lock()
	offer, ok := e.offers[token]
	if ok {
		delete(e.offers, token)
	}
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dcc: no pending passive offer for token %q", token)
	}
	if !e.diskSufficient(offer.Filesize) {
		err := fmt.Errorf("%w: insufficient free disk space for %q", ErrDCCSecurityViolation, offer.Filename)
		e.publish("DCC_TRANSFER_ERROR", map[string]any{"filename": offer.Filename, "peer": offer.SenderNick, "error": err.Error()})
		return nil, err
	}
	path, err := e.targetPath(offer.Filename)
	if err != nil {
		e.publish("DCC_TRANSFER_ERROR", map[string]any{"filename": offer.Filename, "peer": offer.SenderNick, "error": err.Error()})
		return nil, err
	}

	l, port, err := listenInPortRange(e.cfg.PortRangeStart, e.cfg.PortRangeEnd, e.logPortErr)
	if err != nil {
		return nil, err
	}

	t := newTransfer(newTransferID())
	t.PeerNick = offer.SenderNick
	t.PeerIP = offer.SenderIP
	t.Direction = DirReceive
	t.OriginalFilename = offer.Filename
	t.SanitizedLocalPath = path
	t.Filesize = offer.Filesize
	t.IsPassive = true
	t.PassiveToken = token
	t.ChecksumAlgorithm = e.checksumAlgoOrNone()
	e.register(t)
	e.publish("DCC_TRANSFER_QUEUED", t.Snapshot())

	ourIP, err := ipToUint32(advertisedIP(e.cfg.AdvertisedIP))
	if err != nil {
		l.Close()
		t.setError(Failed, err.Error())
		return nil, err
	}
	e.send(offer.SenderNick, ctcpWrap(wire.FormatDCCAccept(wire.DCCAccept{
		Filename: offer.Filename, IP: ourIP, HasIP: true, Port: uint16(port), Position: 0, Token: token,
	})))

	e.wg.Add(1)
	go e.runPassiveReceiveAccept(t, l)
	return t, nil
}

func (e *Engine) logPortErr(port int, err error) {
	e.logger.Debug("dcc port bind attempt failed", "port", port, "error", err)
}

func (e *Engine) checksumAlgoOrNone() string {
	if !e.cfg.ChecksumEnabled {
		return "none"
	}
	if e.cfg.ChecksumAlgorithm == "" {
		return "none"
	}
	return e.cfg.ChecksumAlgorithm
}

// EnqueueSend queues an outgoing file to peerNick; the FIFO is peer-scoped
// per spec §4.7 "Send queue", so sends to different peers proceed
// concurrently while sends to the same peer serialize.
func (e *Engine) EnqueueSend(peerNick, path string, passive bool) (string, error) {
	if !e.cfg.Enabled {
		return "", ErrDisabled
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("dcc: cannot queue %s: %w", path, err)
	}
	token := ""
	if passive {
		token = newTransferID()
	}
	e.mu.Lock()
	e.sendQueue[peerNick] = append(e.sendQueue[peerNick], &queuedSend{peerNick: peerNick, path: path, token: token})
	busy := e.inFlight[peerNick]
	e.mu.Unlock()
	e.publish("DCC_TRANSFER_QUEUED", map[string]any{"peer": peerNick, "file": filepath.Base(path)})
	if !busy {
		e.pumpSendQueue(peerNick)
	}
	return token, nil
}

func (e *Engine) pumpSendQueue(peerNick string) {
	e.mu.Lock()
	q := e.sendQueue[peerNick]
	if len(q) == 0 {
		e.inFlight[peerNick] = false
		e.mu.Unlock()
		return
	}
	next := q[0]
	e.sendQueue[peerNick] = q[1:]
	e.inFlight[peerNick] = true
	e.mu.Unlock()

	info, err := os.Stat(next.path)
	if err != nil {
		e.logger.Warn("dcc queued file vanished", "path", next.path, "error", err)
		e.pumpSendQueue(peerNick)
		return
	}

	t := newTransfer(newTransferID())
	t.PeerNick = peerNick
	t.Direction = DirSend
	t.OriginalFilename = filepath.Base(next.path)
	t.SanitizedLocalPath = next.path
	t.Filesize = uint64(info.Size())
	t.ChecksumAlgorithm = e.checksumAlgoOrNone()
	if next.token != "" {
		t.IsPassive = true
		t.PassiveToken = next.token
	}
	e.register(t)

	if next.token != "" {
		e.wg.Add(1)
		go e.runPassiveSendOffer(t)
	} else {
		e.wg.Add(1)
		go e.runActiveSendOffer(t)
	}
}

func ctcpWrap(payload string) string { return wire.FormatCTCP(payload) }

func dialTimeout(addr string, d time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp4", addr, d)
}

func (e *Engine) transferTimeout() time.Duration {
	if e.cfg.Timeout <= 0 {
		return 120 * time.Second
	}
	return e.cfg.Timeout
}

func (e *Engine) ctx() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}

// connTarget is the dial address a passive outgoing SEND learns once the
// peer ACCEPTs with its listening IP/port.
type connTarget struct {
	ip   string
	port uint16
}

// OfferReceived handles an inbound "DCC SEND" CTCP, spec §4.8. Active
// offers (port != 0) are either auto-accepted or surfaced as an event for
// the UI/command layer to act on; passive offers (port == 0, token set)
// are registered in the offer table.
func (e *Engine) OfferReceived(peerNick, peerIdent string, s *wire.DCCSend, autoAccept bool) {
	peerIP := uint32ToIP(s.IP).String()
	if s.Port == 0 && s.Token != "" {
		offer := &PassiveOffer{Token: s.Token, SenderNick: peerNick, Filename: s.Filename, Filesize: s.Size, SenderIP: peerIP, ReceivedAt: time.Now()}
		e.mu.Lock()
		e.offers[s.Token] = offer
		e.mu.Unlock()
		e.publish("DCC_PASSIVE_OFFER_RECEIVED", *offer)
		return
	}
	if autoAccept {
		if _, err := e.AcceptIncoming(peerNick, peerIP, s.Port, s.Filename, s.Size); err != nil {
			e.logger.Warn("dcc auto-accept failed", "peer", peerNick, "file", s.Filename, "error", err)
		}
		return
	}
	e.publish("DCC_OFFER_RECEIVED", map[string]any{
		"peer_nick": peerNick, "peer_ident": peerIdent, "peer_ip": peerIP,
		"peer_port": s.Port, "filename": s.Filename, "size": s.Size,
	})
}

// AcceptFromPeer handles an inbound "DCC ACCEPT" for one of our outgoing
// SENDs, spec §4.8. Per the strict-correlation decision, an ACCEPT that
// does not match a known outgoing transfer (by token, or by peer+filename
// for active resumes) is rejected and never opens a socket.
func (e *Engine) AcceptFromPeer(peerNick string, a *wire.DCCAccept) error {
	t := e.findOutgoingForAccept(peerNick, a)
	if t == nil {
		return fmt.Errorf("dcc: ACCEPT from %s for %q does not match any outgoing offer", peerNick, a.Filename)
	}
	if t.IsPassive {
		if !a.HasIP {
			return fmt.Errorf("dcc: passive ACCEPT from %s missing connect address", peerNick)
		}
		ch := e.connChannel(t.ID)
		select {
		case ch <- connTarget{ip: uint32ToIP(a.IP).String(), port: a.Port}:
		default:
		}
		return nil
	}
	if a.Position > 0 {
		e.setResumeOffset(t.ID, a.Position)
	}
	return nil
}

func (e *Engine) findOutgoingForAccept(peerNick string, a *wire.DCCAccept) *Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a.Token != "" {
		for _, t := range e.transfers {
			if t.Direction == DirSend && t.PassiveToken == a.Token {
				return t
			}
		}
		return nil
	}
	for _, t := range e.transfers {
		if t.Direction == DirSend && !t.IsPassive && t.PeerNick == peerNick && t.OriginalFilename == a.Filename {
			st := t.Status()
			if st == Negotiating || st == Connecting {
				return t
			}
		}
	}
	return nil
}

// ResumeRequested handles an inbound "DCC RESUME" for one of our outgoing
// active SENDs: validates position <= filesize, replies with ACCEPT, and
// records the offset the send worker should seek to once the peer
// connects. Spec §4.7/§4.8.
func (e *Engine) ResumeRequested(peerNick string, r *wire.DCCResume) error {
	t := e.findOutgoingActiveByFilename(peerNick, r.Filename, r.Token)
	if t == nil {
		return fmt.Errorf("dcc: RESUME from %s for %q does not match any outgoing offer", peerNick, r.Filename)
	}
	if r.Position > t.Filesize {
		return fmt.Errorf("%w: resume position %d exceeds filesize %d", ErrDCCSecurityViolation, r.Position, t.Filesize)
	}
	e.setResumeOffset(t.ID, r.Position)
	e.send(peerNick, ctcpWrap(wire.FormatDCCAccept(wire.DCCAccept{
		Filename: r.Filename, HasIP: false, Port: r.Port, Position: r.Position, Token: r.Token,
	})))
	return nil
}

func (e *Engine) findOutgoingActiveByFilename(peerNick, filename, token string) *Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.transfers {
		if t.Direction == DirSend && !t.IsPassive && t.PeerNick == peerNick && t.OriginalFilename == filename {
			if token != "" && t.PassiveToken != token {
				continue
			}
			return t
		}
	}
	return nil
}

// ChecksumReceived handles an inbound "DCC CHECKSUM", spec §4.8: stores the
// expected digest against the named transfer and, if a local digest has
// already been computed, verifies immediately. The sender's transfer_id is
// its own internal identifier, not shared with our side, so the primary
// correlation key is (peer, filename) among our RECEIVE transfers; an
// exact transfer_id match is tried first for the case where the two
// engines happen to share an id space (e.g. a loopback test harness).
func (e *Engine) ChecksumReceived(peerNick string, c *wire.DCCChecksum) error {
	e.mu.Lock()
	t, ok := e.transfers[c.TransferID]
	if !ok {
		for _, cand := range e.transfers {
			if cand.Direction == DirReceive && cand.PeerNick == peerNick && cand.OriginalFilename == c.Filename {
				t, ok = cand, true
				break
			}
		}
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("dcc: CHECKSUM from %s for %q does not match any tracked transfer", peerNick, c.Filename)
	}
	t.setExpectedChecksum(c.Algorithm, c.Digest)
	if calc := t.CalculatedChecksum(); calc != "" {
		e.finalizeChecksum(t)
	}
	return nil
}

func (e *Engine) finalizeChecksum(t *Transfer) {
	calc := t.CalculatedChecksum()
	expected := ""
	t.mu.Lock()
	expected = t.expectedChecksum
	t.mu.Unlock()
	if expected == "" || calc == "" {
		return
	}
	status := ChecksumMismatch
	if strings.EqualFold(calc, expected) {
		status = ChecksumMatch
	}
	t.setCalculatedChecksum(calc, status)
	e.publish("DCC_TRANSFER_CHECKSUM_VALIDATED", t.Snapshot())
}

func (e *Engine) connChannel(transferID string) chan connTarget {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.pendingConn[transferID]
	if !ok {
		ch = make(chan connTarget, 1)
		e.pendingConn[transferID] = ch
	}
	return ch
}

func (e *Engine) setResumeOffset(transferID string, pos uint64) {
	e.mu.Lock()
	e.resumeOffsets[transferID] = pos
	e.mu.Unlock()
}

func (e *Engine) getResumeOffset(transferID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resumeOffsets[transferID]
}

func (e *Engine) forgetTransferAux(transferID string) {
	e.mu.Lock()
	delete(e.resumeOffsets, transferID)
	delete(e.pendingConn, transferID)
	e.mu.Unlock()
}

// ResumeSend locates a resumable outgoing transfer by id-prefix or
// filename among terminal, partially-sent transfers and re-queues it,
// spec §4.7 "Resume of prior failed SEND".
func (e *Engine) ResumeSend(idOrFilename string) (string, error) {
	if !e.cfg.ResumeEnabled {
		return "", fmt.Errorf("dcc: resume disabled by configuration")
	}
	old, err := e.findResumable(idOrFilename)
	if err != nil {
		return "", err
	}
	return e.EnqueueSend(old.PeerNick, old.SanitizedLocalPath, old.IsPassive)
}

func (e *Engine) findResumable(idOrFilename string) (*Transfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var match *Transfer
	for id, t := range e.transfers {
		if t.Direction != DirSend {
			continue
		}
		st := t.Status()
		if st != Failed && st != Cancelled && st != TimedOut {
			continue
		}
		if t.BytesTransferred() == 0 {
			continue
		}
		if id == idOrFilename || strings.HasPrefix(id, idOrFilename) || t.OriginalFilename == idOrFilename {
			if match != nil {
				return nil, ErrAmbiguousTransfer
			}
			match = t
		}
	}
	if match == nil {
		return nil, ErrNoSuchTransfer
	}
	return match, nil
}
