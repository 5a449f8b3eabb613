// Package dccctcp is the DCC CTCP sub-protocol handler, spec §4.8: it
// parses inbound "DCC SEND|ACCEPT|RESUME|CHECKSUM" CTCP bodies already
// peeled off a PRIVMSG/NOTICE by the Message Router and routes each into
// the DCC Transfer Engine. Grounded on internal/server/handler.go's
// discriminator-dispatch style (HandleConnection's magic-byte switch),
// applied here to the CTCP verb instead of a 4-byte magic.
package dccctcp

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/edgeof8/pyrc-core/internal/dcc"
	"github.com/edgeof8/pyrc-core/internal/wire"
)

// Engine is the narrow slice of *dcc.Engine this handler drives, kept as
// an interface so tests can substitute a fake without a real Engine.
type Engine interface {
	OfferReceived(peerNick, peerIdent string, s *wire.DCCSend, autoAccept bool)
	AcceptFromPeer(peerNick string, a *wire.DCCAccept) error
	ResumeRequested(peerNick string, r *wire.DCCResume) error
	ChecksumReceived(peerNick string, c *wire.DCCChecksum) error
}

// Handler implements router.DCCCTCPHandler, routing inbound DCC CTCP
// payloads into the configured Engine.
type Handler struct {
	logger             *slog.Logger
	engine             Engine
	autoAcceptPatterns []string
}

// New builds a Handler. autoAcceptPatterns are filepath.Match-style globs
// against the offered filename (spec §4.0.1's dcc.auto_accept_patterns).
func New(engine Engine, autoAcceptPatterns []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger.With("component", "dcc_ctcp_handler"), engine: engine, autoAcceptPatterns: autoAcceptPatterns}
}

// HandleCTCP implements router.DCCCTCPHandler. payload is the full CTCP
// body beginning with "DCC " (case-insensitive), already stripped of its
// \x01 delimiters by the router.
func (h *Handler) HandleCTCP(fromNick, fromIdent string, payload string) {
	if !wire.IsDCC(payload) {
		return
	}
	payload = "DCC " + payload[4:]
	verb := dccVerb(payload)
	switch verb {
	case "SEND":
		h.handleSend(fromNick, fromIdent, payload)
	case "ACCEPT":
		h.handleAccept(fromNick, payload)
	case "RESUME":
		h.handleResume(fromNick, payload)
	case "CHECKSUM":
		h.handleChecksum(fromNick, payload)
	default:
		h.logger.Debug("unrecognized dcc ctcp verb", "verb", verb, "from", fromNick)
	}
}

func dccVerb(payload string) string {
	rest := strings.TrimPrefix(payload, "DCC ")
	if sp := strings.IndexByte(rest, ' '); sp >= 0 {
		return strings.ToUpper(rest[:sp])
	}
	return strings.ToUpper(rest)
}

func (h *Handler) handleSend(fromNick, fromIdent, payload string) {
	s, err := wire.ParseDCCSend(payload)
	if err != nil {
		h.logger.Info("malformed DCC SEND", "from", fromNick, "error", err)
		return
	}
	auto := h.matchesAutoAccept(s.Filename)
	h.engine.OfferReceived(fromNick, fromIdent, s, auto)
}

func (h *Handler) matchesAutoAccept(filename string) bool {
	base := filepath.Base(filename)
	for _, pattern := range h.autoAcceptPatterns {
		if ok, err := filepath.Match(pattern, base); err == nil && ok {
			return true
		}
	}
	return false
}

func (h *Handler) handleAccept(fromNick, payload string) {
	a, err := wire.ParseDCCAccept(payload)
	if err != nil {
		h.logger.Info("malformed DCC ACCEPT", "from", fromNick, "error", err)
		return
	}
	if err := h.engine.AcceptFromPeer(fromNick, a); err != nil {
		h.logger.Info("rejected DCC ACCEPT", "from", fromNick, "file", a.Filename, "error", err)
	}
}

func (h *Handler) handleResume(fromNick, payload string) {
	r, err := wire.ParseDCCResume(payload)
	if err != nil {
		h.logger.Info("malformed DCC RESUME", "from", fromNick, "error", err)
		return
	}
	if err := h.engine.ResumeRequested(fromNick, r); err != nil {
		h.logger.Info("rejected DCC RESUME", "from", fromNick, "file", r.Filename, "error", err)
	}
}

func (h *Handler) handleChecksum(fromNick, payload string) {
	c, err := wire.ParseDCCChecksum(payload)
	if err != nil {
		h.logger.Info("malformed DCC CHECKSUM", "from", fromNick, "error", err)
		return
	}
	if err := h.engine.ChecksumReceived(fromNick, c); err != nil {
		h.logger.Info("unmatched DCC CHECKSUM", "from", fromNick, "file", c.Filename, "error", err)
	}
}
