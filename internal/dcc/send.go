package dcc

import (
	"io"
	"net"
	"os"
	"time"

	"github.com/edgeof8/pyrc-core/internal/wire"
)

// runActiveSendOffer opens a listening socket in the configured port
// range, sends the "DCC SEND" offer, and waits for the peer to connect.
// Spec §4.7 "Initiating outgoing SEND (active)".
func (e *Engine) runActiveSendOffer(t *Transfer) {
	defer e.wg.Done()
	defer e.forgetTransferAux(t.ID)
	defer e.pumpSendQueue(t.PeerNick)

	l, port, err := listenInPortRange(e.cfg.PortRangeStart, e.cfg.PortRangeEnd, e.logPortErr)
	if err != nil {
		t.setError(Failed, err.Error())
		e.publish("DCC_TRANSFER_ERROR", t.Snapshot())
		return
	}
	defer l.Close()

	ourIP, err := ipToUint32(advertisedIP(e.cfg.AdvertisedIP))
	if err != nil {
		t.setError(Failed, err.Error())
		e.publish("DCC_TRANSFER_ERROR", t.Snapshot())
		return
	}

	t.setStatus(Negotiating)
	e.send(t.PeerNick, ctcpWrap(wire.FormatDCCSend(wire.DCCSend{
		Filename: t.OriginalFilename, IP: ourIP, Port: uint16(port), Size: t.Filesize,
	})))
	e.publish("DCC_TRANSFER_QUEUED", t.Snapshot())

	t.setStatus(Connecting)
	conn, err := acceptWithCancel(l, e.transferTimeout(), t.cancelCh)
	if err != nil {
		if t.cancelled() {
			t.setStatus(Cancelled)
			e.publish("DCC_TRANSFER_CANCELLED", t.Snapshot())
			return
		}
		t.setError(Failed, err.Error())
		e.publish("DCC_TRANSFER_ERROR", t.Snapshot())
		return
	}
	defer conn.Close()

	offset := e.getResumeOffset(t.ID)
	e.streamOutFile(t, conn, offset)
}

// runPassiveSendOffer sends a passive ("reverse DCC") offer carrying a
// token and waits for the peer's ACCEPT to learn its listening address
// before dialing out. Spec §4.7 "Initiating outgoing SEND (passive)".
func (e *Engine) runPassiveSendOffer(t *Transfer) {
	defer e.wg.Done()
	defer e.forgetTransferAux(t.ID)
	defer e.pumpSendQueue(t.PeerNick)

	ourIP, err := ipToUint32(advertisedIP(e.cfg.AdvertisedIP))
	if err != nil {
		t.setError(Failed, err.Error())
		e.publish("DCC_TRANSFER_ERROR", t.Snapshot())
		return
	}

	t.setStatus(Negotiating)
	e.send(t.PeerNick, ctcpWrap(wire.FormatDCCSend(wire.DCCSend{
		Filename: t.OriginalFilename, IP: ourIP, Port: 0, Size: t.Filesize, Token: t.PassiveToken,
	})))
	e.publish("DCC_TRANSFER_QUEUED", t.Snapshot())

	ch := e.connChannel(t.ID)
	var target connTarget
	select {
	case target = <-ch:
	case <-time.After(e.transferTimeout()):
		t.setError(Failed, "timed out waiting for peer to accept passive offer")
		e.publish("DCC_TRANSFER_ERROR", t.Snapshot())
		return
	case <-t.cancelCh:
		t.setStatus(Cancelled)
		e.publish("DCC_TRANSFER_CANCELLED", t.Snapshot())
		return
	}

	t.setStatus(Connecting)
	conn, err := dialTimeout(net.JoinHostPort(target.ip, portString(target.port)), e.transferTimeout())
	if err != nil {
		t.setError(Failed, err.Error())
		e.publish("DCC_TRANSFER_ERROR", t.Snapshot())
		return
	}
	defer conn.Close()

	offset := e.getResumeOffset(t.ID)
	e.streamOutFile(t, conn, offset)
}

func (e *Engine) streamOutFile(t *Transfer, conn net.Conn, startPos uint64) {
	f, err := os.Open(t.SanitizedLocalPath)
	if err != nil {
		t.setError(Failed, err.Error())
		e.publish("DCC_TRANSFER_ERROR", t.Snapshot())
		return
	}
	defer f.Close()
	if startPos > 0 {
		if _, err := f.Seek(int64(startPos), io.SeekStart); err != nil {
			t.setError(Failed, err.Error())
			e.publish("DCC_TRANSFER_ERROR", t.Snapshot())
			return
		}
	}

	t.bytesTransferred.Store(startPos)
	t.setStatus(Transferring)
	e.publish("DCC_TRANSFER_START", t.Snapshot())

	var writer io.Writer = conn
	if e.cfg.BandwidthLimitBps > 0 {
		ctx, cancel := e.ctx()
		defer cancel()
		writer = newThrottledWriter(ctx, writer, e.cfg.BandwidthLimitBps)
	}

	n, err := e.copyWithProgress(t, writer, f, startPos)
	total := startPos + n
	if err != nil {
		if t.cancelled() {
			t.setStatus(Cancelled)
			e.publish("DCC_TRANSFER_CANCELLED", t.Snapshot())
			return
		}
		t.setError(Failed, err.Error())
		e.publish("DCC_TRANSFER_ERROR", t.Snapshot())
		return
	}
	if total < t.Filesize {
		t.setError(Failed, "peer closed connection before filesize reached")
		e.publish("DCC_TRANSFER_ERROR", t.Snapshot())
		return
	}
	t.setStatus(Completed)
	e.publish("DCC_TRANSFER_COMPLETE", t.Snapshot())
	e.emitOutgoingChecksum(t)
}

// emitOutgoingChecksum computes the full-file digest after a successful
// send and emits a "DCC CHECKSUM" CTCP to the peer, spec §4.7 "Checksums".
func (e *Engine) emitOutgoingChecksum(t *Transfer) {
	if t.ChecksumAlgorithm == "" || t.ChecksumAlgorithm == "none" {
		return
	}
	digest, err := hashFile(t.SanitizedLocalPath, t.ChecksumAlgorithm)
	if err != nil {
		e.logger.Warn("dcc checksum computation failed", "transfer", t.ID, "error", err)
		return
	}
	t.setCalculatedChecksum(digest, ChecksumNotChecked)
	e.send(t.PeerNick, ctcpWrap(wire.FormatDCCChecksum(wire.DCCChecksum{
		Filename: t.OriginalFilename, Algorithm: t.ChecksumAlgorithm, Digest: digest, TransferID: t.ID,
	})))
}
