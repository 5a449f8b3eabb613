package dcc

import (
	"io"
	"net"
	"os"
	"strconv"
	"time"
)

const progressChunk = 64 * 1024

// runActiveReceive connects to the sender's advertised address and streams
// the incoming file into the transfer's sanitized local path. Spec §4.7
// "Accepting an incoming SEND (active)".
func (e *Engine) runActiveReceive(t *Transfer, peerIP string, peerPort uint16, startPos uint64) {
	defer e.wg.Done()
	t.setStatus(Connecting)
	conn, err := dialTimeout(net.JoinHostPort(peerIP, portString(peerPort)), e.transferTimeout())
	if err != nil {
		t.setError(Failed, err.Error())
		e.publish("DCC_TRANSFER_ERROR", t.Snapshot())
		return
	}
	defer conn.Close()
	e.streamIntoFile(t, conn, startPos)
}

// runPassiveReceiveAccept waits for the sender to connect to the listening
// socket opened by AcceptPassive, then streams identically to the active
// path. Spec §4.7 "Accepting an incoming SEND (passive)".
func (e *Engine) runPassiveReceiveAccept(t *Transfer, l net.Listener) {
	defer e.wg.Done()
	defer l.Close()
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
	e.streamIntoFile(t, conn, 0)
}

func (e *Engine) streamIntoFile(t *Transfer, conn net.Conn, startPos uint64) {
	var f *os.File
	var err error
	if startPos > 0 {
		f, err = os.OpenFile(t.SanitizedLocalPath, os.O_WRONLY|os.O_CREATE, 0o644)
		if err == nil {
			_, err = f.Seek(int64(startPos), io.SeekStart)
		}
	} else {
		f, err = os.Create(t.SanitizedLocalPath)
	}
	if err != nil {
		t.setError(Failed, err.Error())
		e.publish("DCC_TRANSFER_ERROR", t.Snapshot())
		return
	}
	defer f.Close()

	t.bytesTransferred.Store(startPos)
	t.setStatus(Transferring)
	e.publish("DCC_TRANSFER_START", t.Snapshot())

	var reader io.Reader = conn
	if e.cfg.BandwidthLimitBps > 0 {
		ctx, cancel := e.ctx()
		defer cancel()
		reader = newThrottledReader(ctx, reader, e.cfg.BandwidthLimitBps)
	}

	n, err := e.copyWithProgress(t, f, reader, startPos)
	total := startPos + n
	if err != nil && err != io.EOF {
		if t.cancelled() {
			t.setStatus(Cancelled)
			if e.cfg.DeletePartialOnCancel {
				os.Remove(t.SanitizedLocalPath)
			}
			e.publish("DCC_TRANSFER_CANCELLED", t.Snapshot())
			return
		}
		t.setError(Failed, err.Error())
		e.publish("DCC_TRANSFER_ERROR", t.Snapshot())
		return
	}
	if total < t.Filesize {
		t.setError(Failed, "connection closed before filesize reached")
		e.publish("DCC_TRANSFER_ERROR", t.Snapshot())
		return
	}
	t.setStatus(Completed)
	e.publish("DCC_TRANSFER_COMPLETE", t.Snapshot())
	e.verifyReceivedChecksum(t)
}

// copyWithProgress copies from r into w, updating t's byte counter and rate
// estimate, and emitting progress events roughly every 64KiB or 500ms
// (whichever comes first), honoring cooperative cancellation.
func (e *Engine) copyWithProgress(t *Transfer, w io.Writer, r io.Reader, startPos uint64) (uint64, error) {
	buf := make([]byte, 32*1024)
	var sinceLastEvent uint64
	lastEvent := time.Now()
	var sent uint64
	startedAt := time.Now()

	for {
		if t.cancelled() {
			return sent, io.ErrClosedPipe
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return sent, werr
			}
			sent += uint64(n)
			sinceLastEvent += uint64(n)
			t.bytesTransferred.Add(uint64(n))

			if sinceLastEvent >= progressChunk || time.Since(lastEvent) >= 500*time.Millisecond {
				elapsed := time.Since(startedAt).Seconds()
				rate := float64(sent) / maxFloat(elapsed, 0.001)
				remaining := float64(t.Filesize-(startPos+sent)) / maxFloat(rate, 1)
				t.setRate(rate, remaining)
				e.publish("DCC_TRANSFER_PROGRESS", t.Snapshot())
				sinceLastEvent = 0
				lastEvent = time.Now()
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return sent, nil
			}
			return sent, rerr
		}
		if startPos+sent >= t.Filesize {
			return sent, nil
		}
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func portString(p uint16) string {
	return strconv.Itoa(int(p))
}

// verifyReceivedChecksum computes the digest of the completed file when
// checksums are enabled and compares it against any expected digest
// already received, or simply records the calculation for a checksum that
// arrives afterward. Spec §4.7 "Checksums".
func (e *Engine) verifyReceivedChecksum(t *Transfer) {
	if t.ChecksumAlgorithm == "" || t.ChecksumAlgorithm == "none" {
		t.setCalculatedChecksum("", ChecksumNotChecked)
		return
	}
	digest, err := hashFile(t.SanitizedLocalPath, t.ChecksumAlgorithm)
	if err != nil {
		e.logger.Warn("dcc checksum computation failed", "transfer", t.ID, "error", err)
		t.setCalculatedChecksum("", ChecksumErrorStatus)
		return
	}
	t.setCalculatedChecksum(digest, ChecksumPending)
	e.finalizeChecksum(t)
}

// acceptWithCancel accepts one connection from l, honoring both a deadline
// and cooperative cancellation via cancelCh.
func acceptWithCancel(l net.Listener, timeout time.Duration, cancelCh <-chan struct{}) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-time.After(timeout):
		return nil, errTimedOut("dcc: accept timed out")
	case <-cancelCh:
		return nil, errTimedOut("dcc: cancelled while waiting for peer connection")
	}
}

type errTimedOut string

func (e errTimedOut) Error() string { return string(e) }
