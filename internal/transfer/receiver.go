// Package transfer implements the chunked file-upload sub-protocol
// embedded in a terminal channel: an ordered sequence of file-transfer
// frames per file_id, reassembled into a single file and acknowledged
// with exactly one file-transfer-result frame.
package transfer

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/termgate/termgate/internal/protocol"
)

// inbound is one in-flight upload.
type inbound struct {
	file       *os.File
	path       string // absolute path on disk
	returnPath string // path reported back in the result
	next       int    // chunk counter the next frame must carry
	written    int64
}

// Receiver reassembles uploads for one session. It is owned by a single
// goroutine (the session's transfer worker); it is not safe for
// concurrent use.
type Receiver struct {
	dir    string
	log    *zap.SugaredLogger
	active map[string]*inbound
}

// NewReceiver creates a receiver storing finished files in dir.
func NewReceiver(dir string, log *zap.SugaredLogger) *Receiver {
	return &Receiver{dir: dir, log: log, active: make(map[string]*inbound)}
}

// Apply feeds one file-transfer chunk into the per-file_id state machine.
// It returns a result payload to send back when the transfer completes or
// fails, and nil while the transfer is still in flight. A failed transfer
// never affects other transfers or the session.
func (r *Receiver) Apply(c protocol.FileChunk) *protocol.TransferResult {
	if c.FileID == "" {
		return errorResult("", "payload incomplete: missing file_id")
	}

	in, ok := r.active[c.FileID]
	if !ok {
		if c.Chunk != 0 {
			return errorResult(c.FileID, fmt.Sprintf("transfer must start with chunk 0, got %d", c.Chunk))
		}
		if c.Name == "" {
			return errorResult(c.FileID, "payload incomplete: missing name")
		}
		var err error
		in, err = r.open(c.Name)
		if err != nil {
			r.log.Warnf("transfer: open sink for %s: %v", c.FileID, err)
			return errorResult(c.FileID, err.Error())
		}
		r.active[c.FileID] = in
	} else if c.Chunk != in.next {
		r.log.Warnf("transfer: %s out of order: got chunk %d, want %d", c.FileID, c.Chunk, in.next)
		r.discard(c.FileID)
		return errorResult(c.FileID, fmt.Sprintf("out-of-order chunk %d, want %d", c.Chunk, in.next))
	}
	in.next++

	if len(c.Data) > 0 {
		n, err := in.file.Write(c.Data)
		in.written += int64(n)
		if err != nil {
			r.log.Warnf("transfer: %s sink write failed: %v", c.FileID, err)
			r.discard(c.FileID)
			return errorResult(c.FileID, fmt.Sprintf("write failed: %v", err))
		}
	}

	if c.MoreData {
		return nil
	}

	in.file.Close()
	delete(r.active, c.FileID)
	r.log.Infof("transfer: %s complete, %d bytes stored at %s", c.FileID, in.written, in.path)
	return &protocol.TransferResult{
		FileID: c.FileID,
		Result: &protocol.StoredFile{Path: in.returnPath},
	}
}

// open creates the destination file, de-duplicating the name with
// numeric suffixes so an upload never overwrites an existing file.
func (r *Receiver) open(name string) (*inbound, error) {
	base := filepath.Base(name)
	path := filepath.Join(r.dir, base)
	for ext := 1; ; ext++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(r.dir, fmt.Sprintf("%s.%d", base, ext))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o660)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	return &inbound{file: f, path: path, returnPath: filepath.Base(path)}, nil
}

// discard aborts one in-flight transfer and removes its partial file.
func (r *Receiver) discard(fileID string) {
	in, ok := r.active[fileID]
	if !ok {
		return
	}
	in.file.Close()
	os.Remove(in.path)
	delete(r.active, fileID)
}

// Active reports the number of in-flight transfers.
func (r *Receiver) Active() int { return len(r.active) }

// DiscardAll aborts every in-flight transfer, removing partial files.
// Called when the session closes; partial transfers are never resumed.
func (r *Receiver) DiscardAll() {
	for id := range r.active {
		r.log.Infof("transfer: %s discarded, session closed", id)
		r.discard(id)
	}
}

func errorResult(fileID, msg string) *protocol.TransferResult {
	return &protocol.TransferResult{FileID: fileID, Error: &msg}
}
