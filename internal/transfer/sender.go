package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/termgate/termgate/internal/protocol"
)

// ChunkSize is the fixed upload chunk size. It bounds per-frame memory
// on both ends.
const ChunkSize = 100000

// FrameWriter serializes frames onto the channel's single outbound
// writer.
type FrameWriter interface {
	WriteFrame(protocol.Frame) error
}

// Send uploads the file at path as an ordered sequence of file-transfer
// frames. It is synchronous per transfer: the next chunk is not read
// until the previous one has been handed to the writer, so chunk numbers
// are strictly increasing with no gaps. There is no per-chunk
// acknowledgment; backpressure comes from the transport alone. It
// returns the generated file_id.
func Send(w FrameWriter, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	fileID := uuid.NewString()
	size := info.Size()
	buf := make([]byte, ChunkSize)

	var offset int64
	for chunk := 0; ; chunk++ {
		n, err := io.ReadFull(f, buf)
		eof := err == io.EOF || err == io.ErrUnexpectedEOF
		if err != nil && !eof {
			return fileID, fmt.Errorf("read %s: %w", path, err)
		}

		c := protocol.FileChunk{
			FileID:   fileID,
			Chunk:    chunk,
			MoreData: !eof && offset+int64(n) < size,
		}
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.Data = data
		}
		if chunk == 0 {
			// Announcement chunk carries the file metadata.
			c.Name = filepath.Base(path)
			c.Size = size
			c.Modified = float64(info.ModTime().UnixNano()) / 1e9
		}

		frame, err := protocol.New(protocol.TypeFileTransfer, c)
		if err != nil {
			return fileID, err
		}
		if err := w.WriteFrame(frame); err != nil {
			return fileID, fmt.Errorf("send chunk %d: %w", chunk, err)
		}

		offset += int64(n)
		if !c.MoreData {
			return fileID, nil
		}
	}
}
