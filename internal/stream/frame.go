package stream

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nlpodyssey/gopickle/pickle"
)

// Devices length-prefix every frame with an 8-byte little-endian size,
// followed by a pickled JPEG payload.
const frameHeaderSize = 8

// maxFrameSize bounds a single frame. A tracking camera frame is well
// under a megabyte; anything larger means a desynchronised stream.
const maxFrameSize = 8 << 20

// readFrame reads one complete frame from the upstream socket and
// returns the raw JPEG bytes. Partial reads are accumulated by
// io.ReadFull, so a frame is either returned whole or not at all.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint64(hdr[:])
	if size == 0 || size > maxFrameSize {
		return nil, fmt.Errorf("implausible frame size %d", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return decodeFrame(payload)
}

// decodeFrame unpickles a frame payload into JPEG bytes.
func decodeFrame(payload []byte) ([]byte, error) {
	value, err := pickle.Loads(string(payload))
	if err != nil {
		return nil, fmt.Errorf("unpickle frame: %w", err)
	}
	switch img := value.(type) {
	case []byte:
		return img, nil
	case string:
		return []byte(img), nil
	}
	return nil, fmt.Errorf("frame payload is %T, want bytes", value)
}

// formatPart wraps a JPEG in a ready-to-send multipart segment so the
// fan-out copies one buffer per subscriber instead of rebuilding
// headers per client.
func formatPart(boundary string, jpeg []byte) []byte {
	header := fmt.Sprintf(
		"--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n",
		boundary, len(jpeg),
	)
	part := make([]byte, 0, len(header)+len(jpeg)+2)
	part = append(part, header...)
	part = append(part, jpeg...)
	part = append(part, '\r', '\n')
	return part
}
