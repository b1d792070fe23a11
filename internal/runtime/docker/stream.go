package docker

import (
	"encoding/json"
	"io"

	"github.com/devbenchd/devbenchd/internal/runtime"
)

// chanWriter adapts stdcopy.StdCopy's io.Writer demux targets onto the
// Driver interface's channel-based OutputChunk streams. Each Write call
// from stdcopy is one already-framed chunk; we copy it since stdcopy
// reuses its internal buffer across calls.
type chanWriter struct {
	ch chan runtime.OutputChunk
}

func (w *chanWriter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	w.ch <- runtime.OutputChunk{Data: buf}
	return len(p), nil
}

func decodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}
