package dvr

import (
	"io"
	"os"
)

// tailReader streams a recording's media file. When the capture is still
// running it blocks at the current end of file until the writer appends
// more, so a playback client can follow the recording live.
type tailReader struct {
	recorder *Recorder
	sess     *session
	id       string
	file     *os.File
	offset   int64
	closed   bool
}

func (t *tailReader) Read(p []byte) (int, error) {
	// Finished recording: plain sequential read.
	if t.sess == nil {
		return t.file.Read(p)
	}

	t.sess.mu.Lock()
	for t.offset >= t.sess.size && !t.sess.done {
		t.sess.cond.Wait()
	}
	size := t.sess.size
	done := t.sess.done
	t.sess.mu.Unlock()

	if t.offset >= size {
		if done {
			return 0, io.EOF
		}
		return 0, nil
	}

	n, err := t.file.ReadAt(p, t.offset)
	if n > 0 {
		t.offset += int64(n)
		// ReadAt reports io.EOF at the live end; the next Read blocks for
		// more instead of ending the stream.
		if err == io.EOF && !done {
			err = nil
		}
	}
	return n, err
}

func (t *tailReader) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.recorder.releaseReader(t.id)
	return t.file.Close()
}
