package docker

import (
	"io"
	"regexp"
)

// matches ANSI escape codes (colours, cursor moves)
const ansi = "[\u001B\u009B][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?\u0007)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))"

var ansiRe = regexp.MustCompile(ansi)

// ansiStrippingWriter keeps terminal control sequences out of instance logs.
type ansiStrippingWriter struct {
	underlying io.Writer
}

func (w *ansiStrippingWriter) Write(p []byte) (int, error) {
	clean := ansiRe.ReplaceAll(p, []byte{})
	if _, err := w.underlying.Write(clean); err != nil {
		return 0, err
	}
	return len(p), nil
}
