package pwsh

import (
	"bufio"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// readerQueueSize bounds each output queue. A full queue backpressures the
// reader goroutine, never the Execute caller.
const readerQueueSize = 256

// lineEvent is one decoded line from a stream, or a terminal read error.
// The channel closing is the end-of-stream sentinel.
type lineEvent struct {
	Line string
	Err  error
}

// readLines drains one stream line-by-line onto ch. It runs as its own
// goroutine, one per stream, and only ever blocks itself: a stuck consumer
// backpressures through the bounded channel, a stuck producer is unblocked
// when the session closes the underlying pipe.
//
// Decode failures are repaired best-effort (invalid bytes replaced) and
// never stop the loop. An I/O error is pushed as a synthetic event, then
// the loop stops. In every case the channel is closed as the sentinel.
func readLines(stream string, r io.Reader, ch chan<- lineEvent, log *slog.Logger) {
	defer close(ch)

	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			ch <- lineEvent{Line: decodeLine(line, stream, log)}
		}
		if err != nil {
			if err != io.EOF {
				log.Debug("stream read error", "stream", stream, "error", err)
				ch <- lineEvent{Err: wrapError(KindCommunication, err, "read error on %s", stream)}
			} else {
				log.Debug("stream EOF", "stream", stream)
			}
			return
		}
	}
}

// decodeLine strips the line terminator and repairs invalid UTF-8 rather
// than aborting the reader. The wire is UTF-8 by contract; anything else is
// replaced with the Unicode replacement character and logged once per line.
func decodeLine(raw, stream string, log *slog.Logger) string {
	line := strings.TrimRight(raw, "\r\n")
	if utf8.ValidString(line) {
		return line
	}
	log.Debug("replacing invalid encoding in output line", "stream", stream)
	return strings.ToValidUTF8(line, "�")
}
