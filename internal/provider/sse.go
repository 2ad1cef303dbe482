package provider

import (
	"bufio"
	"bytes"
	"io"

	"github.com/openai/openai-go/packages/ssestream"
)

// maxSSELine bounds a single line of an event stream. Gemini sends each
// candidate as one data line, so long completions easily pass the 64 KiB
// bufio default.
const maxSSELine = 4 << 20

// sseDecoder reads text/event-stream frames. It satisfies
// ssestream.Decoder and, unlike the SDK decoder, reports read failures
// and over-long lines from Err.
type sseDecoder struct {
	rc  io.ReadCloser
	scn *bufio.Scanner
	evt ssestream.Event
	err error
}

var _ ssestream.Decoder = (*sseDecoder)(nil)

func newSSEDecoder(rc io.ReadCloser) *sseDecoder {
	scn := bufio.NewScanner(rc)
	scn.Buffer(make([]byte, 0, 64<<10), maxSSELine)
	return &sseDecoder{rc: rc, scn: scn}
}

// Next advances to the next event. Comment lines and unknown fields are
// ignored; a trailing event without its blank line is dropped.
func (d *sseDecoder) Next() bool {
	if d.err != nil {
		return false
	}

	var (
		typ  string
		data bytes.Buffer
		seen bool
	)
	for d.scn.Scan() {
		line := d.scn.Bytes()
		if len(line) == 0 {
			if !seen {
				continue
			}
			d.evt = ssestream.Event{Type: typ, Data: data.Bytes()}
			return true
		}

		name, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(name) {
		case "event":
			typ = string(value)
			seen = true
		case "data":
			data.Write(value)
			data.WriteByte('\n')
			seen = true
		}
	}

	d.err = d.scn.Err()
	return false
}

func (d *sseDecoder) Event() ssestream.Event { return d.evt }

func (d *sseDecoder) Close() error { return d.rc.Close() }

func (d *sseDecoder) Err() error { return d.err }
