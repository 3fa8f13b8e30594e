package gateway

import (
	"bytes"
	"encoding/json"
	"strings"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

// streamChunk mirrors one chat-completion delta frame from the gateway.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *streamChunk) content() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// lineBuffer assembles newline-delimited lines out of arbitrarily sized byte
// chunks. Bytes are held until a full line is available, so UTF-8 sequences
// and JSON payloads split across network reads are never interpreted early.
//
// PushBack returns a consumed line to the front of the buffer; callers use it
// when a line turned out to be incomplete and must be retried once more bytes
// arrive. A pushed-back line is only re-examined after another Feed (or at
// Tail), which is what keeps the retry from spinning.
type lineBuffer struct {
	buf []byte
}

// Feed appends raw bytes from the wire.
func (b *lineBuffer) Feed(p []byte) {
	b.buf = append(b.buf, p...)
}

// Next pops the earliest complete line, without its terminator. A trailing
// carriage return is stripped.
func (b *lineBuffer) Next() (string, bool) {
	i := bytes.IndexByte(b.buf, '\n')
	if i < 0 {
		return "", false
	}
	line := strings.TrimSuffix(string(b.buf[:i]), "\r")
	b.buf = b.buf[i+1:]
	return line, true
}

// PushBack re-prefixes a line (with its newline) onto the buffer.
func (b *lineBuffer) PushBack(line string) {
	rest := b.buf
	b.buf = make([]byte, 0, len(line)+1+len(rest))
	b.buf = append(b.buf, line...)
	b.buf = append(b.buf, '\n')
	b.buf = append(b.buf, rest...)
}

// Tail returns any bytes left after the final newline. The last line of a
// stream is not guaranteed to be terminated.
func (b *lineBuffer) Tail() string {
	return strings.TrimSuffix(string(b.buf), "\r")
}

// Parser decodes a server-sent event stream into its ordered text deltas.
// A Parser is single use: construct one per response body and feed it reads
// of arbitrary size and alignment.
type Parser struct {
	lines lineBuffer
	done  bool
}

// NewParser returns a parser ready for its first chunk.
func NewParser() *Parser {
	return &Parser{}
}

// Done reports whether the [DONE] sentinel has been observed.
func (p *Parser) Done() bool {
	return p.done
}

// Feed consumes the next chunk of bytes from the wire and returns the deltas
// it completed, in order. Once the [DONE] sentinel has been seen all further
// input is ignored.
//
// A data line whose JSON does not parse is treated as split mid-line by the
// transport: it is pushed back and retried after the next Feed. Only Flush
// treats a failing line as genuinely malformed.
func (p *Parser) Feed(chunk []byte) []string {
	if p.done {
		return nil
	}
	p.lines.Feed(chunk)

	var deltas []string
	for {
		line, ok := p.lines.Next()
		if !ok {
			return deltas
		}
		payload, ok := dataPayload(line)
		if !ok {
			continue
		}
		if payload == doneSentinel {
			p.done = true
			return deltas
		}
		var frame streamChunk
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			p.lines.PushBack(line)
			return deltas
		}
		if d := frame.content(); d != "" {
			deltas = append(deltas, d)
		}
	}
}

// Flush processes whatever remains after the underlying stream has ended;
// the final line is not guaranteed to be newline-terminated. A line whose
// JSON still fails to parse here is skipped rather than retried.
func (p *Parser) Flush() []string {
	if p.done {
		return nil
	}
	var deltas []string
	emit := func(line string) bool {
		payload, ok := dataPayload(line)
		if !ok {
			return true
		}
		if payload == doneSentinel {
			p.done = true
			return false
		}
		var frame streamChunk
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			return true
		}
		if d := frame.content(); d != "" {
			deltas = append(deltas, d)
		}
		return true
	}

	for {
		line, ok := p.lines.Next()
		if !ok {
			break
		}
		if !emit(line) {
			return deltas
		}
	}
	if tail := p.lines.Tail(); tail != "" {
		emit(tail)
	}
	p.lines.buf = nil
	return deltas
}

// dataPayload extracts the payload of a data line. Blank lines, comments,
// and any other field are ignored.
func dataPayload(line string) (string, bool) {
	if line == "" || strings.HasPrefix(line, ":") {
		return "", false
	}
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}
	return strings.TrimSpace(line[len(dataPrefix):]), true
}
