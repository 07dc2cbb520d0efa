package gcode

import (
	"bytes"
	"io"
)

// Buffer adapts a block Reader into an io.Reader of newline-terminated
// G-code text.
type Buffer struct {
	gr  Reader
	buf bytes.Buffer
	err error
}

var _ io.Reader = &Buffer{}

func NewBuffer(r Reader) *Buffer {
	return &Buffer{gr: r}
}

func (b *Buffer) Buffered() []byte { return b.buf.Bytes() }

func (b *Buffer) Read(p []byte) (n int, err error) {
	if b.err != nil && b.err != io.EOF {
		return 0, b.err
	}

	var block Block
	for b.err == nil && b.buf.Len() < len(p) {
		block, b.err = b.gr.Read()
		if b.err != nil {
			break
		}
		b.buf.WriteString(block.String() + "\n")
	}
	if b.err != nil && b.err != io.EOF {
		return 0, b.err
	}

	return b.buf.Read(p)
}
