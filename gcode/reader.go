package gcode

import "io"

// Reader yields the successive blocks of a program and io.EOF after the
// last one.
type Reader interface {
	Read() (Block, error)
}

// BlocksReader replays an already-parsed block slice, used to feed a
// Buffer when re-emitting a program as canonical text.
type BlocksReader struct {
	Blocks []Block
	n      int
}

func (b *BlocksReader) Read() (Block, error) {
	if b.n == len(b.Blocks) {
		return nil, io.EOF
	}

	b.n++
	return b.Blocks[b.n-1], nil
}
