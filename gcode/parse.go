package gcode

import (
	"io"
	"strings"
)

// Parse decodes a whole program into blocks, one per non-empty line.
// Comments and line numbers are stripped per the GRBL input dialect; any
// malformed line fails the parse.
func Parse(data string) ([]Block, error) {
	r := NewParser(strings.NewReader(data))
	var blocks []Block
	for {
		b, err := r.Read()
		if err == io.EOF {
			return blocks, nil
		}
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
}

// MustParse is Parse for literals in tests and fixtures.
func MustParse(data string) []Block {
	b, err := Parse(data)
	if err != nil {
		panic(err)
	}
	return b
}
