package gcode

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

type Parser struct{ br *bufio.Reader }

func NewParser(r io.Reader) *Parser {
	if br, ok := r.(*bufio.Reader); ok {
		return &Parser{br: br}
	}

	return &Parser{br: bufio.NewReader(r)}
}

var (
	rx        = regexp.MustCompile(`^([A-Z][0-9.\-]+)+$`)
	rxSplit   = regexp.MustCompile(`[A-Z][0-9.\-]+`)
	rxComment = regexp.MustCompile(`\([^)]*\)`)
)

// Read returns the next non-empty block. Semicolon and parenthesized
// comments are stripped, line numbers (N words) are dropped.
func (p *Parser) Read() (ln Block, err error) {
	for {
		s, err := p.br.ReadString('\n')
		if err == io.EOF && s != "" {
			err = nil
		}
		if err != nil {
			return nil, err
		}

		s = strings.SplitN(s, ";", 2)[0]
		s = rxComment.ReplaceAllString(s, "")
		s = strings.Replace(s, " ", "", -1)
		s = strings.TrimSpace(s)
		s = strings.ToUpper(s)

		if s == "" {
			continue
		}

		if !rx.MatchString(s) {
			return nil, errors.New("invalid or unhandled line: " + s)
		}

		codes := rxSplit.FindAllString(s, -1)
		res := make(Block, 0, len(codes))

		for _, c := range codes {
			var w Word
			_, err = fmt.Sscanf(c, "%c%f", &w.W, &w.Arg)
			if err != nil {
				return nil, err
			}
			if w.W == 'N' {
				continue
			}
			res = append(res, w)
		}
		if len(res) == 0 {
			continue
		}

		return res, nil
	}
}
