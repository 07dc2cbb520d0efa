// gctrace is a bench tool: it estimates per-line execution time for a
// g-code file, re-emits programs in canonical form, and can cross-check
// the toolpath through the gocnc simulator.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	cncgcode "github.com/joushou/gocnc/gcode"
	gvm "github.com/joushou/gocnc/vm"
	"github.com/urfave/cli/v2"

	"github.com/RefikCodes/raptorex-core/gcode"
	"github.com/RefikCodes/raptorex-core/vm"
)

func main() {
	app := &cli.App{
		Name:      "gctrace",
		Usage:     "estimate g-code run time line by line",
		ArgsUsage: "FILE (or - for stdin)",
		Flags: []cli.Flag{
			&cli.Float64Flag{Name: "rapid", Value: vm.DefaultRapidRate, Usage: "rapid rate, mm/min"},
			&cli.BoolFlag{Name: "dump", Usage: "also simulate and dump the toolpath"},
			&cli.BoolFlag{Name: "normalize", Usage: "re-emit the program as canonical text and exit"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "print only the total"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.ShowAppHelp(c)
	}

	name := c.Args().First()
	var data []byte
	var err error
	if name == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return err
	}

	if c.Bool("normalize") {
		blocks, err := gcode.Parse(string(data))
		if err != nil {
			return fmt.Errorf("normalize: %w", err)
		}
		_, err = io.Copy(os.Stdout, gcode.NewBuffer(&gcode.BlocksReader{Blocks: blocks}))
		return err
	}

	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	estimates := vm.EstimateLines(lines, c.Float64("rapid"))

	var total time.Duration
	for i, d := range estimates {
		total += d
		if !c.Bool("quiet") && strings.TrimSpace(lines[i]) != "" {
			fmt.Printf("%6d  %12s  %s\n", i+1, d.Round(time.Millisecond), strings.TrimSpace(lines[i]))
		}
	}
	fmt.Printf("total: %s over %d lines\n", total.Round(time.Second), len(lines))

	if c.Bool("dump") {
		doc, err := cncgcode.Parse(strings.TrimSpace(string(data)))
		if err != nil {
			return fmt.Errorf("simulate: %w", err)
		}
		var m gvm.Machine
		m.Init()
		m.Process(doc)
		m.Dump()
	}
	return nil
}
