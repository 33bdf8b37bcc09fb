package main

import (
	"fmt"
	"os"

	"github.com/chris-regnier/warden/internal/input"
	"github.com/chris-regnier/warden/internal/signal"
)

func readInventory(args []string, dir string) ([]signal.Candidate, error) {
	h := input.NewHandler()
	switch {
	case len(args) == 1 && args[0] == "-":
		return h.Read(os.Stdin, input.FormatJSON)
	case len(args) > 0:
		return h.ReadFiles(args)
	case dir != "":
		return h.ReadDirectory(dir)
	default:
		return nil, fmt.Errorf("specify inventory files, - for stdin, or --dir")
	}
}
