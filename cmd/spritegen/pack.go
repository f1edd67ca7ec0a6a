package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/strongdm/spritegen/internal/packer"
	"github.com/strongdm/spritegen/internal/runstore"
)

func cmdPack(args []string) {
	var runDir, character, move string
	var columns int
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run-dir":
			i++
			requireValue(args, i, "--run-dir")
			runDir = args[i]
		case "--character":
			i++
			requireValue(args, i, "--character")
			character = args[i]
		case "--move":
			i++
			requireValue(args, i, "--move")
			move = args[i]
		case "--columns":
			i++
			requireValue(args, i, "--columns")
			fmt.Sscanf(args[i], "%d", &columns)
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if runDir == "" || character == "" || move == "" {
		usage()
		os.Exit(1)
	}

	store, err := runstore.Open(runDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	rs, err := store.LoadState()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	approvedDir := filepath.Join(runDir, "approved")
	exportDir := filepath.Join(runDir, "export")
	imagePath := filepath.Join(exportDir, fmt.Sprintf("%s_%s.png", character, move))
	jsonPath := filepath.Join(exportDir, fmt.Sprintf("%s_%s.json", character, move))

	p := packer.GridPacker{Columns: columns}
	if err := p.Pack(approvedDir, move, rs.TotalFrames, imagePath, jsonPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("image=%s\n", imagePath)
	fmt.Printf("json=%s\n", jsonPath)
}
