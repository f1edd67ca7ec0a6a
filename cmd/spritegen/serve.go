package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/strongdm/spritegen/internal/director"
	"github.com/strongdm/spritegen/internal/runstore"
)

func cmdServe(args []string) {
	addr := "127.0.0.1:8080"
	var runDir, move, anchorFrameID string
	var totalFrames int

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			i++
			requireValue(args, i, "--addr")
			addr = args[i]
		case "--run-dir":
			i++
			requireValue(args, i, "--run-dir")
			runDir = args[i]
		case "--move":
			i++
			requireValue(args, i, "--move")
			move = args[i]
		case "--anchor-frame-id":
			i++
			requireValue(args, i, "--anchor-frame-id")
			anchorFrameID = args[i]
		case "--total-frames":
			i++
			requireValue(args, i, "--total-frames")
			fmt.Sscanf(args[i], "%d", &totalFrames)
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if runDir == "" {
		usage()
		os.Exit(1)
	}

	sessionPath := filepath.Join(runDir, "director_session.json")
	session, err := director.Load(sessionPath)
	switch {
	case errors.Is(err, director.ErrSessionCorrupted):
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	case err != nil:
		store, openErr := runstore.Open(runDir)
		if openErr != nil {
			fmt.Fprintln(os.Stderr, openErr)
			os.Exit(1)
		}
		rs, stateErr := store.LoadState()
		if stateErr == nil && totalFrames == 0 {
			totalFrames = rs.TotalFrames
		}
		session = director.NewSession(filepath.Base(runDir), move, anchorFrameID, totalFrames)
		if err := director.Save(sessionPath, session); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	srv, err := director.NewServer(session, sessionPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("director listening on %s\n", addr)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
