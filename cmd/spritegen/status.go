package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/strongdm/spritegen/internal/report"
	"github.com/strongdm/spritegen/internal/runstore"
)

func cmdStatus(args []string) {
	var runDir string
	var jsonOutput, watch bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run-dir":
			i++
			requireValue(args, i, "--run-dir")
			runDir = args[i]
		case "--json":
			jsonOutput = true
		case "--watch":
			watch = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if runDir == "" {
		usage()
		os.Exit(1)
	}

	if watch {
		watchStatus(runDir, jsonOutput)
		return
	}
	printStatus(runDir, jsonOutput)
}

func printStatus(runDir string, jsonOutput bool) {
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

	status := report.BuildLiveStatus(rs, string(rs.Status), time.Now().UTC())
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	fmt.Printf("run_id=%s\n", status.RunID)
	fmt.Printf("status=%s\n", status.Status)
	fmt.Printf("frames_approved=%d/%d\n", status.FramesApproved, status.TotalFrames)
	fmt.Printf("retry_rate=%.3f reject_rate=%.3f\n", status.RetryRate, status.RejectRate)
	fmt.Printf("elapsed_seconds=%.1f\n", status.ElapsedSeconds)
	if status.ResumeCommand != "" {
		fmt.Printf("resume_command=%s\n", status.ResumeCommand)
	}
}

// watchStatus reprints the status view every time state.json changes,
// following writes as the orchestrator's SaveState calls rename a fresh
// temp file over it (§4.G), until the process is interrupted.
func watchStatus(runDir string, jsonOutput bool) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer watcher.Close()

	if err := watcher.Add(runDir); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	statePath := filepath.Join(runDir, "state.json")

	printStatus(runDir, jsonOutput)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != statePath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			printStatus(runDir, jsonOutput)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			fmt.Fprintln(os.Stderr, err)
		}
	}
}
