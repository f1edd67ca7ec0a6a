package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/strongdm/spritegen/internal/anchor"
	"github.com/strongdm/spritegen/internal/generator"
	"github.com/strongdm/spritegen/internal/manifest"
	"github.com/strongdm/spritegen/internal/obslog"
	"github.com/strongdm/spritegen/internal/orchestrator"
	"github.com/strongdm/spritegen/internal/posedb"
	"github.com/strongdm/spritegen/internal/report"
	"github.com/strongdm/spritegen/internal/resume"
	"github.com/strongdm/spritegen/internal/runmodel"
	"github.com/strongdm/spritegen/internal/runstore"
	"github.com/strongdm/spritegen/internal/version"
	"go.uber.org/zap"
)

type runFlags struct {
	manifestPath string
	runsRoot     string
	poseDBPath   string
	apiKey       string
	model        string
	verbose      bool
	resumeRun    bool
	force        bool
}

func parseRunFlags(args []string) runFlags {
	f := runFlags{runsRoot: "runs"}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--manifest":
			i++
			requireValue(args, i, "--manifest")
			f.manifestPath = args[i]
		case "--runs-root":
			i++
			requireValue(args, i, "--runs-root")
			f.runsRoot = args[i]
		case "--posedb":
			i++
			requireValue(args, i, "--posedb")
			f.poseDBPath = args[i]
		case "--api-key":
			i++
			requireValue(args, i, "--api-key")
			f.apiKey = args[i]
		case "--model":
			i++
			requireValue(args, i, "--model")
			f.model = args[i]
		case "--verbose":
			f.verbose = true
		case "--force":
			f.force = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if f.manifestPath == "" {
		usage()
		os.Exit(1)
	}
	return f
}

func requireValue(args []string, i int, flag string) {
	if i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
		os.Exit(1)
	}
}

func cmdRun(args []string) {
	f := parseRunFlags(args)
	f.resumeRun = false
	runPipeline(f)
}

func cmdResume(args []string) {
	f := parseRunFlags(args)
	f.resumeRun = true
	runPipeline(f)
}

func runPipeline(f runFlags) {
	m, err := manifest.Load(f.manifestPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	manifestHash, err := manifest.Hash(m)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	anchorBytes, err := os.ReadFile(m.AnchorPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	anchorAnalysis, err := anchor.Analyze(anchorBytes, m.TargetSize)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	anchorImage, err := decodeNRGBA(anchorBytes)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var poseDB *posedb.DB
	if f.poseDBPath != "" {
		poseDB, err = posedb.Load(f.poseDBPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	var runDir string
	var rs *runmodel.RunState
	if f.resumeRun {
		decision, err := resume.Detect(f.runsRoot, m.Character, m.Move, manifestHash, f.force)
		if decision.AlreadyCompleted {
			fmt.Println("run already completed, nothing to resume")
			os.Exit(0)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if !decision.Found {
			fmt.Fprintln(os.Stderr, "resume: no resumable run found for this character/move")
			os.Exit(1)
		}
		runDir = decision.RunDir
		rs = decision.RunState
	} else {
		dirName, err := runstore.NewRunDirName(m.Character, m.Move)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		runDir = filepath.Join(f.runsRoot, dirName)
		runID, err := runstore.NewRunID()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		rs = runmodel.NewRunState(runID, manifestHash, m.TotalFrames)
	}

	store, err := runstore.Open(runDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if !f.resumeRun {
		lf, err := runstore.NewLockFile(rs.RunID, manifestHash, m.ModelID, version.Version, m.AnchorPath, f.manifestPath, f.poseDBPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := store.SaveLockFile(lf); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	log, err := obslog.New(runDir, f.verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cleanup := signalCancelContext()
	defer cleanup()

	gen, err := buildGenerator(ctx, f, m.GenerationSize, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	orch := orchestrator.New(m, gen, store, poseDB, string(anchorBytes), "image/png", anchorAnalysis, anchorImage, log)
	if runErr := orch.Run(ctx, rs); runErr != nil {
		log.Error("run terminated with error", zap.Error(runErr))
	}

	if err := store.SaveState(rs); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	now := time.Now().UTC()
	summary := report.BuildLiveStatus(rs, string(rs.Status), now)
	if err := store.SaveSummary(summary); err != nil {
		log.Error("failed to write summary", zap.Error(err))
	}
	if rs.Status == runmodel.RunStopped || rs.Status == runmodel.RunFailed {
		diag := report.BuildDiagnostic(rs, now)
		if err := store.SaveDiagnostic(diag); err != nil {
			log.Error("failed to write diagnostic", zap.Error(err))
		}
	}

	if rs.Status == runmodel.RunCompleted {
		bundlePath := filepath.Join(runDir, "export", fmt.Sprintf("%s_%s.tar.gz", m.Character, m.Move))
		skipExportDir := func(rel string, _ fs.DirEntry) bool {
			return rel != "export" && !strings.HasPrefix(rel, "export/")
		}
		if err := store.ExportBundle(bundlePath, skipExportDir); err != nil {
			log.Error("failed to export run bundle", zap.Error(err))
		} else {
			fmt.Printf("export_bundle=%s\n", bundlePath)
		}
	}

	fmt.Printf("run_id=%s\n", rs.RunID)
	fmt.Printf("run_dir=%s\n", runDir)
	fmt.Printf("status=%s\n", rs.Status)
	fmt.Printf("frames_approved=%d/%d\n", rs.ApprovedCount(), rs.TotalFrames)
	if rs.StopReason != "" {
		fmt.Printf("stop_reason=%s\n", rs.StopReason)
	}

	if rs.Status == runmodel.RunCompleted {
		os.Exit(0)
	}
	os.Exit(1)
}

func buildGenerator(ctx context.Context, f runFlags, generationSize int, log *zap.Logger) (generator.Generator, error) {
	if f.apiKey == "" {
		f.apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if f.apiKey == "" {
		return generator.NewSimulated(generationSize), nil
	}
	return generator.NewGeminiGenerator(ctx, f.apiKey, f.model, log)
}

func decodeNRGBA(data []byte) (*image.NRGBA, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode anchor image: %w", err)
	}
	if n, ok := img.(*image.NRGBA); ok {
		return n, nil
	}
	nrgba := image.NewNRGBA(img.Bounds())
	draw.Draw(nrgba, nrgba.Bounds(), img, img.Bounds().Min, draw.Src)
	return nrgba, nil
}
