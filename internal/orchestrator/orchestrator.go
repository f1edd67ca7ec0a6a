// Package orchestrator drives the generate → audit → retry → align FSM
// (§4.I): one frame and attempt at a time, recording every transition,
// consulting the retry ladder on failure, and checking the stop-condition
// evaluator after each frame settles.
package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png"
	"sync/atomic"
	"time"

	"github.com/strongdm/spritegen/internal/anchor"
	"github.com/strongdm/spritegen/internal/audit"
	"github.com/strongdm/spritegen/internal/generator"
	"github.com/strongdm/spritegen/internal/manifest"
	"github.com/strongdm/spritegen/internal/postprocess"
	"github.com/strongdm/spritegen/internal/posedb"
	"github.com/strongdm/spritegen/internal/prompt"
	"github.com/strongdm/spritegen/internal/reason"
	"github.com/strongdm/spritegen/internal/retryladder"
	"github.com/strongdm/spritegen/internal/runmodel"
	"github.com/strongdm/spritegen/internal/runstore"
	"github.com/strongdm/spritegen/internal/stopcond"
	"go.uber.org/zap"
)

// State is one node of the orchestrator FSM (§4.I).
type State string

const (
	StateInit           State = "INIT"
	StateGenerating     State = "GENERATING"
	StateAuditing       State = "AUDITING"
	StateRetryDeciding  State = "RETRY_DECIDING"
	StateApproving      State = "APPROVING"
	StateNextFrame      State = "NEXT_FRAME"
	StateCompleted      State = "COMPLETED"
	StateStopped        State = "STOPPED"
)

// maxTransientRetries bounds the in-attempt exponential backoff loop for
// transient Generator errors (§4.I): 1s, 2s, 4s, 8s, 16s.
const maxTransientRetries = 5

// Orchestrator wires together every component needed to drive one run.
type Orchestrator struct {
	Manifest  *manifest.Manifest
	Generator generator.Generator
	Store     *runstore.Store
	PoseDB    *posedb.DB // may be nil
	Log       *zap.Logger

	AnchorBytes    []byte
	AnchorMime     string
	AnchorAnalysis *anchor.Analysis
	AnchorImage    *image.NRGBA

	// abort is a cooperative flag; the Stop method sets it and the FSM loop
	// checks it between transitions.
	abort atomic.Bool

	sleep func(time.Duration) // overridable for tests

	// pendingCandidate and pendingReport carry the in-flight attempt's
	// artifacts between FSM states within a single Run call; the FSM is
	// strictly sequential (one frame/attempt in flight at a time), so these
	// need not be part of the persisted RunState.
	pendingCandidate pendingCandidate
	pendingReport    audit.Report
}

// pendingCandidate is the post-processed candidate image awaiting audit.
type pendingCandidate struct {
	path       string
	promptHash string
	seed       uint32
	strategy   retryladder.RetryAction
	durationMS int64
	decodeErr  error
	postErr    error
	// genErr is set when the Generator call itself failed (permanently, or
	// transiently past its backoff budget). doAudit records the hard-fail
	// attempt under genErrReason so GENERATING only ever transitions to
	// AUDITING or STOPPED (§4.I).
	genErr       error
	genErrReason reason.Code
	image        *image.NRGBA
}

// New builds an Orchestrator. log may be nil (a no-op logger is used).
func New(m *manifest.Manifest, gen generator.Generator, store *runstore.Store, poseDB *posedb.DB, anchorBytes, anchorMime string, anchorAnalysis *anchor.Analysis, anchorImage *image.NRGBA, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		Manifest:       m,
		Generator:      gen,
		Store:          store,
		PoseDB:         poseDB,
		Log:            log,
		AnchorBytes:    []byte(anchorBytes),
		AnchorMime:     anchorMime,
		AnchorAnalysis: anchorAnalysis,
		AnchorImage:    anchorImage,
		sleep:          time.Sleep,
	}
}

// Stop requests cooperative termination; the FSM checks this between
// transitions and moves to STOPPED with USER_INTERRUPT.
func (o *Orchestrator) Stop() { o.abort.Store(true) }

// Run drives rs through the FSM until it reaches COMPLETED or STOPPED,
// persisting state after every transition.
func (o *Orchestrator) Run(ctx context.Context, rs *runmodel.RunState) error {
	ladders := make([]retryladder.State, len(rs.FrameStates))

	state := StateInit
	if rs.Status == runmodel.RunInProgress || rs.Status == runmodel.RunPaused {
		state = StateGenerating
	}

	for {
		if o.abort.Load() {
			o.transition(rs, state, StateStopped)
			rs.Status = runmodel.RunStopped
			rs.StopReason = reason.UserInterrupt
			return o.Store.SaveState(rs)
		}

		switch state {
		case StateInit:
			rs.Status = runmodel.RunInProgress
			o.transition(rs, StateInit, StateGenerating)
			state = StateGenerating

		case StateGenerating:
			next, err := o.doGenerate(ctx, rs, &ladders[rs.CurrentFrame])
			if err != nil {
				o.transition(rs, StateGenerating, StateStopped)
				rs.Status = runmodel.RunFailed
				rs.StopReason = reason.SysWriteError
				_ = o.Store.SaveState(rs)
				return err
			}
			o.transition(rs, StateGenerating, next)
			state = next

		case StateAuditing:
			next := o.doAudit(rs, &ladders[rs.CurrentFrame])
			o.transition(rs, StateAuditing, next)
			state = next

		case StateRetryDeciding:
			next := o.doRetryDecide(rs, &ladders[rs.CurrentFrame])
			o.transition(rs, StateRetryDeciding, next)
			state = next

		case StateApproving:
			next, err := o.doApprove(rs)
			if err != nil {
				o.transition(rs, StateApproving, StateStopped)
				rs.Status = runmodel.RunFailed
				rs.StopReason = reason.SysWriteError
				_ = o.Store.SaveState(rs)
				return err
			}
			o.transition(rs, StateApproving, next)
			state = next

		case StateNextFrame:
			next := o.doNextFrame(rs)
			o.transition(rs, StateNextFrame, next)
			state = next

		case StateCompleted:
			rs.Status = runmodel.RunCompleted
			return o.Store.SaveState(rs)

		case StateStopped:
			if rs.Status == runmodel.RunInProgress {
				rs.Status = runmodel.RunStopped
			}
			return o.Store.SaveState(rs)

		default:
			return fmt.Errorf("orchestrator: unknown state %q", state)
		}

		if err := o.Store.SaveState(rs); err != nil {
			return fmt.Errorf("orchestrator: persist state: %w", err)
		}
	}
}

// transition appends a TransitionRecord to rs.TransitionHistory (§4.I).
func (o *Orchestrator) transition(rs *runmodel.RunState, from, to State) {
	rs.TransitionHistory = append(rs.TransitionHistory, runmodel.TransitionRecord{
		From:      string(from),
		To:        string(to),
		Timestamp: time.Now().UTC(),
	})
	o.Log.Debug("orchestrator: transition", zap.String("from", string(from)), zap.String("to", string(to)), zap.Int("frame", rs.CurrentFrame))
}

// doGenerate composes a prompt for the current frame/attempt, calls the
// Generator with transient-error backoff, and post-processes the result.
// It returns the next FSM state: AUDITING once an attempt outcome exists
// (including a Generator error, which doAudit records as a hard-fail), or
// STOPPED with an error when composing the prompt or writing the candidate
// fails, or when the failure is not a generator.Error (e.g. cancellation).
func (o *Orchestrator) doGenerate(ctx context.Context, rs *runmodel.RunState, ladder *retryladder.State) (State, error) {
	frameIdx := rs.CurrentFrame
	frame := &rs.FrameStates[frameIdx]
	frame.Status = runmodel.FrameInProgress

	attemptIdx := len(frame.Attempts) + 1
	rs.CurrentAttempt = attemptIdx

	var retryAction retryladder.RetryAction
	if len(ladder.ActionsTried) > 0 {
		retryAction = ladder.ActionsTried[len(ladder.ActionsTried)-1]
	}

	var prevBytes []byte
	prevPath := rs.LastApprovedPath(frameIdx)
	if prevPath != "" {
		if b, err := readFile(prevPath); err == nil {
			prevBytes = b
		}
	}

	pose, hasPose := posedb.Pose{}, false
	if o.PoseDB != nil {
		pose, hasPose = o.PoseDB.Lookup(o.Manifest.Move, frameIdx)
	}

	isLoopClosure := o.Manifest.IsLoop && frameIdx == rs.TotalFrames-1

	composed, err := prompt.Compose(prompt.Input{
		Manifest:              o.Manifest,
		FrameIndex:             frameIdx,
		AttemptIndex:           attemptIdx,
		AnchorBytes:            o.AnchorBytes,
		AnchorMime:             o.AnchorMime,
		PreviousApprovedBytes:  prevBytes,
		PreviousApprovedMime:   "image/png",
		RetryAction:            retryAction,
		IsLoopClosure:          isLoopClosure,
		RunID:                  rs.RunID,
		Pose:                   pose,
		HasPose:                hasPose,
	})
	if err != nil {
		return StateStopped, err
	}

	started := time.Now()
	resp, genErr := o.generateWithBackoff(ctx, composed.Request)
	duration := time.Since(started)

	if genErr != nil {
		gerr, ok := genErr.(*generator.Error)
		if !ok {
			// Not a Generator-taxonomy error at all (e.g. context
			// cancellation): a genuine run-level stop, not an attempt
			// outcome, so no attempt record and no AUDITING detour.
			return StateStopped, genErr
		}
		// Every generator.Error reaching here is either permanent
		// (invalid_request, safety_refused) or a transient kind that
		// exhausted its backoff budget (§7: exhausted transient errors
		// become a hard-fail of the current attempt, not a run stop).
		// Either way the attempt is recorded, and the table only allows
		// GENERATING -> AUDITING | STOPPED, so doAudit does the recording
		// and the ladder is consulted from RETRY_DECIDING as usual.
		reasonCode := reason.SysUnknownError
		if !isPermanent(gerr) {
			reasonCode = reason.DepAPIUnavailable
		}
		o.pendingCandidate = pendingCandidate{
			promptHash:   composed.PromptHash,
			seed:         composed.Request.Seed,
			strategy:     retryAction,
			durationMS:   duration.Milliseconds(),
			genErr:       gerr,
			genErrReason: reasonCode,
		}
		return StateAuditing, nil
	}

	candidateImg, _, decodeErr := image.Decode(bytes.NewReader(resp.ImageBytes))
	var nrgba *image.NRGBA
	if decodeErr == nil {
		nrgba = toNRGBA(candidateImg)
	}

	var ppResult *postprocess.Result
	var ppErr error
	if nrgba != nil {
		ppResult, ppErr = postprocess.Run(nrgba, o.Manifest, o.AnchorAnalysis)
	}

	var candidatePath string
	if ppResult != nil {
		candidatePath = o.Store.CandidatePath(frameIdx, attemptIdx)
		if err := writePNG(candidatePath, ppResult.Image); err != nil {
			return StateStopped, err
		}
	}
	// decodeErr or ppErr: no usable image to persist. doAudit hard-fails
	// the attempt directly from the recorded error, same as a corrupt
	// decode, rather than auditing raw generation-size bytes under the
	// target-size invariants.

	var candidateImage *image.NRGBA
	if ppResult != nil {
		candidateImage = ppResult.Image
	}
	o.pendingCandidate = pendingCandidate{
		path:       candidatePath,
		promptHash: composed.PromptHash,
		seed:       composed.Request.Seed,
		strategy:   retryAction,
		durationMS: duration.Milliseconds(),
		decodeErr:  decodeErr,
		postErr:    ppErr,
		image:      candidateImage,
	}

	return StateAuditing, nil
}

// generateWithBackoff retries transient Generator errors with exponential
// backoff (1s, 2s, 4s, ... up to maxTransientRetries), returning the first
// success or the last error once the budget is exhausted.
func (o *Orchestrator) generateWithBackoff(ctx context.Context, req generator.Request) (generator.Response, error) {
	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt <= maxTransientRetries; attempt++ {
		resp, err := o.Generator.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		gerr, ok := err.(*generator.Error)
		if !ok || !gerr.Retryable() {
			return generator.Response{}, err
		}
		if attempt == maxTransientRetries {
			break
		}
		wait := backoff
		if gerr.RetryAfter != nil {
			wait = *gerr.RetryAfter
		}
		select {
		case <-ctx.Done():
			return generator.Response{}, ctx.Err()
		default:
		}
		o.sleep(wait)
		backoff *= 2
	}
	return generator.Response{}, lastErr
}

func isPermanent(e *generator.Error) bool {
	return e.Kind == generator.ErrorInvalidRequest || e.Kind == generator.ErrorSafetyRefused
}

// doAudit runs the Auditor against the pending candidate produced by
// doGenerate and records the AttemptRecord.
func (o *Orchestrator) doAudit(rs *runmodel.RunState, ladder *retryladder.State) State {
	frameIdx := rs.CurrentFrame
	frame := &rs.FrameStates[frameIdx]
	pc := o.pendingCandidate

	if pc.genErr != nil {
		code := pc.genErrReason
		if code == "" {
			code = reason.SysUnknownError
		}
		rec := runmodel.AttemptRecord{
			AttemptIndex: len(frame.Attempts) + 1, Timestamp: time.Now().UTC(),
			PromptHash: pc.promptHash, Seed: pc.seed, Result: runmodel.ResultHardFail,
			ReasonCodes: []reason.Code{code}, Strategy: pc.strategy, DurationMS: pc.durationMS,
		}
		frame.Attempts = append(frame.Attempts, rec)
		ladder.RecordAttempt(pc.strategy, false, 0, false)
		o.pendingReport = audit.Report{Flags: []reason.Code{code}, Passed: false}
		return StateRetryDeciding
	}

	if pc.decodeErr != nil {
		rec := runmodel.AttemptRecord{
			AttemptIndex: len(frame.Attempts) + 1, Timestamp: time.Now().UTC(),
			PromptHash: pc.promptHash, Seed: pc.seed, Result: runmodel.ResultHardFail,
			ReasonCodes: []reason.Code{reason.HF03ImageCorrupted}, Strategy: pc.strategy, DurationMS: pc.durationMS,
		}
		frame.Attempts = append(frame.Attempts, rec)
		ladder.RecordAttempt(pc.strategy, false, 0, false)
		o.pendingReport = audit.Report{Flags: []reason.Code{reason.HF03ImageCorrupted}, Passed: false}
		return StateRetryDeciding
	}

	if pc.postErr != nil {
		code := reason.SysUnknownError
		switch pc.postErr.(type) {
		case *postprocess.ErrNoAlpha:
			code = reason.HFNoAlpha
		case *postprocess.ErrResolutionRatio:
			code = reason.HFResolutionRatio
		}
		rec := runmodel.AttemptRecord{
			AttemptIndex: len(frame.Attempts) + 1, Timestamp: time.Now().UTC(),
			PromptHash: pc.promptHash, Seed: pc.seed, Result: runmodel.ResultHardFail,
			ReasonCodes: []reason.Code{code}, Strategy: pc.strategy, DurationMS: pc.durationMS,
		}
		frame.Attempts = append(frame.Attempts, rec)
		ladder.RecordAttempt(pc.strategy, false, 0, false)
		o.pendingReport = audit.Report{Flags: []reason.Code{code}, Passed: false}
		return StateRetryDeciding
	}

	fi, statErr := fileInfo(pc.path)
	var size int64
	if statErr == nil {
		size = fi
	}

	var prevImg *image.NRGBA
	if prevPath := rs.LastApprovedPath(frameIdx); prevPath != "" {
		if b, err := readFile(prevPath); err == nil {
			if img, _, err := image.Decode(bytes.NewReader(b)); err == nil {
				prevImg = toNRGBA(img)
			}
		}
	}

	report := audit.Audit(audit.Input{
		FileSize:         size,
		Image:            pc.image,
		Manifest:         o.Manifest,
		AnchorAnalysis:   o.AnchorAnalysis,
		AnchorImage:      o.AnchorImage,
		PreviousApproved: prevImg,
		MoveCategory:     o.Manifest.Move,
	})

	result := runmodel.ResultPassed
	if !report.Passed {
		if len(report.Flags) > 0 && reason.IsHardGate(report.Flags[0]) {
			result = runmodel.ResultHardFail
		} else {
			result = runmodel.ResultSoftFail
		}
	}

	var sf01Score float64
	sf01Present := false
	if report.SubScores.Identity > 0 || report.Passed {
		sf01Score = report.SubScores.Identity
		sf01Present = true
	}

	rec := runmodel.AttemptRecord{
		AttemptIndex:   len(frame.Attempts) + 1,
		Timestamp:      time.Now().UTC(),
		PromptHash:     pc.promptHash,
		Seed:           pc.seed,
		Result:         result,
		ReasonCodes:    report.Flags,
		CompositeScore: report.CompositeScore,
		DurationMS:     pc.durationMS,
		Strategy:       pc.strategy,
	}
	frame.Attempts = append(frame.Attempts, rec)
	ladder.RecordAttempt(pc.strategy, report.Passed, sf01Score, sf01Present)

	o.pendingReport = report

	if report.Passed {
		return StateApproving
	}
	return StateRetryDeciding
}

// doRetryDecide consults the retry ladder for the current frame's primary
// reason code and either issues another GENERATING attempt or terminates
// the frame (NEXT_FRAME).
func (o *Orchestrator) doRetryDecide(rs *runmodel.RunState, ladder *retryladder.State) State {
	frameIdx := rs.CurrentFrame
	frame := &rs.FrameStates[frameIdx]
	report := o.pendingReport

	primary := reason.SysUnknownError
	if len(report.Flags) > 0 {
		primary = report.Flags[0]
	}

	decision := ladder.Next(primary, len(frame.Attempts), o.Manifest.MaxAttemptsPerFrame)
	if decision.Terminal != "" {
		frame.Status = runmodel.FrameRejected
		frame.FinalReason = decision.Terminal
		if _, err := o.Store.RejectCandidate(o.pendingCandidate.path, frameIdx, decision.Terminal, report); err != nil {
			o.Log.Warn("orchestrator: reject candidate failed", zap.Error(err))
		}
		return StateNextFrame
	}

	return StateGenerating
}

// doApprove promotes the current pending candidate into approved/.
func (o *Orchestrator) doApprove(rs *runmodel.RunState) (State, error) {
	frameIdx := rs.CurrentFrame
	frame := &rs.FrameStates[frameIdx]

	approvedPath, err := o.Store.PromoteToApproved(o.pendingCandidate.path, frameIdx)
	if err != nil {
		return StateStopped, err
	}
	frame.Status = runmodel.FrameApproved
	frame.ApprovedPath = approvedPath

	if d := stopcond.Evaluate(rs, o.Manifest); d.ShouldStop {
		rs.StopReason = d.Reason
		return StateStopped, nil
	}
	return StateNextFrame, nil
}

// doNextFrame advances to the next pending frame, or finishes the run.
func (o *Orchestrator) doNextFrame(rs *runmodel.RunState) State {
	if d := stopcond.Evaluate(rs, o.Manifest); d.ShouldStop {
		rs.StopReason = d.Reason
		return StateStopped
	}

	rs.CurrentFrame++
	rs.CurrentAttempt = 0
	if rs.CurrentFrame >= rs.TotalFrames {
		return StateCompleted
	}
	return StateGenerating
}
