// Package prompt composes the ordered "Reference Sandwich" of Parts sent to
// the Generator for one attempt, selects the right template, and decides the
// attempt's seed (§4.B).
package prompt

import (
	"fmt"
	"hash/crc32"
	"math/rand"
	"strings"

	"github.com/strongdm/spritegen/internal/generator"
	"github.com/strongdm/spritegen/internal/manifest"
	"github.com/strongdm/spritegen/internal/posedb"
	"github.com/strongdm/spritegen/internal/retryladder"
)

// Template names the interpolated text block to use for one attempt (§4.B).
type Template string

const (
	TemplateMaster    Template = "master"
	TemplateLock      Template = "lock"
	TemplateVariation Template = "variation"
)

// Input gathers everything the Composer needs to build one attempt's request.
type Input struct {
	Manifest *manifest.Manifest

	FrameIndex   int
	AttemptIndex int // 1-based

	AnchorBytes []byte
	AnchorMime  string

	PreviousApprovedBytes []byte
	PreviousApprovedMime  string

	RetryAction  retryladder.RetryAction
	IsLoopClosure bool

	RunID string

	Pose      posedb.Pose
	HasPose   bool
}

// Result is the composed request ready to hand to a Generator, plus the
// template selected and an 8-hex-char hash of the resolved prompt text for
// the AttemptRecord.
type Result struct {
	Request    generator.Request
	Template   Template
	PromptHash string
}

// selectTemplate implements the exhaustive table in §4.B.
func selectTemplate(frameIndex, attemptIndex int, action retryladder.RetryAction) Template {
	if frameIndex == 0 {
		if attemptIndex == 1 {
			return TemplateMaster
		}
		return TemplateLock
	}
	if attemptIndex == 1 {
		return TemplateVariation
	}
	switch action {
	case retryladder.ActionIdentityRescue, retryladder.ActionTightenNegative, retryladder.ActionReAnchor:
		return TemplateLock
	case retryladder.ActionRerollSeed, retryladder.ActionDefaultRegenerate:
		return TemplateVariation
	default:
		return TemplateVariation
	}
}

// usesReAnchorReference reports whether the retry action disqualifies the
// previous-approved-frame reference image from the sandwich (§4.B step 3):
// re-anchoring and identity rescue deliberately narrow focus back onto the
// anchor alone.
func usesReAnchorReference(action retryladder.RetryAction) bool {
	return action != retryladder.ActionReAnchor && action != retryladder.ActionIdentityRescue
}

// Compose builds the ordered Parts and picks the seed for one attempt.
func Compose(in Input) (Result, error) {
	if in.Manifest == nil {
		return Result{}, fmt.Errorf("prompt: manifest is required")
	}
	tmpl := selectTemplate(in.FrameIndex, in.AttemptIndex, in.RetryAction)

	var parts []generator.Part
	parts = append(parts, generator.TextPart("[IMAGE 1]: MASTER ANCHOR (IDENTITY TRUTH)"))
	parts = append(parts, generator.ImagePart(in.AnchorBytes, in.AnchorMime))

	if len(in.PreviousApprovedBytes) > 0 && usesReAnchorReference(in.RetryAction) {
		parts = append(parts, generator.TextPart("[IMAGE 2]: PREVIOUS FRAME"))
		parts = append(parts, generator.ImagePart(in.PreviousApprovedBytes, in.PreviousApprovedMime))
		parts = append(parts, generator.TextPart("If IMAGE 2 conflicts with IMAGE 1 on identity, IMAGE 1 wins."))
	}

	commandText := resolveCommand(in.Manifest, tmpl, in.Pose, in.HasPose, in.IsLoopClosure)
	parts = append(parts, generator.TextPart(commandText))

	seed := resolveSeed(in.RunID, in.FrameIndex, in.AttemptIndex)

	req := generator.Request{
		Parts:       parts,
		Seed:        seed,
		Temperature: in.Manifest.Temperature,
	}

	return Result{
		Request:    req,
		Template:   tmpl,
		PromptHash: promptHash(commandText),
	}, nil
}

// resolveCommand interpolates the selected template with the pose
// description, an optional loop-closure clause, and the negative-prompt
// block (§4.B step 4).
func resolveCommand(m *manifest.Manifest, tmpl Template, pose posedb.Pose, hasPose, loopClosure bool) string {
	var base string
	switch tmpl {
	case TemplateMaster:
		base = m.Prompts.Master
	case TemplateLock:
		base = m.Prompts.Lock
	default:
		base = m.Prompts.Variation
	}

	var sb strings.Builder
	sb.WriteString(base)
	if hasPose {
		sb.WriteString(" ")
		sb.WriteString(pose.Description)
		sb.WriteString(fmt.Sprintf(" (tension: %s)", pose.Tension))
	}
	if loopClosure {
		sb.WriteString(" This is the final frame; transition 85% toward IMAGE 1.")
	}
	if m.Prompts.Negative != "" {
		sb.WriteString(" ")
		sb.WriteString(m.Prompts.Negative)
	}
	return sb.String()
}

// resolveSeed implements the §4.B seed policy: attempt 1 is a deterministic
// function of the run and frame so it can be replayed; attempt >= 2 draws
// fresh entropy to escape whatever failure mode triggered the retry.
func resolveSeed(runID string, frameIndex, attemptIndex int) uint32 {
	if attemptIndex <= 1 {
		data := fmt.Sprintf("%s|%d", runID, frameIndex)
		return crc32.ChecksumIEEE([]byte(data))
	}
	return rand.Uint32()
}

func promptHash(text string) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(text)))
}
