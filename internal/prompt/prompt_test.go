package prompt

import (
	"testing"

	"github.com/strongdm/spritegen/internal/manifest"
	"github.com/strongdm/spritegen/internal/posedb"
	"github.com/strongdm/spritegen/internal/retryladder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Temperature: 1.0,
		Prompts: manifest.PromptTemplates{
			Master:    "Draw the character in a neutral master pose.",
			Lock:      "Redraw exactly matching the anchor's identity.",
			Variation: "Draw the next frame of the move.",
			Negative:  "no extra limbs, no background.",
		},
	}
}

func TestSelectTemplate_MasterForFrameZeroAttemptOne(t *testing.T) {
	assert.Equal(t, TemplateMaster, selectTemplate(0, 1, retryladder.ActionNone))
}

func TestSelectTemplate_LockForFrameZeroRetry(t *testing.T) {
	assert.Equal(t, TemplateLock, selectTemplate(0, 2, retryladder.ActionNone))
}

func TestSelectTemplate_VariationForFirstAttemptOnLaterFrame(t *testing.T) {
	assert.Equal(t, TemplateVariation, selectTemplate(3, 1, retryladder.ActionNone))
}

func TestSelectTemplate_LockForIdentityRescueRetry(t *testing.T) {
	assert.Equal(t, TemplateLock, selectTemplate(3, 2, retryladder.ActionIdentityRescue))
	assert.Equal(t, TemplateLock, selectTemplate(3, 2, retryladder.ActionReAnchor))
	assert.Equal(t, TemplateLock, selectTemplate(3, 2, retryladder.ActionTightenNegative))
}

func TestSelectTemplate_VariationForRerollOrDefaultRegen(t *testing.T) {
	assert.Equal(t, TemplateVariation, selectTemplate(3, 2, retryladder.ActionRerollSeed))
	assert.Equal(t, TemplateVariation, selectTemplate(3, 2, retryladder.ActionDefaultRegenerate))
}

func TestCompose_ReferenceSandwichOrder(t *testing.T) {
	res, err := Compose(Input{
		Manifest:              testManifest(),
		FrameIndex:             1,
		AttemptIndex:           1,
		AnchorBytes:            []byte("anchor-bytes"),
		AnchorMime:             "image/png",
		PreviousApprovedBytes:  []byte("prev-bytes"),
		PreviousApprovedMime:   "image/png",
		RetryAction:            retryladder.ActionNone,
		RunID:                  "run1",
	})
	require.NoError(t, err)
	parts := res.Request.Parts
	require.Len(t, parts, 5)
	assert.Contains(t, parts[0].Text, "MASTER ANCHOR")
	assert.Equal(t, []byte("anchor-bytes"), parts[1].ImageBytes)
	assert.Contains(t, parts[2].Text, "PREVIOUS FRAME")
	assert.Equal(t, []byte("prev-bytes"), parts[3].ImageBytes)
	assert.Contains(t, parts[4].Text, "IMAGE 1 wins")
}

func TestCompose_OmitsPreviousFrameOnReAnchor(t *testing.T) {
	res, err := Compose(Input{
		Manifest:             testManifest(),
		FrameIndex:            2,
		AttemptIndex:          2,
		AnchorBytes:           []byte("anchor"),
		PreviousApprovedBytes: []byte("prev"),
		RetryAction:           retryladder.ActionReAnchor,
		RunID:                 "run1",
	})
	require.NoError(t, err)
	for _, p := range res.Request.Parts {
		assert.NotContains(t, p.Text, "PREVIOUS FRAME")
	}
}

func TestCompose_LoopClosureClause(t *testing.T) {
	res, err := Compose(Input{
		Manifest:      testManifest(),
		FrameIndex:    3,
		AttemptIndex:  1,
		AnchorBytes:   []byte("anchor"),
		IsLoopClosure: true,
		RunID:         "run1",
	})
	require.NoError(t, err)
	last := res.Request.Parts[len(res.Request.Parts)-1]
	assert.Contains(t, last.Text, "85% toward IMAGE 1")
}

func TestCompose_SeedDeterministicOnAttemptOne(t *testing.T) {
	r1, err := Compose(Input{Manifest: testManifest(), FrameIndex: 1, AttemptIndex: 1, AnchorBytes: []byte("a"), RunID: "run1"})
	require.NoError(t, err)
	r2, err := Compose(Input{Manifest: testManifest(), FrameIndex: 1, AttemptIndex: 1, AnchorBytes: []byte("a"), RunID: "run1"})
	require.NoError(t, err)
	assert.Equal(t, r1.Request.Seed, r2.Request.Seed)
}

func TestCompose_PromptHashIsEightHexChars(t *testing.T) {
	res, err := Compose(Input{Manifest: testManifest(), FrameIndex: 0, AttemptIndex: 1, AnchorBytes: []byte("a"), RunID: "run1"})
	require.NoError(t, err)
	assert.Len(t, res.PromptHash, 8)
}

func TestCompose_IncludesPoseDescription(t *testing.T) {
	res, err := Compose(Input{
		Manifest:     testManifest(),
		FrameIndex:   2,
		AttemptIndex: 1,
		AnchorBytes:  []byte("a"),
		RunID:        "run1",
		Pose:         posedb.Pose{Description: "mid-stride, weight forward", Tension: posedb.TensionTense},
		HasPose:      true,
	})
	require.NoError(t, err)
	last := res.Request.Parts[len(res.Request.Parts)-1]
	assert.Contains(t, last.Text, "mid-stride")
}
