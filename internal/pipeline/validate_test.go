package pipeline

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reelgen/reelgen-backend/internal/domain"
	"github.com/reelgen/reelgen-backend/internal/platform/veo"
)

func validParams() veo.GenerationParams {
	return veo.GenerationParams{
		Prompt:      "a drone shot over a fjord",
		AspectRatio: domain.AspectLandscape,
		Resolution:  domain.Resolution720p,
		Model:       domain.ModelStable,
	}
}

func TestValidateParamsAccepts(t *testing.T) {
	require.NoError(t, ValidateParams(validParams()))

	p := validParams()
	p.Prompt = strings.Repeat("x", 2000)
	require.NoError(t, ValidateParams(p), "2000-char prompt is still within the limit")

	p = validParams()
	p.AspectRatio = domain.AspectPortrait
	p.Resolution = domain.Resolution1080p
	p.Model = domain.ModelFast
	require.NoError(t, ValidateParams(p))

	p = validParams()
	p.ReferenceImage = []byte{0xff, 0xd8}
	p.ReferenceMime = "image/jpeg"
	require.NoError(t, ValidateParams(p))
}

func TestValidateParamsRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*veo.GenerationParams)
		field  string
	}{
		{"empty prompt", func(p *veo.GenerationParams) { p.Prompt = "   " }, "prompt"},
		{"overlong prompt", func(p *veo.GenerationParams) { p.Prompt = strings.Repeat("x", 2001) }, "prompt"},
		{"overlong negative prompt", func(p *veo.GenerationParams) { p.NegativePrompt = strings.Repeat("y", 1001) }, "negative_prompt"},
		{"bad aspect", func(p *veo.GenerationParams) { p.AspectRatio = "4:3" }, "aspect_ratio"},
		{"bad resolution", func(p *veo.GenerationParams) { p.Resolution = "4k" }, "resolution"},
		{"bad model", func(p *veo.GenerationParams) { p.Model = "turbo" }, "model"},
		{"non-image reference", func(p *veo.GenerationParams) {
			p.ReferenceImage = []byte("pdf")
			p.ReferenceMime = "application/pdf"
		}, "reference_image"},
		{"mime without data", func(p *veo.GenerationParams) { p.ReferenceMime = "image/png" }, "reference_image"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := validParams()
			c.mutate(&p)
			err := ValidateParams(p)
			require.Error(t, err)

			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr), "want ValidationError, got %T", err)
			require.Equal(t, c.field, vErr.Field)
		})
	}
}
