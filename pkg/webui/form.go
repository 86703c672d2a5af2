package webui

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/menta2k/depth-diffusion/pkg/types"
)

// Form field names
const (
	FieldImage           = "image"
	FieldPrompt          = "prompt"
	FieldAddedPrompt     = "a_prompt"
	FieldNegativePrompt  = "n_prompt"
	FieldNumSamples      = "num_samples"
	FieldImageResolution = "image_resolution"
	FieldSteps           = "ddim_steps"
	FieldGuessMode       = "guess_mode"
	FieldStrength        = "strength"
	FieldScale           = "scale"
	FieldSeed            = "seed"
	FieldEta             = "eta"
	FieldMode            = "mode"
	FieldPatchNumber     = "patch_number"
	FieldResolution      = "resolution"
	FieldPatchSize       = "patch_size"
)

// ParseParams reads request parameters from form values. Missing fields
// keep the value from defaults; malformed ones are rejected.
func ParseParams(form url.Values, defaults types.Params) (types.Params, error) {
	p := defaults
	var err error

	if v, ok := field(form, FieldPrompt); ok {
		p.Prompt = v
	}
	if v, ok := field(form, FieldAddedPrompt); ok {
		p.AddedPrompt = v
	}
	if v, ok := field(form, FieldNegativePrompt); ok {
		p.NegativePrompt = v
	}

	if p.NumSamples, err = intField(form, FieldNumSamples, p.NumSamples); err != nil {
		return p, err
	}
	if p.ImageResolution, err = intField(form, FieldImageResolution, p.ImageResolution); err != nil {
		return p, err
	}
	if p.Steps, err = intField(form, FieldSteps, p.Steps); err != nil {
		return p, err
	}
	if p.PatchNumber, err = intField(form, FieldPatchNumber, p.PatchNumber); err != nil {
		return p, err
	}
	if p.Strength, err = floatField(form, FieldStrength, p.Strength); err != nil {
		return p, err
	}
	if p.Scale, err = floatField(form, FieldScale, p.Scale); err != nil {
		return p, err
	}
	if p.Eta, err = floatField(form, FieldEta, p.Eta); err != nil {
		return p, err
	}

	if v, ok := field(form, FieldSeed); ok {
		seed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return p, fmt.Errorf("%w: %s: %q is not an integer", types.ErrInvalidParams, FieldSeed, v)
		}
		p.Seed = seed
	}

	// the page posts a hidden "off" ahead of the checkbox; the last value wins
	if vs := form[FieldGuessMode]; len(vs) > 0 {
		p.GuessMode = checked(vs[len(vs)-1])
	}

	if v, ok := field(form, FieldMode); ok {
		if p.Mode, err = types.ParseTilingMode(v); err != nil {
			return p, err
		}
	}
	if v, ok := field(form, FieldResolution); ok {
		if p.ProcessingResolution, err = types.ParseResolution(v); err != nil {
			return p, err
		}
	}
	if v, ok := field(form, FieldPatchSize); ok {
		if p.PatchSize, err = types.ParseResolution(v); err != nil {
			return p, err
		}
	}

	return p, p.Validate()
}

func field(form url.Values, name string) (string, bool) {
	if !form.Has(name) {
		return "", false
	}
	return form.Get(name), true
}

func intField(form url.Values, name string, def int) (int, error) {
	v, ok := field(form, name)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("%w: %s: %q is not an integer", types.ErrInvalidParams, name, v)
	}
	return n, nil
}

func floatField(form url.Values, name string, def float64) (float64, error) {
	v, ok := field(form, name)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return def, fmt.Errorf("%w: %s: %q is not a number", types.ErrInvalidParams, name, v)
	}
	return f, nil
}

func checked(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "1", "yes":
		return true
	}
	return false
}
