package webui

import (
	"html/template"
	"net/http"

	"go.uber.org/zap"

	"github.com/menta2k/depth-diffusion/pkg/types"
)

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Depth-conditioned generation</title>
<style>
body { font-family: sans-serif; margin: 2em; max-width: 1200px; }
form { display: grid; grid-template-columns: 14em 1fr; gap: .5em 1em; }
.gallery img { max-width: 45%; margin: .25em; border: 1px solid #ccc; }
.error { color: #b00; }
</style>
</head>
<body>
<h1>Depth-conditioned generation</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="/" enctype="multipart/form-data">
  <label>Image</label><input type="file" name="image" accept="image/*" required>
  <label>Prompt</label><input type="text" name="prompt" value="{{.Params.Prompt}}">
  <label>Added prompt</label><input type="text" name="a_prompt" value="{{.Params.AddedPrompt}}">
  <label>Negative prompt</label><input type="text" name="n_prompt" value="{{.Params.NegativePrompt}}">
  <label>Images</label><input type="number" name="num_samples" min="{{.Limits.MinSamples}}" max="{{.Limits.MaxSamples}}" value="{{.Params.NumSamples}}">
  <label>Image resolution</label><input type="number" name="image_resolution" min="{{.Limits.MinImageResolution}}" max="{{.Limits.MaxImageResolution}}" step="{{.Limits.ImageResolutionMultiple}}" value="{{.Params.ImageResolution}}">
  <label>Steps</label><input type="number" name="ddim_steps" min="{{.Limits.MinSteps}}" max="{{.Limits.MaxSteps}}" value="{{.Params.Steps}}">
  <label>Guess mode</label><input type="hidden" name="guess_mode" value="off"><input type="checkbox" name="guess_mode" {{if .Params.GuessMode}}checked{{end}}>
  <label>Control strength</label><input type="number" name="strength" min="0" max="2" step="0.01" value="{{.Params.Strength}}">
  <label>Guidance scale</label><input type="number" name="scale" min="0.1" max="30" step="0.1" value="{{.Params.Scale}}">
  <label>Seed</label><input type="number" name="seed" min="-1" max="{{.Limits.MaxSeed}}" value="{{.Params.Seed}}">
  <label>eta (DDIM)</label><input type="number" name="eta" min="0" step="0.01" value="{{.Params.Eta}}">
  <label>Tiling mode</label>
  <select name="mode">
    <option value="P49" {{if eq (print .Params.Mode) "P49"}}selected{{end}}>P49</option>
    <option value="R" {{if eq (print .Params.Mode) "R"}}selected{{end}}>R</option>
  </select>
  <label>Random patches (R mode)</label><input type="number" name="patch_number" min="1" max="1024" value="{{.Params.PatchNumber}}">
  <label>Processing resolution (HxW)</label><input type="text" name="resolution" value="{{.Params.ProcessingResolution}}">
  <label>Patch size (HxW)</label><input type="text" name="patch_size" value="{{.Params.PatchSize}}">
  <span></span><button type="submit">Run</button>
</form>
{{if .Images}}
<h2>Result{{if .Seed}} (seed {{.Seed}}){{end}}</h2>
<div class="gallery">
{{range .Images}}<img src="{{.}}" alt="">{{end}}
</div>
{{end}}
</body>
</html>
`))

type pageLimits struct {
	MinSamples              int
	MaxSamples              int
	MinImageResolution      int
	MaxImageResolution      int
	ImageResolutionMultiple int
	MinSteps                int
	MaxSteps                int
	MaxSeed                 int64
}

var limits = pageLimits{
	MinSamples:              types.MinSamples,
	MaxSamples:              types.MaxSamples,
	MinImageResolution:      types.MinImageResolution,
	MaxImageResolution:      types.MaxImageResolution,
	ImageResolutionMultiple: types.ImageResolutionMultiple,
	MinSteps:                types.MinSteps,
	MaxSteps:                types.MaxSteps,
	MaxSeed:                 types.MaxSeed,
}

type pageData struct {
	Params types.Params
	Limits pageLimits
	Error  string
	Seed   int64
	Images []template.URL
}

func (s *Server) handleForm(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, http.StatusOK, pageData{Params: s.cfg.Defaults, Limits: limits})
}

func (s *Server) handleFormRun(w http.ResponseWriter, r *http.Request) {
	data := pageData{Params: s.cfg.Defaults, Limits: limits}

	result, err := s.run(w, r)
	if r.MultipartForm != nil {
		if p, perr := ParseParams(r.MultipartForm.Value, s.cfg.Defaults); perr == nil {
			data.Params = p
		}
	}
	if err != nil {
		data.Error = err.Error()
		s.renderPage(w, statusFor(err), data)
		return
	}

	data.Seed = result.Seed
	for _, img := range result.Images {
		b64, err := encodePNG(img)
		if err != nil {
			data.Error = err.Error()
			s.renderPage(w, http.StatusInternalServerError, data)
			return
		}
		data.Images = append(data.Images, template.URL("data:image/png;base64,"+b64))
	}
	s.renderPage(w, http.StatusOK, data)
}

func (s *Server) renderPage(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, data); err != nil {
		s.logger.Error("render page", zap.Error(err))
	}
}
