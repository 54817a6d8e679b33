package recommendations

import (
	"html/template"
	"io"
)

const (
	loadingText = "Loading curated options…"
	errorPrefix = "Unable to load fallback results: "
	emptyText   = "No operator suggestions available."
	defaultCTA  = "View"
)

var layouts = template.Must(template.New("recommendations").Funcs(template.FuncMap{
	"cta": func(item Item) string {
		if item.CTA == "" {
			return defaultCTA
		}
		return item.CTA
	},
}).Parse(`
{{- define "status" -}}
<div class="aip-recommendations" data-fallback-id="{{.ID}}"><p class="aip-recommendations__status">{{.Text}}</p></div>
{{- end -}}

{{- define "citation" -}}
<div class="aip-recommendations" data-fallback-id="{{.ID}}"><ol class="aip-recommendations__list">
{{- range .Items}}<li class="aip-recommendations__citation"><a href="{{.URL}}" target="_blank" rel="noreferrer" class="aip-recommendations__link"><span class="aip-recommendations__title">{{.Title}}</span>
{{- if .Description}}<span class="aip-recommendations__description">{{.Description}}</span>{{end}}</a></li>
{{- end}}</ol></div>
{{- end -}}

{{- define "product" -}}
<div class="aip-recommendations" data-fallback-id="{{.ID}}"><div class="aip-recommendations__grid">
{{- range .Items}}<article class="aip-recommendations__card">
{{- if .ImageURL}}<div class="aip-recommendations__media"><img src="{{.ImageURL}}" alt="{{.Title}}"></div>{{end -}}
<div class="aip-recommendations__body"><h4>{{.Title}}</h4>
{{- if .Description}}<p>{{.Description}}</p>{{end -}}
<a href="{{.URL}}" target="_blank" rel="noreferrer" class="aip-recommendations__cta">{{cta .}}</a></div></article>
{{- end}}</div></div>
{{- end -}}
`))

type statusData struct {
	ID   string
	Text string
}

type listData struct {
	ID    string
	Items []Item
}

// Render writes the HTML for v. id tags the block so visibility reports can
// be routed back to it.
func Render(w io.Writer, id string, v View) error {
	switch v.Phase {
	case PhaseIdle, PhaseLoading:
		return layouts.ExecuteTemplate(w, "status", statusData{ID: id, Text: loadingText})
	case PhaseError:
		return layouts.ExecuteTemplate(w, "status", statusData{ID: id, Text: errorPrefix + v.Err})
	case PhaseEmpty:
		return layouts.ExecuteTemplate(w, "status", statusData{ID: id, Text: emptyText})
	}
	if len(v.Items) == 0 {
		return layouts.ExecuteTemplate(w, "status", statusData{ID: id, Text: emptyText})
	}
	if v.Query.Format == FormatCitation {
		return layouts.ExecuteTemplate(w, "citation", listData{ID: id, Items: v.Items})
	}
	return layouts.ExecuteTemplate(w, "product", listData{ID: id, Items: v.Items})
}
