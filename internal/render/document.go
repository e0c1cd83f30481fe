package render

import (
	"encoding/json"
	"html/template"
	"io"
	"strconv"
	"sync"
)

type BlockKind string

const (
	BlockTitle     BlockKind = "title"
	BlockSubheader BlockKind = "subheader"
	BlockWarning   BlockKind = "warning"
	BlockError     BlockKind = "error"
	BlockChart     BlockKind = "chart"
)

type Block struct {
	Kind  BlockKind `json:"kind"`
	Text  string    `json:"text,omitempty"`
	Chart *Chart    `json:"chart,omitempty"`
}

// Document collects blocks in the order a page load emits them. It is safe
// for concurrent use.
type Document struct {
	mu     sync.Mutex
	blocks []Block
}

func NewDocument() *Document {
	return &Document{}
}

func (d *Document) Title(text string)     { d.add(Block{Kind: BlockTitle, Text: text}) }
func (d *Document) Subheader(text string) { d.add(Block{Kind: BlockSubheader, Text: text}) }
func (d *Document) Warning(text string)   { d.add(Block{Kind: BlockWarning, Text: text}) }
func (d *Document) Error(text string)     { d.add(Block{Kind: BlockError, Text: text}) }

func (d *Document) Chart(c Chart) {
	d.add(Block{Kind: BlockChart, Chart: &c})
}

func (d *Document) add(b Block) {
	d.mu.Lock()
	d.blocks = append(d.blocks, b)
	d.mu.Unlock()
}

// Blocks returns a copy of the collected blocks.
func (d *Document) Blocks() []Block {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Block, len(d.blocks))
	copy(out, d.blocks)
	return out
}

// Count returns how many blocks of kind were emitted.
func (d *Document) Count(kind BlockKind) int {
	n := 0
	for _, b := range d.Blocks() {
		if b.Kind == kind {
			n++
		}
	}
	return n
}

func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Blocks []Block `json:"blocks"`
	}{Blocks: d.Blocks()})
}

type PageOptions struct {
	// LiveReloadPath, when set, is the websocket path the page listens on to
	// reload after the cached trend is invalidated.
	LiveReloadPath string
	HighchartsURL  string
}

const defaultHighchartsURL = "https://code.highcharts.com/highcharts.js"

type pageBlock struct {
	Block
	ChartID string
	Options map[string]any
}

type pageData struct {
	Title          string
	Blocks         []pageBlock
	HasChart       bool
	HighchartsURL  string
	LiveReloadPath string
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 2rem auto; max-width: 960px; color: #262730; }
.alert { padding: .75rem 1rem; border-radius: .4rem; margin: 1rem 0; }
.alert-warning { background: #fffce7; color: #926c05; }
.alert-error { background: #ffecec; color: #7d353b; }
</style>
{{- if .HasChart}}
<script src="{{.HighchartsURL}}"></script>
{{- end}}
</head>
<body>
{{- range .Blocks}}
{{- if eq .Kind "title"}}
<h1>{{.Text}}</h1>
{{- else if eq .Kind "subheader"}}
<h3>{{.Text}}</h3>
{{- else if eq .Kind "warning"}}
<div class="alert alert-warning" role="alert">{{.Text}}</div>
{{- else if eq .Kind "error"}}
<div class="alert alert-error" role="alert">{{.Text}}</div>
{{- else if eq .Kind "chart"}}
<div id="{{.ChartID}}"></div>
<script>Highcharts.chart({{.ChartID}}, {{.Options}});</script>
{{- end}}
{{- end}}
{{- if .LiveReloadPath}}
<script>
(function () {
  var proto = location.protocol === "https:" ? "wss://" : "ws://";
  var ws = new WebSocket(proto + location.host + {{.LiveReloadPath}});
  ws.onmessage = function (ev) {
    try {
      if (JSON.parse(ev.data).type === "trend.invalidated") { location.reload(); }
    } catch (e) {}
  };
})();
</script>
{{- end}}
</body>
</html>
`))

// WriteHTML renders the document as a standalone page.
func (d *Document) WriteHTML(w io.Writer, opts PageOptions) error {
	data := pageData{
		Title:          PageTitle,
		HighchartsURL:  opts.HighchartsURL,
		LiveReloadPath: opts.LiveReloadPath,
	}
	if data.HighchartsURL == "" {
		data.HighchartsURL = defaultHighchartsURL
	}

	charts := 0
	for _, b := range d.Blocks() {
		pb := pageBlock{Block: b}
		switch b.Kind {
		case BlockTitle:
			data.Title = b.Text
		case BlockChart:
			charts++
			pb.ChartID = "chart-" + strconv.Itoa(charts)
			pb.Options = b.Chart.HighchartsOptions()
			data.HasChart = true
		}
		data.Blocks = append(data.Blocks, pb)
	}

	return pageTemplate.Execute(w, data)
}
