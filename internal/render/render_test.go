package render

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"contacttrend/internal/trend"
)

func TestRenderChartUsesHoursPresentAsTicks(t *testing.T) {
	doc := NewDocument()
	Render(doc, trend.Result{Rows: []trend.Row{{Hour: 0, DistinctCount: 5}, {Hour: 3, DistinctCount: 2}}})

	if doc.Count(BlockWarning) != 0 {
		t.Fatalf("unexpected warning: %+v", doc.Blocks())
	}
	if doc.Count(BlockChart) != 1 {
		t.Fatalf("chart blocks = %d, want 1", doc.Count(BlockChart))
	}

	var chart *Chart
	for _, b := range doc.Blocks() {
		if b.Kind == BlockChart {
			chart = b.Chart
		}
	}

	wantPoints := []Point{{X: 0, Y: 5}, {X: 3, Y: 2}}
	if !reflect.DeepEqual(chart.Series.Points, wantPoints) {
		t.Fatalf("points = %+v, want %+v", chart.Series.Points, wantPoints)
	}
	if !reflect.DeepEqual(chart.XTicks, []int{0, 3}) {
		t.Fatalf("ticks = %v, want [0 3]", chart.XTicks)
	}
	if chart.Title != ChartTitle || chart.XLabel != XAxisLabel || chart.YLabel != YAxisLabel {
		t.Fatalf("labels = %q %q %q", chart.Title, chart.XLabel, chart.YLabel)
	}
}

func TestRenderEmptyResultWarnsWithoutChart(t *testing.T) {
	doc := NewDocument()
	Render(doc, trend.Result{})

	blocks := doc.Blocks()
	if len(blocks) != 1 || blocks[0].Kind != BlockWarning || blocks[0].Text != EmptyWarning {
		t.Fatalf("blocks = %+v, want single warning", blocks)
	}
}

func TestHighchartsOptionsTickPositions(t *testing.T) {
	chart := TrendChart(trend.Result{Rows: []trend.Row{{Hour: 5, DistinctCount: 1}, {Hour: 23, DistinctCount: 9}}})
	opts := chart.HighchartsOptions()

	xAxis := opts["xAxis"].(map[string]any)
	if !reflect.DeepEqual(xAxis["tickPositions"], []int{5, 23}) {
		t.Fatalf("tickPositions = %v", xAxis["tickPositions"])
	}

	series := opts["series"].([]map[string]any)
	if len(series) != 1 || series[0]["type"] != "line" {
		t.Fatalf("series = %v", series)
	}
	data := series[0]["data"].([][2]int64)
	if !reflect.DeepEqual(data, [][2]int64{{5, 1}, {23, 9}}) {
		t.Fatalf("data = %v", data)
	}
}

func TestDocumentWriteHTML(t *testing.T) {
	tests := []struct {
		name     string
		result   trend.Result
		reload   string
		contains []string
		excludes []string
	}{
		{
			name:     "chart",
			result:   trend.Result{Rows: []trend.Row{{Hour: 1, DistinctCount: 4}}},
			reload:   "/ws",
			contains: []string{"<h1>" + PageTitle + "</h1>", "highcharts.js", `"tickPositions":[1]`, "trend.invalidated"},
			excludes: []string{"alert-warning"},
		},
		{
			name:     "warning",
			result:   trend.Result{},
			contains: []string{"alert-warning", EmptyWarning},
			excludes: []string{"highcharts.js", "WebSocket"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := NewDocument()
			doc.Title(PageTitle)
			Render(doc, tt.result)

			var buf bytes.Buffer
			if err := doc.WriteHTML(&buf, PageOptions{LiveReloadPath: tt.reload}); err != nil {
				t.Fatalf("WriteHTML() error = %v", err)
			}
			page := buf.String()
			for _, s := range tt.contains {
				if !strings.Contains(page, s) {
					t.Errorf("page missing %q", s)
				}
			}
			for _, s := range tt.excludes {
				if strings.Contains(page, s) {
					t.Errorf("page unexpectedly contains %q", s)
				}
			}
		})
	}
}

func TestDocumentEscapesErrorText(t *testing.T) {
	doc := NewDocument()
	doc.Error("Error fetching data from BigQuery: <script>alert(1)</script>")

	var buf bytes.Buffer
	if err := doc.WriteHTML(&buf, PageOptions{}); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "<script>alert(1)") {
		t.Fatal("error text was not escaped")
	}
}

func TestDocumentJSON(t *testing.T) {
	doc := NewDocument()
	doc.Title(PageTitle)
	doc.Warning(EmptyWarning)

	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Blocks []Block `json:"blocks"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded.Blocks) != 2 || decoded.Blocks[1].Kind != BlockWarning {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestTextSink(t *testing.T) {
	var out, errOut bytes.Buffer
	sink := NewTextSink(&out, &errOut, false)

	sink.Title(PageTitle)
	Render(sink, trend.Result{Rows: []trend.Row{{Hour: 7, DistinctCount: 12}}})
	sink.Warning("slow")
	sink.Error("boom")

	if !strings.Contains(out.String(), PageTitle) || !strings.Contains(out.String(), "12") {
		t.Fatalf("stdout = %q", out.String())
	}
	if !strings.Contains(errOut.String(), "[WARN] slow") || !strings.Contains(errOut.String(), "[ERROR] boom") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}
