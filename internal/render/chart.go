package render

type Point struct {
	X int   `json:"x"`
	Y int64 `json:"y"`
}

type Series struct {
	Name   string  `json:"name"`
	Points []Point `json:"points"`
}

// Chart is a single-series line chart.
type Chart struct {
	Title  string `json:"title"`
	XLabel string `json:"xLabel"`
	YLabel string `json:"yLabel"`
	Series Series `json:"series"`
	XTicks []int  `json:"xTicks"`
}

// HighchartsOptions converts the chart to a Highcharts configuration object.
func (c Chart) HighchartsOptions() map[string]any {
	data := make([][2]int64, len(c.Series.Points))
	for i, p := range c.Series.Points {
		data[i] = [2]int64{int64(p.X), p.Y}
	}

	ticks := c.XTicks
	if ticks == nil {
		ticks = []int{}
	}

	return map[string]any{
		"chart": map[string]any{
			"type":      "line",
			"animation": false,
			"height":    "50%",
		},
		"title":    map[string]any{"text": c.Title},
		"subtitle": map[string]any{"text": ""},
		"credits":  map[string]any{"enabled": false},
		"legend":   map[string]any{"enabled": false},
		"xAxis": map[string]any{
			"type":          "linear",
			"title":         map[string]any{"text": c.XLabel},
			"tickPositions": ticks,
			"allowDecimals": false,
		},
		"yAxis": map[string]any{
			"title":         map[string]any{"text": c.YLabel},
			"allowDecimals": false,
		},
		"series": []map[string]any{
			{
				"name":   c.Series.Name,
				"type":   "line",
				"data":   data,
				"marker": map[string]any{"enabled": true},
			},
		},
		"navigation": map[string]any{
			"buttonOptions": map[string]any{"enabled": false},
		},
	}
}
