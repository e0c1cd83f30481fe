package render

import "contacttrend/internal/trend"

const (
	PageTitle    = "Distinct Contact Phone Trend (Last Week)"
	ChartTitle   = "Distinct Contact Phone Count Per Hour (Last Week)"
	XAxisLabel   = "Hour of the Day"
	YAxisLabel   = "Distinct Contact Phone Count"
	EmptyWarning = "Could not retrieve data to display the trend."
)

// Sink is the display surface a page load writes to.
type Sink interface {
	Title(text string)
	Subheader(text string)
	Warning(text string)
	Error(text string)
	Chart(c Chart)
}

// Render draws the trend or, for an empty result, only a warning.
func Render(sink Sink, result trend.Result) {
	if result.Empty() {
		sink.Warning(EmptyWarning)
		return
	}

	sink.Subheader(ChartTitle)
	sink.Chart(TrendChart(result))
}

// TrendChart plots one point per hour present. Ticks follow the same hours,
// so gaps stay visible instead of being filled with zeros.
func TrendChart(result trend.Result) Chart {
	points := make([]Point, len(result.Rows))
	for i, row := range result.Rows {
		points[i] = Point{X: row.Hour, Y: row.DistinctCount}
	}

	return Chart{
		Title:  ChartTitle,
		XLabel: XAxisLabel,
		YLabel: YAxisLabel,
		Series: Series{Name: YAxisLabel, Points: points},
		XTicks: result.Hours(),
	}
}
