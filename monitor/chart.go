package monitor

import (
	"fmt"
	"io"
	"os"

	"github.com/colorfulnotion/lockstep/difftest"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// NewIPCChart plots per-window IPC against DUT cycle.
func NewIPCChart(samples []difftest.Sample) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Lockstep IPC",
			Subtitle: fmt.Sprintf("%d samples", len(samples)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "cycle"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "IPC"}),
	)
	xs := make([]uint64, 0, len(samples))
	ys := make([]opts.LineData, 0, len(samples))
	for _, s := range samples {
		xs = append(xs, s.Cycle)
		ys = append(ys, opts.LineData{Value: s.IPC})
	}
	line.SetXAxis(xs).
		AddSeries("IPC", ys).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))
	return line
}

// RenderIPC writes an HTML page holding the IPC chart.
func RenderIPC(w io.Writer, samples []difftest.Sample) error {
	page := components.NewPage()
	page.AddCharts(NewIPCChart(samples))
	return page.Render(w)
}

// WriteIPCFile renders the chart to path.
func WriteIPCFile(path string, samples []difftest.Sample) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := RenderIPC(f, samples); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
