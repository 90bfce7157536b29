package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"

	"github.com/vqmeter/vqmeter/internal/report"
)

// RenderPage turns an archived report payload into an HTML page.
func RenderPage(kind string, payload []byte) ([]byte, error) {
	switch kind {
	case report.KindSingle:
		var r report.SingleReport
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("failed to decode single report: %w", err)
		}
		return execute(singleTemplate, &r)
	case report.KindBatch:
		var r report.BatchReport
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("failed to decode batch report: %w", err)
		}
		return execute(batchTemplate, &r)
	default:
		return nil, fmt.Errorf("unknown render kind %q", kind)
	}
}

func execute(tmpl *template.Template, data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var pageFuncs = template.FuncMap{
	"score": func(v *float64) string {
		if v == nil {
			return "n/a"
		}
		return fmt.Sprintf("%.2f", *v)
	},
	"f2": func(v float64) string { return fmt.Sprintf("%.2f", v) },
}

var singleTemplate = template.Must(template.New("single").Funcs(pageFuncs).Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Quality Report {{.ID}}</title></head>
<body>
<h1>Quality Report</h1>
<p>Report {{.ID}} generated {{.GeneratedAt}}</p>
<h2>Result: {{.Grade}}</h2>
<table border="1">
<tr><th></th><th>Reference</th><th>Distorted</th></tr>
<tr><td>File</td><td>{{.Reference.OriginalFilename}}</td><td>{{.Distorted.OriginalFilename}}</td></tr>
<tr><td>Resolution</td><td>{{.Reference.Metadata.Width}}x{{.Reference.Metadata.Height}}</td><td>{{.Distorted.Metadata.Width}}x{{.Distorted.Metadata.Height}}</td></tr>
<tr><td>Bitrate</td><td>{{.Reference.Metadata.Bitrate}}</td><td>{{.Distorted.Metadata.Bitrate}}</td></tr>
</table>
<h2>Scores</h2>
<p>Overall: {{score .Job.Scores.Overall}}{{if .Efficiency}} | Efficiency: {{score .Efficiency}} per Mbps{{end}}</p>
<h2>Distribution</h2>
<table border="1">
<tr><th>Metric</th><th>Count</th><th>Mean</th><th>Min</th><th>Max</th><th>Median</th><th>StdDev</th><th>P5</th><th>P95</th></tr>
{{range $metric, $s := .Statistics}}<tr><td>{{$metric}}</td><td>{{$s.Count}}</td><td>{{f2 $s.Mean}}</td><td>{{f2 $s.Min}}</td><td>{{f2 $s.Max}}</td><td>{{f2 $s.Median}}</td><td>{{f2 $s.StdDev}}</td><td>{{f2 $s.P5}}</td><td>{{f2 $s.P95}}</td></tr>
{{end}}</table>
{{if .ProblemUnits}}<h2>Problem Frames</h2>
<table border="1">
<tr><th>Frame</th><th>Timestamp</th><th>Score</th></tr>
{{range .ProblemUnits}}<tr><td>{{.Index}}</td><td>{{f2 .Timestamp}}</td><td>{{f2 .Score}}</td></tr>
{{end}}</table>{{end}}
</body>
</html>
`))

var batchTemplate = template.Must(template.New("batch").Funcs(pageFuncs).Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Batch Report {{.ID}}</title></head>
<body>
<h1>Batch Comparison Report</h1>
<p>Report {{.ID}} generated {{.GeneratedAt}}</p>
<p>Reference: {{.Reference.OriginalFilename}}</p>
<p>{{.View.CompletedCount}} of {{.View.TotalCount}} members completed</p>
<h2>Ranking</h2>
<table border="1">
<tr><th>Job</th><th>File</th><th>Score</th><th>Grade</th><th>Efficiency</th><th>Mbps</th></tr>
{{range .Members}}<tr><td>{{.JobID}}</td><td>{{.Filename}}</td><td>{{f2 .Score}}</td><td>{{.Grade}}</td><td>{{score .Efficiency}}</td><td>{{score .BitrateMbps}}</td></tr>
{{end}}</table>
{{if .BestQualityJobID}}<p>Best quality: {{.BestQualityJobID}}</p>{{end}}
{{if .BestEfficiencyJobID}}<p>Best efficiency: {{.BestEfficiencyJobID}}</p>{{end}}
</body>
</html>
`))
