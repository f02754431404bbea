package output

import (
	"fmt"
	"html/template"
	"io"
	"time"
)

// GenerateHTMLReport writes a standalone HTML report for a finished run.
func GenerateHTMLReport(w io.Writer, s Summary) error {
	data := struct {
		GeneratedAt string
		Summary     Summary
		ReqRate     float64
		Trend       *MetricSummary
		Checks      []MetricSummary
	}{
		GeneratedAt: time.Now().Format(time.RFC3339),
		Summary:     s,
		ReqRate:     s.RequestRate(),
		Checks:      s.checkSeries(),
	}
	for i := range s.Metrics {
		if s.Metrics[i].Name == "http_req_duration" {
			data.Trend = &s.Metrics[i]
			break
		}
	}

	tmpl, err := template.New("report").Funcs(template.FuncMap{
		"formatFloat": func(f float64) string {
			return fmt.Sprintf("%.2f", f)
		},
		"formatMs": func(f float64) string {
			return fmt.Sprintf("%.1fms", f)
		},
		"formatPercent": func(rate float64) string {
			return fmt.Sprintf("%.1f", rate*100)
		},
	}).Parse(htmlTemplate)
	if err != nil {
		return fmt.Errorf("parse report template: %w", err)
	}
	if err := tmpl.Execute(w, data); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Stampede Run {{.Summary.RunID}}</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Arial, sans-serif;
            background: #f5f7fa;
            color: #2c3e50;
            line-height: 1.6;
            padding: 20px;
        }
        .container {
            max-width: 1100px;
            margin: 0 auto;
            background: white;
            border-radius: 8px;
            box-shadow: 0 2px 8px rgba(0,0,0,0.1);
            overflow: hidden;
        }
        header {
            background: linear-gradient(135deg, #1f2937 0%, #4b5563 100%);
            color: white;
            padding: 30px 40px;
        }
        header h1 { font-size: 1.6rem; margin-bottom: 8px; }
        header .meta { opacity: 0.85; font-size: 0.9rem; }
        .verdict {
            display: inline-block;
            margin-top: 12px;
            padding: 6px 18px;
            border-radius: 14px;
            font-weight: 700;
        }
        .verdict.pass { background: #d1fae5; color: #065f46; }
        .verdict.fail { background: #fee2e2; color: #991b1b; }
        .content { padding: 40px; }
        .grid {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(220px, 1fr));
            gap: 20px;
            margin-bottom: 40px;
        }
        .card {
            background: #f8f9fa;
            border-radius: 8px;
            padding: 20px;
            border-left: 4px solid #4b5563;
        }
        .card h3 {
            font-size: 0.85rem;
            color: #6c757d;
            text-transform: uppercase;
            letter-spacing: 0.5px;
            margin-bottom: 8px;
        }
        .card .value { font-size: 1.8rem; font-weight: bold; }
        .section { margin-bottom: 40px; }
        .section h2 {
            font-size: 1.3rem;
            margin-bottom: 16px;
            padding-bottom: 8px;
            border-bottom: 2px solid #e5e7eb;
        }
        table { width: 100%; border-collapse: collapse; }
        th, td {
            text-align: left;
            padding: 10px 12px;
            border-bottom: 1px solid #e5e7eb;
        }
        th {
            background: #f8f9fa;
            font-weight: 600;
            color: #4b5563;
            font-size: 0.85rem;
            text-transform: uppercase;
        }
        .badge {
            display: inline-block;
            padding: 3px 10px;
            border-radius: 12px;
            font-size: 0.8rem;
            font-weight: 600;
        }
        .badge-success { background: #d1fae5; color: #065f46; }
        .badge-error { background: #fee2e2; color: #991b1b; }
    </style>
</head>
<body>
    <div class="container">
        <header>
            <h1>Stampede Load Test Report</h1>
            <div class="meta">Run {{.Summary.RunID}} | Generated {{.GeneratedAt}} | Duration {{.Summary.Duration}}</div>
            {{if .Summary.Passed}}
            <span class="verdict pass">PASS</span>
            {{else}}
            <span class="verdict fail">FAIL{{if .Summary.Aborted}} (aborted){{end}}</span>
            {{end}}
        </header>

        <div class="content">
            <div class="grid">
                <div class="card">
                    <h3>Requests/sec</h3>
                    <div class="value">{{formatFloat .ReqRate}}</div>
                </div>
                {{if .Trend}}
                <div class="card">
                    <h3>p95 Latency</h3>
                    <div class="value">{{formatMs .Trend.P95}}</div>
                </div>
                <div class="card">
                    <h3>p99 Latency</h3>
                    <div class="value">{{formatMs .Trend.P99}}</div>
                </div>
                {{end}}
            </div>

            {{if .Trend}}
            <div class="section">
                <h2>Latency (http_req_duration)</h2>
                <table>
                    <thead>
                        <tr><th>Min</th><th>Median</th><th>Mean</th><th>p90</th><th>p95</th><th>p99</th><th>Max</th></tr>
                    </thead>
                    <tbody>
                        <tr>
                            <td>{{formatMs .Trend.Min}}</td>
                            <td>{{formatMs .Trend.Med}}</td>
                            <td>{{formatMs .Trend.Mean}}</td>
                            <td>{{formatMs .Trend.P90}}</td>
                            <td>{{formatMs .Trend.P95}}</td>
                            <td>{{formatMs .Trend.P99}}</td>
                            <td>{{formatMs .Trend.Max}}</td>
                        </tr>
                    </tbody>
                </table>
            </div>
            {{end}}

            {{if .Summary.Thresholds}}
            <div class="section">
                <h2>Thresholds</h2>
                <table>
                    <thead>
                        <tr><th>Expression</th><th>Actual</th><th>Status</th></tr>
                    </thead>
                    <tbody>
                        {{range .Summary.Thresholds}}
                        <tr>
                            <td>{{.Expr}}</td>
                            <td>{{formatFloat .Actual}}</td>
                            <td>
                                {{if .Pass}}
                                <span class="badge badge-success">PASS</span>
                                {{else}}
                                <span class="badge badge-error">FAIL</span>
                                {{end}}
                            </td>
                        </tr>
                        {{end}}
                    </tbody>
                </table>
            </div>
            {{end}}

            {{if .Checks}}
            <div class="section">
                <h2>Checks</h2>
                <table>
                    <thead>
                        <tr><th>Check</th><th>Passing</th><th>Rate</th></tr>
                    </thead>
                    <tbody>
                        {{range .Checks}}
                        <tr>
                            <td>{{.Name}}</td>
                            <td>{{.Passes}}/{{.Count}}</td>
                            <td>{{formatPercent .Rate}}%</td>
                        </tr>
                        {{end}}
                    </tbody>
                </table>
            </div>
            {{end}}

            <div class="section">
                <h2>All Metrics</h2>
                <table>
                    <thead>
                        <tr><th>Series</th><th>Kind</th><th>Count</th><th>Detail</th></tr>
                    </thead>
                    <tbody>
                        {{range .Summary.Metrics}}
                        <tr>
                            <td><strong>{{.Name}}</strong></td>
                            <td>{{.Kind}}</td>
                            <td>{{.Count}}</td>
                            <td>
                                {{if eq .Kind "rate"}}{{formatPercent .Rate}}%{{end}}
                                {{if eq .Kind "gauge"}}{{formatFloat .Value}}{{end}}
                                {{if eq .Kind "trend"}}p95 {{formatMs .P95}}{{end}}
                            </td>
                        </tr>
                        {{end}}
                    </tbody>
                </table>
            </div>
        </div>
    </div>
</body>
</html>
`
