package render

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"strconv"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	tableplugin "github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/relato/aggregate"
)

// Encode serialises rep into the given format without touching disk.
func Encode(rep *aggregate.Report, format Format) ([]byte, error) {
	switch format {
	case FormatCSV:
		return encodeCSV(rep)
	case FormatJSON:
		return encodeJSON(rep)
	case FormatHTML:
		return encodeHTML(rep)
	case FormatMD:
		return encodeMarkdown(rep)
	}
	return nil, fmt.Errorf("unsupported format %q: %w", format, ErrRenderFailed)
}

func formatMetric(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func encodeCSV(rep *aggregate.Report) ([]byte, error) {
	keys, metrics, nulls := columns(rep)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := make([]string, 0, len(keys)+len(metrics)+len(nulls))
	header = append(header, keys...)
	header = append(header, metrics...)
	header = append(header, nulls...)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("csv header: %w", err)
	}

	for _, row := range rep.Rows {
		out := make([]string, 0, len(header))
		for _, k := range keys {
			out = append(out, row.Keys[k])
		}
		for _, m := range metrics {
			out = append(out, formatMetric(row.Metrics[m]))
		}
		for _, m := range rep.Metrics {
			out = append(out, strconv.Itoa(row.Nulls[m]))
		}
		if err := w.Write(out); err != nil {
			return nil, fmt.Errorf("csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("csv flush: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeJSON(rep *aggregate.Report) ([]byte, error) {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return append(data, '\n'), nil
}

// reportTmpl keeps the HTML minimal: a caption with generation metadata and
// one table. Cell text passes through bluemonday first — extracted documents
// are untrusted input and their cell values end up verbatim in this page.
var reportTmpl = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="pt-BR">
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<table>
<caption>{{.Caption}}</caption>
<thead><tr>{{range .Header}}<th>{{.}}</th>{{end}}</tr></thead>
<tbody>
{{range .Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>
{{end}}</tbody>
</table>
</body>
</html>
`))

var cellPolicy = bluemonday.StrictPolicy()

func encodeHTML(rep *aggregate.Report) ([]byte, error) {
	keys, metrics, nulls := columns(rep)

	header := make([]string, 0, len(keys)+len(metrics)+len(nulls))
	header = append(header, keys...)
	header = append(header, metrics...)
	header = append(header, nulls...)

	rows := make([][]string, 0, len(rep.Rows))
	for _, row := range rep.Rows {
		out := make([]string, 0, len(header))
		for _, k := range keys {
			out = append(out, cellPolicy.Sanitize(row.Keys[k]))
		}
		for _, m := range metrics {
			out = append(out, formatMetric(row.Metrics[m]))
		}
		for _, m := range rep.Metrics {
			out = append(out, strconv.Itoa(row.Nulls[m]))
		}
		rows = append(rows, out)
	}

	name := rep.Name
	if name == "" {
		name = "report"
	}
	var buf bytes.Buffer
	err := reportTmpl.Execute(&buf, struct {
		Title   string
		Caption string
		Header  []string
		Rows    [][]string
	}{
		Title:   name,
		Caption: fmt.Sprintf("%s — %d rows, generated %s", name, len(rows), rep.GeneratedAt.Format("2006-01-02 15:04:05 UTC")),
		Header:  header,
		Rows:    rows,
	})
	if err != nil {
		return nil, fmt.Errorf("html template: %w", err)
	}
	return buf.Bytes(), nil
}

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		tableplugin.NewTablePlugin(),
	),
)

// encodeMarkdown renders the HTML form and converts it, so both formats stay
// cell-for-cell identical.
func encodeMarkdown(rep *aggregate.Report) ([]byte, error) {
	html, err := encodeHTML(rep)
	if err != nil {
		return nil, err
	}
	md, err := mdConverter.ConvertString(string(html))
	if err != nil {
		return nil, fmt.Errorf("markdown convert: %w", err)
	}
	return []byte(md), nil
}
