package render

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/relato/aggregate"
)

// Decoded is the tabular content recovered from an artifact: the header row
// and the data rows, in artifact order.
type Decoded struct {
	Header []string   `json:"header"`
	Rows   [][]string `json:"rows"`
}

// Decode re-parses a persisted artifact. Supported for csv, json and html;
// markdown artifacts are presentation-only.
func Decode(a *Artifact) (*Decoded, error) {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return DecodeBytes(data, a.Format)
}

// DecodeBytes re-parses serialised report content.
func DecodeBytes(data []byte, format Format) (*Decoded, error) {
	switch format {
	case FormatCSV:
		return decodeCSV(data)
	case FormatJSON:
		return decodeJSON(data)
	case FormatHTML:
		return decodeHTML(data)
	}
	return nil, fmt.Errorf("format %q is not re-parseable", format)
}

func decodeCSV(data []byte) (*Decoded, error) {
	r := csv.NewReader(bytes.NewReader(data))
	all, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csv decode: %w", err)
	}
	if len(all) == 0 {
		return &Decoded{}, nil
	}
	return &Decoded{Header: all[0], Rows: all[1:]}, nil
}

func decodeJSON(data []byte) (*Decoded, error) {
	var rep aggregate.Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}

	keys, metrics, _ := columns(&rep)
	var d Decoded
	d.Header = append(d.Header, keys...)
	d.Header = append(d.Header, metrics...)
	for _, m := range rep.Metrics {
		d.Header = append(d.Header, m+"_nulls")
	}
	for _, row := range rep.Rows {
		out := make([]string, 0, len(d.Header))
		for _, k := range keys {
			out = append(out, row.Keys[k])
		}
		for _, m := range metrics {
			out = append(out, formatMetric(row.Metrics[m]))
		}
		for _, m := range rep.Metrics {
			out = append(out, strconv.Itoa(row.Nulls[m]))
		}
		d.Rows = append(d.Rows, out)
	}
	return &d, nil
}

func decodeHTML(data []byte) (*Decoded, error) {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("html decode: %w", err)
	}

	var d Decoded
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			var cells []string
			isHeader := false
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type != html.ElementNode {
					continue
				}
				switch c.Data {
				case "th":
					isHeader = true
					cells = append(cells, nodeText(c))
				case "td":
					cells = append(cells, nodeText(c))
				}
			}
			if isHeader {
				d.Header = cells
			} else if len(cells) > 0 {
				d.Rows = append(d.Rows, cells)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return &d, nil
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}
