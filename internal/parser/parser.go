package parser

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/obsidianstack/sshmetrics/internal/columns"
	"github.com/obsidianstack/sshmetrics/internal/registry"
)

// ParseError reports a recoverable per-line failure: too few tokens, a
// numeric parse failure, or a request group that is not exactly three
// fields. The whole line is rejected atomically — no partial metric
// updates occur.
type ParseError struct {
	Reason string
	Line   string
}

func (e *ParseError) Error() string {
	line := e.Line
	if len(line) > 120 {
		line = line[:120] + "..."
	}
	return fmt.Sprintf("parser: %s: %q", e.Reason, line)
}

// LineParser drives an ordered columns.Reader list across one line at a
// time. It is constructed once per worker, bound to that worker's fixed
// base labels (environment, host).
type LineParser struct {
	reg        *registry.Registry
	readers    []columns.Reader
	baseLabels map[string]string
	families   map[string]*registry.Family
}

// New builds a LineParser from the shared column schema. histogramBuckets
// maps a global.histograms name to its configured bucket list; a column
// whose Histogram reference is absent from the map (or maps to an empty
// slice) gets registry.DefaultHistogramBuckets.
func New(reg *registry.Registry, readers []columns.Reader, baseLabels map[string]string, histogramBuckets map[string][]float64) (*LineParser, error) {
	labelNames := make([]string, 0, len(baseLabels)+len(readers))
	for name := range baseLabels {
		labelNames = append(labelNames, name)
	}
	for _, r := range readers {
		if r.EmitsLabel() {
			labelNames = append(labelNames, r.Name)
		}
		if r.Kind == columns.RequestHeader || r.Kind == columns.Request {
			labelNames = append(labelNames, columns.RequestLabelNames...)
		}
	}

	families := make(map[string]*registry.Family)
	for _, r := range readers {
		if !r.EmitsValue() {
			continue
		}
		if _, ok := families[r.Name]; ok {
			continue
		}
		kind := registry.CounterKind
		var buckets []float64
		if r.IsHistogram() {
			kind = registry.HistogramKind
			buckets = histogramBuckets[r.Histogram]
		}
		fam, err := reg.GetOrCreateFamily(r.Name, "value of the "+r.Name+" log column", kind, buckets, false, labelNames)
		if err != nil {
			return nil, err
		}
		families[r.Name] = fam
	}

	bl := make(map[string]string, len(baseLabels))
	for k, v := range baseLabels {
		bl[k] = v
	}

	// Start this worker's parser_errors and lines_parsed series at zero so
	// both are exposed before the first line arrives.
	for _, name := range []string{columns.MetricParserErrors, columns.MetricLinesParsed} {
		fam, err := reg.GetOrCreateFamily(name, "", registry.CounterKind, nil, false, nil)
		if err != nil {
			return nil, err
		}
		_ = reg.Add(fam, bl, 0)
	}

	return &LineParser{reg: reg, readers: readers, baseLabels: bl, families: families}, nil
}

type pendingUpdate struct {
	name  string
	value float64
}

// Parse tokenizes line and drives it across the reader list. On success
// it adds every (metric, value) contribution to the registry and
// increments lines_parsed. On failure the whole line is discarded, no
// metric is touched, and parser_errors is incremented.
func (lp *LineParser) Parse(line string) error {
	tokens := tokenize(line)
	if len(tokens) < len(lp.readers) {
		lp.fail()
		return &ParseError{Reason: "too few tokens", Line: line}
	}

	labels := make(map[string]string, len(lp.baseLabels)+len(columns.RequestLabelNames))
	for k, v := range lp.baseLabels {
		labels[k] = v
	}

	var updates []pendingUpdate

	for i, r := range lp.readers {
		tok := tokens[i]

		switch r.Kind {
		case columns.Null:
			// skip

		case columns.Number:
			v, err := parseFinite(tok)
			if err != nil {
				lp.fail()
				return &ParseError{Reason: fmt.Sprintf("invalid number %q for column %q", tok, r.Name), Line: line}
			}
			updates = append(updates, pendingUpdate{r.Name, v})

		case columns.CLFNumber:
			var v float64
			if tok == "-" {
				v = 0
			} else {
				var err error
				v, err = parseFinite(tok)
				if err != nil {
					lp.fail()
					return &ParseError{Reason: fmt.Sprintf("invalid clf number %q for column %q", tok, r.Name), Line: line}
				}
			}
			updates = append(updates, pendingUpdate{r.Name, v})

		case columns.Label:
			labels[r.Name] = tok

		case columns.RequestHeader, columns.Request:
			parts := strings.Fields(tok)
			if len(parts) != 3 {
				lp.fail()
				return &ParseError{Reason: fmt.Sprintf("malformed request group %q", tok), Line: line}
			}
			labels["request_method"] = parts[0]
			labels["request_path"] = parts[1]
			labels["request_protocol"] = parts[2]

		case columns.CLFDate:
			// consumed, no contribution

		default:
			lp.fail()
			return &ParseError{Reason: fmt.Sprintf("unhandled column kind %v", r.Kind), Line: line}
		}
	}

	for _, u := range updates {
		fam := lp.families[u.name]
		// already validated non-negative above; error here would only
		// indicate a programmer bug, not a line-level failure.
		_ = lp.reg.Add(fam, labels, u.value)
	}

	lp.reg.IncLinesParsed(lp.baseLabels["environment"], lp.baseLabels["host"])
	return nil
}

func (lp *LineParser) fail() {
	lp.reg.IncParserErrors(lp.baseLabels["environment"], lp.baseLabels["host"])
}

func parseFinite(tok string) (float64, error) {
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, err
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("non-finite value")
	}
	if v < 0 {
		return 0, fmt.Errorf("negative value")
	}
	return v, nil
}

// tokenize splits line on runs of ASCII whitespace. A token opened by an
// unescaped '"' or '[' is treated as a group: it consumes raw text
// (including embedded whitespace) until the matching unescaped closing
// '"' or ']', and is emitted as a single token with the delimiters
// stripped. This is what lets a single RequestHeader/Request or CLFDate
// reader consume "GET /path HTTP/1.1" or "[10/Oct/2023:13:55:36 +0000]"
// as one token even though it contains spaces.
func tokenize(line string) []string {
	var tokens []string
	n := len(line)
	i := 0

	for i < n {
		for i < n && isSpace(line[i]) {
			i++
		}
		if i >= n {
			break
		}

		switch line[i] {
		case '"':
			tok, next := scanGroup(line, i+1, '"')
			tokens = append(tokens, tok)
			i = next
		case '[':
			tok, next := scanGroup(line, i+1, ']')
			tokens = append(tokens, tok)
			i = next
		default:
			j := i
			for j < n && !isSpace(line[j]) {
				j++
			}
			tokens = append(tokens, line[i:j])
			i = j
		}
	}

	return tokens
}

// scanGroup reads from start until an unescaped close byte (or end of
// line), honoring backslash escapes, and returns the unescaped content
// plus the index just past the closing delimiter.
func scanGroup(line string, start int, closeByte byte) (string, int) {
	n := len(line)
	var sb strings.Builder
	i := start
	for i < n {
		if line[i] == '\\' && i+1 < n {
			sb.WriteByte(line[i+1])
			i += 2
			continue
		}
		if line[i] == closeByte {
			i++
			break
		}
		sb.WriteByte(line[i])
		i++
	}
	return sb.String(), i
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
