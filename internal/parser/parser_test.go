package parser

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/obsidianstack/sshmetrics/internal/columns"
	"github.com/obsidianstack/sshmetrics/internal/registry"
)

func baseLabels(env, host string) map[string]string {
	return map[string]string{"environment": env, "host": host}
}

// S1: ip label + bytes counter, successful line.
func TestParseSuccessIncrementsCounterAndLinesParsed(t *testing.T) {
	reg := registry.New("x", time.Minute)
	readers := []columns.Reader{
		{Kind: columns.Label, Name: "ip"},
		{Kind: columns.Number, Name: "bytes"},
	}
	lp, err := New(reg, readers, baseLabels("prod", "h1"), nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := lp.Parse("10.0.0.1 512"); err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}

	want := `
# HELP x_bytes value of the bytes log column
# TYPE x_bytes counter
x_bytes{environment="prod",host="h1",ip="10.0.0.1"} 512
`
	if err := testutil.CollectAndCompare(reg, strings.NewReader(want), "x_bytes"); err != nil {
		t.Fatal(err)
	}

	wantLines := `
# HELP x_lines_parsed Total log lines parsed successfully.
# TYPE x_lines_parsed counter
x_lines_parsed{environment="prod",host="h1"} 1
`
	if err := testutil.CollectAndCompare(reg, strings.NewReader(wantLines), "x_lines_parsed"); err != nil {
		t.Fatal(err)
	}
}

// S2: a malformed numeric token rejects the whole line: parser_errors counts
// it and lines_parsed stays at zero.
func TestParseFailureLeavesMetricsUntouched(t *testing.T) {
	reg := registry.New("x", time.Minute)
	readers := []columns.Reader{
		{Kind: columns.Label, Name: "ip"},
		{Kind: columns.Number, Name: "bytes"},
	}
	lp, err := New(reg, readers, baseLabels("prod", "h1"), nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := lp.Parse("10.0.0.1 notanumber"); err == nil {
		t.Fatal("expected parse error")
	}

	want := `
# HELP x_parser_errors Total log lines that failed to parse.
# TYPE x_parser_errors counter
x_parser_errors{environment="prod",host="h1"} 1
`
	if err := testutil.CollectAndCompare(reg, strings.NewReader(want), "x_parser_errors"); err != nil {
		t.Fatal(err)
	}

	wantLines := `
# HELP x_lines_parsed Total log lines parsed successfully.
# TYPE x_lines_parsed counter
x_lines_parsed{environment="prod",host="h1"} 0
`
	if err := testutil.CollectAndCompare(reg, strings.NewReader(wantLines), "x_lines_parsed"); err != nil {
		t.Fatal(err)
	}
}

// S3: clf_number maps "-" to 0.0, not a parse error.
func TestCLFNumberDashIsZero(t *testing.T) {
	reg := registry.New("x", time.Minute)
	readers := []columns.Reader{
		{Kind: columns.CLFNumber, Name: "bytes"},
	}
	lp, err := New(reg, readers, baseLabels("prod", "h1"), nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := lp.Parse("-"); err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}

	want := `
# HELP x_bytes value of the bytes log column
# TYPE x_bytes counter
x_bytes{environment="prod",host="h1"} 0
`
	if err := testutil.CollectAndCompare(reg, strings.NewReader(want), "x_bytes"); err != nil {
		t.Fatal(err)
	}
}

// S5: number+histogram columns accumulate into Histogram buckets.
func TestHistogramColumnAccumulates(t *testing.T) {
	reg := registry.New("x", time.Minute)
	readers := []columns.Reader{
		{Kind: columns.Number, Name: "rt", Histogram: "default"},
	}
	lp, err := New(reg, readers, baseLabels("prod", "h1"), nil)
	if err != nil {
		t.Fatal(err)
	}

	for _, line := range []string{"0.2", "0.05", "3.0"} {
		if err := lp.Parse(line); err != nil {
			t.Fatalf("unexpected parse error on %q: %v", line, err)
		}
	}

	want := `
# HELP x_rt value of the rt log column
# TYPE x_rt histogram
x_rt_bucket{environment="prod",host="h1",le="0.005"} 0
x_rt_bucket{environment="prod",host="h1",le="0.01"} 0
x_rt_bucket{environment="prod",host="h1",le="0.025"} 0
x_rt_bucket{environment="prod",host="h1",le="0.05"} 1
x_rt_bucket{environment="prod",host="h1",le="0.075"} 1
x_rt_bucket{environment="prod",host="h1",le="0.1"} 1
x_rt_bucket{environment="prod",host="h1",le="0.25"} 2
x_rt_bucket{environment="prod",host="h1",le="0.5"} 2
x_rt_bucket{environment="prod",host="h1",le="0.75"} 2
x_rt_bucket{environment="prod",host="h1",le="1"} 2
x_rt_bucket{environment="prod",host="h1",le="2.5"} 2
x_rt_bucket{environment="prod",host="h1",le="5"} 3
x_rt_bucket{environment="prod",host="h1",le="7.5"} 3
x_rt_bucket{environment="prod",host="h1",le="10"} 3
x_rt_bucket{environment="prod",host="h1",le="+Inf"} 3
x_rt_sum{environment="prod",host="h1"} 3.25
x_rt_count{environment="prod",host="h1"} 3
`
	if err := testutil.CollectAndCompare(reg, strings.NewReader(want), "x_rt"); err != nil {
		t.Fatal(err)
	}
}

func TestRequestHeaderEmitsThreeLabels(t *testing.T) {
	reg := registry.New("x", time.Minute)
	readers := []columns.Reader{
		{Kind: columns.RequestHeader},
		{Kind: columns.Number, Name: "status"},
	}
	lp, err := New(reg, readers, baseLabels("prod", "h1"), nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := lp.Parse(`"GET /index.html HTTP/1.1" 200`); err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}

	want := `
# HELP x_status value of the status log column
# TYPE x_status counter
x_status{environment="prod",host="h1",request_method="GET",request_path="/index.html",request_protocol="HTTP/1.1"} 200
`
	if err := testutil.CollectAndCompare(reg, strings.NewReader(want), "x_status"); err != nil {
		t.Fatal(err)
	}
}

func TestRequestHeaderMalformedIsParseError(t *testing.T) {
	reg := registry.New("x", time.Minute)
	readers := []columns.Reader{
		{Kind: columns.RequestHeader},
		{Kind: columns.Number, Name: "status"},
	}
	lp, err := New(reg, readers, baseLabels("prod", "h1"), nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := lp.Parse(`"GET /index.html" 200`); err == nil {
		t.Fatal("expected parse error for a two-part request group")
	}
}

func TestCLFDateIsConsumedWithoutContribution(t *testing.T) {
	reg := registry.New("x", time.Minute)
	readers := []columns.Reader{
		{Kind: columns.CLFDate},
		{Kind: columns.Number, Name: "bytes"},
	}
	lp, err := New(reg, readers, baseLabels("prod", "h1"), nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := lp.Parse(`[10/Oct/2023:13:55:36 +0000] 512`); err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}

	want := `
# HELP x_bytes value of the bytes log column
# TYPE x_bytes counter
x_bytes{environment="prod",host="h1"} 512
`
	if err := testutil.CollectAndCompare(reg, strings.NewReader(want), "x_bytes"); err != nil {
		t.Fatal(err)
	}
}

func TestTokenizeHandlesQuotesAndBrackets(t *testing.T) {
	got := tokenize(`10.0.0.1 - - [10/Oct/2023:13:55:36 +0000] "GET /a HTTP/1.1" 200 512`)
	want := []string{"10.0.0.1", "-", "-", "10/Oct/2023:13:55:36 +0000", "GET /a HTTP/1.1", "200", "512"}
	if len(got) != len(want) {
		t.Fatalf("tokenize returned %d tokens, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTooFewTokensIsParseError(t *testing.T) {
	reg := registry.New("x", time.Minute)
	readers := []columns.Reader{
		{Kind: columns.Label, Name: "ip"},
		{Kind: columns.Number, Name: "bytes"},
	}
	lp, err := New(reg, readers, baseLabels("prod", "h1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := lp.Parse("10.0.0.1"); err == nil {
		t.Fatal("expected parse error for a short line")
	}
}
