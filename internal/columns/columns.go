package columns

import "fmt"

// Kind identifies how a Reader interprets its token.
type Kind int

const (
	// Null skips one token without contributing a label or value.
	Null Kind = iota
	// Number parses the token as a 64-bit float value for a metric.
	Number
	// CLFNumber is Number except the literal "-" maps to 0.0.
	CLFNumber
	// Label records the token as the value of a named label.
	Label
	// RequestHeader parses a quoted "METHOD PATH PROTO" token group.
	RequestHeader
	// Request is kept for schema compatibility; behaves like RequestHeader.
	Request
	// CLFDate parses a "[dd/Mon/YYYY:HH:MM:SS +ZZZZ]" token group and
	// contributes nothing.
	CLFDate
)

// String returns the YAML-facing spelling of k.
func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Number:
		return "number"
	case CLFNumber:
		return "clf_number"
	case Label:
		return "label"
	case RequestHeader:
		return "request_header"
	case Request:
		return "request"
	case CLFDate:
		return "clf_date"
	default:
		return "unknown"
	}
}

// ParseKind resolves the YAML kind spelling to a Kind. Returns an error
// for any spelling not in the recognized set.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "number":
		return Number, nil
	case "clf_number":
		return CLFNumber, nil
	case "label":
		return Label, nil
	case "request_header":
		return RequestHeader, nil
	case "request":
		return Request, nil
	case "clf_date":
		return CLFDate, nil
	default:
		return Null, fmt.Errorf("columns: unknown kind %q", s)
	}
}

// Reserved names that may not be used as schema-declared metric or label
// names — they are always present on the registry.
const (
	ReservedLabelEnvironment = "environment"
	MetricParserErrors       = "parser_errors"
	MetricLinesParsed        = "lines_parsed"
	MetricConnected          = "connected"
)

// IsReservedMetricName reports whether name collides with one of the
// always-present reserved metric families.
func IsReservedMetricName(name string) bool {
	switch name {
	case MetricParserErrors, MetricLinesParsed, MetricConnected:
		return true
	default:
		return false
	}
}

// RequestLabelNames are the three labels emitted by RequestHeader/Request.
var RequestLabelNames = []string{"request_method", "request_path", "request_protocol"}

// Reader is one entry in a LineParser's ordered column list. A nil-kind
// entry (Null) simply advances one token.
type Reader struct {
	// Kind selects the interpretation applied to the next token.
	Kind Kind

	// Name is the metric name (Number/CLFNumber) or label name (Label).
	// Unused for Null, RequestHeader, Request, and CLFDate.
	Name string

	// Histogram names the global.histograms bucket set this column's
	// values should accumulate into. Empty means the column feeds a
	// plain Counter family instead of a Histogram family. Only valid
	// combined with Number or CLFNumber.
	Histogram string
}

// EmitsLabel reports whether r sets a named label (as opposed to
// contributing a metric value or consuming a token silently).
func (r Reader) EmitsLabel() bool {
	return r.Kind == Label
}

// EmitsValue reports whether r contributes a (metric name, value) pair.
func (r Reader) EmitsValue() bool {
	return r.Kind == Number || r.Kind == CLFNumber
}

// IsHistogram reports whether r's contributed value feeds a Histogram
// family rather than a Counter family.
func (r Reader) IsHistogram() bool {
	return r.EmitsValue() && r.Histogram != ""
}
