package project

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/midas-platform/midas/pkg/dbio"
)

// Version increment positions as accepted by UpdateLevelFunc.
const (
	MajorLevel = 0
	MinorLevel = 1
	PatchLevel = 2
)

// Validator checks record data for correctness. Minimal validation runs on
// every update and guards only structural sanity; full validation runs at
// finalization and enforces the complete schema. Each returns a list of
// human-readable failure messages, empty when the data is acceptable.
type Validator interface {
	ValidateMinimal(ctx context.Context, data map[string]any) []string
	ValidateFull(ctx context.Context, data map[string]any) []string
}

// NoopValidator accepts all data.
type NoopValidator struct{}

func (NoopValidator) ValidateMinimal(context.Context, map[string]any) []string { return nil }
func (NoopValidator) ValidateFull(context.Context, map[string]any) []string    { return nil }

// SchemaValidator validates record data against a compiled JSON Schema.
// Minimal validation only rejects data that is not a JSON object; the
// schema is enforced at finalization.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// NewSchemaValidator compiles the schema at the given location (a file
// path or URL).
func NewSchemaValidator(location string) (*SchemaValidator, error) {
	sch, err := jsonschema.Compile(location)
	if err != nil {
		return nil, fmt.Errorf("compiling schema %s: %w", location, err)
	}
	return &SchemaValidator{schema: sch}, nil
}

func (v *SchemaValidator) ValidateMinimal(_ context.Context, data map[string]any) []string {
	if data == nil {
		return []string{"record data must be a JSON object"}
	}
	return nil
}

func (v *SchemaValidator) ValidateFull(_ context.Context, data map[string]any) []string {
	if errs := v.ValidateMinimal(nil, data); len(errs) > 0 {
		return errs
	}
	err := v.schema.Validate(any(data))
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		return flattenSchemaError(ve)
	}
	return []string{err.Error()}
}

// flattenSchemaError renders the leaf causes of a schema failure as one
// message per offending instance location.
func flattenSchemaError(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{fmt.Sprintf("%s: %s", loc, ve.Message)}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, flattenSchemaError(cause)...)
	}
	sort.Strings(out)
	return out
}

// ValidationResults collects advisory review findings by severity.
// Failures block finalization; warnings and recommendations are for
// display only.
type ValidationResults struct {
	Failures        []ReviewIssue `json:"failures"`
	Warnings        []ReviewIssue `json:"warnings"`
	Recommendations []ReviewIssue `json:"recommendations"`
}

// ReviewIssue is one finding attached to a data subtree.
type ReviewIssue struct {
	Subject string `json:"subject"`
	Summary string `json:"summary"`
}

// AddFailure records a blocking finding.
func (r *ValidationResults) AddFailure(subject, summary string) {
	r.Failures = append(r.Failures, ReviewIssue{Subject: subject, Summary: summary})
}

// AddWarning records a non-blocking finding.
func (r *ValidationResults) AddWarning(subject, summary string) {
	r.Warnings = append(r.Warnings, ReviewIssue{Subject: subject, Summary: summary})
}

// AddRecommendation records a suggestion.
func (r *ValidationResults) AddRecommendation(subject, summary string) {
	r.Recommendations = append(r.Recommendations, ReviewIssue{Subject: subject, Summary: summary})
}

// Count returns the total number of findings.
func (r *ValidationResults) Count() int {
	return len(r.Failures) + len(r.Warnings) + len(r.Recommendations)
}

// FailureMessages renders the blocking findings for error reporting.
func (r *ValidationResults) FailureMessages() []string {
	out := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		out = append(out, strings.TrimSpace(f.Subject+": "+f.Summary))
	}
	return out
}

// Reviewer inspects a draft and reports advisory findings without
// changing its state.
type Reviewer interface {
	Review(ctx context.Context, rec *dbio.ProjectRecord) *ValidationResults
}

// NoopReviewer reports no findings.
type NoopReviewer struct{}

func (NoopReviewer) Review(context.Context, *dbio.ProjectRecord) *ValidationResults {
	return &ValidationResults{}
}

// ValidatorReviewer adapts a Validator into a Reviewer: full-validation
// errors surface as blocking findings.
type ValidatorReviewer struct {
	V Validator
}

func (vr ValidatorReviewer) Review(ctx context.Context, rec *dbio.ProjectRecord) *ValidationResults {
	res := &ValidationResults{}
	for _, msg := range vr.V.ValidateFull(ctx, rec.Data) {
		subject, summary := rec.ID(), msg
		if i := strings.Index(msg, ": "); i > 0 {
			subject, summary = msg[:i], msg[i+2:]
		}
		res.AddFailure(subject, summary)
	}
	return res
}
