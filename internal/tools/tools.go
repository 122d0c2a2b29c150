// Package tools defines the fixed set of tools the agent may invoke and
// dispatches model tool calls to the profile and lead collaborators.
package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Name identifies one of the agent's tools. The set is closed.
type Name string

// The tools the agent can call.
const (
	GetProfileSection Name = "get_profile_section"
	GetProjectDetails Name = "get_project_details"
	LogRecruiterLead  Name = "log_recruiter_lead"
)

// ParseName maps s onto the closed tool set.
func ParseName(s string) (Name, bool) {
	switch n := Name(strings.TrimSpace(s)); n {
	case GetProfileSection, GetProjectDetails, LogRecruiterLead:
		return n, true
	}
	return "", false
}

// Definition describes a tool for the system prompt.
type Definition struct {
	Name        Name
	Description string
	// Arguments maps argument name to a short description.
	Arguments map[string]string
	Required  []string
}

// Definitions returns the tool set in prompt order.
func Definitions() []Definition {
	return []Definition{
		{
			Name:        GetProfileSection,
			Description: "Look up one section of the profile: skills, education, experience, projects, job_preferences, links, or contact.",
			Arguments:   map[string]string{"section_name": "profile section to return"},
			Required:    []string{"section_name"},
		},
		{
			Name:        GetProjectDetails,
			Description: "Return the full record for one project, matched by name case-insensitively.",
			Arguments:   map[string]string{"project_name": "project name"},
			Required:    []string{"project_name"},
		},
		{
			Name:        LogRecruiterLead,
			Description: "Record a recruiter lead once the recruiter has shared their name, company, role and contact.",
			Arguments: map[string]string{
				"recruiter_name": "recruiter's full name",
				"company":        "hiring company",
				"role":           "role being hired for",
				"contact":        "email address or phone number",
				"notes":          "anything else worth remembering (optional)",
			},
			Required: []string{"recruiter_name", "company", "role", "contact"},
		},
	}
}

func names() []string {
	defs := Definitions()
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = string(d.Name)
	}
	return out
}

// ProfileProvider answers profile lookups.
type ProfileProvider interface {
	// Section returns the named section, or an empty value when the
	// profile has no such section.
	Section(name string) (any, error)
	// Project returns the matching project record, or nil when no
	// project matches.
	Project(name string) (map[string]any, error)
}

// LeadLogger persists recruiter leads. It rejects leads lacking a
// required field with an error that reports the missing fields.
type LeadLogger interface {
	LogLead(ctx context.Context, fields map[string]any) (map[string]any, error)
}

var callsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "persona",
		Subsystem: "tools",
		Name:      "calls_total",
		Help:      "Tool dispatches by tool and outcome.",
	},
	[]string{"tool", "status"},
)

// Dispatcher validates tool calls and routes them to collaborators.
type Dispatcher struct {
	profile ProfileProvider
	leads   LeadLogger
}

// NewDispatcher creates a dispatcher over the given collaborators.
func NewDispatcher(profile ProfileProvider, leads LeadLogger) *Dispatcher {
	return &Dispatcher{profile: profile, leads: leads}
}

// Dispatch runs the named tool. It always returns a Result suitable for
// feeding back to the model; on failure the Result has failure status
// and the error is returned alongside it.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) (Result, error) {
	ctx, span := otel.Tracer("persona.tools").Start(ctx, "tools.Dispatch",
		trace.WithAttributes(attribute.String("tool.name", name)),
	)
	defer span.End()

	res, err := d.dispatch(ctx, name, args)

	label := res.Tool
	if _, ok := ParseName(name); !ok {
		label = "unknown"
	}
	callsTotal.WithLabelValues(string(label), string(res.Status)).Inc()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("tool.error_kind", ErrorKind(err)))
	}
	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, raw string, args map[string]any) (Result, error) {
	name, ok := ParseName(raw)
	if !ok {
		err := &UnknownToolError{ToolName: raw}
		return FailureResult(Name(raw), err), err
	}

	var (
		res Result
		err error
	)
	switch name {
	case GetProfileSection:
		res, err = d.profileSection(args)
	case GetProjectDetails:
		res, err = d.projectDetails(args)
	case LogRecruiterLead:
		res, err = d.logLead(ctx, args)
	}
	if err != nil {
		return FailureResult(name, err), err
	}
	return res, nil
}

func (d *Dispatcher) profileSection(args map[string]any) (Result, error) {
	section, err := requireString(GetProfileSection, args, "section_name")
	if err != nil {
		return Result{}, err
	}
	data, err := d.profile.Section(section)
	if err != nil {
		return Result{}, fmt.Errorf("profile section %q: %w", section, err)
	}
	return SuccessResult(GetProfileSection, data, map[string]any{"section": section}), nil
}

func (d *Dispatcher) projectDetails(args map[string]any) (Result, error) {
	project, err := requireString(GetProjectDetails, args, "project_name")
	if err != nil {
		return Result{}, err
	}
	rec, err := d.profile.Project(project)
	if err != nil {
		return Result{}, fmt.Errorf("project %q: %w", project, err)
	}
	if rec == nil {
		return SuccessResult(GetProjectDetails, nil, map[string]any{"found": false}), nil
	}
	return SuccessResult(GetProjectDetails, rec, map[string]any{"found": true}), nil
}

func (d *Dispatcher) logLead(ctx context.Context, args map[string]any) (Result, error) {
	if args == nil {
		return Result{}, &InvalidArgumentsError{Tool: LogRecruiterLead, Reason: "arguments must be an object"}
	}
	saved, err := d.leads.LogLead(ctx, args)
	if err != nil {
		return Result{}, err
	}
	return SuccessResult(LogRecruiterLead, args, saved), nil
}

// requireString returns the trimmed, non-empty string argument key.
func requireString(tool Name, args map[string]any, key string) (string, error) {
	if args == nil {
		return "", &InvalidArgumentsError{Tool: tool, Reason: "arguments must be an object"}
	}
	v, ok := args[key]
	if !ok {
		return "", &InvalidArgumentsError{Tool: tool, Argument: key, Reason: "is required"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &InvalidArgumentsError{Tool: tool, Argument: key, Reason: fmt.Sprintf("must be a string, got %T", v)}
	}
	if s = strings.TrimSpace(s); s == "" {
		return "", &InvalidArgumentsError{Tool: tool, Argument: key, Reason: "must not be empty"}
	}
	return s, nil
}
