package model

import (
	"fmt"
	"regexp"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

type ValidationFinding struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Field    string   `json:"field,omitempty"`
}

type ValidationResult struct {
	Service  string              `json:"service"`
	Errors   int                 `json:"errors"`
	Warnings int                 `json:"warnings"`
	Infos    int                 `json:"infos"`
	Findings []ValidationFinding `json:"findings"`
}

func (r *ValidationResult) Add(f ValidationFinding) {
	r.Findings = append(r.Findings, f)
	switch f.Severity {
	case SeverityError:
		r.Errors++
	case SeverityWarning:
		r.Warnings++
	case SeverityInfo:
		r.Infos++
	}
}

func (r *ValidationResult) Valid() bool {
	return r.Errors == 0
}

func (r *ValidationResult) add(check string, sev Severity, field, msg string) {
	r.Add(ValidationFinding{Check: check, Severity: sev, Field: field, Message: msg})
}

var (
	serviceNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
	// task definition families allow letters, numbers, hyphens and underscores
	familyRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)
	envNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ValidateDescriptor reports errors that would make a deploy fail and
// warnings for settings that are legal but likely mistakes.
func ValidateDescriptor(d *Descriptor) *ValidationResult {
	r := &ValidationResult{Service: d.Service}

	switch {
	case d.Service == "":
		r.add("service-name", SeverityError, "service", "service name is required")
	case !serviceNameRe.MatchString(d.Service):
		r.add("service-name", SeverityError, "service", "service name must match ^[a-z0-9][a-z0-9-]*$")
	}

	if d.Family != "" && !familyRe.MatchString(d.Family) {
		r.add("family", SeverityError, "family", fmt.Sprintf("invalid task definition family %q", d.Family))
	}

	if d.Repository == "" {
		r.add("repository", SeverityError, "repository", "registry repository URI is required")
	} else if strings.Contains(d.Repository, ":") && !strings.Contains(d.Repository, "/") {
		r.add("repository", SeverityWarning, "repository", "repository looks like an image reference with a tag; tags are derived per build")
	}

	if d.Container.CPU <= 0 {
		r.add("resources", SeverityError, "container.cpu", "cpu is required")
	}
	if d.Container.Memory <= 0 {
		r.add("resources", SeverityError, "container.memory", "memory is required")
	}
	if d.Container.Port < 0 || d.Container.Port > 65535 {
		r.add("port", SeverityError, "container.port", fmt.Sprintf("port %d out of range", d.Container.Port))
	}
	if d.Container.Port == 0 {
		r.add("port", SeverityInfo, "container.port", "no port mapping; service will not receive traffic")
	}

	seen := map[string]bool{}
	for i, e := range d.Env {
		field := fmt.Sprintf("env[%d]", i)
		if !envNameRe.MatchString(e.Name) {
			r.add("env", SeverityError, field, fmt.Sprintf("invalid environment variable name %q", e.Name))
			continue
		}
		if seen[e.Name] {
			r.add("env", SeverityError, field, fmt.Sprintf("duplicate environment variable %s", e.Name))
		}
		seen[e.Name] = true
	}

	if d.Logs != nil && d.Logs.Group == "" {
		r.add("logs", SeverityWarning, "logs.group", "logs block present without a log group")
	}

	if d.Cluster == "" {
		r.add("cluster", SeverityInfo, "cluster", "no cluster set; the pipeline default is used")
	}

	timeout, err := d.RolloutTimeout()
	if err != nil {
		r.add("rollout", SeverityError, "rollout.timeout", fmt.Sprintf("invalid timeout: %v", err))
	}
	interval, err := d.PollInterval()
	if err != nil {
		r.add("rollout", SeverityError, "rollout.pollInterval", fmt.Sprintf("invalid poll interval: %v", err))
	}
	if timeout > 0 && interval > 0 && interval >= timeout {
		r.add("rollout", SeverityError, "rollout.pollInterval", "poll interval must be shorter than the rollout timeout")
	}

	if d.Build != nil && d.Build.Dockerfile == "" {
		r.add("build", SeverityWarning, "build.dockerfile", "build block present without dockerfile")
	}

	return r
}
