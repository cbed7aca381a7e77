// Package policy implements the deterministic validation rules for commit
// messages, branch names, and write paths.
//
// Every function here is pure: no store access, no network, no clock. The
// same input always yields the same Outcome, so rule changes take effect
// retroactively wherever validation is recomputed.
package policy

import (
	"path"
	"regexp"
	"sort"
	"strings"
)

// Rule names reported in violations.
const (
	RuleEmptyMessage     = "empty-message"
	RuleMissingColon     = "missing-colon-separator"
	RuleUnknownType      = "unknown-type"
	RuleInvalidScope     = "invalid-scope"
	RuleEmptySummary     = "empty-summary"
	RuleMissingPrefix    = "missing-auto-prefix"
	RuleInvalidSlug      = "invalid-slug"
	RuleOutsidePath      = "path-outside-whitelist"
	RuleDeleteNotAllowed = "delete-not-permitted"
)

// AutomationPrefix is the required prefix for automation branch names.
const AutomationPrefix = "auto/"

// commitTypes is the enumerated set of accepted commit message types.
var commitTypes = map[string]bool{
	"feat":     true,
	"fix":      true,
	"docs":     true,
	"style":    true,
	"refactor": true,
	"perf":     true,
	"test":     true,
	"chore":    true,
}

// slugPattern validates the slug portion of an automation branch name.
// Same shape as repository/branch identifiers accepted by hosts.
var slugPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Outcome is the result of a policy check. A zero Rule means valid.
// Outcomes are values, never errors: a violation is an answer, not a failure.
type Outcome struct {
	Rule        string `json:"rule,omitempty"`
	Explanation string `json:"explanation,omitempty"`
}

// Valid reports whether the outcome passed validation.
func (o Outcome) Valid() bool {
	return o.Rule == ""
}

// String renders the outcome for logs and reports.
func (o Outcome) String() string {
	if o.Valid() {
		return "valid"
	}
	return o.Rule + ": " + o.Explanation
}

// ViolationError adapts an Outcome to the error interface for operations
// that must refuse on a violation. Never retried.
type ViolationError struct {
	Outcome Outcome
}

func (e *ViolationError) Error() string {
	return "policy violation: " + e.Outcome.String()
}

// Violated returns a ViolationError for o, or nil when o is valid.
func Violated(o Outcome) error {
	if o.Valid() {
		return nil
	}
	return &ViolationError{Outcome: o}
}

func valid() Outcome {
	return Outcome{}
}

func violation(rule, explanation string) Outcome {
	return Outcome{Rule: rule, Explanation: explanation}
}

// CommitTypes returns the accepted commit types in sorted order.
func CommitTypes() []string {
	types := make([]string, 0, len(commitTypes))
	for t := range commitTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ValidateCommitMessage checks message against the conventional
// `<type>(<scope>)?: <summary>` grammar with the enumerated type set.
func ValidateCommitMessage(message string) Outcome {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return violation(RuleEmptyMessage, "commit message is empty")
	}

	// Only the subject line is governed; body lines are free text.
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = strings.TrimSpace(msg[:idx])
	}

	colon := strings.IndexByte(msg, ':')
	if colon < 0 {
		return violation(RuleMissingColon,
			"message must follow '<type>(<scope>)?: <summary>', e.g. 'chore(config): sync app config'")
	}

	head := msg[:colon]
	rest := msg[colon+1:]
	// The separator is ': ', a colon alone does not start the summary.
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return violation(RuleMissingColon, "type and summary must be separated by ': ' (colon then space)")
	}
	summary := strings.TrimSpace(rest)
	if summary == "" {
		return violation(RuleEmptySummary, "summary after ':' is empty")
	}

	typ := head
	if open := strings.IndexByte(head, '('); open >= 0 {
		if !strings.HasSuffix(head, ")") {
			return violation(RuleInvalidScope, "unclosed scope in "+head)
		}
		scope := head[open+1 : len(head)-1]
		if scope == "" {
			return violation(RuleInvalidScope, "scope is empty")
		}
		if strings.ContainsAny(scope, " \t") {
			return violation(RuleInvalidScope, "scope must not contain whitespace: "+scope)
		}
		typ = head[:open]
	}

	// Types match case-insensitively: 'Fix:' and 'fix:' are the same type.
	if !commitTypes[strings.ToLower(typ)] {
		return violation(RuleUnknownType,
			"unknown type "+typ+", must be one of: "+strings.Join(CommitTypes(), ", "))
	}

	return valid()
}

// ValidateBranchName checks that name is a well-formed automation branch
// name: the auto/ prefix followed by a non-empty slug.
func ValidateBranchName(name string) Outcome {
	if !strings.HasPrefix(name, AutomationPrefix) {
		return violation(RuleMissingPrefix, "branch name must start with "+AutomationPrefix)
	}

	slug := strings.TrimPrefix(name, AutomationPrefix)
	if slug == "" {
		return violation(RuleInvalidSlug, "branch name has no slug after "+AutomationPrefix)
	}
	if !slugPattern.MatchString(slug) {
		return violation(RuleInvalidSlug, "slug must be alphanumeric with dots, hyphens or underscores: "+slug)
	}

	return valid()
}

// ValidatePathWhitelist checks that p lies under one of the whitelisted
// directory prefixes. Paths are cleaned first so traversal cannot escape
// a whitelisted prefix.
func ValidatePathWhitelist(p string, whitelist []string) Outcome {
	cleaned := path.Clean(strings.TrimPrefix(p, "/"))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return violation(RuleOutsidePath, "path escapes repository root: "+p)
	}

	for _, prefix := range whitelist {
		prefix = strings.TrimSuffix(strings.TrimPrefix(prefix, "/"), "/")
		if prefix == "" {
			continue
		}
		if cleaned == prefix || strings.HasPrefix(cleaned, prefix+"/") {
			return valid()
		}
	}

	return violation(RuleOutsidePath,
		"path "+p+" is outside whitelisted prefixes: "+strings.Join(whitelist, ", "))
}

// AllowDelete is the deletion capability check. Deletions are never
// permitted through this engine regardless of whitelist.
func AllowDelete(p string) Outcome {
	return violation(RuleDeleteNotAllowed, "deleting "+p+" is not permitted")
}
