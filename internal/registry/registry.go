// Package registry is the static tool table: a pure, read-only mapping
// from tool name to downstream endpoint, method, and parameter schema.
// It performs no I/O and is safe for concurrent read access after
// construction.
package registry

import "strings"

// Entry describes one downstream-callable tool.
type Entry struct {
	Name           string
	EndpointPath   string
	Method         string
	RequiredParams []string
	OptionalParams []string
}

// Registry is an immutable, in-memory tool table.
type Registry struct {
	entries map[string]Entry
	order   []string
}

// New builds a Registry from entries. Later entries with a duplicate
// name overwrite earlier ones but keep the original position in List.
func New(entries []Entry) *Registry {
	r := &Registry{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if _, exists := r.entries[e.Name]; !exists {
			r.order = append(r.order, e.Name)
		}
		r.entries[e.Name] = e
	}
	return r
}

// Lookup returns the entry for name and whether it exists.
func (r *Registry) Lookup(name string) (Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// ValidationResult reports missing required parameters.
type ValidationResult struct {
	OK      bool
	Missing []string
}

// Validate checks that every required parameter for tool is present,
// non-null, and non-empty in params. Unknown tools validate as not OK
// with no missing list (callers should Lookup first to distinguish
// "unknown tool" from "missing params").
func (r *Registry) Validate(tool string, params map[string]any) ValidationResult {
	entry, ok := r.entries[tool]
	if !ok {
		return ValidationResult{OK: false}
	}
	var missing []string
	for _, name := range entry.RequiredParams {
		v, present := params[name]
		if !present || v == nil {
			missing = append(missing, name)
			continue
		}
		if s, isString := v.(string); isString && s == "" {
			missing = append(missing, name)
		}
	}
	return ValidationResult{OK: len(missing) == 0, Missing: missing}
}

// List returns every tool name in registration order.
func (r *Registry) List() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// categoryRule is evaluated in order; the first match wins, matching
// spec's grouping precedence (companies before posts before profiles
// before bare platform prefixes).
type categoryRule struct {
	category string
	match    func(name string) bool
}

var categoryRules = []categoryRule{
	{
		category: "linkedin-companies",
		match: func(name string) bool {
			return strings.Contains(name, "linkedin") && strings.Contains(name, "company")
		},
	},
	{
		category: "linkedin-posts",
		match: func(name string) bool {
			if !strings.Contains(name, "linkedin") {
				return false
			}
			for _, kw := range []string{"post", "comment", "reaction"} {
				if strings.Contains(name, kw) {
					return true
				}
			}
			return false
		},
	},
	{
		category: "linkedin-profiles",
		match: func(name string) bool {
			return strings.Contains(name, "linkedin")
		},
	},
	{category: "instagram", match: func(name string) bool { return strings.Contains(name, "instagram") }},
	{category: "twitter", match: func(name string) bool { return strings.Contains(name, "twitter") }},
	{category: "reddit", match: func(name string) bool { return strings.Contains(name, "reddit") }},
	{category: "sec", match: func(name string) bool { return strings.Contains(name, "sec") }},
}

// categorize returns the category a tool name falls into, or "other"
// if no rule matches.
func categorize(name string) string {
	for _, rule := range categoryRules {
		if rule.match(name) {
			return rule.category
		}
	}
	return "other"
}

// ByCategory groups every registered tool name by category.
func (r *Registry) ByCategory() map[string][]string {
	out := make(map[string][]string)
	for _, name := range r.order {
		cat := categorize(name)
		out[cat] = append(out[cat], name)
	}
	return out
}

// DefaultEntries is the seed tool table spanning every category named
// by the grouping rule.
func DefaultEntries() []Entry {
	return []Entry{
		{Name: "get_linkedin_profile", EndpointPath: "/linkedin/profile", Method: "POST", RequiredParams: []string{"user"}},
		{Name: "get_linkedin_company", EndpointPath: "/linkedin/company", Method: "POST", RequiredParams: []string{"company"}},
		{Name: "get_linkedin_post", EndpointPath: "/linkedin/post", Method: "POST", RequiredParams: []string{"post_url"}},
		{Name: "get_linkedin_comments", EndpointPath: "/linkedin/comments", Method: "POST", RequiredParams: []string{"post_url"}},
		{Name: "get_instagram_profile", EndpointPath: "/instagram/profile", Method: "POST", RequiredParams: []string{"username"}},
		{Name: "get_twitter_profile", EndpointPath: "/twitter/profile", Method: "POST", RequiredParams: []string{"username"}},
		{Name: "get_reddit_thread", EndpointPath: "/reddit/thread", Method: "POST", RequiredParams: []string{"url"}},
		{Name: "get_sec_filing", EndpointPath: "/sec/filing", Method: "POST", RequiredParams: []string{"cik"}, OptionalParams: []string{"form_type"}},
	}
}
