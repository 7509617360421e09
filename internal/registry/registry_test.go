package registry

import "testing"

func newTestRegistry() *Registry {
	return New(DefaultEntries())
}

func TestLookup(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()
	e, ok := r.Lookup("get_linkedin_profile")
	if !ok {
		t.Fatal("Lookup(get_linkedin_profile) not found")
	}
	if e.EndpointPath != "/linkedin/profile" || e.Method != "POST" {
		t.Errorf("entry = %+v, want endpoint /linkedin/profile POST", e)
	}

	if _, ok := r.Lookup("nope"); ok {
		t.Error("Lookup(nope) should not be found")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()

	tests := []struct {
		name    string
		tool    string
		params  map[string]any
		wantOK  bool
		missing []string
	}{
		{"present", "get_linkedin_profile", map[string]any{"user": "x"}, true, nil},
		{"missing", "get_linkedin_profile", map[string]any{}, false, []string{"user"}},
		{"empty string", "get_linkedin_profile", map[string]any{"user": ""}, false, []string{"user"}},
		{"nil value", "get_linkedin_profile", map[string]any{"user": nil}, false, []string{"user"}},
		{"unknown tool", "nope", map[string]any{}, false, nil},
		{"optional absent is fine", "get_sec_filing", map[string]any{"cik": "0001"}, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Validate(tt.tool, tt.params)
			if got.OK != tt.wantOK {
				t.Errorf("Validate(%s).OK = %v, want %v", tt.tool, got.OK, tt.wantOK)
			}
			if len(got.Missing) != len(tt.missing) {
				t.Errorf("Validate(%s).Missing = %v, want %v", tt.tool, got.Missing, tt.missing)
			}
		})
	}
}

func TestList(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()
	names := r.List()
	if len(names) != len(DefaultEntries()) {
		t.Errorf("List() returned %d names, want %d", len(names), len(DefaultEntries()))
	}
}

func TestByCategory(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()
	cats := r.ByCategory()

	checks := map[string]string{
		"get_linkedin_company":  "linkedin-companies",
		"get_linkedin_post":     "linkedin-posts",
		"get_linkedin_comments": "linkedin-posts",
		"get_linkedin_profile":  "linkedin-profiles",
		"get_instagram_profile": "instagram",
		"get_twitter_profile":   "twitter",
		"get_reddit_thread":     "reddit",
		"get_sec_filing":        "sec",
	}
	for tool, wantCat := range checks {
		found := false
		for _, name := range cats[wantCat] {
			if name == tool {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("ByCategory()[%s] does not contain %s; got %v", wantCat, tool, cats[wantCat])
		}
	}
}
