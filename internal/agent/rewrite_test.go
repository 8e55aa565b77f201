package agent

import (
	"testing"

	"github.com/relaytun/revtunnel/internal/config"
)

func TestRewriteShortCircuitsOnFirstMatch(t *testing.T) {
	rules, err := CompileRewriteRules([]config.RewriteRule{
		{Pattern: "^/api/(.+)$", Replacement: "/v1/$1"},
		{Pattern: "^/api/(.+)$", Replacement: "/v2/$1"},
	})
	if err != nil {
		t.Fatalf("CompileRewriteRules: %v", err)
	}

	got := Rewrite(rules, "/api/widgets")
	if got != "/v1/widgets" {
		t.Fatalf("Rewrite = %q, want /v1/widgets (first rule only)", got)
	}
}

func TestRewriteCaptureGroups(t *testing.T) {
	rules, err := CompileRewriteRules([]config.RewriteRule{
		{Pattern: "^/api/(.+)$", Replacement: "/v2/$1"},
	})
	if err != nil {
		t.Fatalf("CompileRewriteRules: %v", err)
	}

	if got := Rewrite(rules, "/api/widgets"); got != "/v2/widgets" {
		t.Errorf("Rewrite = %q, want /v2/widgets", got)
	}
}

func TestRewriteNoMatchReturnsUnchanged(t *testing.T) {
	rules, err := CompileRewriteRules([]config.RewriteRule{
		{Pattern: "^/only-this/", Replacement: "/x/"},
	})
	if err != nil {
		t.Fatalf("CompileRewriteRules: %v", err)
	}

	if got := Rewrite(rules, "/other/path"); got != "/other/path" {
		t.Errorf("Rewrite = %q, want unchanged", got)
	}
}

func TestCompileRewriteRulesRejectsInvalidPattern(t *testing.T) {
	_, err := CompileRewriteRules([]config.RewriteRule{{Pattern: "(unclosed"}})
	if err == nil {
		t.Fatal("expected an error for an invalid regexp pattern")
	}
}
