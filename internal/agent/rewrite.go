package agent

import (
	"fmt"
	"regexp"

	"github.com/relaytun/revtunnel/internal/config"
)

// CompiledRule is one rewrite rule with its pattern pre-compiled.
type CompiledRule struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// CompileRewriteRules compiles each configured rule in order. A malformed
// pattern is a startup error — rules are fixed for the life of the agent
// process, so there is no per-request path where a bad pattern could
// surface.
func CompileRewriteRules(rules []config.RewriteRule) ([]CompiledRule, error) {
	compiled := make([]CompiledRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rewrite rule %q: %w", r.Pattern, err)
		}
		compiled = append(compiled, CompiledRule{Pattern: re, Replacement: r.Replacement})
	}
	return compiled, nil
}

// Rewrite runs url through rules in configured order and returns the
// result of the first matching rule's replacement. Subsequent rules are
// not evaluated once one has matched. If no rule matches, url is returned
// unchanged.
func Rewrite(rules []CompiledRule, url string) string {
	for _, r := range rules {
		if r.Pattern.MatchString(url) {
			return r.Pattern.ReplaceAllString(url, r.Replacement)
		}
	}
	return url
}
