package engine

import (
	"regexp"
	"sync"

	"github.com/botmata/botmata/core/model"
)

// Match is the outcome of rule selection: the chosen rule and the
// named capture groups of its pattern, which become the url branch of
// the render context.
type Match struct {
	Rule      *model.Rule
	URLParams map[string]string
}

var (
	patternMu    sync.RWMutex
	patternCache = make(map[string]*regexp.Regexp)
)

// compilePattern anchors the rule pattern at the start of the text,
// mirroring prefix-match semantics, and caches the compiled form.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	patternMu.RLock()
	re, ok := patternCache[pattern]
	patternMu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(`\A(?:` + pattern + `)`)
	if err != nil {
		return nil, err
	}

	patternMu.Lock()
	patternCache[pattern] = re
	patternMu.Unlock()
	return re, nil
}

// MatchRule selects the single best rule for the inbound text given
// the chat's current state (nil = initial). It is a pure function over
// the provided rule set.
//
// Eligibility: the rule is enabled, its source-state set is empty or
// contains the current state, and its pattern matches at the start of
// the text. Among eligible rules the highest priority wins; equal
// priorities resolve to the lowest rule ID, so the oldest rule is the
// stable winner. Rules with invalid patterns are skipped.
//
// Returns ErrNoMatchingRule when nothing is eligible.
func MatchRule(rules []model.Rule, text string, currentState *string) (*Match, error) {
	var best *Match
	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled {
			continue
		}
		if !stateEligible(rule, currentState) {
			continue
		}
		re, err := compilePattern(rule.Pattern)
		if err != nil {
			continue
		}
		groups := re.FindStringSubmatch(text)
		if groups == nil {
			continue
		}
		if best != nil && !beats(rule, best.Rule) {
			continue
		}
		best = &Match{Rule: rule, URLParams: captureGroups(re, groups)}
	}
	if best == nil {
		return nil, ErrNoMatchingRule
	}
	return best, nil
}

func beats(candidate, current *model.Rule) bool {
	if candidate.Priority != current.Priority {
		return candidate.Priority > current.Priority
	}
	return candidate.ID < current.ID
}

func stateEligible(rule *model.Rule, currentState *string) bool {
	if len(rule.SourceStates) == 0 {
		return true
	}
	if currentState == nil {
		return false
	}
	for _, name := range rule.SourceStates {
		if name == *currentState {
			return true
		}
	}
	return false
}

func captureGroups(re *regexp.Regexp, groups []string) map[string]string {
	params := make(map[string]string)
	for i, name := range re.SubexpNames() {
		if name == "" || i >= len(groups) {
			continue
		}
		params[name] = groups[i]
	}
	return params
}
