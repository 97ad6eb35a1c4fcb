package permissions

import (
	"regexp"
	"strings"
	"sync"
)

// globCache memoizes compiled tool patterns. A nil entry marks a pattern that
// failed to compile and is matched by exact equality instead.
type globCache struct {
	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
}

func newGlobCache() *globCache {
	return &globCache{patterns: make(map[string]*regexp.Regexp)}
}

// Match reports whether name matches the anchored glob pattern.
func (c *globCache) Match(pattern, name string) bool {
	c.mu.RLock()
	re, ok := c.patterns[pattern]
	c.mu.RUnlock()

	if !ok {
		compiled, _ := compileGlob(pattern)
		c.mu.Lock()
		c.patterns[pattern] = compiled
		c.mu.Unlock()
		re = compiled
	}

	if re == nil {
		return pattern == name
	}
	return re.MatchString(name)
}

// MatchGlob reports whether name matches pattern, where * matches any run of
// characters and ? matches exactly one.
func MatchGlob(pattern, name string) bool {
	re, err := compileGlob(pattern)
	if err != nil {
		return pattern == name
	}
	return re.MatchString(name)
}

func compileGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
