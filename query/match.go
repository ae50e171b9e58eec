package query

import (
	"path"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
)

// Matcher selects keys for Invalidate.
type Matcher interface {
	Match(key string) bool
}

// MatchFunc adapts a function to a Matcher.
type MatchFunc func(key string) bool

func (f MatchFunc) Match(key string) bool { return f(key) }

// Prefix matches keys starting with p.
func Prefix(p string) Matcher {
	return MatchFunc(func(key string) bool { return strings.HasPrefix(key, p) })
}

// Glob matches keys with path.Match syntax, e.g. "user:*:profile".
func Glob(pattern string) (Matcher, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, errors.Wrapf(err, "query: bad glob %q", pattern)
	}
	return MatchFunc(func(key string) bool {
		ok, _ := path.Match(pattern, key)
		return ok
	}), nil
}

// Regexp matches keys re matches anywhere.
func Regexp(re *regexp.Regexp) Matcher {
	return MatchFunc(re.MatchString)
}
