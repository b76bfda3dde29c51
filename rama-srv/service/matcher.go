package service

import "net/http"

// Matcher is a composable boolean predicate used to route requests to
// different pipeline branches. ext may be nil; when non-nil a matcher may
// record match-time facts into it, but only on the evaluation path that
// actually ran: children skipped by short-circuiting must leave ext
// untouched.
type Matcher interface {
	Matches(ext *Extensions, cx *Context, req *http.Request) bool
}

// MatcherFunc adapts a plain function to a Matcher.
type MatcherFunc func(ext *Extensions, cx *Context, req *http.Request) bool

// Matches implements Matcher.
func (f MatcherFunc) Matches(ext *Extensions, cx *Context, req *http.Request) bool {
	return f(ext, cx, req)
}

type alwaysMatcher struct{}

func (alwaysMatcher) Matches(*Extensions, *Context, *http.Request) bool { return true }

// Always matches every input unconditionally.
var Always Matcher = alwaysMatcher{}

// Option treats an absent matcher as Always: a branch configured without a
// predicate matches unconditionally.
func Option(m Matcher) Matcher {
	if m == nil {
		return Always
	}
	return m
}

type andMatcher struct {
	children []Matcher
}

// And matches iff all children match. Children evaluate left to right and
// evaluation stops at the first false child.
func And(children ...Matcher) Matcher {
	return &andMatcher{children: children}
}

func (m *andMatcher) Matches(ext *Extensions, cx *Context, req *http.Request) bool {
	for _, child := range m.children {
		if !child.Matches(ext, cx, req) {
			return false
		}
	}
	return true
}

type orMatcher struct {
	children []Matcher
}

// Or matches iff any child matches. Children evaluate left to right and
// evaluation stops at the first true child.
func Or(children ...Matcher) Matcher {
	return &orMatcher{children: children}
}

func (m *orMatcher) Matches(ext *Extensions, cx *Context, req *http.Request) bool {
	for _, child := range m.children {
		if child.Matches(ext, cx, req) {
			return true
		}
	}
	return false
}

type notMatcher struct {
	inner Matcher
}

// Not negates the inner matcher.
func Not(inner Matcher) Matcher {
	return &notMatcher{inner: inner}
}

func (m *notMatcher) Matches(ext *Extensions, cx *Context, req *http.Request) bool {
	return !m.inner.Matches(ext, cx, req)
}
