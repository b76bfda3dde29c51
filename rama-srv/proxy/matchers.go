package proxy

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"

	"github.com/evyatark2/rama/rama-srv/config"
	"github.com/evyatark2/rama/rama-srv/logger"
	"github.com/evyatark2/rama/rama-srv/service"
)

// MethodMatcher matches requests by HTTP method.
func MethodMatcher(methods ...string) service.Matcher {
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[strings.ToUpper(m)] = struct{}{}
	}
	return service.MatcherFunc(func(ext *service.Extensions, cx *service.Context, req *http.Request) bool {
		_, ok := set[req.Method]
		return ok
	})
}

// ConnectMatcher matches CONNECT requests. It is the routing predicate in
// front of the upgrade layer.
func ConnectMatcher() service.Matcher {
	return MethodMatcher(http.MethodConnect)
}

func targetHost(ext *service.Extensions, req *http.Request) (string, bool) {
	t, err := RequestTarget(ext, req)
	if err != nil {
		return "", false
	}
	return strings.ToLower(t.Host), true
}

// DomainMatcher matches the target hostname with the given operation.
func DomainMatcher(op config.DomainOp, domain string) service.Matcher {
	domain = strings.ToLower(domain)
	return service.MatcherFunc(func(ext *service.Extensions, cx *service.Context, req *http.Request) bool {
		host, ok := targetHost(ext, req)
		if !ok {
			return false
		}
		switch op {
		case config.DomainOpEqual:
			return host == domain
		case config.DomainOpIs:
			return host == domain || strings.HasSuffix(host, "."+domain)
		case config.DomainOpContains:
			return strings.Contains(host, domain)
		default:
			return false
		}
	})
}

// PortMatcher matches the target port.
func PortMatcher(port int) service.Matcher {
	return service.MatcherFunc(func(ext *service.Extensions, cx *service.Context, req *http.Request) bool {
		t, err := RequestTarget(ext, req)
		if err != nil {
			return false
		}
		return int(t.Port) == port
	})
}

// ClientIPMatcher matches the client's source IP address.
func ClientIPMatcher(ip string) service.Matcher {
	return service.MatcherFunc(func(ext *service.Extensions, cx *service.Context, req *http.Request) bool {
		return cx != nil && cx.Conn().ClientIP() == ip
	})
}

// ClientNetworkMatcher matches clients whose source IP falls into a CIDR
// range. An unparsable CIDR never matches and is logged once at build time.
func ClientNetworkMatcher(cidr string) service.Matcher {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		logger.Error("Invalid CIDR %q in network rule: %v", cidr, err)
		return service.MatcherFunc(func(*service.Extensions, *service.Context, *http.Request) bool {
			return false
		})
	}
	return service.MatcherFunc(func(ext *service.Extensions, cx *service.Context, req *http.Request) bool {
		if cx == nil {
			return false
		}
		ip := net.ParseIP(cx.Conn().ClientIP())
		return ip != nil && ipNet.Contains(ip)
	})
}

type neverMatcher struct{}

func (neverMatcher) Matches(*service.Extensions, *service.Context, *http.Request) bool {
	return false
}

// Never matches nothing.
var Never service.Matcher = neverMatcher{}

// refMatcher resolves a named rule at match time. The table is filled in a
// second compile pass, so mutually referencing rules work regardless of
// declaration order.
type refMatcher struct {
	id    string
	table map[string]service.Matcher
}

func (m *refMatcher) Matches(ext *service.Extensions, cx *service.Context, req *http.Request) bool {
	target, ok := m.table[m.id]
	if !ok {
		logger.Error("Rule reference %q not found", m.id)
		return false
	}
	return target.Matches(ext, cx, req)
}

// DomainsFileMatcher matches target hostnames against a domain list using
// an Aho-Corasick trie, with subdomain semantics: "example.com" matches
// itself and "www.example.com" but not "notexample.com".
type DomainsFileMatcher struct {
	trie    *ahocorasick.Trie
	domains []string
}

var (
	rgComment      = regexp.MustCompile(`\A(.*?)[ \t\v]*(?:[#;].*)?\z`)
	rgSplitDomains = regexp.MustCompile(`[ \t\v]+`)
)

// NewDomainsFileMatcher loads domains from the given file, one or more per
// line, skipping comments and hosts-file addresses, and builds the trie.
func NewDomainsFileMatcher(filePath string) (*DomainsFileMatcher, error) {
	cleanPath := filepath.Clean(filePath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid domains file path: %w", err)
		}
		cleanPath = absPath
	}

	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open domains file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing domains file: %v", closeErr)
		}
	}()

	var domains []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		line = rgComment.FindStringSubmatch(line)[1]

		for _, domain := range rgSplitDomains.Split(line, -1) {
			if domain == "" || domain == "0.0.0.0" {
				continue
			}
			// Wildcards are not supported, but subdomain matching is.
			if strings.HasPrefix(domain, "*.") {
				domain = domain[2:]
			}
			domains = append(domains, strings.ToLower(domain))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading domains file: %w", err)
	}

	var trie *ahocorasick.Trie
	if len(domains) > 0 {
		trie = ahocorasick.NewTrieBuilder().AddStrings(domains).Build()
		logger.Info("Loaded %d domains from file %s", len(domains), filePath)
	} else {
		logger.Warn("No domains found in file: %s", filePath)
	}

	return &DomainsFileMatcher{trie: trie, domains: domains}, nil
}

// MatchesHost reports whether host matches any loaded domain, including as
// a subdomain.
func (m *DomainsFileMatcher) MatchesHost(host string) bool {
	if m.trie == nil {
		return false
	}
	for _, match := range m.trie.MatchString(host) {
		domain := m.domains[match.Pattern()]
		if !strings.HasSuffix(host, domain) {
			continue
		}
		if len(host) == len(domain) {
			return true
		}
		if host[len(host)-len(domain)-1] == '.' {
			return true
		}
	}
	return false
}

// Matches implements service.Matcher.
func (m *DomainsFileMatcher) Matches(ext *service.Extensions, cx *service.Context, req *http.Request) bool {
	host, ok := targetHost(ext, req)
	if !ok {
		return false
	}
	return m.MatchesHost(host)
}

// CompileRule compiles a config.Rule tree into a runtime matcher. Rule
// references are compiled as placeholders; use CompileRulesMap or
// ResolveRefs to connect them to their targets.
func CompileRule(rule config.Rule, table map[string]service.Matcher) (service.Matcher, error) {
	if rule == nil {
		return nil, NewProxyError(ErrCodeRuleCompileFailed, GetErrorDescription(ErrCodeRuleCompileFailed), fmt.Errorf("nil rule"))
	}

	switch r := rule.(type) {
	case *config.RuleTrue:
		return service.Always, nil
	case *config.RuleFalse:
		return Never, nil
	case *config.RuleAnd:
		children, err := compileRules(r.Rules, table)
		if err != nil {
			return nil, err
		}
		return service.And(children...), nil
	case *config.RuleOr:
		children, err := compileRules(r.Rules, table)
		if err != nil {
			return nil, err
		}
		return service.Or(children...), nil
	case *config.RuleNot:
		child, err := CompileRule(r.Rule, table)
		if err != nil {
			return nil, err
		}
		return service.Not(child), nil
	case *config.RuleDomain:
		return DomainMatcher(r.Op, r.Domain), nil
	case *config.RulePort:
		return PortMatcher(r.Port), nil
	case *config.RuleIP:
		return ClientIPMatcher(r.IP), nil
	case *config.RuleNetwork:
		return ClientNetworkMatcher(r.CIDR), nil
	case *config.RuleRef:
		return &refMatcher{id: r.ID, table: table}, nil
	case *config.RuleDomainsFile:
		m, err := NewDomainsFileMatcher(r.FilePath)
		if err != nil {
			return nil, NewProxyError(ErrCodeRuleCompileFailed, GetErrorDescription(ErrCodeRuleCompileFailed), err)
		}
		return m, nil
	default:
		return nil, NewProxyError(ErrCodeRuleCompileFailed, GetErrorDescription(ErrCodeRuleCompileFailed), fmt.Errorf("unsupported rule type %T", rule))
	}
}

func compileRules(rules []config.Rule, table map[string]service.Matcher) ([]service.Matcher, error) {
	result := make([]service.Matcher, 0, len(rules))
	for _, rule := range rules {
		m, err := CompileRule(rule, table)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, nil
}

// CompileRulesMap compiles the named rule table. References resolve against
// the returned table, so rules may reference each other in any order.
func CompileRulesMap(rules map[string]config.Rule) (map[string]service.Matcher, error) {
	table := make(map[string]service.Matcher, len(rules))
	for name, rule := range rules {
		m, err := CompileRule(rule, table)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", name, err)
		}
		table[name] = m
	}
	return table, nil
}
