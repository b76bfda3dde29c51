package config

// RuleType identifies the kind of a routing rule node.
type RuleType int

const (
	// RuleTypeAnd is a logical AND across child rules.
	RuleTypeAnd RuleType = iota
	// RuleTypeOr is a logical OR across child rules.
	RuleTypeOr
	// RuleTypeNot negates a child rule.
	RuleTypeNot
	// RuleTypeDomain matches against a hostname.
	RuleTypeDomain
	// RuleTypeRef references a named rule.
	RuleTypeRef
	// RuleTypeIP matches one IP address.
	RuleTypeIP
	// RuleTypeNetwork matches a CIDR range.
	RuleTypeNetwork
	// RuleTypePort matches a destination port.
	RuleTypePort
	// RuleTypeTrue always matches.
	RuleTypeTrue
	// RuleTypeFalse never matches.
	RuleTypeFalse
	// RuleTypeDomainsFile matches hostnames listed in a file.
	RuleTypeDomainsFile
)

// DomainOp selects how a domain rule compares hostnames.
type DomainOp int

const (
	// DomainOpEqual matches the exact hostname.
	DomainOpEqual DomainOp = iota
	// DomainOpIs matches the hostname or any of its subdomains.
	DomainOpIs
	// DomainOpContains matches hostnames containing the value.
	DomainOpContains
)

// Rule is a configuration-level routing predicate. Rules are compiled into
// runtime matchers by the proxy package.
type Rule interface {
	Type() RuleType
}

// RuleAnd matches iff all child rules match.
type RuleAnd struct {
	Rules []Rule
}

// Type implements Rule.
func (r *RuleAnd) Type() RuleType { return RuleTypeAnd }

// RuleOr matches iff any child rule matches.
type RuleOr struct {
	Rules []Rule
}

// Type implements Rule.
func (r *RuleOr) Type() RuleType { return RuleTypeOr }

// RuleNot negates its child rule.
type RuleNot struct {
	Rule Rule
}

// Type implements Rule.
func (r *RuleNot) Type() RuleType { return RuleTypeNot }

// RuleTrue always matches.
type RuleTrue struct{}

// Type implements Rule.
func (r *RuleTrue) Type() RuleType { return RuleTypeTrue }

// RuleFalse never matches.
type RuleFalse struct{}

// Type implements Rule.
func (r *RuleFalse) Type() RuleType { return RuleTypeFalse }

// RuleDomain matches the request authority's hostname.
type RuleDomain struct {
	Op     DomainOp
	Domain string
}

// Type implements Rule.
func (r *RuleDomain) Type() RuleType { return RuleTypeDomain }

// RuleRef references a rule from the named rule table.
type RuleRef struct {
	ID string
}

// Type implements Rule.
func (r *RuleRef) Type() RuleType { return RuleTypeRef }

// RuleIP matches one literal IP address.
type RuleIP struct {
	IP string
}

// Type implements Rule.
func (r *RuleIP) Type() RuleType { return RuleTypeIP }

// RuleNetwork matches addresses inside a CIDR range.
type RuleNetwork struct {
	CIDR string
}

// Type implements Rule.
func (r *RuleNetwork) Type() RuleType { return RuleTypeNetwork }

// RulePort matches the destination port.
type RulePort struct {
	Port int
}

// Type implements Rule.
func (r *RulePort) Type() RuleType { return RuleTypePort }

// RuleDomainsFile matches hostnames listed one-per-line in a file.
// Loading and trie construction happen in the proxy package.
type RuleDomainsFile struct {
	FilePath string
}

// Type implements Rule.
func (r *RuleDomainsFile) Type() RuleType { return RuleTypeDomainsFile }
