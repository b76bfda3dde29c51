package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
)

// The HCL schema keeps rule definitions flat: combinators reference their
// children by name instead of nesting, so `rule "a" { type = "or", of =
// ["b", "c"] }` composes named rules. The JSON loader accepts the fully
// nested form.

type hclFile struct {
	TimeoutSeconds       *int `hcl:"timeout_seconds,optional"`
	ShutdownLimitSeconds *int `hcl:"shutdown_limit_seconds,optional"`
	MaxRequestBodyBytes  *int `hcl:"max_request_body_bytes,optional"`

	Servers      []hclServer      `hcl:"server,block"`
	TLS          *hclTLS          `hcl:"tls,block"`
	Interception *hclInterception `hcl:"interception,block"`
	Auth         *hclAuth         `hcl:"auth,block"`
	Statistics   *hclStatistics   `hcl:"statistics,block"`
	Rules        []hclRule        `hcl:"rule,block"`
	Forwards     []hclForward     `hcl:"forward,block"`
}

type hclServer struct {
	Type           string `hcl:"type,label"`
	ListenAddress  string `hcl:"listen_address"`
	Enabled        *bool  `hcl:"enabled,optional"`
	MaxConnections *int   `hcl:"max_connections,optional"`
}

type hclTLS struct {
	CertFile string `hcl:"cert_file"`
	KeyFile  string `hcl:"key_file"`
}

type hclInterception struct {
	Enabled          *bool   `hcl:"enabled,optional"`
	CAFile           *string `hcl:"ca_file,optional"`
	CAKeyFile        *string `hcl:"ca_key_file,optional"`
	StoreClientHello *bool   `hcl:"store_client_hello,optional"`
}

type hclAuth struct {
	JWTSecret *string       `hcl:"jwt_secret,optional"`
	Users     []hclAuthUser `hcl:"user,block"`
}

type hclAuthUser struct {
	Username string `hcl:"username,label"`
	Password string `hcl:"password"`
}

type hclStatistics struct {
	Enabled     *bool   `hcl:"enabled,optional"`
	Backend     *string `hcl:"backend,optional"`
	SQLitePath  *string `hcl:"sqlite_path,optional"`
	PostgresDSN *string `hcl:"postgres_dsn,optional"`
}

type hclRule struct {
	Name   string   `hcl:"name,label"`
	Type   string   `hcl:"type"`
	Domain *string  `hcl:"domain,optional"`
	Op     *string  `hcl:"op,optional"`
	CIDR   *string  `hcl:"cidr,optional"`
	IP     *string  `hcl:"ip,optional"`
	Port   *int     `hcl:"port,optional"`
	File   *string  `hcl:"file,optional"`
	Of     []string `hcl:"of,optional"`
	Rule   *string  `hcl:"rule,optional"`
}

type hclForward struct {
	Type     string  `hcl:"type,label"`
	Address  *string `hcl:"address,optional"`
	Username *string `hcl:"username,optional"`
	Password *string `hcl:"password,optional"`
	Rule     *string `hcl:"rule,optional"`
}

// hclEvalContext exposes process environment variables to HCL expressions
// as `env.<NAME>`.
func hclEvalContext() *hcl.EvalContext {
	envVars := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 && parts[0] != "" {
			envVars[parts[0]] = cty.StringVal(parts[1])
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(envVars),
		},
	}
}

func loadHCLConfig(configPath string, cfg *Config) error {
	var file hclFile
	if err := hclsimple.DecodeFile(configPath, hclEvalContext(), &file); err != nil {
		return fmt.Errorf("failed to decode HCL config: %w", err)
	}

	if file.TimeoutSeconds != nil {
		cfg.TimeoutSeconds = *file.TimeoutSeconds
	}
	if file.ShutdownLimitSeconds != nil {
		cfg.ShutdownLimitSeconds = *file.ShutdownLimitSeconds
	}
	if file.MaxRequestBodyBytes != nil {
		cfg.MaxRequestBodyBytes = int64(*file.MaxRequestBodyBytes)
	}

	if len(file.Servers) > 0 {
		cfg.Servers = nil
		for _, srv := range file.Servers {
			server := ServerConfig{
				Type:          ProxyType(srv.Type),
				ListenAddress: srv.ListenAddress,
				Enabled:       true,
			}
			if srv.Enabled != nil {
				server.Enabled = *srv.Enabled
			}
			if srv.MaxConnections != nil {
				server.MaxConnections = *srv.MaxConnections
			}
			cfg.Servers = append(cfg.Servers, server)
		}
	}

	if file.TLS != nil {
		cfg.TLS.CertFile = file.TLS.CertFile
		cfg.TLS.KeyFile = file.TLS.KeyFile
	}

	if file.Interception != nil {
		if file.Interception.Enabled != nil {
			cfg.Interception.Enabled = *file.Interception.Enabled
		}
		if file.Interception.CAFile != nil {
			cfg.Interception.CAFile = *file.Interception.CAFile
		}
		if file.Interception.CAKeyFile != nil {
			cfg.Interception.CAKeyFile = *file.Interception.CAKeyFile
		}
		if file.Interception.StoreClientHello != nil {
			cfg.Interception.StoreClientHello = *file.Interception.StoreClientHello
		}
	}

	if file.Auth != nil {
		if file.Auth.JWTSecret != nil {
			cfg.Auth.JWTSecret = *file.Auth.JWTSecret
		}
		for _, user := range file.Auth.Users {
			cfg.Auth.Users = append(cfg.Auth.Users, UserCredential{
				Username: user.Username,
				Password: user.Password,
			})
		}
	}

	if file.Statistics != nil {
		if file.Statistics.Enabled != nil {
			cfg.Statistics.Enabled = *file.Statistics.Enabled
		}
		if file.Statistics.Backend != nil {
			cfg.Statistics.Backend = *file.Statistics.Backend
		}
		if file.Statistics.SQLitePath != nil {
			cfg.Statistics.SQLitePath = *file.Statistics.SQLitePath
		}
		if file.Statistics.PostgresDSN != nil {
			cfg.Statistics.PostgresDSN = *file.Statistics.PostgresDSN
		}
	}

	for _, rule := range file.Rules {
		compiled, err := convertHCLRule(rule)
		if err != nil {
			return fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		cfg.Rules[rule.Name] = compiled
	}

	for _, fwd := range file.Forwards {
		converted, err := convertHCLForward(fwd)
		if err != nil {
			return fmt.Errorf("forward %q: %w", fwd.Type, err)
		}
		cfg.Forwards = append(cfg.Forwards, converted)
	}

	return nil
}

func convertHCLRule(rule hclRule) (Rule, error) {
	switch rule.Type {
	case "true":
		return &RuleTrue{}, nil
	case "false":
		return &RuleFalse{}, nil
	case "and", "or":
		if len(rule.Of) == 0 {
			return nil, fmt.Errorf("%s rule requires of = [...] naming its children", rule.Type)
		}
		children := make([]Rule, 0, len(rule.Of))
		for _, name := range rule.Of {
			children = append(children, &RuleRef{ID: name})
		}
		if rule.Type == "and" {
			return &RuleAnd{Rules: children}, nil
		}
		return &RuleOr{Rules: children}, nil
	case "not":
		if rule.Rule == nil {
			return nil, fmt.Errorf("not rule requires rule = \"<name>\"")
		}
		return &RuleNot{Rule: &RuleRef{ID: *rule.Rule}}, nil
	case "domain":
		if rule.Domain == nil {
			return nil, fmt.Errorf("domain rule requires a domain")
		}
		converted := &RuleDomain{Domain: *rule.Domain, Op: DomainOpEqual}
		if rule.Op != nil {
			converted.Op = parseDomainOp(*rule.Op)
		}
		return converted, nil
	case "ip":
		if rule.IP == nil {
			return nil, fmt.Errorf("ip rule requires an ip")
		}
		return &RuleIP{IP: *rule.IP}, nil
	case "network":
		if rule.CIDR == nil {
			return nil, fmt.Errorf("network rule requires a cidr")
		}
		return &RuleNetwork{CIDR: *rule.CIDR}, nil
	case "port":
		if rule.Port == nil {
			return nil, fmt.Errorf("port rule requires a port")
		}
		return &RulePort{Port: *rule.Port}, nil
	case "domains-file":
		if rule.File == nil {
			return nil, fmt.Errorf("domains-file rule requires a file")
		}
		return &RuleDomainsFile{FilePath: *rule.File}, nil
	default:
		return nil, fmt.Errorf("unknown rule type %q", rule.Type)
	}
}

func convertHCLForward(fwd hclForward) (Forward, error) {
	var rule Rule
	if fwd.Rule != nil {
		rule = &RuleRef{ID: *fwd.Rule}
	}

	switch fwd.Type {
	case "default-network":
		return &ForwardDefaultNetwork{RuleData: rule}, nil
	case "socks5":
		if fwd.Address == nil {
			return nil, fmt.Errorf("socks5 forward requires an address")
		}
		return &ForwardSocks5{
			RuleData: rule,
			Address:  *fwd.Address,
			Username: fwd.Username,
			Password: fwd.Password,
		}, nil
	case "proxy":
		if fwd.Address == nil {
			return nil, fmt.Errorf("proxy forward requires an address")
		}
		return &ForwardProxy{
			RuleData: rule,
			Address:  *fwd.Address,
			Username: fwd.Username,
			Password: fwd.Password,
		}, nil
	default:
		return nil, fmt.Errorf("unknown forward type %q", fwd.Type)
	}
}
