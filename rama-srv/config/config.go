package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
)

// ProxyType defines the kind of listener a server runs.
type ProxyType string

// Available proxy types.
const (
	// ProxyTypeStandard terminates plain HTTP and tunnels CONNECT requests.
	ProxyTypeStandard ProxyType = "standard"
	// ProxyTypeTLS terminates TLS in front of the HTTP pipeline, selecting
	// the server configuration per ClientHello.
	ProxyTypeTLS ProxyType = "tls"
)

// ServerConfig configures a single listener instance.
type ServerConfig struct {
	Type           ProxyType // Listener type (standard, tls)
	ListenAddress  string    // Address to listen on (e.g. 127.0.0.1:8080)
	Enabled        bool      // Whether this server is enabled
	MaxConnections int       // Maximum live connections for this listener (0 = unlimited)
}

// TLSConfig holds the static default server certificate used by tls
// listeners when no provider overrides it.
type TLSConfig struct {
	CertFile string // Path to the default server certificate (PEM)
	KeyFile  string // Path to the default server key (PEM)
}

// InterceptionConfig controls MITM certificate minting and hello capture.
type InterceptionConfig struct {
	Enabled          bool   // Whether per-SNI certificate minting is enabled
	CAFile           string // Path to the issuing CA certificate (PEM)
	CAKeyFile        string // Path to the issuing CA private key (PEM)
	StoreClientHello bool   // Whether to stash the parsed ClientHello into the Context
}

// UserCredential is one Basic-auth proxy user.
type UserCredential struct {
	Username string
	Password string
}

// AuthConfig configures proxy authorization. Authorization is enforced when
// at least one user or a JWT secret is configured.
type AuthConfig struct {
	Users     []UserCredential // Basic credentials
	JWTSecret string           // HS256 secret for bearer tokens; empty disables JWT
}

// StatisticsConfig selects the statistics collector backend.
type StatisticsConfig struct {
	Enabled     bool
	Backend     string // "sqlite", "postgres" or "memory"
	SQLitePath  string
	PostgresDSN string
}

// ForwardType defines the type of an upstream forwarding rule.
type ForwardType int

const (
	// ForwardTypeDefaultNetwork dials upstream directly.
	ForwardTypeDefaultNetwork ForwardType = iota
	// ForwardTypeSocks5 dials upstream through a SOCKS5 proxy.
	ForwardTypeSocks5
	// ForwardTypeProxy dials upstream through another HTTP proxy.
	ForwardTypeProxy
)

// Forward selects how upstream connections are established for targets
// matched by its rule.
type Forward interface {
	Type() ForwardType
	Rule() Rule
}

// ForwardDefaultNetwork dials targets directly.
type ForwardDefaultNetwork struct {
	RuleData Rule
}

// Type implements Forward.
func (f *ForwardDefaultNetwork) Type() ForwardType { return ForwardTypeDefaultNetwork }

// Rule implements Forward; a missing rule matches everything.
func (f *ForwardDefaultNetwork) Rule() Rule {
	if f.RuleData == nil {
		return &RuleTrue{}
	}
	return f.RuleData
}

// ForwardSocks5 dials targets through a SOCKS5 proxy.
type ForwardSocks5 struct {
	RuleData Rule
	Address  string
	Username *string
	Password *string
}

// Type implements Forward.
func (f *ForwardSocks5) Type() ForwardType { return ForwardTypeSocks5 }

// Rule implements Forward; a missing rule matches everything.
func (f *ForwardSocks5) Rule() Rule {
	if f.RuleData == nil {
		return &RuleTrue{}
	}
	return f.RuleData
}

// ForwardProxy dials targets through another HTTP CONNECT proxy.
type ForwardProxy struct {
	RuleData Rule
	Address  string
	Username *string
	Password *string
}

// Type implements Forward.
func (f *ForwardProxy) Type() ForwardType { return ForwardTypeProxy }

// Rule implements Forward; a missing rule matches everything.
func (f *ForwardProxy) Rule() Rule {
	if f.RuleData == nil {
		return &RuleTrue{}
	}
	return f.RuleData
}

// Config is the main configuration of the proxy runtime.
type Config struct {
	Servers              []ServerConfig
	TimeoutSeconds       int // Global I/O timeout for upstream dials
	ShutdownLimitSeconds int // Grace period for ShutdownWithLimit
	MaxRequestBodyBytes  int64
	TLS                  TLSConfig
	Interception         InterceptionConfig
	Auth                 AuthConfig
	Statistics           StatisticsConfig
	Rules                map[string]Rule
	Forwards             []Forward
}

// LoadConfig loads configuration from the given path. JSON and HCL formats
// are selected by file extension. An empty path yields defaults plus
// environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{
		Servers: []ServerConfig{
			{
				Type:          ProxyTypeStandard,
				ListenAddress: "127.0.0.1:8080",
				Enabled:       true,
			},
		},
		TimeoutSeconds:       30,
		ShutdownLimitSeconds: 30,
		MaxRequestBodyBytes:  2 * 1024 * 1024,
		Rules:                map[string]Rule{},
	}

	loadConfigFromEnv(cfg)

	if configPath != "" {
		var err error
		switch strings.ToLower(filepath.Ext(configPath)) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", filepath.Ext(configPath))
		}
		if err != nil {
			return nil, err
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	for i, srv := range cfg.Servers {
		switch srv.Type {
		case ProxyTypeStandard, ProxyTypeTLS:
		default:
			return fmt.Errorf("server %d: unknown proxy type %q", i, srv.Type)
		}
		if srv.ListenAddress == "" {
			return fmt.Errorf("server %d: listen-address is required", i)
		}
	}
	if cfg.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout-seconds must be positive, got %d", cfg.TimeoutSeconds)
	}
	if cfg.ShutdownLimitSeconds <= 0 {
		return fmt.Errorf("shutdown-limit-seconds must be positive, got %d", cfg.ShutdownLimitSeconds)
	}
	return nil
}

// HasChanged reports whether two configurations differ. Used by the SIGHUP
// reload path to skip pointless restarts.
func HasChanged(a, b *Config) bool {
	return !reflect.DeepEqual(a, b)
}

func loadConfigFromEnv(cfg *Config) {
	if v := os.Getenv("RAMA_LISTEN_ADDRESS"); v != "" && len(cfg.Servers) > 0 {
		cfg.Servers[0].ListenAddress = v
	}
	if v := os.Getenv("RAMA_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("RAMA_SHUTDOWN_LIMIT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ShutdownLimitSeconds = n
		}
	}
	if v := os.Getenv("RAMA_CA_FILE"); v != "" {
		cfg.Interception.CAFile = v
	}
	if v := os.Getenv("RAMA_CA_KEY_FILE"); v != "" {
		cfg.Interception.CAKeyFile = v
	}
	if v := os.Getenv("RAMA_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}

	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	if val, exists := data["servers"]; exists {
		serverList, ok := val.([]any)
		if !ok {
			return fmt.Errorf("servers must be an array")
		}
		cfg.Servers = nil
		for i, serverData := range serverList {
			serverMap, ok := serverData.(map[string]any)
			if !ok {
				return fmt.Errorf("server configuration at index %d must be an object", i)
			}
			server := ServerConfig{Type: ProxyTypeStandard, Enabled: true}
			if v, ok := serverMap["type"]; ok {
				s, err := parseValue[string](v)
				if err != nil {
					return fmt.Errorf("server type at index %d: %w", i, err)
				}
				server.Type = ProxyType(*s)
			}
			if v, ok := serverMap["listen-address"]; ok {
				s, err := parseValue[string](v)
				if err != nil {
					return fmt.Errorf("listen-address at index %d: %w", i, err)
				}
				server.ListenAddress = *s
			}
			if v, ok := serverMap["enabled"]; ok {
				b, err := parseValue[bool](v)
				if err != nil {
					return fmt.Errorf("enabled at index %d: %w", i, err)
				}
				server.Enabled = *b
			}
			if v, ok := serverMap["max-connections"]; ok {
				n, err := parseValue[int](v)
				if err != nil {
					return fmt.Errorf("max-connections at index %d: %w", i, err)
				}
				server.MaxConnections = *n
			}
			cfg.Servers = append(cfg.Servers, server)
		}
	}

	if v, ok := data["timeout-seconds"]; ok {
		n, err := parseValue[int](v)
		if err != nil {
			return fmt.Errorf("timeout-seconds: %w", err)
		}
		cfg.TimeoutSeconds = *n
	}
	if v, ok := data["shutdown-limit-seconds"]; ok {
		n, err := parseValue[int](v)
		if err != nil {
			return fmt.Errorf("shutdown-limit-seconds: %w", err)
		}
		cfg.ShutdownLimitSeconds = *n
	}
	if v, ok := data["max-request-body-bytes"]; ok {
		n, err := parseValue[int](v)
		if err != nil {
			return fmt.Errorf("max-request-body-bytes: %w", err)
		}
		cfg.MaxRequestBodyBytes = int64(*n)
	}

	if v, ok := data["tls"]; ok {
		tlsMap, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("tls must be an object")
		}
		if s, err := parseValue[string](tlsMap["cert-file"]); err == nil {
			cfg.TLS.CertFile = *s
		}
		if s, err := parseValue[string](tlsMap["key-file"]); err == nil {
			cfg.TLS.KeyFile = *s
		}
	}

	if v, ok := data["interception"]; ok {
		icMap, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("interception must be an object")
		}
		if b, err := parseValue[bool](icMap["enabled"]); err == nil {
			cfg.Interception.Enabled = *b
		}
		if s, err := parseValue[string](icMap["ca-file"]); err == nil {
			cfg.Interception.CAFile = *s
		}
		if s, err := parseValue[string](icMap["ca-key-file"]); err == nil {
			cfg.Interception.CAKeyFile = *s
		}
		if b, err := parseValue[bool](icMap["store-client-hello"]); err == nil {
			cfg.Interception.StoreClientHello = *b
		}
	}

	if v, ok := data["auth"]; ok {
		authMap, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("auth must be an object")
		}
		if s, err := parseValue[string](authMap["jwt-secret"]); err == nil {
			cfg.Auth.JWTSecret = *s
		}
		if usersVal, ok := authMap["users"]; ok {
			userList, ok := usersVal.([]any)
			if !ok {
				return fmt.Errorf("auth.users must be an array")
			}
			for i, userData := range userList {
				userMap, ok := userData.(map[string]any)
				if !ok {
					return fmt.Errorf("auth.users[%d] must be an object", i)
				}
				var cred UserCredential
				if s, err := parseValue[string](userMap["username"]); err == nil {
					cred.Username = *s
				}
				if s, err := parseValue[string](userMap["password"]); err == nil {
					cred.Password = *s
				}
				if cred.Username == "" {
					return fmt.Errorf("auth.users[%d]: username is required", i)
				}
				cfg.Auth.Users = append(cfg.Auth.Users, cred)
			}
		}
	}

	if v, ok := data["statistics"]; ok {
		statsMap, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("statistics must be an object")
		}
		if b, err := parseValue[bool](statsMap["enabled"]); err == nil {
			cfg.Statistics.Enabled = *b
		}
		if s, err := parseValue[string](statsMap["backend"]); err == nil {
			cfg.Statistics.Backend = *s
		}
		if s, err := parseValue[string](statsMap["sqlite-path"]); err == nil {
			cfg.Statistics.SQLitePath = *s
		}
		if s, err := parseValue[string](statsMap["postgres-dsn"]); err == nil {
			cfg.Statistics.PostgresDSN = *s
		}
	}

	if v, ok := data["rules"]; ok {
		ruleMap, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("rules must be an object")
		}
		for name, ruleData := range ruleMap {
			rm, ok := ruleData.(map[string]any)
			if !ok {
				return fmt.Errorf("rule %q must be an object", name)
			}
			rule, err := parseRule(rm)
			if err != nil {
				return fmt.Errorf("rule %q: %w", name, err)
			}
			cfg.Rules[name] = rule
		}
	}

	if v, ok := data["forwards"]; ok {
		forwardList, ok := v.([]any)
		if !ok {
			return fmt.Errorf("forwards must be an array")
		}
		for i, forwardData := range forwardList {
			forwardMap, ok := forwardData.(map[string]any)
			if !ok {
				return fmt.Errorf("forward at index %d must be an object", i)
			}
			fwd, err := parseForward(forwardMap)
			if err != nil {
				return fmt.Errorf("forward at index %d: %w", i, err)
			}
			cfg.Forwards = append(cfg.Forwards, fwd)
		}
	}

	return nil
}

func parseForward(forwardMap map[string]any) (Forward, error) {
	typeVal, err := parseValue[string](forwardMap["type"])
	if err != nil {
		return nil, fmt.Errorf("type must be a string: %w", err)
	}

	var rule Rule
	if rv, ok := forwardMap["rule"]; ok {
		rm, ok := rv.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("rule must be an object")
		}
		rule, err = parseRule(rm)
		if err != nil {
			return nil, err
		}
	}

	switch *typeVal {
	case "default-network":
		return &ForwardDefaultNetwork{RuleData: rule}, nil
	case "socks5":
		fwd := &ForwardSocks5{RuleData: rule}
		if s, err := parseValue[string](forwardMap["address"]); err == nil {
			fwd.Address = *s
		}
		if s, err := parseValue[string](forwardMap["username"]); err == nil {
			fwd.Username = s
		}
		if s, err := parseValue[string](forwardMap["password"]); err == nil {
			fwd.Password = s
		}
		if fwd.Address == "" {
			return nil, fmt.Errorf("socks5 forward requires an address")
		}
		return fwd, nil
	case "proxy":
		fwd := &ForwardProxy{RuleData: rule}
		if s, err := parseValue[string](forwardMap["address"]); err == nil {
			fwd.Address = *s
		}
		if s, err := parseValue[string](forwardMap["username"]); err == nil {
			fwd.Username = s
		}
		if s, err := parseValue[string](forwardMap["password"]); err == nil {
			fwd.Password = s
		}
		if fwd.Address == "" {
			return nil, fmt.Errorf("proxy forward requires an address")
		}
		return fwd, nil
	default:
		return nil, fmt.Errorf("unknown forward type %q", *typeVal)
	}
}

// parseRule parses one node of the polymorphic rule AST.
func parseRule(ruleMap map[string]any) (Rule, error) {
	typeVal, err := parseValue[string](ruleMap["type"])
	if err != nil {
		return nil, fmt.Errorf("rule type must be a string: %w", err)
	}

	switch *typeVal {
	case "true":
		return &RuleTrue{}, nil
	case "false":
		return &RuleFalse{}, nil
	case "and", "or":
		childVal, ok := ruleMap["rules"]
		if !ok {
			return nil, fmt.Errorf("%s rule requires a rules array", *typeVal)
		}
		childList, ok := childVal.([]any)
		if !ok {
			return nil, fmt.Errorf("rules must be an array")
		}
		children := make([]Rule, 0, len(childList))
		for i, childData := range childList {
			cm, ok := childData.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("child rule at index %d must be an object", i)
			}
			child, err := parseRule(cm)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if *typeVal == "and" {
			return &RuleAnd{Rules: children}, nil
		}
		return &RuleOr{Rules: children}, nil
	case "not":
		childVal, ok := ruleMap["rule"]
		if !ok {
			return nil, fmt.Errorf("not rule requires a child rule")
		}
		cm, ok := childVal.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("child rule must be an object")
		}
		child, err := parseRule(cm)
		if err != nil {
			return nil, err
		}
		return &RuleNot{Rule: child}, nil
	case "domain":
		rule := &RuleDomain{Op: DomainOpEqual}
		if s, err := parseValue[string](ruleMap["domain"]); err == nil {
			rule.Domain = *s
		}
		if s, err := parseValue[string](ruleMap["op"]); err == nil {
			rule.Op = parseDomainOp(*s)
		}
		if rule.Domain == "" {
			return nil, fmt.Errorf("domain rule requires a domain")
		}
		return rule, nil
	case "ref":
		s, err := parseValue[string](ruleMap["id"])
		if err != nil {
			return nil, fmt.Errorf("ref rule requires an id: %w", err)
		}
		return &RuleRef{ID: *s}, nil
	case "ip":
		s, err := parseValue[string](ruleMap["ip"])
		if err != nil {
			return nil, fmt.Errorf("ip rule requires an ip: %w", err)
		}
		return &RuleIP{IP: *s}, nil
	case "network":
		s, err := parseValue[string](ruleMap["cidr"])
		if err != nil {
			return nil, fmt.Errorf("network rule requires a cidr: %w", err)
		}
		return &RuleNetwork{CIDR: *s}, nil
	case "port":
		n, err := parseValue[int](ruleMap["port"])
		if err != nil {
			return nil, fmt.Errorf("port rule requires a port: %w", err)
		}
		return &RulePort{Port: *n}, nil
	case "domains-file":
		s, err := parseValue[string](ruleMap["file"])
		if err != nil {
			return nil, fmt.Errorf("domains-file rule requires a file: %w", err)
		}
		return &RuleDomainsFile{FilePath: *s}, nil
	default:
		return nil, fmt.Errorf("unknown rule type %q", *typeVal)
	}
}

func parseDomainOp(op string) DomainOp {
	switch strings.ToLower(op) {
	case "equal":
		return DomainOpEqual
	case "is":
		return DomainOpIs
	case "contains":
		return DomainOpContains
	default:
		return DomainOpEqual
	}
}

// parseValue converts a decoded JSON value to the requested type, bridging
// the float64 representation of JSON numbers.
func parseValue[T any](value any) (*T, error) {
	if value == nil {
		return nil, fmt.Errorf("value is missing")
	}
	if v, ok := value.(T); ok {
		return &v, nil
	}
	// JSON numbers decode as float64; allow them for int targets.
	var zero T
	if _, isInt := any(zero).(int); isInt {
		if f, ok := value.(float64); ok {
			n := any(int(f)).(T)
			return &n, nil
		}
	}
	return nil, fmt.Errorf("unexpected value type %T", value)
}
