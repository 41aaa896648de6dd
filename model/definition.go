package model

// ClientDefinition is the root structure of a definition file. Each file
// declares one API client: its base URL, default headers, auth, backend,
// session behavior, engine tuning, and the resources it exposes.
type ClientDefinition struct {
	Client    string               `yaml:"client"    json:"client"`
	Version   string               `yaml:"version"   json:"version"`
	BaseURL   string               `yaml:"base_url"  json:"base_url"`
	Headers   map[string]string    `yaml:"headers"   json:"headers,omitempty"`
	Auth      *AuthDefinition      `yaml:"auth"      json:"auth,omitempty"`
	Backend   *BackendDefinition   `yaml:"backend"   json:"backend,omitempty"`
	Session   *SessionDefinition   `yaml:"session"   json:"session,omitempty"`
	Engine    *EngineDefinition    `yaml:"engine"    json:"engine,omitempty"`
	Schema    string               `yaml:"schema"    json:"schema,omitempty"`
	Resources []ResourceDefinition `yaml:"resources" json:"resources"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// ResourceDefinition groups related methods under an optional path prefix.
type ResourceDefinition struct {
	Name    string             `yaml:"name"    json:"name"`
	Path    string             `yaml:"path"    json:"path,omitempty"`
	Methods []MethodDefinition `yaml:"methods" json:"methods"`
}

// MethodDefinition describes one callable endpoint.
type MethodDefinition struct {
	Name        string            `yaml:"name"        json:"name"`
	Verb        string            `yaml:"verb"        json:"verb"`
	Path        string            `yaml:"path"        json:"path"`
	Description string            `yaml:"description" json:"description,omitempty"`
	Headers     map[string]string `yaml:"headers"     json:"headers,omitempty"`
	Cookies     map[string]string `yaml:"cookies"     json:"cookies,omitempty"`
	HeaderMode  string            `yaml:"header_mode" json:"header_mode,omitempty"`
	CookieMode  string            `yaml:"cookie_mode" json:"cookie_mode,omitempty"`
	Timeout     string            `yaml:"timeout"     json:"timeout,omitempty"`
	NoAuth      bool              `yaml:"no_auth"     json:"no_auth,omitempty"`
	Validate    string            `yaml:"validate"    json:"validate,omitempty"`
	Pre         string            `yaml:"pre"         json:"pre,omitempty"`
	Post        string            `yaml:"post"        json:"post,omitempty"`
}

// AuthDefinition describes how a client authenticates.
type AuthDefinition struct {
	Type     string `yaml:"type"      json:"type"`
	Token    string `yaml:"token"     json:"token,omitempty"`
	TokenEnv string `yaml:"token_env" json:"token_env,omitempty"`
	Header   string `yaml:"header"    json:"header,omitempty"`
	Param    string `yaml:"param"     json:"param,omitempty"`
}

// BackendDefinition selects and configures a backend adapter.
type BackendDefinition struct {
	Type    string                    `yaml:"type"    json:"type"`
	Gateway *GatewayBackendDefinition `yaml:"gateway" json:"gateway,omitempty"`
	Search  *SearchBackendDefinition  `yaml:"search"  json:"search,omitempty"`
}

// GatewayBackendDefinition configures the URL-wrapping gateway adapter.
type GatewayBackendDefinition struct {
	Endpoint    string `yaml:"endpoint"     json:"endpoint"`
	TargetParam string `yaml:"target_param" json:"target_param,omitempty"`
	ResultPath  string `yaml:"result_path"  json:"result_path,omitempty"`
}

// SearchBackendDefinition configures the search-query adapter.
type SearchBackendDefinition struct {
	ParamMap  map[string]string `yaml:"param_map"  json:"param_map,omitempty"`
	HitsPath  string            `yaml:"hits_path"  json:"hits_path,omitempty"`
	TotalPath string            `yaml:"total_path" json:"total_path,omitempty"`
}

// SessionDefinition configures session state persistence for a client.
type SessionDefinition struct {
	Store    string                   `yaml:"store"     json:"store"`
	Path     string                   `yaml:"path"      json:"path,omitempty"`
	Persist  *PersistFilterDefinition `yaml:"persist"   json:"persist,omitempty"`
	AutoLoad bool                     `yaml:"auto_load" json:"auto_load,omitempty"`
	AutoSave bool                     `yaml:"auto_save" json:"auto_save,omitempty"`
}

// PersistFilterDefinition selects which session state categories persist.
type PersistFilterDefinition struct {
	Headers bool `yaml:"headers" json:"headers"`
	Cookies bool `yaml:"cookies" json:"cookies"`
	Tokens  bool `yaml:"tokens"  json:"tokens"`
}

// EngineDefinition tunes the transport engine for a client.
type EngineDefinition struct {
	Timeout          string `yaml:"timeout"           json:"timeout,omitempty"`
	MaxRetries       int    `yaml:"max_retries"       json:"max_retries,omitempty"`
	BackoffInitial   string `yaml:"backoff_initial"   json:"backoff_initial,omitempty"`
	BackoffMax       string `yaml:"backoff_max"       json:"backoff_max,omitempty"`
	BreakerThreshold int    `yaml:"breaker_threshold" json:"breaker_threshold,omitempty"`
	BreakerCooldown  string `yaml:"breaker_cooldown"  json:"breaker_cooldown,omitempty"`
	MaxConnsPerHost  int    `yaml:"max_conns_per_host" json:"max_conns_per_host,omitempty"`
}

// BulkPlanDefinition is the root structure of a bulk plan file: a named batch
// of method invocations run under one policy.
type BulkPlanDefinition struct {
	Name   string                `yaml:"name"   json:"name"`
	Policy PolicyDefinition      `yaml:"policy" json:"policy"`
	Items  []PlanItemDefinition  `yaml:"items"  json:"items"`
}

// PolicyDefinition is the YAML shape of a bulk execution policy.
type PolicyDefinition struct {
	Mode           string `yaml:"mode"            json:"mode,omitempty"`
	OnError        string `yaml:"on_error"        json:"on_error,omitempty"`
	Aggregate      string `yaml:"aggregate"       json:"aggregate,omitempty"`
	Delay          string `yaml:"delay"           json:"delay,omitempty"`
	MaxConcurrency int    `yaml:"max_concurrency" json:"max_concurrency,omitempty"`
	ErrorWhen      string `yaml:"error_when"      json:"error_when,omitempty"`
}

// PlanItemDefinition is one invocation within a bulk plan.
type PlanItemDefinition struct {
	Method    string         `yaml:"method"     json:"method"`
	Args      []any          `yaml:"args"       json:"args,omitempty"`
	Kwargs    map[string]any `yaml:"kwargs"     json:"kwargs,omitempty"`
	DependsOn *int           `yaml:"depends_on" json:"depends_on,omitempty"`
}
