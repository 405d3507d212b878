package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	dserrors "github.com/systmms/dbrotate/internal/errors"
	"github.com/systmms/dbrotate/internal/logging"
	"gopkg.in/yaml.v3"
)

// Defaults applied when the configuration leaves a value unset.
const (
	DefaultPath           = "dbrotate.yaml"
	DefaultRole           = "demo-role"
	DefaultMaxOpen        = 10
	DefaultMaxIdle        = 2
	DefaultConnectTimeout = 5 * time.Second
	DefaultHealthQuery    = "SELECT 1"
	DefaultPoolPrefix     = "dbrotate"
	DefaultSourceTimeout  = 10 * time.Second
	DefaultVaultMount     = "database"
	DefaultListen         = ":8080"
	DefaultReadTimeout    = 5 * time.Second
	DefaultWriteTimeout   = 30 * time.Second
)

// Source types understood by the providers factory.
const (
	SourceVault     = "vault"
	SourceAWS       = "aws-secretsmanager"
	SourceGCP       = "gcp-secretmanager"
	SourceAzure     = "azure-keyvault"
	SourceStatic    = "static"
	sourceTypesHint = "vault, aws-secretsmanager, gcp-secretmanager, azure-keyvault, static"
)

// Config holds the runtime configuration
type Config struct {
	Path       string
	Logger     *logging.Logger
	Definition *Definition
}

// Definition is the dbrotate.yaml structure.
type Definition struct {
	Database DatabaseConfig `yaml:"database"`
	Pool     PoolConfig     `yaml:"pool"`
	Source   SourceConfig   `yaml:"source"`
	Server   ServerConfig   `yaml:"server"`

	Notifications NotificationsConfig `yaml:"notifications"`
}

// DatabaseConfig identifies the database every pool connects to.
type DatabaseConfig struct {
	// URL is the fixed connection target. Any user info in it is replaced by
	// the fetched credentials.
	URL         string `yaml:"url"`
	DefaultRole string `yaml:"default_role"`
}

// PoolConfig is passed through to pool construction; the orchestrator does not interpret it.
type PoolConfig struct {
	MaxOpen         int           `yaml:"max_open"`
	MaxIdle         int           `yaml:"max_idle"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	HealthQuery     string        `yaml:"health_query"`
	RetireGrace     time.Duration `yaml:"retire_grace"`
	NamePrefix      string        `yaml:"name_prefix"`
}

// SourceConfig selects and configures the credential backend.
type SourceConfig struct {
	Type    string        `yaml:"type"`
	Timeout time.Duration `yaml:"timeout"`
	Vault   VaultConfig   `yaml:"vault"`
	AWS     AWSConfig     `yaml:"aws"`
	GCP     GCPConfig     `yaml:"gcp"`
	Azure   AzureConfig   `yaml:"azure"`
	Static  StaticConfig  `yaml:"static"`
}

// VaultConfig configures the Vault database secrets engine client.
type VaultConfig struct {
	Address    string `yaml:"address"`
	Mount      string `yaml:"mount"`
	Namespace  string `yaml:"namespace"`
	AuthMethod string `yaml:"auth_method"` // token, userpass, approle, kubernetes
	Token      string `yaml:"token"`       // discouraged, prefer VAULT_TOKEN

	// TokenKeyringService reads the token from the OS keyring (service name,
	// account TokenKeyringAccount) when no token is configured.
	TokenKeyringService string `yaml:"token_keyring_service"`
	TokenKeyringAccount string `yaml:"token_keyring_account"`

	UserpassUsername string `yaml:"userpass_username"`
	UserpassPassword string `yaml:"userpass_password"`
	RoleID           string `yaml:"role_id"`
	SecretID         string `yaml:"secret_id"`
	K8SRole          string `yaml:"k8s_role"`
	K8STokenPath     string `yaml:"k8s_token_path"`

	TLSSkip bool `yaml:"tls_skip"`
}

// AWSConfig configures AWS Secrets Manager.
type AWSConfig struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	SecretPrefix    string `yaml:"secret_prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	// AssumeRoleARN, when set, reads secrets as this role via STS.
	AssumeRoleARN string `yaml:"assume_role_arn"`
	ExternalID    string `yaml:"external_id"`
}

// GCPConfig configures Google Cloud Secret Manager.
type GCPConfig struct {
	ProjectID       string `yaml:"project_id"`
	SecretPrefix    string `yaml:"secret_prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// AzureConfig configures Azure Key Vault.
type AzureConfig struct {
	VaultURL     string `yaml:"vault_url"`
	SecretPrefix string `yaml:"secret_prefix"`
}

// StaticConfig serves fixed credentials per role.
type StaticConfig struct {
	Roles map[string]StaticCredential `yaml:"roles"`
}

// StaticCredential is one username/password pair.
type StaticCredential struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ServerConfig configures the HTTP trigger and read surface.
type ServerConfig struct {
	Listen       string        `yaml:"listen"`
	RotateEvery  time.Duration `yaml:"rotate_every"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Load reads, validates and parses the configuration file
func (c *Config) Load() error {
	path := c.Path
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return dserrors.ConfigError{
				Field:      "path",
				Value:      path,
				Message:    "configuration file not found",
				Suggestion: "Pass --config or create dbrotate.yaml in the working directory",
			}
		}
		return dserrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	def, err := Parse(data)
	if err != nil {
		return err
	}

	c.Definition = def
	return nil
}

// Parse decodes YAML, checks it against the schema, applies defaults and
// environment overrides, then validates the result.
func Parse(data []byte) (*Definition, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, dserrors.ConfigError{
			Message:    "invalid YAML in configuration file",
			Suggestion: "Check for indentation errors and that durations look like 5s or 30m",
		}
	}

	def.applyDefaults()
	def.applyEnv()

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) applyDefaults() {
	if d.Database.DefaultRole == "" {
		d.Database.DefaultRole = DefaultRole
	}
	if d.Pool.MaxOpen == 0 {
		d.Pool.MaxOpen = DefaultMaxOpen
	}
	if d.Pool.MaxIdle == 0 {
		d.Pool.MaxIdle = DefaultMaxIdle
	}
	if d.Pool.ConnectTimeout == 0 {
		d.Pool.ConnectTimeout = DefaultConnectTimeout
	}
	if d.Pool.HealthQuery == "" {
		d.Pool.HealthQuery = DefaultHealthQuery
	}
	if d.Pool.NamePrefix == "" {
		d.Pool.NamePrefix = DefaultPoolPrefix
	}
	if d.Source.Timeout == 0 {
		d.Source.Timeout = DefaultSourceTimeout
	}
	if d.Source.Vault.Mount == "" {
		d.Source.Vault.Mount = DefaultVaultMount
	}
	if d.Source.Vault.AuthMethod == "" {
		d.Source.Vault.AuthMethod = "token"
	}
	if d.Server.Listen == "" {
		d.Server.Listen = DefaultListen
	}
	if d.Server.ReadTimeout == 0 {
		d.Server.ReadTimeout = DefaultReadTimeout
	}
	if d.Server.WriteTimeout == 0 {
		d.Server.WriteTimeout = DefaultWriteTimeout
	}
	d.Notifications.applyDefaults()
}

func (d *Definition) applyEnv() {
	if v := os.Getenv("DBROTATE_DATABASE_URL"); v != "" {
		d.Database.URL = v
	}
	if v := os.Getenv("DBROTATE_DEFAULT_ROLE"); v != "" {
		d.Database.DefaultRole = v
	}
	if v := os.Getenv("DBROTATE_SOURCE_TYPE"); v != "" {
		d.Source.Type = v
	}
	if v := os.Getenv("DBROTATE_LISTEN"); v != "" {
		d.Server.Listen = v
	}
}

// Validate checks the semantic rules the schema cannot express.
func (d *Definition) Validate() error {
	if d.Database.URL == "" {
		return dserrors.ConfigError{
			Field:      "database.url",
			Message:    "database URL is required",
			Suggestion: "Set database.url or DBROTATE_DATABASE_URL, e.g. postgres://db:5432/app?sslmode=disable",
		}
	}
	u, err := url.Parse(d.Database.URL)
	if err != nil {
		return dserrors.ConfigError{
			Field:   "database.url",
			Message: fmt.Sprintf("invalid URL: %v", err),
		}
	}
	if _, ok := driverSchemes[strings.ToLower(u.Scheme)]; !ok {
		return dserrors.ConfigError{
			Field:      "database.url",
			Value:      u.Scheme,
			Message:    "unsupported database scheme",
			Suggestion: "Use postgres://, postgresql:// or mysql://",
		}
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		return dserrors.ConfigError{
			Field:      "database.url",
			Message:    "database URL must not embed a password",
			Suggestion: "Remove user info from the URL; credentials come from the configured source",
		}
	}

	if d.Pool.MaxOpen < 1 {
		return dserrors.ConfigError{Field: "pool.max_open", Value: d.Pool.MaxOpen, Message: "must be at least 1"}
	}
	if d.Pool.MaxIdle > d.Pool.MaxOpen {
		return dserrors.ConfigError{
			Field:      "pool.max_idle",
			Value:      d.Pool.MaxIdle,
			Message:    "cannot exceed pool.max_open",
			Suggestion: fmt.Sprintf("Set pool.max_idle to %d or less", d.Pool.MaxOpen),
		}
	}
	if d.Pool.ConnectTimeout < 0 || d.Pool.RetireGrace < 0 || d.Source.Timeout < 0 || d.Server.RotateEvery < 0 {
		return dserrors.ConfigError{Message: "durations must not be negative"}
	}

	if err := d.validateSource(); err != nil {
		return err
	}
	return d.Notifications.validate()
}

func (d *Definition) validateSource() error {
	src := d.Source
	switch src.Type {
	case SourceVault:
		if src.Vault.Address == "" && os.Getenv("VAULT_ADDR") == "" {
			return dserrors.ConfigError{
				Field:      "source.vault.address",
				Message:    "Vault address is required",
				Suggestion: "Set source.vault.address or the VAULT_ADDR environment variable",
			}
		}
		switch src.Vault.AuthMethod {
		case "token", "userpass", "approle", "kubernetes", "k8s":
		default:
			return dserrors.ConfigError{
				Field:      "source.vault.auth_method",
				Value:      src.Vault.AuthMethod,
				Message:    "unsupported authentication method",
				Suggestion: "Supported methods: token, userpass, approle, kubernetes",
			}
		}
	case SourceAWS:
	case SourceGCP:
		if src.GCP.ProjectID == "" && os.Getenv("GOOGLE_CLOUD_PROJECT") == "" {
			return dserrors.ConfigError{
				Field:      "source.gcp.project_id",
				Message:    "project_id is required for GCP Secret Manager",
				Suggestion: "Set source.gcp.project_id or GOOGLE_CLOUD_PROJECT",
			}
		}
	case SourceAzure:
		if src.Azure.VaultURL == "" {
			return dserrors.ConfigError{
				Field:      "source.azure.vault_url",
				Message:    "vault_url is required for Azure Key Vault",
				Suggestion: "Set it to https://<name>.vault.azure.net/",
			}
		}
	case SourceStatic:
		if len(src.Static.Roles) == 0 {
			return dserrors.ConfigError{
				Field:   "source.static.roles",
				Message: "at least one role is required",
			}
		}
		if _, ok := src.Static.Roles[d.Database.DefaultRole]; !ok {
			return dserrors.ConfigError{
				Field:      "source.static.roles",
				Value:      d.Database.DefaultRole,
				Message:    "default role has no static credentials",
				Suggestion: fmt.Sprintf("Configured roles: %s", strings.Join(d.StaticRoleNames(), ", ")),
			}
		}
	case "":
		return dserrors.ConfigError{
			Field:      "source.type",
			Message:    "credential source type is required",
			Suggestion: "Supported types: " + sourceTypesHint,
		}
	default:
		return dserrors.ConfigError{
			Field:      "source.type",
			Value:      src.Type,
			Message:    "unsupported credential source",
			Suggestion: "Supported types: " + sourceTypesHint,
		}
	}
	return nil
}

// StaticRoleNames returns the configured static roles, sorted.
func (d *Definition) StaticRoleNames() []string {
	names := make([]string, 0, len(d.Source.Static.Roles))
	for name := range d.Source.Static.Roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Driver returns the database/sql driver family for the configured URL.
func (d *Definition) Driver() string {
	u, err := url.Parse(d.Database.URL)
	if err != nil {
		return ""
	}
	return driverSchemes[strings.ToLower(u.Scheme)]
}

var driverSchemes = map[string]string{
	"postgres":   "postgres",
	"postgresql": "postgres",
	"mysql":      "mysql",
}
