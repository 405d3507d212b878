package vault

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/systmms/dbrotate/internal/config"
	"github.com/zalando/go-keyring"
)

const defaultK8STokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

// keyringGet is swapped in tests.
var keyringGet = keyring.Get

// Lease is the envelope Vault returns for a dynamic secret.
type Lease struct {
	LeaseID       string                 `json:"lease_id"`
	LeaseDuration int                    `json:"lease_duration"`
	Renewable     bool                   `json:"renewable"`
	Data          map[string]interface{} `json:"data"`
	Warnings      []string               `json:"warnings"`
}

// Client is the subset of the Vault HTTP API the source needs.
type Client interface {
	Authenticate(ctx context.Context) error
	ReadLease(ctx context.Context, path string) (*Lease, error)
	Close() error
}

// HTTPClient implements Client against the Vault HTTP API.
type HTTPClient struct {
	config config.VaultConfig
	http   *http.Client

	mu    sync.Mutex
	token string
}

// NewHTTPClient creates a client. No request is made until Authenticate.
func NewHTTPClient(cfg config.VaultConfig) *HTTPClient {
	client := &http.Client{Timeout: DefaultTimeout}
	if cfg.TLSSkip {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // opt-in for dev servers
		}
	}
	return &HTTPClient{config: cfg, http: client}
}

// Authenticate performs authentication with Vault based on the configured method
func (c *HTTPClient) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" {
		if err := c.validateToken(ctx); err == nil {
			return nil
		}
		c.token = ""
	}

	switch c.config.AuthMethod {
	case "token", "":
		return c.authenticateToken()
	case "userpass":
		return c.authenticateUserpass(ctx)
	case "approle":
		return c.authenticateAppRole(ctx)
	case "kubernetes", "k8s":
		return c.authenticateKubernetes(ctx)
	default:
		return fmt.Errorf("unsupported auth method: %s", c.config.AuthMethod)
	}
}

// ReadLease reads a dynamic secret. A 404 yields (nil, nil).
func (c *HTTPClient) ReadLease(ctx context.Context, path string) (*Lease, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if token == "" {
		return nil, fmt.Errorf("not authenticated")
	}

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Vault-Token", token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vault returned status %d: %s", resp.StatusCode, readErrors(resp.Body))
	}

	var lease Lease
	if err := json.NewDecoder(resp.Body).Decode(&lease); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &lease, nil
}

// Close forgets the token.
func (c *HTTPClient) Close() error {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return nil
}

func (c *HTTPClient) authenticateToken() error {
	if c.config.Token != "" {
		c.token = c.config.Token
		return nil
	}

	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		c.token = token
		return nil
	}

	if c.config.TokenKeyringService != "" {
		account := c.config.TokenKeyringAccount
		if account == "" {
			account = "token"
		}
		token, err := keyringGet(c.config.TokenKeyringService, account)
		if err != nil {
			return fmt.Errorf("failed to read vault token from keyring %s/%s: %w", c.config.TokenKeyringService, account, err)
		}
		c.token = strings.TrimSpace(token)
		return nil
	}

	return fmt.Errorf("no vault token found in config, VAULT_TOKEN or keyring")
}

func (c *HTTPClient) authenticateUserpass(ctx context.Context) error {
	password := c.config.UserpassPassword
	if password == "" {
		password = os.Getenv("VAULT_USERPASS_PASSWORD")
	}
	if password == "" {
		return fmt.Errorf("no password found for userpass auth")
	}

	return c.performLogin(ctx, "auth/userpass/login/"+c.config.UserpassUsername, map[string]interface{}{
		"password": password,
	})
}

func (c *HTTPClient) authenticateAppRole(ctx context.Context) error {
	secretID := c.config.SecretID
	if secretID == "" {
		secretID = os.Getenv("VAULT_SECRET_ID")
	}
	if c.config.RoleID == "" {
		return fmt.Errorf("role_id is required for approle auth")
	}

	return c.performLogin(ctx, "auth/approle/login", map[string]interface{}{
		"role_id":   c.config.RoleID,
		"secret_id": secretID,
	})
}

func (c *HTTPClient) authenticateKubernetes(ctx context.Context) error {
	tokenPath := c.config.K8STokenPath
	if tokenPath == "" {
		tokenPath = defaultK8STokenPath
	}
	if customPath := os.Getenv("VAULT_K8S_TOKEN_PATH"); customPath != "" {
		tokenPath = customPath
	}

	tokenBytes, err := os.ReadFile(tokenPath)
	if err != nil {
		return fmt.Errorf("failed to read kubernetes token: %w", err)
	}

	return c.performLogin(ctx, "auth/kubernetes/login", map[string]interface{}{
		"role": c.config.K8SRole,
		"jwt":  strings.TrimSpace(string(tokenBytes)),
	})
}

func (c *HTTPClient) performLogin(ctx context.Context, authPath string, authData map[string]interface{}) error {
	jsonData, err := json.Marshal(authData)
	if err != nil {
		return fmt.Errorf("failed to marshal auth data: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, authPath, bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make auth request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("authentication failed with status %d: %s", resp.StatusCode, readErrors(resp.Body))
	}

	var authResp struct {
		Auth struct {
			ClientToken string `json:"client_token"`
		} `json:"auth"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return fmt.Errorf("failed to decode auth response: %w", err)
	}
	if authResp.Auth.ClientToken == "" {
		return fmt.Errorf("no token received from vault")
	}

	c.token = authResp.Auth.ClientToken
	return nil
}

func (c *HTTPClient) validateToken(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "auth/token/lookup-self", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Vault-Token", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to validate token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token validation failed with status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	url := strings.TrimSuffix(c.config.Address, "/") + "/v1/" + strings.TrimPrefix(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.config.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", c.config.Namespace)
	}
	return req, nil
}

// readErrors extracts Vault's {"errors": [...]} body, falling back to the raw text.
func readErrors(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	var parsed struct {
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && len(parsed.Errors) > 0 {
		return strings.Join(parsed.Errors, "; ")
	}
	return strings.TrimSpace(string(body))
}
