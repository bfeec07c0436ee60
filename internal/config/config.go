package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RoleTemplate binds a logical role name to the template VM it is cloned
// from. Order matters: clones are issued in this order at session start.
type RoleTemplate struct {
	Role       string
	TemplateID int
}

type Proxmox struct {
	Host           string
	Node           string
	APIToken       string
	Username       string
	Password       string
	InsecureTLS    bool
	FullClone      bool
	CloneTarget    string
	RequestTimeout time.Duration
}

type Config struct {
	ListenAddr    string
	Proxmox       Proxmox
	Templates     []RoleTemplate
	SessionMaxAge time.Duration
	SweepInterval time.Duration
	CORSOrigins   []string
	JWTSecret     string
}

// Load reads configuration from an optional YAML file (path in
// VMLAB_CONFIG) overlaid with VMLAB_* environment variables, then
// validates it. Validation failure is fatal to the caller: the service
// must not come up half-configured.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VMLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("proxmox.insecure_tls", false)
	v.SetDefault("proxmox.full_clone", false)
	v.SetDefault("proxmox.request_timeout", "15s")
	v.SetDefault("session_max_age", "2h")
	v.SetDefault("sweep_interval", "10m")

	if path := os.Getenv("VMLAB_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	templates, err := parseTemplates(v.GetString("templates"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr: v.GetString("listen_addr"),
		Proxmox: Proxmox{
			Host:           strings.TrimRight(v.GetString("proxmox.host"), "/"),
			Node:           v.GetString("proxmox.node"),
			APIToken:       v.GetString("proxmox.token"),
			Username:       v.GetString("proxmox.username"),
			Password:       v.GetString("proxmox.password"),
			InsecureTLS:    v.GetBool("proxmox.insecure_tls"),
			FullClone:      v.GetBool("proxmox.full_clone"),
			CloneTarget:    v.GetString("proxmox.clone_target"),
			RequestTimeout: v.GetDuration("proxmox.request_timeout"),
		},
		Templates:     templates,
		SessionMaxAge: v.GetDuration("session_max_age"),
		SweepInterval: v.GetDuration("sweep_interval"),
		CORSOrigins:   splitCSV(v.GetString("cors_origins")),
		JWTSecret:     v.GetString("jwt_secret"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Proxmox.Host == "" {
		return fmt.Errorf("VMLAB_PROXMOX_HOST is required")
	}
	if !strings.HasPrefix(c.Proxmox.Host, "http://") && !strings.HasPrefix(c.Proxmox.Host, "https://") {
		return fmt.Errorf("VMLAB_PROXMOX_HOST must include a scheme, got %q", c.Proxmox.Host)
	}
	if c.Proxmox.Node == "" {
		return fmt.Errorf("VMLAB_PROXMOX_NODE is required")
	}
	hasToken := c.Proxmox.APIToken != ""
	hasLogin := c.Proxmox.Username != "" && c.Proxmox.Password != ""
	if !hasToken && !hasLogin {
		return fmt.Errorf("either VMLAB_PROXMOX_TOKEN or VMLAB_PROXMOX_USERNAME+VMLAB_PROXMOX_PASSWORD is required")
	}
	if hasToken && hasLogin {
		return fmt.Errorf("VMLAB_PROXMOX_TOKEN and VMLAB_PROXMOX_USERNAME are mutually exclusive")
	}
	if len(c.Templates) == 0 {
		return fmt.Errorf("VMLAB_TEMPLATES is required, e.g. server1=101,server2=102")
	}
	if c.Proxmox.RequestTimeout <= 0 {
		return fmt.Errorf("proxmox request timeout must be positive")
	}
	if c.SessionMaxAge <= 0 {
		return fmt.Errorf("session max age must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	return nil
}

// parseTemplates parses the ordered "role=templateID" list. A slice, not
// a map: clone order at session start follows this list.
func parseTemplates(raw string) ([]RoleTemplate, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	pairs := strings.Split(raw, ",")
	out := make([]RoleTemplate, 0, len(pairs))
	seen := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		parts := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid template entry %q, want role=templateID", p)
		}
		role := strings.TrimSpace(parts[0])
		id, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid template id in %q, want positive integer", p)
		}
		if role == "" {
			return nil, fmt.Errorf("empty role name in %q", p)
		}
		if seen[role] {
			return nil, fmt.Errorf("duplicate role %q in templates", role)
		}
		seen[role] = true
		out = append(out, RoleTemplate{Role: role, TemplateID: id})
	}
	return out, nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
