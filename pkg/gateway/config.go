// Package gateway assembles the HTTP surface: the fixed middleware
// pipeline, the route handlers, discovery, and admin endpoints.
package gateway

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process configuration, read once at startup. Hot state
// (policy, maps, keys) lives behind its own reloadable snapshots.
type Config struct {
	Listen      string
	ExternalURL string

	EnforceRoutes  []string
	EnforceRequire bool
	SignRoutes     []string
	SignEmbed      bool

	HTTPSignRoutes []string
	HTTPSignSkew   time.Duration

	RoamingRoutes []string

	PolicyPath string
	PolicyJSON string

	SFTMapsDir string
	SFTSchemas string

	KeystorePath    string
	KeystoreJSON    string
	SinglePublicKey string
	RotationGrace   time.Duration

	BridgeTimeout      time.Duration
	BridgeRetries      int
	BridgeBackoff      time.Duration
	MaxHops            int
	BridgeAllowPrivate bool
	BridgeAllowedHosts []string

	AdminToken  string
	EnableAdmin bool

	RequireTenant bool
	TenantRPS     float64
	TenantBurst   int
	SharedRPS     float64
	SharedBurst   int

	DataDir         string
	HopIndexDSN     string
	TrustAnchorPath string

	CoverageGatePct float64

	OTelEndpoint    string
	OTelSampleRatio float64
	OTelInsecure    bool
}

// FromEnv reads the contractual ODIN_* variables.
func FromEnv() Config {
	return Config{
		Listen:      envString("ODIN_LISTEN", ":9090"),
		ExternalURL: envString("ODIN_EXTERNAL_URL", "http://localhost:9090"),

		EnforceRoutes:  envList("ODIN_ENFORCE_ROUTES"),
		EnforceRequire: envBool("ODIN_ENFORCE_REQUIRE", false),
		SignRoutes:     envList("ODIN_SIGN_ROUTES"),
		SignEmbed:      envBool("ODIN_SIGN_EMBED", false),

		HTTPSignRoutes: envList("ODIN_HTTP_SIGN_ENFORCE_ROUTES"),
		HTTPSignSkew:   time.Duration(envInt("ODIN_HTTP_SIGN_SKEW_SEC", 300)) * time.Second,

		RoamingRoutes: envList("ODIN_ROAMING_ENFORCE_ROUTES"),

		PolicyPath: os.Getenv("ODIN_HEL_POLICY_PATH"),
		PolicyJSON: os.Getenv("ODIN_HEL_POLICY_JSON"),

		SFTMapsDir: envString("ODIN_SFT_MAPS_DIR", "configs/sft_maps"),
		SFTSchemas: os.Getenv("ODIN_SFT_SCHEMAS_DIR"),

		KeystorePath:    os.Getenv("ODIN_KEYSTORE_PATH"),
		KeystoreJSON:    os.Getenv("ODIN_KEYSTORE_JSON"),
		SinglePublicKey: os.Getenv("ODIN_SINGLE_PUBLIC_KEY"),
		RotationGrace:   time.Duration(envInt("ODIN_ROTATION_GRACE_SEC", 600)) * time.Second,

		BridgeTimeout:      time.Duration(envInt("ODIN_BRIDGE_TIMEOUT_MS", 10000)) * time.Millisecond,
		BridgeRetries:      envInt("ODIN_BRIDGE_RETRIES", 2),
		BridgeBackoff:      time.Duration(envInt("ODIN_BRIDGE_RETRY_BACKOFF_MS", 250)) * time.Millisecond,
		MaxHops:            envInt("ODIN_MAX_HOPS", 8),
		BridgeAllowPrivate: envBool("ODIN_BRIDGE_ALLOW_PRIVATE", false),
		BridgeAllowedHosts: envList("ODIN_BRIDGE_ALLOWED_HOSTS"),

		AdminToken:  os.Getenv("ODIN_ADMIN_TOKEN"),
		EnableAdmin: envBool("ODIN_ENABLE_ADMIN", false),

		RequireTenant: envBool("ODIN_REQUIRE_TENANT", false),
		TenantRPS:     envFloat("ODIN_TENANT_RPS", 50),
		TenantBurst:   envInt("ODIN_TENANT_BURST", 100),
		SharedRPS:     envFloat("ODIN_SHARED_RPS", 5),
		SharedBurst:   envInt("ODIN_SHARED_BURST", 10),

		DataDir:         envString("ODIN_DATA_DIR", "./data"),
		HopIndexDSN:     os.Getenv("ODIN_HOP_INDEX_DSN"),
		TrustAnchorPath: envString("ODIN_TRUST_ANCHORS", "configs/roaming/trust_anchors.yaml"),

		CoverageGatePct: envFloat("ODIN_COVERAGE_GATE_PCT", 0),

		OTelEndpoint:    os.Getenv("ODIN_OTEL_ENDPOINT"),
		OTelSampleRatio: envFloat("ODIN_OTEL_SAMPLE_RATIO", 1.0),
		OTelInsecure:    envBool("ODIN_OTEL_INSECURE", false),
	}
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(name string, def float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envList(name string) []string {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// matchesPrefix reports whether path falls under any configured prefix.
func matchesPrefix(prefixes []string, path string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
