// Package config loads the control plane's startup configuration from
// environment variables, using a plain os.Getenv-with-fallback style.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tispace-dev/tispace/internal/domain"
	"github.com/tispace-dev/tispace/internal/ipam"
)

// Config is everything the server needs to wire up its components.
type Config struct {
	// Port is the HTTP listen port (PORT, default 8080).
	Port int

	// StateFile is the path to the persisted state file (STATE_FILE,
	// default "state.json").
	StateFile string

	// NodeInventoryFile is a YAML description of the fleet's hosts and
	// per-user quotas (NODE_INVENTORY_FILE, default "nodes.yaml").
	NodeInventoryFile string

	// GoogleClientID is the OIDC audience bearer tokens must carry
	// (GOOGLE_CLIENT_ID, required).
	GoogleClientID string

	// AllowedUsers gates /authorized; empty means allow everyone
	// (ALLOWED_USERS, comma separated emails, default empty).
	AllowedUsers []string

	// DefaultRootfsImageTag is appended to an image reference that
	// doesn't already carry a tag (DEFAULT_ROOTFS_IMAGE_TAG, default
	// "latest").
	DefaultRootfsImageTag string

	// LXDServerURL and LXDClientCert configure the VM driver's
	// connection to the LXD cluster (LXD_SERVER_URL required for any
	// VM-backed instance to reconcile; LXD_CLIENT_CERT is PEM-encoded
	// client certificate + key material for mTLS).
	LXDServerURL   string
	LXDClientCert  string
	LXDProject     string
	LXDImageServer string

	// LXDStoragePoolMapping maps a node's openebs/LVM volume-group name
	// (shared with the pod driver's Kubernetes cluster) to the LXD
	// storage pool name that backs the same physical volume group
	// (LXD_STORAGE_POOL_MAPPING, "host=pool,host=pool,...").
	LXDStoragePoolMapping map[string]string

	// StorageClassName is the Kubernetes storage class the pod driver
	// requests rootfs PVCs from (STORAGE_CLASS_NAME, default
	// "openebs-lvm").
	StorageClassName string

	// ExternalIPPools and ExternalIPPrefixLength configure the IP
	// allocator (EXTERNAL_IP_POOL, EXTERNAL_IP_PREFIX_LENGTH).
	ExternalIPPools       []string
	ExternalIPPrefixLen   int

	// CPUOvercommitFactor and MemoryOvercommitFactor scale user-declared
	// resource requests down to backend resource requests/limits.
	CPUOvercommitFactor    float64
	MemoryOvercommitFactor float64
}

// Load reads and validates configuration from the environment. A
// missing or malformed required value is an error the caller should
// treat as a config error (startup exit code 1).
func Load() (*Config, error) {
	c := &Config{
		Port:                   getInt("PORT", 8080),
		StateFile:              getString("STATE_FILE", "state.json"),
		NodeInventoryFile:      getString("NODE_INVENTORY_FILE", "nodes.yaml"),
		GoogleClientID:         os.Getenv("GOOGLE_CLIENT_ID"),
		AllowedUsers:           splitNonEmpty(os.Getenv("ALLOWED_USERS")),
		DefaultRootfsImageTag:  getString("DEFAULT_ROOTFS_IMAGE_TAG", "latest"),
		LXDServerURL:           os.Getenv("LXD_SERVER_URL"),
		LXDClientCert:          os.Getenv("LXD_CLIENT_CERT"),
		LXDProject:             getString("LXD_PROJECT", "tispace"),
		LXDImageServer:         getString("LXD_IMAGE_SERVER_URL", "https://images.linuxcontainers.org"),
		StorageClassName:       getString("STORAGE_CLASS_NAME", "openebs-lvm"),
		ExternalIPPools:        splitNonEmpty(os.Getenv("EXTERNAL_IP_POOL")),
		ExternalIPPrefixLen:    getInt("EXTERNAL_IP_PREFIX_LENGTH", 32),
		CPUOvercommitFactor:    getFloat("CPU_OVERCOMMIT_FACTOR", 1.0),
		MemoryOvercommitFactor: getFloat("MEMORY_OVERCOMMIT_FACTOR", 1.0),
	}

	mapping, err := parseMapping(os.Getenv("LXD_STORAGE_POOL_MAPPING"))
	if err != nil {
		return nil, fmt.Errorf("parse LXD_STORAGE_POOL_MAPPING: %w", err)
	}
	c.LXDStoragePoolMapping = mapping

	if c.GoogleClientID == "" {
		return nil, fmt.Errorf("GOOGLE_CLIENT_ID must be set")
	}
	if _, err := ipam.ParsePools(c.ExternalIPPools); err != nil {
		return nil, fmt.Errorf("EXTERNAL_IP_POOL: %w", err)
	}
	if c.ExternalIPPrefixLen < 1 || c.ExternalIPPrefixLen > 32 {
		return nil, fmt.Errorf("EXTERNAL_IP_PREFIX_LENGTH must be between 1 and 32")
	}
	if c.CPUOvercommitFactor <= 0 || c.MemoryOvercommitFactor <= 0 {
		return nil, fmt.Errorf("overcommit factors must be positive")
	}

	return c, nil
}

// Inventory is the static description of the fleet's hosts and the
// per-user quota table, read once at startup from NodeInventoryFile.
// Node capacity counters (cpu_total, etc.) come from here; allocation
// counters are always derived live from the instance set, never from
// this file.
type Inventory struct {
	Nodes []*domain.Node `yaml:"nodes"`
	Users []domain.User  `yaml:"users"`
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseMapping(s string) (map[string]string, error) {
	m := make(map[string]string)
	if s == "" {
		return m, nil
	}
	for _, entry := range strings.Split(s, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed entry %q, expected host=pool", entry)
		}
		m[parts[0]] = parts[1]
	}
	return m, nil
}
