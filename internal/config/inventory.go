package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadInventory reads the node/quota inventory YAML file. A missing
// file yields an empty inventory (no nodes, default quota for every
// user) rather than an error, so a fresh single-node dev setup can omit
// it entirely.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Inventory{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read node inventory: %w", err)
	}

	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parse node inventory: %w", err)
	}
	return &inv, nil
}

// QuotaFor returns the configured quota for username, or the default
// quota if the user isn't listed explicitly in the inventory.
func (inv *Inventory) QuotaFor(username string) (cpu, memory, disk, instances int) {
	for _, u := range inv.Users {
		if u.Username == username {
			return u.CPUQuota, u.MemoryQuota, u.DiskQuota, u.InstanceQuota
		}
	}
	return defaultCPUQuota, defaultMemoryQuota, defaultDiskQuota, defaultInstanceQuota
}

const (
	defaultCPUQuota      = 16
	defaultMemoryQuota   = 64
	defaultDiskQuota     = 500
	defaultInstanceQuota = 8
)
