package provision

import (
	"encoding/json"

	"github.com/caarlos0/env/v11"
)

type provisionEnv struct {
	ProvisionersJSON string `env:"LINKHUB_PROVISIONERS"`
}

// LoadConfigsFromEnv parses the provisioner set from LINKHUB_PROVISIONERS,
// a JSON array of admin API configurations keyed by provider id. Providers
// without an entry simply have no auto-provisioning.
func LoadConfigsFromEnv() []Config {
	var raw provisionEnv
	if err := env.Parse(&raw); err != nil || raw.ProvisionersJSON == "" {
		return nil
	}

	var configs []Config
	if err := json.Unmarshal([]byte(raw.ProvisionersJSON), &configs); err != nil {
		return nil
	}
	valid := configs[:0]
	for _, config := range configs {
		if config.Provider == "" || config.BaseURL == "" {
			continue
		}
		valid = append(valid, config)
	}
	return valid
}
