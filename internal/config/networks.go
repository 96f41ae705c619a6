package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
	"gopkg.in/yaml.v3"
)

type NetworksFile struct {
	Networks []Network `yaml:"networks" validate:"required,dive"`
}

// Network is one entry of networks.yaml.
type Network struct {
	Name           string             `yaml:"name" validate:"required"`
	Blockchain     string             `yaml:"blockchain" validate:"required"`
	Environment    models.Environment `yaml:"environment" validate:"oneof=mainnet testnet"`
	ChainID        string             `yaml:"chain_id" validate:"required,numeric"`
	RPCURL         string             `yaml:"rpc_url" validate:"required,url"`
	WSURL          string             `yaml:"ws_url" validate:"omitempty,url"`
	Confirmations  uint64             `yaml:"confirmations"`
	ExplorerAPIURL string             `yaml:"explorer_api_url" validate:"omitempty,url"`
	ExplorerAPIKey string             `yaml:"explorer_api_key"`
	PollInterval   time.Duration      `yaml:"poll_interval" validate:"gte=0"`
	RPS            float64            `yaml:"rps" validate:"gte=0"`
	Disabled       bool               `yaml:"disabled"`
}

func (n Network) Chain() models.Chain {
	return models.Chain{
		Name:                n.Name,
		Blockchain:          n.Blockchain,
		Environment:         n.Environment,
		NetworkID:           n.ChainID,
		RPC:                 os.ExpandEnv(n.RPCURL),
		WSURL:               os.ExpandEnv(n.WSURL),
		Confirmations:       n.Confirmations,
		ExplorerAPIURL:      n.ExplorerAPIURL,
		ExplorerAPIKey:      os.ExpandEnv(n.ExplorerAPIKey),
		PollIntervalSeconds: int(n.PollInterval / time.Second),
		RPS:                 n.RPS,
		IsActive:            !n.Disabled,
	}
}

// LoadNetworks reads a networks file. Unknown fields are rejected.
func LoadNetworks(path string) ([]models.Chain, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read networks file %s", path)
	}
	return ParseNetworks(bytes.NewReader(raw))
}

func ParseNetworks(r io.Reader) ([]models.Chain, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var file NetworksFile
	if err := decoder.Decode(&file); err != nil {
		return nil, errors.Wrap(err, "invalid networks file")
	}
	if err := validator.New().Struct(file); err != nil {
		return nil, errors.Wrap(err, "invalid networks file")
	}

	seen := make(map[string]string, len(file.Networks))
	chains := make([]models.Chain, 0, len(file.Networks))
	for _, network := range file.Networks {
		key := network.Blockchain + "/" + string(network.Environment)
		if other, ok := seen[key]; ok && !network.Disabled {
			return nil, errors.Newf("networks %s and %s both serve %s", other, network.Name, key)
		}
		if !network.Disabled {
			seen[key] = network.Name
		}
		chains = append(chains, network.Chain())
	}
	return chains, nil
}
