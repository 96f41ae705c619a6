package models

import (
	"database/sql/driver"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// JSON is a free-form object persisted as a text column.
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSON) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.Newf("cannot scan %T into JSON", value)
	}

	if len(bytes) == 0 {
		*j = nil
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Environment selects between production and test networks of a blockchain.
type Environment string

const (
	EnvironmentMainnet Environment = "mainnet"
	EnvironmentTestnet Environment = "testnet"
)

func (e Environment) Valid() bool {
	return e == EnvironmentMainnet || e == EnvironmentTestnet
}
