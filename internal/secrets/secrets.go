// Package secrets resolves deployer key material by reference.
package secrets

import (
	"context"
	"crypto/ecdsa"
	"os"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const DefaultEnvPrefix = "LAUNCHPAD_KEY_"

// ErrKeyUnavailable marks every failure to produce a signing key.
var ErrKeyUnavailable = errors.New("signing key unavailable")

type SigningKey struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address
}

type KeyProvider interface {
	GetSigningKey(ctx context.Context, keyRef string) (*SigningKey, error)
}

// ParsePrivateKey parses a hex private key, with or without 0x.
func ParsePrivateKey(hexKey string) (*SigningKey, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "invalid private key"), ErrKeyUnavailable)
	}
	return &SigningKey{
		PrivateKey: privateKey,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// EnvKeyProvider reads keys from environment variables named prefix plus
// the upper-cased key ref, e.g. "deployer-1" -> LAUNCHPAD_KEY_DEPLOYER_1.
type EnvKeyProvider struct {
	prefix string
	lookup func(string) (string, bool)
}

func NewEnvKeyProvider(prefix string) *EnvKeyProvider {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return &EnvKeyProvider{prefix: prefix, lookup: os.LookupEnv}
}

func (p *EnvKeyProvider) VariableName(keyRef string) string {
	name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(keyRef))
	return p.prefix + name
}

func (p *EnvKeyProvider) GetSigningKey(ctx context.Context, keyRef string) (*SigningKey, error) {
	if keyRef == "" {
		return nil, errors.Mark(errors.New("key reference is empty"), ErrKeyUnavailable)
	}
	value, ok := p.lookup(p.VariableName(keyRef))
	if !ok || value == "" {
		return nil, errors.Mark(errors.Newf("no key configured for %q", keyRef), ErrKeyUnavailable)
	}
	return ParsePrivateKey(value)
}

// StaticKeyProvider serves keys registered in memory.
type StaticKeyProvider struct {
	mu   sync.RWMutex
	keys map[string]*SigningKey
}

func NewStaticKeyProvider() *StaticKeyProvider {
	return &StaticKeyProvider{keys: make(map[string]*SigningKey)}
}

func (p *StaticKeyProvider) Add(keyRef, hexKey string) (*SigningKey, error) {
	key, err := ParsePrivateKey(hexKey)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.keys[keyRef] = key
	p.mu.Unlock()
	return key, nil
}

func (p *StaticKeyProvider) GetSigningKey(ctx context.Context, keyRef string) (*SigningKey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	key, ok := p.keys[keyRef]
	if !ok {
		return nil, errors.Mark(errors.Newf("no key registered for %q", keyRef), ErrKeyUnavailable)
	}
	return key, nil
}
