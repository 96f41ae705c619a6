package notification

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/cockroachdb/errors"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
	"github.com/shopspring/decimal"
)

// TokenLookup is satisfied by services.TokenService.
type TokenLookup interface {
	GetToken(ctx context.Context, id string) (*models.Token, error)
	GetTokenByContractAddress(ctx context.Context, contractAddress string) (*models.Token, error)
}

type owner struct {
	TokenID   string `json:"token_id"`
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
	Symbol    string `json:"symbol"`
	Decimals  uint8  `json:"decimals"`
}

// amount renders a base-unit value in whole tokens.
func (o owner) amount(value string) string {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return value
	}
	return d.Shift(-int32(o.Decimals)).String()
}

// ownerCache memoizes token ownership, which never changes once a token
// exists.
type ownerCache struct {
	tokens TokenLookup
	cache  *bigcache.BigCache
}

func newOwnerCache(tokens TokenLookup, ttl time.Duration) (*ownerCache, error) {
	config := bigcache.DefaultConfig(ttl)
	config.Shards = 64
	config.MaxEntriesInWindow = 10000
	config.MaxEntrySize = 256
	config.Verbose = false
	cache, err := bigcache.New(context.Background(), config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create owner cache")
	}
	return &ownerCache{tokens: tokens, cache: cache}, nil
}

func (c *ownerCache) byToken(ctx context.Context, tokenID string) (owner, error) {
	if o, ok := c.get("token:" + tokenID); ok {
		return o, nil
	}
	token, err := c.tokens.GetToken(ctx, tokenID)
	if err != nil {
		return owner{}, err
	}
	return c.put(token), nil
}

func (c *ownerCache) byContract(ctx context.Context, address string) (owner, error) {
	key := "contract:" + strings.ToLower(address)
	if o, ok := c.get(key); ok {
		return o, nil
	}
	token, err := c.tokens.GetTokenByContractAddress(ctx, address)
	if err != nil {
		return owner{}, err
	}
	o := c.put(token)
	c.set(key, o)
	return o, nil
}

func (c *ownerCache) get(key string) (owner, bool) {
	raw, err := c.cache.Get(key)
	if err != nil {
		return owner{}, false
	}
	var o owner
	if err := json.Unmarshal(raw, &o); err != nil {
		return owner{}, false
	}
	return o, true
}

func (c *ownerCache) put(token *models.Token) owner {
	o := owner{
		TokenID:   token.ID,
		UserID:    token.UserID,
		ProjectID: token.ProjectID,
		Symbol:    token.Symbol,
		Decimals:  token.Decimals,
	}
	c.set("token:"+token.ID, o)
	return o
}

func (c *ownerCache) set(key string, o owner) {
	raw, err := json.Marshal(o)
	if err != nil {
		return
	}
	if err := c.cache.Set(key, raw); err != nil {
		log.Debug("failed to cache token owner", "key", key, "err", err)
	}
}

func (c *ownerCache) Close() error {
	return c.cache.Close()
}
