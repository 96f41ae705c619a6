// Package verifier publishes deployed contract sources to Etherscan-style
// block explorers.
package verifier

import (
	"context"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rxtech-lab/launchpad-deployer/internal/ledger"
	"github.com/rxtech-lab/launchpad-deployer/internal/logging"
	"github.com/tidwall/gjson"
	"gopkg.in/h2non/gentleman.v2"
	"gopkg.in/h2non/gentleman.v2/plugins/timeout"
)

var log = logging.New("verifier")

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultMaxAttempts    = 24
	DefaultSubmitAttempts = 3
	DefaultOptimizerRuns  = 200
	requestTimeout        = 30 * time.Second
)

// ErrRejected is returned when the explorer answers with a definitive
// failure, as opposed to a timeout or transport error.
var ErrRejected = errors.New("explorer rejected verification")

// compilerReleases maps bare solc versions to the long form explorers expect.
var compilerReleases = map[string]string{
	"0.8.19": "v0.8.19+commit.7dd6d404",
	"0.8.20": "v0.8.20+commit.a1b79de6",
	"0.8.24": "v0.8.24+commit.e11b9ed9",
	"0.8.26": "v0.8.26+commit.8a97fa7a",
	"0.8.28": "v0.8.28+commit.7893614a",
}

type Request struct {
	Network         ledger.Network
	ContractAddress string
	ContractName    string
	SourceCode      string
	CompilerVersion string
	ConstructorArgs []byte
}

type Result struct {
	GUID    string
	Message string
}

type Verifier interface {
	// Supports reports whether req can be verified at all.
	Supports(req Request) bool
	Verify(ctx context.Context, req Request) (Result, error)
}

type EtherscanConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	SubmitAttempts int           `mapstructure:"submit_attempts" yaml:"submit_attempts"`
}

type EtherscanVerifier struct {
	pollInterval   time.Duration
	maxAttempts    int
	submitAttempts int
}

func NewEtherscanVerifier(cfg EtherscanConfig) *EtherscanVerifier {
	v := &EtherscanVerifier{
		pollInterval:   cfg.PollInterval,
		maxAttempts:    cfg.MaxAttempts,
		submitAttempts: cfg.SubmitAttempts,
	}
	if v.pollInterval <= 0 {
		v.pollInterval = DefaultPollInterval
	}
	if v.maxAttempts <= 0 {
		v.maxAttempts = DefaultMaxAttempts
	}
	if v.submitAttempts <= 0 {
		v.submitAttempts = DefaultSubmitAttempts
	}
	return v
}

func (v *EtherscanVerifier) Supports(req Request) bool {
	return req.Network.SupportsVerification() && req.SourceCode != "" && req.ContractName != ""
}

// CompilerVersion expands "0.8.24" to "v0.8.24+commit.e11b9ed9". Unknown
// versions only gain the "v" prefix.
func CompilerVersion(version string) string {
	if strings.Contains(version, "+commit.") {
		if !strings.HasPrefix(version, "v") {
			return "v" + version
		}
		return version
	}
	bare := strings.TrimPrefix(version, "v")
	if long, ok := compilerReleases[bare]; ok {
		return long
	}
	return "v" + bare
}

func (v *EtherscanVerifier) client(network ledger.Network) *gentleman.Client {
	cli := gentleman.New().URL(network.ExplorerAPIURL)
	cli.Use(timeout.Request(requestTimeout))
	return cli
}

// request starts a request that is aborted when ctx is done.
func request(ctx context.Context, cli *gentleman.Client) *gentleman.Request {
	r := cli.Request()
	r.Context.Request = r.Context.Request.WithContext(ctx)
	return r
}

func (v *EtherscanVerifier) Verify(ctx context.Context, req Request) (Result, error) {
	if !v.Supports(req) {
		return Result{}, errors.Newf("verification not supported for %s", req.Network.Name)
	}
	cli := v.client(req.Network)

	guid, err := v.submit(ctx, cli, req)
	if err != nil {
		return Result{}, err
	}
	if guid == "" {
		return Result{Message: "Already Verified"}, nil
	}
	log.Info("verification submitted", "network", req.Network.Name, "contract", req.ContractAddress, "guid", guid)

	for attempt := 0; attempt < v.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return Result{GUID: guid}, errors.WithStack(ctx.Err())
		case <-time.After(v.pollInterval):
		}

		done, message, err := v.checkStatus(ctx, cli, req.Network, guid)
		if done {
			return Result{GUID: guid, Message: message}, err
		}
		if err != nil {
			log.Warn("verification status check failed", "guid", guid, "err", err)
		}
	}
	return Result{GUID: guid}, errors.Newf("verification %s still pending after %d checks", guid, v.maxAttempts)
}

// submit returns the explorer's guid, or "" when the source was already
// verified.
func (v *EtherscanVerifier) submit(ctx context.Context, cli *gentleman.Client, req Request) (string, error) {
	form := url.Values{}
	form.Set("apikey", req.Network.ExplorerAPIKey)
	form.Set("module", "contract")
	form.Set("action", "verifysourcecode")
	form.Set("contractaddress", req.ContractAddress)
	form.Set("sourceCode", req.SourceCode)
	form.Set("codeformat", "solidity-single-file")
	form.Set("contractname", req.ContractName)
	form.Set("compilerversion", CompilerVersion(req.CompilerVersion))
	// sources are compiled without the optimizer
	form.Set("optimizationUsed", "0")
	form.Set("runs", strconv.Itoa(DefaultOptimizerRuns))
	// the misspelling is the explorer's parameter name
	form.Set("constructorArguements", hex.EncodeToString(req.ConstructorArgs))
	if req.Network.ChainID != nil {
		form.Set("chainid", req.Network.ChainID.String())
	}

	var lastErr error
	for attempt := 0; attempt < v.submitAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", errors.WithStack(ctx.Err())
			case <-time.After(v.pollInterval):
			}
		}

		r := request(ctx, cli)
		r.Method("POST")
		r.SetHeader("Content-Type", "application/x-www-form-urlencoded")
		r.BodyString(form.Encode())
		resp, err := r.Send()
		if err != nil {
			if ctx.Err() != nil {
				return "", errors.WithStack(ctx.Err())
			}
			lastErr = errors.Wrap(err, "failed to submit verification")
			continue
		}
		if !resp.Ok {
			lastErr = errors.Newf("explorer returned %d: %s", resp.StatusCode, resp.String())
			continue
		}

		body := resp.String()
		status := gjson.Get(body, "status").String()
		result := gjson.Get(body, "result").String()
		if status == "1" {
			return result, nil
		}
		if strings.Contains(strings.ToLower(result), "already verified") {
			return "", nil
		}
		// the explorer may not have indexed the contract yet
		if strings.Contains(strings.ToLower(result), "unable to locate contractcode") {
			lastErr = errors.Newf("explorer has not indexed %s yet", req.ContractAddress)
			continue
		}
		return "", errors.Mark(errors.Newf("verification rejected: %s", result), ErrRejected)
	}
	return "", lastErr
}

func (v *EtherscanVerifier) checkStatus(ctx context.Context, cli *gentleman.Client, network ledger.Network, guid string) (bool, string, error) {
	r := request(ctx, cli)
	r.Method("GET")
	r.AddQuery("apikey", network.ExplorerAPIKey)
	r.AddQuery("module", "contract")
	r.AddQuery("action", "checkverifystatus")
	r.AddQuery("guid", guid)
	if network.ChainID != nil {
		r.AddQuery("chainid", network.ChainID.String())
	}
	resp, err := r.Send()
	if err != nil {
		return false, "", errors.Wrap(err, "failed to check verification status")
	}
	if !resp.Ok {
		return false, "", errors.Newf("explorer returned %d", resp.StatusCode)
	}

	body := resp.String()
	result := gjson.Get(body, "result").String()
	lower := strings.ToLower(result)
	switch {
	case strings.Contains(lower, "pending"):
		return false, result, nil
	case gjson.Get(body, "status").String() == "1", strings.Contains(lower, "already verified"):
		return true, result, nil
	default:
		return true, result, errors.Mark(errors.Newf("verification failed: %s", result), ErrRejected)
	}
}
