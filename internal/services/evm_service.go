package services

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
	"github.com/rxtech-lab/launchpad-deployer/internal/utils"
	"github.com/shopspring/decimal"
)

// DeploymentPayload is the contract-creation input for one token.
type DeploymentPayload struct {
	// Data is bytecode followed by the encoded constructor arguments.
	Data []byte
	// ConstructorArgs is the encoded argument tail on its own, as explorers
	// expect it for source verification.
	ConstructorArgs []byte
	Abi             abi.ABI
	CompilerVersion string
}

type EvmService interface {
	// BuildDeploymentPayload compiles (when the token carries source) and
	// encodes the constructor of a token. deployer fills owner arguments the
	// token does not set.
	BuildDeploymentPayload(token *models.Token, deployer common.Address) (*DeploymentPayload, error)
}

type payloadArgs struct {
	ContractName string `validate:"required_with=SourceCode"`
	SourceCode   string
	Abi          string `validate:"required_without=SourceCode"`
	Bytecode     string `validate:"required_without=SourceCode"`
}

type evmService struct {
	validator *validator.Validate
	compile   func(version, code string) (utils.CompilationResult, error)
}

func NewEvmService() EvmService {
	return &evmService{
		validator: validator.New(),
		compile: func(version, code string) (utils.CompilationResult, error) {
			return utils.CompileSolidity(version, code, nil)
		},
	}
}

func (s *evmService) BuildDeploymentPayload(token *models.Token, deployer common.Address) (*DeploymentPayload, error) {
	err := s.validator.Struct(payloadArgs{
		ContractName: token.ContractName,
		SourceCode:   token.SourceCode,
		Abi:          token.Abi,
		Bytecode:     token.Bytecode,
	})
	if err != nil {
		return nil, err
	}

	abiJSON, bytecode, version := token.Abi, token.Bytecode, token.CompilerVersion
	if token.SourceCode != "" {
		if version == "" {
			version = utils.DefaultSolidityVersion
		}
		abiJSON, bytecode, err = s.compileToken(token, version)
		if err != nil {
			return nil, err
		}
	}

	parsedABI, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse ABI")
	}

	args := token.ConstructorArgs
	if len(args) == 0 {
		args, err = deriveConstructorArgs(parsedABI.Constructor.Inputs, token, deployer)
		if err != nil {
			return nil, err
		}
	}

	encodedArgs, err := utils.EncodeContractConstructorArgs(abiJSON, args)
	if err != nil {
		return nil, err
	}

	return &DeploymentPayload{
		Data:            common.FromHex(utils.BuildDeploymentTransactionData(bytecode, encodedArgs)),
		ConstructorArgs: encodedArgs,
		Abi:             parsedABI,
		CompilerVersion: version,
	}, nil
}

func (s *evmService) compileToken(token *models.Token, version string) (string, string, error) {
	result, err := s.compile(version, token.SourceCode)
	if err != nil {
		return "", "", err
	}
	bytecode, ok := result.Bytecode[token.ContractName]
	if !ok {
		return "", "", errors.Newf("contract %s not found in compilation result", token.ContractName)
	}
	abiBytes, err := json.Marshal(result.Abi[token.ContractName])
	if err != nil {
		return "", "", errors.Wrap(err, "failed to marshal ABI")
	}
	return string(abiBytes), bytecode, nil
}

// deriveConstructorArgs maps constructor inputs to token fields by name,
// e.g. _name, symbol, decimals, initialSupply, initialOwner.
func deriveConstructorArgs(inputs abi.Arguments, token *models.Token, deployer common.Address) ([]any, error) {
	args := make([]any, 0, len(inputs))
	for _, input := range inputs {
		switch strings.ToLower(strings.TrimLeft(input.Name, "_")) {
		case "name", "tokenname":
			args = append(args, token.Name)
		case "symbol", "tokensymbol":
			args = append(args, token.Symbol)
		case "decimals":
			args = append(args, uint64(token.Decimals))
		case "initialsupply", "totalsupply", "supply", "initialamount":
			supply, err := ScaleSupply(token.InitialSupply, token.Decimals)
			if err != nil {
				return nil, err
			}
			args = append(args, supply)
		case "owner", "initialowner", "admin", "recipient":
			if token.Owner != "" {
				args = append(args, token.Owner)
			} else {
				args = append(args, deployer.Hex())
			}
		default:
			return nil, errors.Newf("cannot derive constructor argument %q from token configuration", input.Name)
		}
	}
	return args, nil
}

// ScaleSupply converts a whole-token amount such as "1000.5" into base
// units as a decimal string.
func ScaleSupply(amount string, decimals uint8) (string, error) {
	if amount == "" {
		amount = "0"
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return "", errors.Wrapf(err, "invalid supply %q", amount)
	}
	if d.IsNegative() {
		return "", errors.Newf("negative supply %q", amount)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return "", errors.Newf("supply %q has more than %d decimal places", amount, decimals)
	}
	return scaled.BigInt().String(), nil
}
