package utils

import (
	"github.com/cockroachdb/errors"
	"github.com/rxtech-lab/solc-go"
)

const DefaultSolidityVersion = "0.8.24"

type CompilationResult struct {
	Bytecode map[string]string
	Abi      map[string]any
}

// ImportResolver returns the source of an imported file, e.g. an
// @openzeppelin path.
type ImportResolver func(path string) (string, error)

// CompileSolidity compiles a single-file contract and returns bytecode and
// ABI per contract name.
func CompileSolidity(version string, code string, resolver ImportResolver) (CompilationResult, error) {
	if version == "" {
		version = DefaultSolidityVersion
	}
	compiler, err := solc.NewWithVersion(version)
	if err != nil {
		return CompilationResult{}, errors.Wrapf(err, "failed to load solc %s", version)
	}

	opts := solc.CompileOptions{
		ImportCallback: func(u string) solc.ImportResult {
			if resolver == nil {
				return solc.ImportResult{Error: "Import " + u + " not found"}
			}
			content, err := resolver(u)
			if err != nil {
				return solc.ImportResult{Error: err.Error()}
			}
			return solc.ImportResult{Contents: content}
		},
	}
	result, err := compiler.CompileWithOptions(&solc.Input{
		Language: "Solidity",
		Sources: map[string]solc.SourceIn{
			"contract.sol": {
				Content: code,
			},
		},
		Settings: solc.Settings{
			OutputSelection: map[string]map[string][]string{
				"*": {
					"*": []string{"abi", "evm.bytecode"},
				},
			},
		},
	}, &opts)
	if err != nil {
		return CompilationResult{}, err
	}
	if len(result.Errors) > 0 {
		return CompilationResult{}, errors.Newf("compilation errors: %v", result.Errors)
	}

	compiled := CompilationResult{
		Bytecode: make(map[string]string),
		Abi:      make(map[string]any),
	}
	for contractName, contract := range result.Contracts["contract.sol"] {
		compiled.Bytecode[contractName] = contract.EVM.Bytecode.Object
		compiled.Abi[contractName] = contract.ABI
	}
	return compiled, nil
}
