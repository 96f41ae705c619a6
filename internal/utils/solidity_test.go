package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const counterSource = `// SPDX-License-Identifier: MIT
pragma solidity ^0.8.21;

import {Base} from "./Base.sol";

contract Counter is Base {
    uint256 public count;

    function increment() public {
        count += step;
    }
}
`

const baseSource = `// SPDX-License-Identifier: MIT
pragma solidity ^0.8.21;

contract Base {
    uint256 public step = 1;
}
`

func TestCompileSolidity(t *testing.T) {
	tests := []struct {
		name     string
		resolver ImportResolver
		wantErr  bool
	}{
		{
			name: "resolves imports",
			resolver: func(path string) (string, error) {
				return baseSource, nil
			},
		},
		{
			name:    "missing import",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CompileSolidity("0.8.27", counterSource, tt.resolver)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, got.Bytecode["Counter"])
			assert.NotNil(t, got.Abi["Counter"])
		})
	}
}
