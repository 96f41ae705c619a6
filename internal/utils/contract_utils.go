package utils

import (
	"encoding/hex"
	"math/big"
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// EncodeContractConstructorArgs ABI-encodes args against the constructor of
// abiJSON. Loosely typed values (decimal strings, hex strings, float64 from
// JSON) are coerced to the Go types the ABI packer expects.
func EncodeContractConstructorArgs(abiJSON string, args []any) ([]byte, error) {
	parsedABI, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse ABI")
	}

	constructor := parsedABI.Constructor
	if len(constructor.Inputs) > 0 && len(args) == 0 {
		return nil, errors.Newf("contract constructor requires %d arguments but none provided", len(constructor.Inputs))
	}
	if len(args) == 0 {
		return []byte{}, nil
	}

	processedArgs, err := processConstructorArgs(constructor.Inputs, args)
	if err != nil {
		return nil, errors.Wrap(err, "failed to process constructor arguments")
	}

	encodedArgs, err := constructor.Inputs.Pack(processedArgs...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode constructor arguments")
	}
	return encodedArgs, nil
}

func processConstructorArgs(inputs abi.Arguments, args []any) ([]any, error) {
	if len(args) != len(inputs) {
		return nil, errors.Newf("expected %d arguments, got %d", len(inputs), len(args))
	}

	processedArgs := make([]any, len(args))
	for i, input := range inputs {
		processedArg, err := processArg(input.Type, args[i])
		if err != nil {
			return nil, errors.Wrapf(err, "argument %d (%s)", i, input.Name)
		}
		processedArgs[i] = processedArg
	}
	return processedArgs, nil
}

func processArg(argType abi.Type, value any) (any, error) {
	switch argType.T {
	case abi.AddressTy:
		switch v := value.(type) {
		case string:
			if !common.IsHexAddress(v) {
				return nil, errors.Newf("invalid address: %s", v)
			}
			return common.HexToAddress(v), nil
		case common.Address:
			return v, nil
		default:
			return nil, errors.Newf("unsupported address type: %T", value)
		}

	case abi.UintTy, abi.IntTy:
		n, err := toBigInt(value)
		if err != nil {
			return nil, err
		}
		return fitInteger(argType, n)

	case abi.BoolTy:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			return strings.EqualFold(v, "true"), nil
		default:
			return nil, errors.Newf("unsupported bool type: %T", value)
		}

	case abi.StringTy:
		v, ok := value.(string)
		if !ok {
			return nil, errors.Newf("unsupported string type: %T", value)
		}
		return v, nil

	case abi.BytesTy, abi.FixedBytesTy:
		var raw []byte
		switch v := value.(type) {
		case string:
			decoded, err := hex.DecodeString(strings.TrimPrefix(v, "0x"))
			if err != nil {
				return nil, errors.Wrap(err, "invalid hex string")
			}
			raw = decoded
		case []byte:
			raw = v
		default:
			return nil, errors.Newf("unsupported bytes type: %T", value)
		}
		if argType.T == abi.BytesTy {
			return raw, nil
		}
		if len(raw) != argType.Size {
			return nil, errors.Newf("expected %d bytes, got %d", argType.Size, len(raw))
		}
		fixed := reflect.New(argType.GetType()).Elem()
		reflect.Copy(fixed, reflect.ValueOf(raw))
		return fixed.Interface(), nil

	case abi.ArrayTy, abi.SliceTy:
		slice, ok := value.([]any)
		if !ok {
			return nil, errors.Newf("expected array, got %T", value)
		}
		if argType.T == abi.ArrayTy && len(slice) != argType.Size {
			return nil, errors.Newf("expected %d elements, got %d", argType.Size, len(slice))
		}

		// the packer wants a typed slice, e.g. []common.Address, not []any
		out := reflect.MakeSlice(reflect.SliceOf(argType.Elem.GetType()), len(slice), len(slice))
		for i, elem := range slice {
			processed, err := processArg(*argType.Elem, elem)
			if err != nil {
				return nil, errors.Wrapf(err, "array element %d", i)
			}
			out.Index(i).Set(reflect.ValueOf(processed))
		}
		if argType.T == abi.SliceTy {
			return out.Interface(), nil
		}
		arr := reflect.New(argType.GetType()).Elem()
		reflect.Copy(arr, out)
		return arr.Interface(), nil

	default:
		return nil, errors.Newf("unsupported argument type: %v", argType)
	}
}

func toBigInt(value any) (*big.Int, error) {
	switch v := value.(type) {
	case string:
		if hexPart, ok := strings.CutPrefix(v, "0x"); ok {
			n, ok := new(big.Int).SetString(hexPart, 16)
			if !ok {
				return nil, errors.Newf("invalid integer: %s", v)
			}
			return n, nil
		}
		n, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return nil, errors.Newf("invalid integer: %s", v)
		}
		return n, nil
	case *big.Int:
		return v, nil
	case int:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case float64:
		if v != float64(int64(v)) {
			return nil, errors.Newf("non-integer number: %v", v)
		}
		return big.NewInt(int64(v)), nil
	default:
		return nil, errors.Newf("unsupported integer type: %T", value)
	}
}

// fitInteger converts n to the native Go type the packer requires for
// integer widths up to 64 bits; wider types stay *big.Int.
func fitInteger(argType abi.Type, n *big.Int) (any, error) {
	if argType.T == abi.UintTy && n.Sign() < 0 {
		return nil, errors.Newf("negative value %s for %s", n, argType)
	}
	bits := n.BitLen()
	if argType.T == abi.IntTy {
		bits++
	}
	if bits > argType.Size {
		return nil, errors.Newf("value %s overflows %s", n, argType)
	}

	switch argType.GetType().Kind() {
	case reflect.Uint8:
		return uint8(n.Uint64()), nil
	case reflect.Uint16:
		return uint16(n.Uint64()), nil
	case reflect.Uint32:
		return uint32(n.Uint64()), nil
	case reflect.Uint64:
		return n.Uint64(), nil
	case reflect.Int8:
		return int8(n.Int64()), nil
	case reflect.Int16:
		return int16(n.Int64()), nil
	case reflect.Int32:
		return int32(n.Int64()), nil
	case reflect.Int64:
		return n.Int64(), nil
	default:
		return n, nil
	}
}

// BuildDeploymentTransactionData returns the 0x-prefixed creation data:
// bytecode followed by the encoded constructor arguments.
func BuildDeploymentTransactionData(bytecode string, encodedConstructorArgs []byte) string {
	return "0x" + strings.TrimPrefix(bytecode, "0x") + hex.EncodeToString(encodedConstructorArgs)
}
