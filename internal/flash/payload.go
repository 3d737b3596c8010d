package flash

import (
	"fmt"
	"math/big"

	"github.com/alanyoungcy/vaultshift/internal/domain"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var payloadArgs = mustArguments("uint256", "uint256", "address", "address")

func mustArguments(types ...string) abi.Arguments {
	args := make(abi.Arguments, 0, len(types))
	for _, t := range types {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(err)
		}
		args = append(args, abi.Argument{Type: typ})
	}
	return args
}

// Payload is the callback data carried through the pool.
type Payload struct {
	PositionID       domain.PositionID
	MaxSlippageBps   uint32
	DestinationOwner common.Address
	CollateralOwner  common.Address
}

// PayloadFor extracts the callback payload from a request.
func PayloadFor(req domain.MigrationRequest) Payload {
	return Payload{
		PositionID:       req.PositionID,
		MaxSlippageBps:   req.MaxSlippageBps,
		DestinationOwner: req.DestinationOwner,
		CollateralOwner:  req.CollateralOwner,
	}
}

// EncodePayload ABI-encodes p as (uint256,uint256,address,address).
func EncodePayload(p Payload) ([]byte, error) {
	data, err := payloadArgs.Pack(
		new(big.Int).SetUint64(uint64(p.PositionID)),
		new(big.Int).SetUint64(uint64(p.MaxSlippageBps)),
		p.DestinationOwner,
		p.CollateralOwner,
	)
	if err != nil {
		return nil, fmt.Errorf("flash: encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload reverses EncodePayload.
func DecodePayload(data []byte) (Payload, error) {
	vals, err := payloadArgs.Unpack(data)
	if err != nil {
		return Payload{}, fmt.Errorf("flash: decode payload: %w", err)
	}
	if len(vals) != 4 {
		return Payload{}, fmt.Errorf("flash: decode payload: %d values", len(vals))
	}
	id, ok1 := vals[0].(*big.Int)
	bps, ok2 := vals[1].(*big.Int)
	dst, ok3 := vals[2].(common.Address)
	col, ok4 := vals[3].(common.Address)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Payload{}, fmt.Errorf("flash: decode payload: unexpected types")
	}
	if !id.IsUint64() || !bps.IsUint64() || bps.Uint64() > domain.MaxSlippageBps {
		return Payload{}, fmt.Errorf("flash: decode payload: value out of range")
	}
	return Payload{
		PositionID:       domain.PositionID(id.Uint64()),
		MaxSlippageBps:   uint32(bps.Uint64()),
		DestinationOwner: dst,
		CollateralOwner:  col,
	}, nil
}
