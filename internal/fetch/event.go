package fetch

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/yourorg/twap-feed/internal/model"
)

// SpotEntryEventName is the oracle event carrying price submissions.
const SpotEntryEventName = "SubmittedSpotEntry"

const oracleABI = `[{
	"anonymous": false,
	"name": "SubmittedSpotEntry",
	"type": "event",
	"inputs": [
		{"indexed": true,  "name": "pairId",    "type": "bytes32"},
		{"indexed": false, "name": "timestamp", "type": "uint256"},
		{"indexed": false, "name": "source",    "type": "bytes32"},
		{"indexed": false, "name": "publisher", "type": "bytes32"},
		{"indexed": false, "name": "price",     "type": "uint256"},
		{"indexed": false, "name": "volume",    "type": "uint256"}
	]
}]`

// ErrMalformedLog indicates a log that cannot be decoded as a spot entry.
var ErrMalformedLog = errors.New("malformed spot entry log")

var (
	parsedABI = func() abi.ABI {
		parsed, err := abi.JSON(strings.NewReader(oracleABI))
		if err != nil {
			panic(fmt.Sprintf("invalid oracle ABI: %v", err))
		}
		return parsed
	}()

	spotEntryEvent = parsedABI.Events[SpotEntryEventName]

	// SpotEntryTopic is the topic0 of SubmittedSpotEntry logs.
	SpotEntryTopic = spotEntryEvent.ID
)

// EncodePairID packs a short ASCII pair identifier into a right-padded bytes32.
func EncodePairID(pairID string) (common.Hash, error) {
	if len(pairID) > common.HashLength {
		return common.Hash{}, fmt.Errorf("pair id %q longer than %d bytes", pairID, common.HashLength)
	}
	var h common.Hash
	copy(h[:], pairID)
	return h, nil
}

// DecodeBytes32 reverses EncodePairID for any right-padded bytes32 string.
func DecodeBytes32(b [32]byte) string {
	return string(bytes.TrimRight(b[:], "\x00"))
}

// DecodeSpotEntry converts a SubmittedSpotEntry log into an observation.
func DecodeSpotEntry(log types.Log) (model.Observation, error) {
	if len(log.Topics) < 2 || log.Topics[0] != SpotEntryTopic {
		return model.Observation{}, fmt.Errorf("%w: unexpected topics in tx %s", ErrMalformedLog, log.TxHash.Hex())
	}

	fields := make(map[string]interface{})
	if err := spotEntryEvent.Inputs.NonIndexed().UnpackIntoMap(fields, log.Data); err != nil {
		return model.Observation{}, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}

	timestamp, ok := fields["timestamp"].(*big.Int)
	if !ok || !timestamp.IsUint64() {
		return model.Observation{}, fmt.Errorf("%w: timestamp out of range", ErrMalformedLog)
	}
	price, err := toUint256(fields["price"], "price")
	if err != nil {
		return model.Observation{}, err
	}
	volume, err := toUint256(fields["volume"], "volume")
	if err != nil {
		return model.Observation{}, err
	}
	source, _ := fields["source"].([32]byte)
	publisher, _ := fields["publisher"].([32]byte)

	return model.Observation{
		Timestamp:   timestamp.Uint64(),
		Price:       price,
		Source:      DecodeBytes32(source),
		Publisher:   DecodeBytes32(publisher),
		PairID:      DecodeBytes32(log.Topics[1]),
		Volume:      volume,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash.Hex(),
	}, nil
}

// EncodeSpotEntry builds the log a contract would emit for obs. It backs
// local fixtures and tests.
func EncodeSpotEntry(contract common.Address, obs model.Observation) (types.Log, error) {
	pair, err := EncodePairID(obs.PairID)
	if err != nil {
		return types.Log{}, err
	}
	source, err := EncodePairID(obs.Source)
	if err != nil {
		return types.Log{}, err
	}
	publisher, err := EncodePairID(obs.Publisher)
	if err != nil {
		return types.Log{}, err
	}

	data, err := spotEntryEvent.Inputs.NonIndexed().Pack(
		new(big.Int).SetUint64(obs.Timestamp),
		[32]byte(source),
		[32]byte(publisher),
		obs.Price.ToBig(),
		obs.Volume.ToBig(),
	)
	if err != nil {
		return types.Log{}, fmt.Errorf("failed to pack spot entry: %w", err)
	}

	return types.Log{
		Address:     contract,
		Topics:      []common.Hash{SpotEntryTopic, pair},
		Data:        data,
		BlockNumber: obs.BlockNumber,
		TxHash:      common.HexToHash(obs.TxHash),
	}, nil
}

func toUint256(v interface{}, field string) (uint256.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return uint256.Int{}, fmt.Errorf("%w: missing %s", ErrMalformedLog, field)
	}
	value, overflow := uint256.FromBig(b)
	if overflow {
		return uint256.Int{}, fmt.Errorf("%w: %s overflows 256 bits", ErrMalformedLog, field)
	}
	return *value, nil
}
