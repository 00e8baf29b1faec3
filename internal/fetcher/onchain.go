package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"moneymate/internal/registry"
)

const aggregatorABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// OnchainOptions parameterise the Chainlink feed reader.
type OnchainOptions struct {
	RPCURL string
	// Feeds maps currency code to a CODE/USD aggregator address.
	Feeds map[string]string
	// CryptoCodes marks feeds whose currency is a crypto asset.
	CryptoCodes []string
	MaxAge      time.Duration
	Timeout     time.Duration
}

// contractCaller is the slice of ethclient the reader needs.
type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Onchain reads USD-denominated Chainlink aggregators and reports units-per-USD rates.
type Onchain struct {
	opts      OnchainOptions
	logger    zerolog.Logger
	client    contractCaller
	clientMux sync.Mutex
	now       func() time.Time
}

// NewOnchain builds a Chainlink feed reader.
func NewOnchain(opts OnchainOptions, logger zerolog.Logger) *Onchain {
	return &Onchain{
		opts:   opts,
		logger: logger.With().Str("component", "onchain_fetcher").Logger(),
		now:    time.Now,
	}
}

// Name identifies the source.
func (o *Onchain) Name() string { return "chainlink" }

// FetchRates reads every configured feed. Stale or non-positive answers are skipped.
func (o *Onchain) FetchRates(ctx context.Context) (map[string]registry.Quote, error) {
	if o.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	if len(o.opts.Feeds) == 0 {
		return nil, errors.New("no chainlink feeds configured")
	}

	timeout := o.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := o.getClient(ctx)
	if err != nil {
		return nil, err
	}

	codes := make([]string, 0, len(o.opts.Feeds))
	for code := range o.opts.Feeds {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	quotes := make(map[string]registry.Quote, len(codes))
	var errs []error
	for _, code := range codes {
		q, err := o.readFeed(ctx, client, registry.NormalizeCode(code), common.HexToAddress(o.opts.Feeds[code]))
		if err != nil {
			o.logger.Warn().Err(err).Str("code", code).Msg("chainlink feed skipped")
			errs = append(errs, err)
			continue
		}
		quotes[q.Code] = q
	}

	if len(quotes) == 0 {
		return nil, fmt.Errorf("no chainlink feed produced a rate: %w", errors.Join(errs...))
	}
	return quotes, nil
}

func (o *Onchain) readFeed(ctx context.Context, client contractCaller, code string, addr common.Address) (registry.Quote, error) {
	decOut, err := o.call(ctx, client, addr, "decimals")
	if err != nil {
		return registry.Quote{}, err
	}
	decimals, ok := decOut[0].(uint8)
	if !ok {
		return registry.Quote{}, errors.New("failed to decode decimals output")
	}

	roundOut, err := o.call(ctx, client, addr, "latestRoundData")
	if err != nil {
		return registry.Quote{}, err
	}
	if len(roundOut) != 5 {
		return registry.Quote{}, errors.New("unexpected latestRoundData response")
	}
	answer, ok := roundOut[1].(*big.Int)
	if !ok {
		return registry.Quote{}, errors.New("failed to decode latestRoundData answer")
	}
	updatedRaw, ok := roundOut[3].(*big.Int)
	if !ok {
		return registry.Quote{}, errors.New("failed to decode latestRoundData updatedAt")
	}

	updatedAt := time.Unix(updatedRaw.Int64(), 0).UTC()
	if o.opts.MaxAge > 0 && o.now().Sub(updatedAt) > o.opts.MaxAge {
		return registry.Quote{}, fmt.Errorf("%s feed is stale: updated %s", code, updatedAt.Format(time.RFC3339))
	}

	usdPerUnit := decimal.NewFromBigInt(answer, -int32(decimals))
	if !usdPerUnit.IsPositive() {
		return registry.Quote{}, fmt.Errorf("%s feed returned non-positive answer %s", code, usdPerUnit)
	}

	return registry.Quote{
		Code:      code,
		Rate:      decimal.NewFromInt(1).DivRound(usdPerUnit, ratePrecision),
		IsCrypto:  o.isCrypto(code),
		Source:    o.Name(),
		UpdatedAt: updatedAt,
	}, nil
}

func (o *Onchain) isCrypto(code string) bool {
	for _, c := range o.opts.CryptoCodes {
		if registry.NormalizeCode(c) == code {
			return true
		}
	}
	return false
}

func (o *Onchain) call(ctx context.Context, client contractCaller, addr common.Address, method string) ([]any, error) {
	payload, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call: %w", method, err)
	}
	out, err := aggregatorABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("%s unpack: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return out, nil
}

func (o *Onchain) getClient(ctx context.Context) (contractCaller, error) {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()

	if o.client != nil {
		return o.client, nil
	}

	client, err := ethclient.DialContext(ctx, o.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	o.client = client
	return client, nil
}

var _ RateFetcher = (*Onchain)(nil)
