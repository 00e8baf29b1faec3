package fetcher

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type fakeFeed struct {
	decimals  uint8
	answer    *big.Int
	updatedAt time.Time
}

type fakeCaller struct {
	feeds map[common.Address]fakeFeed
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	feed, ok := f.feeds[*msg.To]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	method, err := aggregatorABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "decimals":
		return method.Outputs.Pack(feed.decimals)
	case "latestRoundData":
		updated := big.NewInt(feed.updatedAt.Unix())
		return method.Outputs.Pack(big.NewInt(1), feed.answer, updated, updated, big.NewInt(1))
	}
	return nil, errors.New("unknown method")
}

const (
	eurFeed = "0xb49f677943BC038e9857d61E7d053CaA2C1734C1"
	gbpFeed = "0x5c0Ab2d9b5a7ed9f470386e82BB36A3613cDd4b5"
	btcFeed = "0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c"
)

func TestOnchainMissingConfig(t *testing.T) {
	o := NewOnchain(OnchainOptions{}, noopLogger())
	if _, err := o.FetchRates(context.Background()); err == nil {
		t.Fatal("missing rpc url should fail")
	}

	o = NewOnchain(OnchainOptions{RPCURL: "http://localhost"}, noopLogger())
	if _, err := o.FetchRates(context.Background()); err == nil {
		t.Fatal("missing feeds should fail")
	}
}

func TestOnchainFetchInvertsAnswer(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	o := NewOnchain(OnchainOptions{
		RPCURL: "http://localhost",
		Feeds:  map[string]string{"eur": eurFeed, "GBP": gbpFeed},
		MaxAge: time.Hour,
	}, noopLogger())
	o.now = func() time.Time { return now }
	o.client = &fakeCaller{feeds: map[common.Address]fakeFeed{
		common.HexToAddress(eurFeed): {decimals: 8, answer: big.NewInt(125000000), updatedAt: now.Add(-time.Minute)},
		common.HexToAddress(gbpFeed): {decimals: 8, answer: big.NewInt(125000000), updatedAt: now.Add(-2 * time.Hour)},
	}}

	quotes, err := o.FetchRates(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := quotes["GBP"]; ok {
		t.Fatal("stale GBP feed should be skipped")
	}
	eur, ok := quotes["EUR"]
	if !ok {
		t.Fatalf("EUR missing from %v", quotes)
	}
	if !eur.Rate.Equal(decimal.RequireFromString("0.8")) {
		t.Fatalf("EUR rate should be 1/1.25, got %s", eur.Rate)
	}
	if eur.Source != "chainlink" || !eur.UpdatedAt.Equal(now.Add(-time.Minute)) {
		t.Fatalf("unexpected quote metadata %#v", eur)
	}
}

func TestOnchainAllFeedsFailing(t *testing.T) {
	o := NewOnchain(OnchainOptions{
		RPCURL: "http://localhost",
		Feeds:  map[string]string{"EUR": eurFeed},
	}, noopLogger())
	o.client = &fakeCaller{feeds: map[common.Address]fakeFeed{
		common.HexToAddress(eurFeed): {decimals: 8, answer: big.NewInt(0), updatedAt: time.Now()},
	}}

	if _, err := o.FetchRates(context.Background()); err == nil {
		t.Fatal("a non-positive answer on every feed should fail")
	}
}

func TestOnchainMarksCryptoFeeds(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	o := NewOnchain(OnchainOptions{
		RPCURL:      "http://localhost",
		Feeds:       map[string]string{"EUR": eurFeed, "BTC": btcFeed},
		CryptoCodes: []string{"btc"},
	}, noopLogger())
	o.now = func() time.Time { return now }
	o.client = &fakeCaller{feeds: map[common.Address]fakeFeed{
		common.HexToAddress(eurFeed): {decimals: 8, answer: big.NewInt(125000000), updatedAt: now},
		common.HexToAddress(btcFeed): {decimals: 8, answer: big.NewInt(6500000000000), updatedAt: now},
	}}

	quotes, err := o.FetchRates(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	btc, ok := quotes["BTC"]
	if !ok {
		t.Fatalf("BTC missing from %v", quotes)
	}
	if !btc.IsCrypto {
		t.Fatal("BTC feed should be marked as crypto")
	}
	if !btc.Rate.Mul(decimal.NewFromInt(65000)).Round(10).Equal(decimal.NewFromInt(1)) {
		t.Fatalf("BTC rate should be 1/65000, got %s", btc.Rate)
	}
	if quotes["EUR"].IsCrypto {
		t.Fatal("EUR feed is not crypto")
	}
}
