package swap

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type fakeChain struct {
	code     []byte
	err      error
	codeCall int
}

func (f *fakeChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	f.codeCall++
	return f.code, f.err
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return 1234, nil }

var tokens = map[string]string{
	"CELO": "0x471ece3750da237f93b8e339c536989b8978a438",
	"cCOP": "0x8A567e2aE79CA692Bd748aB832081C45de4041eA",
}

func TestZeroAddressIsPendingWithoutRPC(t *testing.T) {
	chain := &fakeChain{code: []byte{0x60}}
	insp, err := NewInspector(Options{Network: "celo", FeePercent: decimal.NewFromFloat(0.5), Tokens: tokens}, zerolog.Nop(), WithChainReader(chain))
	if err != nil {
		t.Fatalf("new inspector: %v", err)
	}

	info := insp.Info(context.Background())
	if info.Status != StatusPendingDeploy {
		t.Fatalf("expected pending_deploy, got %s", info.Status)
	}
	if chain.codeCall != 0 {
		t.Fatal("zero address must not be probed")
	}
	if info.Tokens["celo"] != "0x471EcE3750Da237f93B8E339c536989b8978a438" {
		t.Fatalf("token address not checksummed: %s", info.Tokens["celo"])
	}
}

func TestDeployedWhenCodePresent(t *testing.T) {
	chain := &fakeChain{code: []byte{0x60, 0x80}}
	insp, err := NewInspector(Options{Address: "0x1111111111111111111111111111111111111111"}, zerolog.Nop(), WithChainReader(chain))
	if err != nil {
		t.Fatalf("new inspector: %v", err)
	}

	info := insp.Info(context.Background())
	if info.Status != StatusDeployed {
		t.Fatalf("expected deployed, got %s", info.Status)
	}
	if info.Block != 1234 {
		t.Fatalf("expected block 1234, got %d", info.Block)
	}
}

func TestProbeFailureKeepsStaticStatus(t *testing.T) {
	chain := &fakeChain{err: errors.New("rpc down")}
	insp, err := NewInspector(Options{Address: "0x1111111111111111111111111111111111111111"}, zerolog.Nop(), WithChainReader(chain))
	if err != nil {
		t.Fatalf("new inspector: %v", err)
	}
	if got := insp.Info(context.Background()).Status; got != StatusPendingDeploy {
		t.Fatalf("expected pending_deploy on failure, got %s", got)
	}
}

func TestInvalidAddresses(t *testing.T) {
	if _, err := NewInspector(Options{Address: "0x123"}, zerolog.Nop()); err == nil {
		t.Fatal("short contract address should fail")
	}
	if _, err := NewInspector(Options{Tokens: map[string]string{"ccop": "nope"}}, zerolog.Nop()); err == nil {
		t.Fatal("bad token address should fail")
	}
}

func TestDialDoesNotHoldClientLock(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var dials atomic.Int32
	chain := &fakeChain{code: []byte{0x60}}

	insp, err := NewInspector(Options{
		RPCURL:  "ws://celo.invalid",
		Address: "0x1111111111111111111111111111111111111111",
	}, zerolog.Nop(), WithDialer(func(ctx context.Context, rawURL string) (ChainReader, error) {
		if dials.Add(1) == 1 {
			close(entered)
			<-release
		}
		return chain, nil
	}))
	if err != nil {
		t.Fatalf("new inspector: %v", err)
	}

	done := make(chan ContractInfo)
	go func() { done <- insp.Info(context.Background()) }()

	<-entered
	if !insp.clientMux.TryLock() {
		close(release)
		t.Fatal("client lock held while dialing")
	}
	insp.clientMux.Unlock()
	close(release)

	if info := <-done; info.Status != StatusDeployed {
		t.Fatalf("expected deployed, got %s", info.Status)
	}
	insp.Info(context.Background())
	if got := dials.Load(); got != 1 {
		t.Fatalf("client should be reused, dialed %d times", got)
	}
}

type closingChain struct {
	fakeChain
	closed bool
}

func (c *closingChain) Close() { c.closed = true }

func TestConcurrentDialKeepsFirstClient(t *testing.T) {
	stored := &fakeChain{code: []byte{0x60}}
	late := &closingChain{}
	var insp *Inspector
	insp, err := NewInspector(Options{RPCURL: "ws://celo.invalid"}, zerolog.Nop(), WithDialer(func(ctx context.Context, rawURL string) (ChainReader, error) {
		// another caller finished dialing first
		insp.clientMux.Lock()
		insp.client = stored
		insp.clientMux.Unlock()
		return late, nil
	}))
	if err != nil {
		t.Fatalf("new inspector: %v", err)
	}

	got, err := insp.getClient(context.Background())
	if err != nil {
		t.Fatalf("get client: %v", err)
	}
	if got != ChainReader(stored) {
		t.Fatal("expected the already stored client")
	}
	if !late.closed {
		t.Fatal("losing client should be closed")
	}
}
