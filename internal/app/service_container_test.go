package app

import (
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"otc-backend/internal/config"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chainOnlyNode answers eth_chainId and nothing else
type chainOnlyNode struct{ id int64 }

func (n *chainOnlyNode) ChainId() *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(n.id))
}

// wsNode serves JSON-RPC over websocket; the returned channel closes when the client hangs up
func wsNode(t *testing.T, chainID int64) (string, <-chan struct{}) {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", &chainOnlyNode{id: chainID}))

	disconnected := make(chan struct{})
	ws := server.WebsocketHandler([]string{"*"})
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.ServeHTTP(w, r)
		close(disconnected)
	}))
	t.Cleanup(func() {
		httpServer.Close()
		server.Stop()
	})
	return "ws://" + strings.TrimPrefix(httpServer.URL, "http://"), disconnected
}

func TestBuildContainerReleasesLedgerWhenClientsFail(t *testing.T) {
	endpoint, disconnected := wsNode(t, 31337)

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Blockchain.ChainID = 31337
	cfg.Blockchain.RPCEndpoints = []string{endpoint}
	cfg.Keys.FacilitatorPrivateKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	cfg.Rate.DefaultUSDPerEUR = "not-a-rate"

	container, err := buildContainer(cfg)
	require.Error(t, err)
	assert.Nil(t, container)

	var cfgErr *config.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "rate.defaultUsdPerEur", cfgErr.Field)

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("ledger connection left open after a failed build")
	}
}

func TestCleanupToleratesPartialContainer(t *testing.T) {
	assert.NotPanics(t, func() {
		(&ServiceContainer{}).Cleanup()
	})
}
