package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/theblock/blockwatch"
)

const WatchCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Block watch control.

The default urls are:
    rpc_url: http://localhost:9933
    ws_url: ws://localhost:9944

Usage:
    watchctl height [--rpc_url=<rpc_url>] [--jwt=<jwt>]
    watchctl status [--rpc_url=<rpc_url>] [--jwt=<jwt>]
    watchctl watch [--rpc_url=<rpc_url>] [--ws_url=<ws_url>] [--jwt=<jwt>]
        [--interval=<interval>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --rpc_url=<rpc_url>
    --ws_url=<ws_url>
    --jwt=<jwt>            Your node bearer JWT.
    --interval=<interval>  Refresh interval in seconds [default: 5].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], WatchCtlVersion)
	if err != nil {
		panic(err)
	}

	if height_, _ := opts.Bool("height"); height_ {
		height(opts)
	} else if status_, _ := opts.Bool("status"); status_ {
		status(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func rpcUrl(opts docopt.Opts) string {
	if rpcUrl, err := opts.String("--rpc_url"); err == nil && rpcUrl != "" {
		return rpcUrl
	}
	return "http://localhost:9933"
}

func wsUrl(opts docopt.Opts) string {
	if wsUrl, err := opts.String("--ws_url"); err == nil && wsUrl != "" {
		return wsUrl
	}
	return "ws://localhost:9944"
}

func newApi(ctx context.Context, opts docopt.Opts) (*blockwatch.NodeApi, *blockwatch.Store) {
	client := blockwatch.NewRpcClientWithDefaults(ctx, rpcUrl(opts))
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		client.SetByJwt(jwt)
		if byJwt, err := blockwatch.ParseByJwtUnverified(jwt); err == nil {
			Err.Printf("using network %s client %s", byJwt.NetworkName, byJwt.ClientId)
		}
	}
	store := blockwatch.NewStoreWithDefaults()
	return blockwatch.NewNodeApiWithDefaults(ctx, client, store), store
}

func height(opts docopt.Opts) {
	ctx := context.Background()
	api, _ := newApi(ctx, opts)

	result, err := api.GetBlockHeightSync()
	if err != nil {
		Err.Fatalf("height error = %s", err)
	}
	Out.Printf("%d", result.Height)
}

func status(opts docopt.Opts) {
	ctx := context.Background()
	api, _ := newApi(ctx, opts)

	if !api.HealthCheck() {
		Err.Fatalf("node unreachable at %s", rpcUrl(opts))
	}

	printStatus(api)
}

func printStatus(api *blockwatch.NodeApi) {
	if height, err := api.GetBlockHeightSync(); err == nil {
		Out.Printf("height:    %d", height.Height)
	}
	if finality, err := api.GetFinalityStatusSync(); err == nil {
		Out.Printf("finalized: %d", finality.FinalizedHeight)
	}
	if version, err := api.GetNodeVersionSync(); err == nil {
		Out.Printf("version:   %s", version)
	}
	if governor, err := api.GetGovernorStatusSync(); err == nil {
		Out.Printf("epoch:     %d (paused=%t)", governor.Epoch, governor.Paused)
	}
	if peers, err := api.GetPeerListSync(); err == nil {
		Out.Printf("peers:     %d", len(peers.Peers))
	}
	if market, err := api.GetMarketStatsSync(); err == nil {
		Out.Printf("market:    %d open jobs", market.OpenJobs)
	}
}

func watch(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	intervalSeconds, err := opts.Int("--interval")
	if err != nil || intervalSeconds <= 0 {
		intervalSeconds = 5
	}

	api, store := newApi(ctx, opts)

	errorBoundary := blockwatch.NewErrorBoundaryWithDefaults(ctx)
	errorBoundary.AddNotificationCallback(func(kind blockwatch.ErrorKind, userMessage string, count int) {
		Err.Printf("%s (x%d)", userMessage, count)
	})
	store.SetErrorBoundary(errorBoundary)

	jwt, _ := opts.String("--jwt")
	conn := blockwatch.NewNodeConnectionWithDefaults(ctx, wsUrl(opts), jwt)
	defer conn.Close()
	router := blockwatch.NewPushRouterWithDefaults(conn, store)
	defer router.Close()
	router.SetErrorBoundary(errorBoundary)

	for _, topic := range []string{"consensus.block_height", "governor.status", "market.stats"} {
		defer conn.Subscribe(topic)()
	}
	conn.Connect()

	// redraw in place on a tty, append lines otherwise
	isTerminal := term.IsTerminal(int(os.Stdout.Fd()))

	for {
		if isTerminal {
			fmt.Print("\033[H\033[2J")
		}
		connectionStatus := store.Get(blockwatch.ConnectionStatusKey, "connecting")
		Out.Printf("connection: %v", connectionStatus)
		printStatus(api)

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(intervalSeconds) * time.Second):
		}
	}
}
