// Command ocpp-echo-server runs a minimal OCPP-RPC server that echoes back
// the params of every inbound CALL as its result, mirroring the shape of the
// teacher's tools/examples/jsonrpc2/server example but speaking OCPP framing.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"

	rpc "github.com/ATL-Software/ocpp-rpc"
)

var (
	addr = flag.String("addr", ":9000", "address to listen on")
)

func main() {
	flag.Parse()
	logger := rpc.StdLogger(log.New(log.Writer(), "ocpp-echo-server: ", log.LstdFlags))

	mux := rpc.MethodMap{
		rpc.WildcardMethod: func(ctx context.Context, req *rpc.Request) (any, error) {
			var params map[string]any
			if err := req.UnmarshalParams(&params); err != nil {
				return nil, rpc.Errorf(rpc.FormationViolation, "params must be a JSON object: %v", err)
			}
			logger.Printf("echoing %s %s", req.Method, string(req.Params()))
			return params, nil
		},
	}

	srv := rpc.NewServer(mux, &rpc.ServerOptions{
		Name:   "ocpp-echo-server",
		Logger: logger,
		Events: &rpc.Events{
			OnClient: func(ev rpc.ClientEvent) {
				logger.Printf("client %q connected from %s", ev.Identity, ev.Peer.Info().RemoteAddr)
			},
			OnUpgradeAborted: func(ev rpc.UpgradeAbortedEvent) {
				logger.Printf("upgrade aborted for %q: %v", ev.Identity, ev.Err)
			},
		},
	})

	logger.Printf("listening on %s", *addr)
	if err := http.ListenAndServe(*addr, srv); err != nil {
		log.Fatal(err)
	}
}
