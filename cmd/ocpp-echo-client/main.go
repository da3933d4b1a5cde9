// Command ocpp-echo-client dials an OCPP-RPC server, issues one call, prints
// the result, then disconnects. It mirrors the shape of the teacher's
// tools/examples client, adapted to OCPP's identity-in-path dialing scheme.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"time"

	rpc "github.com/ATL-Software/ocpp-rpc"
)

var (
	endpoint = flag.String("endpoint", "ws://localhost:9000", "server endpoint, without the identity segment")
	identity = flag.String("identity", "demo-client", "client identity")
	action   = flag.String("action", "Heartbeat", "action to call")
	params   = flag.String("params", "{}", "JSON object of call params")
)

func main() {
	flag.Parse()
	logger := rpc.StdLogger(log.New(log.Writer(), "ocpp-echo-client: ", log.LstdFlags))

	var p map[string]any
	if err := json.Unmarshal([]byte(*params), &p); err != nil {
		log.Fatalf("invalid -params: %v", err)
	}

	client := rpc.Dial(*identity, rpc.MethodMap{}, &rpc.ClientOptions{
		Endpoint:  *endpoint,
		Reconnect: true,
		Logger:    logger,
		Events: &rpc.Events{
			OnOpen: func(ev rpc.OpenEvent) { logger.Printf("open, protocol=%q", ev.Protocol) },
			OnClose: func(ev rpc.CloseEvent) {
				logger.Printf("closed: %d %s", ev.Code, ev.Reason)
			},
		},
	})
	defer client.Close(rpc.CloseOptions{Code: 1000, Reason: "done"})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rsp, err := client.Call(ctx, *action, p)
	if err != nil {
		log.Fatalf("call failed: %v", err)
	}
	var result map[string]any
	if err := rsp.UnmarshalResult(&result); err != nil {
		log.Fatalf("decoding result: %v", err)
	}
	logger.Printf("result: %+v", result)
}
