package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/giterlab/ncoap"
)

var (
	listenAddr string
	verbose    bool
)

// rootCmd listens on a UDP socket and prints each decoded request for the
// root path (empty Uri-Path), answering it with 2.05 Content, exercising
// the dispatcher and codec end to end without being part of the core's
// public API surface. Requests for other paths are answered 4.04 by the
// dispatcher and are not printed.
var rootCmd = &cobra.Command{
	Use:   "coap-dump",
	Short: "listen on a UDP socket and print CoAP requests for the root path",
	RunE: func(_ *cobra.Command, _ []string) error {
		ncoap.Debug(verbose)

		cfg := ncoap.DefaultConfig()
		metrics := ncoap.NewMetrics("coap_dump")

		ep, err := ncoap.ListenAndServe("udp", listenAddr, cfg, metrics, registerDumpHandler)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", listenAddr, err)
		}

		fmt.Printf("coap-dump listening on %s\n", listenAddr)

		sigStop := make(chan os.Signal, 1)
		signal.Notify(sigStop, syscall.SIGINT, syscall.SIGTERM)
		<-sigStop

		return ep.Shutdown()
	},
}

func registerDumpHandler(ep *ncoap.Endpoint) {
	ep.RegisterService("", ncoap.FuncHandler(func(remote net.Addr, req *ncoap.Request) *ncoap.Response {
		fmt.Printf("%s %s /%s from %s (%d bytes)\n", req.Type, req.Code, req.PathString(), remote, len(req.Payload))
		resp, err := ncoap.NewResponse(ncoap.Confirmable, ncoap.Content, req.MessageID)
		if err != nil {
			return nil
		}
		return resp
	}))
}

func main() {
	rootCmd.Flags().StringVar(&listenAddr, "listen", ":5683", "UDP address to listen on")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "enable trace-level logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
