// Command gelcli is a thin example client: it opens a Client against
// one server, runs a single query, prints the result, and optionally
// serves /healthz + /metrics until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeelkantaria/gelclient"
	"github.com/jeelkantaria/gelclient/internal/config"
	"github.com/jeelkantaria/gelclient/internal/statusapi"
)

func main() {
	host := flag.String("host", "localhost", "server host")
	port := flag.Int("port", 5656, "server port")
	user := flag.String("user", "edgedb", "username")
	password := flag.String("password", "", "password")
	database := flag.String("database", "edgedb", "database name")
	tlsMode := flag.String("tls-security", "strict", "strict, no-host-verification, or insecure")
	caCertPath := flag.String("tls-ca-file", "", "path to a PEM CA bundle")
	query := flag.String("query", "select 1", "command to run on startup")
	statusAddr := flag.String("status-addr", "", "address to serve /healthz and /metrics on, e.g. :8080 (disabled if empty)")
	flag.Parse()

	slog.Info("gelcli starting", "host", *host, "port", *port, "database", *database)

	params := config.ConnectionParameters{
		Host:        *host,
		Port:        *port,
		Username:    *user,
		Password:    *password,
		Database:    *database,
		TLSSecurity: parseTLSSecurity(*tlsMode),
		CACertPath:  *caCertPath,
	}

	client, err := gelclient.Connect(params, gelclient.Options{})
	if err != nil {
		slog.Error("gelcli: connect failed", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	var statusServer *statusapi.Server
	if *statusAddr != "" {
		statusServer = statusapi.New(client.Pool(), client.Metrics().Registry)
		if err := statusServer.Start(*statusAddr); err != nil {
			slog.Error("gelcli: status server failed to start", "error", err)
			os.Exit(1)
		}
		slog.Info("gelcli: status server listening", "addr", *statusAddr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	rows, err := client.Query(ctx, *query, nil)
	cancel()
	if err != nil {
		slog.Error("gelcli: query failed", "error", err)
	} else {
		fmt.Printf("%v\n", rows)
	}

	if statusServer == nil {
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("gelcli: received signal, shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := statusServer.Stop(shutdownCtx); err != nil {
		slog.Error("gelcli: status server shutdown error", "error", err)
	}
}

func parseTLSSecurity(mode string) config.TLSSecurityMode {
	switch mode {
	case "insecure":
		return config.TLSInsecure
	case "no-host-verification":
		return config.TLSNoHostVerification
	default:
		return config.TLSStrict
	}
}
