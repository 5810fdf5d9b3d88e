package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/golang/glog"

	"github.com/bringyour/kittens/kitten"
)

const LocalVersion = "0.0.0-local"

const DefaultPort = 6565

func main() {
	usage := fmt.Sprintf(
		`Kitten hub.

Serves the kitten stream at the stream path (default %s),
publishes changes posted to /change, and reports /status and /snapshot.

Usage:
    kittend serve [--port=<port>] [--config=<config>] [--v=<level>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --config=<config>    Yaml config. The hub section is used.
    --v=<level>          Log verbosity [default: 0].
    -p --port=<port>     Listen port. Defaults to the config port, then 6565.`,
		kitten.DefaultStreamPath,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	initGlog(opts)

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func initGlog(opts docopt.Opts) {
	flag.Set("logtostderr", "true")
	if level, err := opts.String("--v"); err == nil {
		flag.Set("v", level)
	}
}

func serve(opts docopt.Opts) {
	config := &kitten.Config{}
	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		config, err = kitten.LoadConfig(configPath)
		if err != nil {
			panic(err)
		}
	}

	port := config.Hub.Port
	if port == 0 {
		port = DefaultPort
	}
	if port_, err := opts.Int("--port"); err == nil {
		port = port_
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	settings := config.Hub.ServerSettings()
	settings.Registerer = registry

	server := kitten.NewServer(ctx, config.Hub.Roster(), settings)
	defer server.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", server)

	fmt.Printf("version: %s\n", server.Version())
	fmt.Printf(
		"Hub %s on *:%d%s\n",
		RequireVersion(),
		port,
		settings.StreamPath,
	)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		defer cancel()
		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			glog.Errorf("hub error: %s\n", err)
		}
	}()

	select {
	case <-ctx.Done():
	}

	httpServer.Shutdown(context.Background())
	glog.Flush()
}

func RequireVersion() string {
	if version := os.Getenv("KITTENS_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
