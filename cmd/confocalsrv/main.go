package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"go.uber.org/zap"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "confocalsrv.yml"

	// EnvPrefix marks the environment variables that override the file,
	// CONFOCAL_ADDR=:9000 sets addr
	EnvPrefix = "CONFOCAL_"

	k = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)
	if err != nil {
		log.Fatalf("error loading environment: %v", err)
	}
}

func root() {
	str := `confocalsrv drives the counter, timing and analog I/O of a confocal
microscope's data acquisition board and exposes them over HTTP.

Usage:
	confocalsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `confocalsrv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Any top level key may be overridden from the environment with the CONFOCAL_
prefix, e.g. CONFOCAL_ADDR=:9000 or CONFOCAL_LOG_LEVEL=debug.

Each entry of nodes is one board.  No two nodes can have the same endpoint.
Endpoints may look like any variation between "confocal/daq" or "/confocal/daq/*",
the leading and trailing slashes, as well as the *, are added by the server if missing.

With mock: true the board is simulated; mock_devices names its devices and
every photon source sees mock_photon_rate pulses per clock half period.

Every node serves, relative to its endpoint:
	POST /counter/start       {"f64": Hz, "int": samples}
	GET  /counter/read?n=N    counts per second, ?format=fits for a FITS image
	POST /counter/stop
	POST /scanner/start       {"f64": Hz}
	GET, POST /scanner/position {"f64s": [...]}
	POST /scanner/scan        {"path": [[...], ...]}
	POST /scanner/scan-csv    the path as csv, one row per axis
	POST /scanner/close
	POST /sweep/start         {"f64": Hz}
	POST /sweep/length        {"int": points}
	POST /sweep/run           {"int": points}
	POST /sweep/close
	POST /gated/configure     {"depth": N, "continuous": bool}
	POST /gated/start
	GET  /gated/read?n=N&available=true
	POST /gated/stop
	POST /gated/close
	GET  /gated/state
	POST /reset
	GET  /status
	GET, POST /lock
GET /endpoints on the root lists every route of every node.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("confocalsrv version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	if len(c.Nodes) == 0 {
		log.Fatal("no nodes configured, see confocalsrv help")
	}
	logger, err := NewLogger(c.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	drv, err := OpenDriver(c)
	if err != nil {
		logger.Fatal("opening driver", zap.Error(err))
	}
	mux, orchs, err := BuildMux(c, drv, logger)
	defer func() {
		for _, o := range orchs {
			if err := o.Close(); err != nil {
				logger.Warn("closing node", zap.Error(err))
			}
		}
	}()
	if err != nil {
		logger.Error("building routes", zap.Error(err))
		return
	}

	srv := &http.Server{Addr: c.Addr, Handler: mux}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	logger.Info("now listening for requests", zap.String("addr", c.Addr), zap.Bool("mock", c.Mock))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("serving", zap.Error(err))
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
