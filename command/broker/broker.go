package broker

import (
	"flag"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"

	"github.com/facebookgo/grace/gracehttp"
	"github.com/mitchellh/cli"
	"github.com/rs/zerolog"

	gatebroker "gate/internal/broker"
	"gate/internal/config"
	"gate/internal/store"
	"gate/version"
)

func NewFactory(ui cli.Ui) cli.CommandFactory {
	return func() (cli.Command, error) {
		flags := flag.NewFlagSet("", flag.ContinueOnError)
		flags.SetOutput(ioutil.Discard)

		stateDir := flags.String("state-dir", "", "")
		host := flags.String("host", "", "")
		port := flags.Int("port", 0, "")

		return &cmd{
			ui:       ui,
			flags:    flags,
			stateDir: stateDir,
			host:     host,
			port:     port,
		}, nil
	}
}

type cmd struct {
	ui       cli.Ui
	flags    *flag.FlagSet
	stateDir *string
	host     *string
	port     *int
}

func (c *cmd) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		c.ui.Error(err.Error())
		c.ui.Error("")
		c.ui.Error(c.Help())
		return 2
	}

	cfg, err := config.LoadBrokerConfig()
	if err != nil {
		c.ui.Error("Error loading configuration: " + err.Error())
		return 1
	}
	if *c.stateDir != "" {
		cfg.StateDir = *c.stateDir
	}
	if *c.host != "" {
		cfg.Host = *c.host
	}
	if *c.port != 0 {
		cfg.Port = *c.port
	}

	log := zerolog.New(os.Stderr).With().Timestamp().Str("component", "broker").Logger()

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		c.ui.Error("Error creating state directory: " + err.Error())
		return 1
	}

	dbPath := filepath.Join(cfg.StateDir, "locks.db")
	st, err := store.Open(dbPath, log)
	if err != nil {
		c.ui.Error("Error opening lock store: " + err.Error())
		return 1
	}

	handler := gatebroker.NewHandler(gatebroker.Config{Store: st, Logger: log})
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	c.ui.Output("Starting gate " + version.HumanVersion() + " broker on " + addr + " (state: " + dbPath + ")")

	if err := gracehttp.Serve(server); err != nil {
		c.ui.Error("Error starting HTTP server: " + err.Error())
		return 1
	}

	return 0
}

func (c *cmd) Synopsis() string {
	return "Start the gate lock broker"
}

func (c *cmd) Help() string {
	return `Usage: gate broker [options]

  Starts the gate lock broker HTTP server.

Options:

  --state-dir=    Directory holding the lock store's database (GATE_STATE_DIR).
  --host=         Listen host (GATE_BROKER_HOST).
  --port=         Listen port (GATE_BROKER_PORT).`
}
