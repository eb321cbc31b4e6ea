package mount

import (
	"flag"
	"io/ioutil"
	"os"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/mitchellh/cli"
	"github.com/rs/zerolog"

	"gate/internal/brokerclient"
	"gate/internal/config"
	"gate/internal/fsadapter"
	"gate/version"
)

func NewFactory(ui cli.Ui) cli.CommandFactory {
	return func() (cli.Command, error) {
		flags := flag.NewFlagSet("", flag.ContinueOnError)
		flags.SetOutput(ioutil.Discard)

		root := flags.String("root", "", "")
		mountpoint := flags.String("mountpoint", "", "")
		brokerURL := flags.String("broker-url", "", "")

		return &cmd{
			ui:         ui,
			flags:      flags,
			root:       root,
			mountpoint: mountpoint,
			brokerURL:  brokerURL,
		}, nil
	}
}

type cmd struct {
	ui         cli.Ui
	flags      *flag.FlagSet
	root       *string
	mountpoint *string
	brokerURL  *string
}

func (c *cmd) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		c.ui.Error(err.Error())
		c.ui.Error("")
		c.ui.Error(c.Help())
		return 2
	}

	cfg, err := config.LoadMountConfig()
	if err != nil {
		c.ui.Error("Error loading configuration: " + err.Error())
		return 1
	}
	if *c.root != "" {
		cfg.Root = *c.root
	}
	if *c.mountpoint != "" {
		cfg.Mountpoint = *c.mountpoint
	}
	if *c.brokerURL != "" {
		cfg.BrokerURL = *c.brokerURL
	}
	if cfg.Root == "" || cfg.Mountpoint == "" {
		c.ui.Error("root and mountpoint are required")
		return 2
	}
	if cfg.Owner == "" {
		cfg.Owner = fsadapter.ComputeOwner()
	}

	logLevel := zerolog.InfoLevel
	if cfg.Debug {
		logLevel = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stderr).Level(logLevel).With().Timestamp().Str("component", "mount").Logger()

	var acquireTimeoutMS *int64
	if cfg.AcquireTimeoutMS > 0 {
		acquireTimeoutMS = &cfg.AcquireTimeoutMS
	}
	var maxHoldMS *int64
	if cfg.MaxHoldMS > 0 {
		maxHoldMS = &cfg.MaxHoldMS
	}

	fsys := fsadapter.New(fsadapter.Config{
		Root:             cfg.Root,
		Client:           brokerclient.New(cfg.BrokerURL),
		Owner:            cfg.Owner,
		LeaseMS:          cfg.LeaseMS,
		AcquireTimeoutMS: acquireTimeoutMS,
		MaxHoldMS:        maxHoldMS,
		ReleaseOnFlush:   cfg.ReleaseOnFlush,
		Logger:           log,
		Debug:            cfg.Debug,
	})

	server, err := fs.Mount(cfg.Mountpoint, fsadapter.NewRoot(fsys), &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: cfg.AllowOther,
			FsName:     "gate",
			Name:       "gate",
		},
	})
	if err != nil {
		c.ui.Error("Error mounting: " + err.Error())
		return 1
	}

	c.ui.Output("Starting gate " + version.HumanVersion() + " mount at " + cfg.Mountpoint + " (root: " + cfg.Root + ", broker: " + cfg.BrokerURL + ")")

	server.Wait()
	return 0
}

func (c *cmd) Synopsis() string {
	return "Mount a gate-managed passthrough filesystem"
}

func (c *cmd) Help() string {
	return `Usage: gate mount [options]

  Mounts a passthrough view of --root at --mountpoint, serialising
  conflicting access through the broker at --broker-url.

Options:

  --root=          Backing directory (GATE_ROOT).
  --mountpoint=    Where the view is attached (GATE_MOUNTPOINT).
  --broker-url=    Broker base URL (GATE_BROKER_URL).`
}
