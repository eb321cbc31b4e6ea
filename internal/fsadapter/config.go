package fsadapter

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"gate/internal/brokerclient"
)

// Config carries everything a mount needs: the backing tree, the broker
// connection, and the lock defaults applied to every acquire call.
type Config struct {
	Root             string
	Client           *brokerclient.Client
	Owner            string
	LeaseMS          int64
	AcquireTimeoutMS *int64
	MaxHoldMS        *int64
	ReleaseOnFlush   bool
	Logger           zerolog.Logger
	Debug            bool
}

// ComputeOwner derives the stable per-mount owner identity (hostname:pid)
// used for every lock call this adapter instance makes.
func ComputeOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}
