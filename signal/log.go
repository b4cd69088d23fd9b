package signal

import (
	"github.com/btcsuite/btclog"
	"github.com/lightninglabs/electrum/build"
)

// log is the package-level logger used by signal. It is a no-op until
// UseLogger is called by the embedding application.
var log btclog.Logger

func init() {
	UseLogger(build.NewSubLogger("SIGN", nil))
}

// UseLogger sets the package-wide logger used by the signal package.
func UseLogger(logger btclog.Logger) {
	log = logger
}
