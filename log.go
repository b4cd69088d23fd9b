package electrum

import (
	"github.com/btcsuite/btclog"
	"github.com/lightninglabs/electrum/build"
)

// log is the package-level logger used by Client. It is a no-op until
// UseLogger is called by the embedding application.
var log btclog.Logger

func init() {
	UseLogger(build.NewSubLogger("ECLT", nil))
}

// UseLogger sets the package-wide logger used by the root electrum package.
func UseLogger(logger btclog.Logger) {
	log = logger
}
