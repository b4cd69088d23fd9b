package build

// consoleLoggerCfg holds options specific to the console (stdout/stderr)
// logger.
//
//nolint:lll
type consoleLoggerCfg struct {
	LoggerConfig
	Style bool `long:"style" description:"Style log output with colors depending on severity, for use when the output is a terminal."`
}

// defaultConsoleLoggerCfg returns a consoleLoggerCfg with sensible defaults.
func defaultConsoleLoggerCfg() *consoleLoggerCfg {
	return &consoleLoggerCfg{
		LoggerConfig: LoggerConfig{
			CallSite: callSiteOff,
		},
	}
}
