package build

// Supported log file compressors, matching the `choice` values on
// FileLoggerConfig.Compressor.
const (
	Gzip = "gzip"
	Zstd = "zstd"
)

// logCompressors maps a compressor name to the file suffix the rotator
// should use for compressed log files.
var logCompressors = map[string]string{
	Gzip: "gz",
	Zstd: "zst",
}

// SupportedLogCompressor returns true if the given compressor name is
// supported.
func SupportedLogCompressor(compressor string) bool {
	_, ok := logCompressors[compressor]
	return ok
}
