// Package lifecycle owns process and fork init and teardown: reading
// configuration, creating the process-wide Session, and the abort path that
// every other package escalates fatal errors to. Per-thread state and its
// registry live in the root package's dispatcher. It plays the role
// go-ublk's device-lifecycle code (ADD_DEV/START_DEV/STOP_DEV sequencing
// in cmd/ublk-mem and internal/ctrl) plays for that project, adapted from
// a device control plane to a tracer's process/thread control plane.
package lifecycle

import (
	"os"
	"strconv"

	"github.com/ehrlich-b/ftraced/internal/ftlog"
	"github.com/ehrlich-b/ftraced/internal/trigger"
)

// Default tuning values, used whenever the corresponding environment
// variable is unset. Mirrors the teacher's internal/constants defaults
// table, scaled to tracer-sized numbers instead of block-device ones.
const (
	DefaultBufferSize    = 128 * 1024
	DefaultMaxStackDepth = 1024
	DefaultThresholdNS   = 0
	DefaultOutDir        = "/tmp"

	// DefaultDepth is the filter depth budget used when FTRACE_DEPTH is
	// unset: effectively unlimited (well past any realistic
	// MaxStackDepth), so a call tree with no Filter trigger configured
	// at all records in full rather than being filtered out the moment
	// trigger.EntryCheck's depth-budget check runs. An explicit
	// FTRACE_DEPTH=N bounds how many levels a Filter match opens up.
	DefaultDepth = 1 << 20
)

// Config is the process-wide configuration loaded once at init from the
// FTRACE_* environment variables (§6 of the wire-format contract).
type Config struct {
	PipeFD        int
	LogFD         int
	Debug         int
	DebugDomain   string
	OutDir        string
	BufferSize    int
	MaxStackDepth int
	ThresholdNS   uint64
	Color         bool
	Demangle      bool
	FilterExpr    string
	TriggerExpr   string
	ArgumentExpr  string
	RetvalExpr    string
	DefaultDepth  int
	Disabled      bool
	PLTHook       bool
}

// LoadConfig reads FTRACE_* environment variables into a Config, applying
// defaults for anything unset or unparseable. Unlike a host configuration
// file reader, a malformed numeric value here does not abort the process:
// it falls back to the default, since the traced program's behavior must
// never depend on how the tracer was configured.
func LoadConfig() (*Config, error) {
	c := &Config{
		PipeFD:        envInt("FTRACE_PIPE_FD", -1),
		LogFD:         envInt("FTRACE_LOG_FD", -1),
		Debug:         envInt("FTRACE_DEBUG", 0),
		DebugDomain:   os.Getenv("FTRACE_DEBUG_DOMAIN"),
		OutDir:        envString("FTRACE_DIR", DefaultOutDir),
		BufferSize:    envInt("FTRACE_BUFFER_SIZE", DefaultBufferSize),
		MaxStackDepth: envInt("FTRACE_MAX_STACK", DefaultMaxStackDepth),
		ThresholdNS:   envUint64("FTRACE_THRESHOLD", DefaultThresholdNS),
		Color:         envBool("FTRACE_COLOR", false),
		Demangle:      envBool("FTRACE_DEMANGLE", false),
		FilterExpr:    os.Getenv("FTRACE_FILTER"),
		TriggerExpr:   os.Getenv("FTRACE_TRIGGER"),
		ArgumentExpr:  os.Getenv("FTRACE_ARGUMENT"),
		RetvalExpr:    os.Getenv("FTRACE_RETVAL"),
		DefaultDepth:  envInt("FTRACE_DEPTH", DefaultDepth),
		Disabled:      envBool("FTRACE_DISABLED", false),
		PLTHook:       envBool("FTRACE_PLTHOOK", false),
	}
	return c, nil
}

// FilterMode derives the trigger table's filter disposition from whether a
// filter expression was supplied. Parsing the expression itself is out of
// scope; collaborators hand this package an already-built trigger.Table.
func (c *Config) FilterMode() trigger.FilterMode {
	if c.FilterExpr == "" {
		return trigger.FilterModeNone
	}
	return trigger.FilterModeInclude
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		ftlog.Warn("lifecycle: bad int env var, using default", "var", key, "value", v)
		return def
	}
	return n
}

func envUint64(key string, def uint64) uint64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		ftlog.Warn("lifecycle: bad uint env var, using default", "var", key, "value", v)
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		ftlog.Warn("lifecycle: bad bool env var, using default", "var", key, "value", v)
		return def
	}
	return b
}
