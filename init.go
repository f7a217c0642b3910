package ftraced

import (
	"fmt"

	"github.com/ehrlich-b/ftraced/internal/lifecycle"
	"github.com/ehrlich-b/ftraced/internal/trigger"
)

// Init is the process-init entry point a host integration calls once,
// before any instrumented code runs: it loads FTRACE_* configuration,
// performs lifecycle.Init (control pipe validation, session id, the
// Session control message, the /proc/self/maps snapshot), and installs
// the resulting Session via Bootstrap. triggers is the pre-built trigger
// table a symbol-loading/expression-parsing collaborator produced (both
// out of scope here, per §1); pass trigger.NewTable(nil) for a tracer run
// with no filter/trigger expressions configured.
func Init(triggers *trigger.Table, exePath string) error {
	cfg, err := lifecycle.LoadConfig()
	if err != nil {
		return fmt.Errorf("ftraced: Init: %w", err)
	}

	s, err := lifecycle.Init(cfg, triggers, exePath)
	if err != nil {
		lifecycle.Abort("lifecycle.Init", err)
		return err // unreachable: Abort calls os.Exit
	}

	Bootstrap(s)
	return nil
}
