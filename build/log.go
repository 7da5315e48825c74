// Package build wires up the process-wide logging backend and the
// per-subsystem logger registry every other package pulls its logger
// from, grounded on backend-engineer1-land/lnd.go's use of backendLog
// (github.com/jrick/logrotate), with each subsystem fetching its
// logger through Logger(tag).
package build

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate"
)

// backendLog is the process-wide rotating log writer every subsystem
// logger multiplexes onto, mirroring lnd.go's backendLog.Flush()
// deferred at the top of lndMain.
var backendLog = btclog.NewBackend(logWriter{})

type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	if rotator != nil {
		rotator.Write(p)
	}
	return len(p), nil
}

var rotator *logrotate.Rotator

// InitLogRotator opens (creating parent directories as needed) a
// rotating log file at logFile, capped at maxSizeMB per file,
// mirroring lnd's initLogRotator. maxFiles is not passed to the
// rotator: the number of retained files is not limited by it.
func InitLogRotator(logFile string, maxSizeMB, maxFiles int) error {
	if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	r, err := logrotate.NewRotator(logFile, int64(maxSizeMB)*1024*1024)
	if err != nil {
		return fmt.Errorf("create log rotator: %w", err)
	}
	rotator = r
	return nil
}

// subsystems lists every package that pulls a named logger from this
// registry, the same role lnd's subsystemLoggers map plays for its own
// larger set of packages.
var subsystems = map[string]btclog.Logger{
	"CFDD": backendLog.Logger("CFDD"), // cmd/{makerd,takerd} top-level
	"CFDA": backendLog.Logger("CFDA"), // process manager
	"CFDB": backendLog.Logger("CFDB"), // cfddb
	"NETT": backendLog.Logger("NETT"), // transport
	"ORCL": backendLog.Logger("ORCL"), // oracle
	"CMON": backendLog.Logger("CMON"), // chainmonitor
	"PROT": backendLog.Logger("PROT"), // protocol/setup
	"ROLL": backendLog.Logger("ROLL"), // protocol/rollover
	"STLM": backendLog.Logger("STLM"), // protocol/settlement
	"OFFR": backendLog.Logger("OFFR"), // offer
	"WLLT": backendLog.Logger("WLLT"), // wallet
}

// Logger returns the registered logger for subsystem, or a disabled
// logger if subsystem was never registered — callers should always
// register their tag in subsystems rather than rely on this fallback.
func Logger(subsystem string) btclog.Logger {
	if l, ok := subsystems[subsystem]; ok {
		return l
	}
	return btclog.Disabled
}

// SetLogLevel sets every registered subsystem's verbosity, used by the
// --debuglevel CLI flag.
func SetLogLevel(level string) {
	lvl, ok := btclog.LevelFromString(level)
	if !ok {
		return
	}
	for _, l := range subsystems {
		l.SetLevel(lvl)
	}
}
