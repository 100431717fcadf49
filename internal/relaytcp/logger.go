package relaytcp

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// relayLogger mirrors bridge activity (pairing, byte counts, peer drops) to
// a dedicated file so it can be tailed without the noise of the control-
// plane's own request logging.
var relayLogger struct {
	mu       sync.Mutex
	file     *os.File
	logger   *log.Logger
	path     string
	lines    int64
	initOnce sync.Once
}

// InitRelayLog opens <logDir>/relay.log for append and starts mirroring
// RelayLog output there. Safe to call multiple times; only the first call
// takes effect.
func InitRelayLog(logDir string) {
	relayLogger.initOnce.Do(func() {
		path := filepath.Join(logDir, "relay.log")

		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Printf("[relaytcp] could not open relay log file %s: %v, relay activity will only go to the main log", path, err)
			return
		}

		relayLogger.file = f
		relayLogger.logger = log.New(f, "", 0)
		relayLogger.path = path
		log.Printf("[relaytcp] relay log file initialized: %s", path)
	})
}

// RelayLog writes a formatted message to the main log and, if InitRelayLog
// succeeded, appends a timestamped copy to the dedicated relay log file.
func RelayLog(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Print(msg)

	relayLogger.mu.Lock()
	defer relayLogger.mu.Unlock()
	if relayLogger.logger == nil {
		return
	}
	relayLogger.logger.Printf("%s %s", time.Now().Format("2006/01/02 15:04:05"), msg)
	relayLogger.lines++
}

// RelayLogStatus reports the dedicated relay log file's path and how many
// lines have been written to it; cmd/relayd prints this on shutdown.
// ok is false if InitRelayLog was never called or failed to open the file.
func RelayLogStatus() (path string, lines int64, ok bool) {
	relayLogger.mu.Lock()
	defer relayLogger.mu.Unlock()
	if relayLogger.logger == nil {
		return "", 0, false
	}
	return relayLogger.path, relayLogger.lines, true
}

// CloseRelayLog closes the dedicated relay log file, if open.
func CloseRelayLog() {
	relayLogger.mu.Lock()
	defer relayLogger.mu.Unlock()
	if relayLogger.file != nil {
		relayLogger.file.Close()
		relayLogger.file = nil
		relayLogger.logger = nil
	}
}
