// Command filecached is the in-memory, content-addressable file cache
// server. Clients speak the ASCII-framed file API (open, close, read,
// read-N, write, append, lock, unlock, remove) over a UNIX-domain stream
// socket; every attempted operation is appended to a JSON event log.
//
// Usage:
//
//	./filecached
//
// Configuration is layered: built-in defaults, then
// filecached-config.json if present, then environment variables
// (SOCKET_PATH, MAX_FILE_COUNT, MAX_BYTES, POOL_SIZE, BACKLOG,
// TASK_QUEUE_CAPACITY, LOG_QUEUE_CAPACITY, REPLACEMENT_POLICY, MAX_CONNS,
// LOG_PATH, LOG_LEVEL, ADMIN_ADDR).
//
// SIGHUP requests a soft shutdown (stop accepting, drain live clients).
// SIGINT/SIGTERM/SIGQUIT request a hard shutdown (drop everything now).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"filecached/internal/admin"
	"filecached/internal/config"
	"filecached/internal/dispatcher"
	"filecached/internal/eventlog"
	"filecached/internal/filecache"
	"filecached/internal/logger"
	"filecached/internal/metrics"
)

func main() {
	cfg := config.Load()
	log := logger.New("FILECACHED", cfg.LogLevel)

	printBanner(cfg)

	store := filecache.New(cfg.MaxFileCount, cfg.MaxBytes, filecache.ParsePolicy(cfg.ReplacementPolicy), nil)

	evlog, err := eventlog.Start(cfg.LogPath, cfg.LogQueueCapacity, log)
	if err != nil {
		log.Fatalf("startup", "event log: %v", err)
	}

	m := metrics.New()

	disp := dispatcher.New(store, evlog, log, m, cfg.TaskQueueCapacity, cfg.PoolSize)

	if cfg.AdminAddr != "" {
		adm := admin.New(store, m, logger.New("ADMIN", cfg.LogLevel))
		go func() {
			if err := adm.ListenAndServe(cfg.AdminAddr); err != nil {
				log.Warnf("admin", "admin endpoint stopped: %v", err)
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	signal.Ignore(syscall.SIGPIPE)

	go func() {
		for sig := range sigs {
			switch sig {
			case syscall.SIGHUP:
				log.Infof("shutdown", "SIGHUP received, draining clients")
				disp.Soft()
			default:
				log.Infof("shutdown", "%v received, shutting down now", sig)
				disp.Hard()
			}
		}
	}()

	log.Infof("listen", "cache socket at %s", cfg.SocketPath)
	if err := disp.Serve(cfg.SocketPath, cfg.Backlog, cfg.MaxConns); err != nil {
		log.Errorf("serve", "dispatcher stopped: %v", err)
	}

	evlog.Stop()
	printExitSummary(store, disp)
}

func printBanner(cfg *config.Config) {
	fmt.Printf(`
filecached
  socket            : %s
  max file count    : %d
  max bytes         : %d
  replacement policy: %d
  worker pool size  : %d
  admin endpoint    : %s
`, cfg.SocketPath, cfg.MaxFileCount, cfg.MaxBytes, cfg.ReplacementPolicy, cfg.PoolSize, adminLabel(cfg.AdminAddr))
}

func adminLabel(addr string) string {
	if addr == "" {
		return "(disabled)"
	}
	return addr
}

// printExitSummary reports the clean-exit summary: high-water marks,
// evictions, files still resident, max simultaneous clients, and the
// list of remaining pathnames.
func printExitSummary(store *filecache.Store, disp *dispatcher.Dispatcher) {
	stats := store.Stats()
	paths := append([]string(nil), stats.RemainingPaths...)
	sort.Strings(paths)

	fmt.Printf(`
--- filecached exit summary ---
max file count reached : %d
max byte total reached : %d
evictions               : %d
files at exit           : %d
max simultaneous clients: %d
remaining pathnames     : %v
`, stats.MaxFileCount, stats.MaxByteTotal, stats.Evictions, stats.FileCount, disp.MaxClients(), paths)
}
