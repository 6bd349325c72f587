package cmd

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jra3/fspolicy/internal/backend"
	"github.com/jra3/fspolicy/internal/catalog"
	"github.com/jra3/fspolicy/internal/config"
	"github.com/jra3/fspolicy/internal/fsaccess"
	"github.com/jra3/fspolicy/internal/fsinfo"
)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "fspolicy",
	Short: "Policy engine for a large parallel filesystem",
	Long: `fspolicy maintains a persistent catalog of filesystem entries,
observes changes by bulk scan or change events, and drives archival to a
backend storage tree, recovery from it, and release of archived bodies.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ~/.config/fspolicy/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
}

// env bundles the collaborators every command needs.
type env struct {
	cfg   *config.Config
	store *catalog.Store
	bk    *backend.Backend
	names *fsaccess.NameResolver
	lock  *flock.Flock
}

// openEnv loads the configuration, takes the instance lock, resolves the
// filesystem identity and opens the catalog and backend.
func openEnv() (*env, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg)

	if cfg.FS.Path == "" {
		return nil, fmt.Errorf("fs.path is not configured")
	}

	// One daemon per catalog: refuse to share the database.
	lock := flock.New(cfg.DB.Path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("another fspolicy instance holds %s", lock.Path())
	}

	// A filesystem identity drift is fatal: resolving it before the
	// catalog opens ensures we never write under the wrong key.
	info, err := fsinfo.Resolve(cfg.FS.Path, cfg.FS.Type,
		fsinfo.KeyMode(cfg.FS.Key), cfg.Backend.CheckMounted)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("filesystem check: %w", err)
	}
	log.Printf("[fspolicy] managing %s (key=%#x)", info.Name, info.Key())

	// The backend tree must sit on its configured filesystem type when
	// mount checking is on.
	if cfg.Backend.CheckMounted && cfg.Backend.Root != "" {
		if _, err := fsinfo.Resolve(cfg.Backend.Root, cfg.Backend.MntType,
			fsinfo.KeyDevID, true); err != nil {
			lock.Unlock()
			return nil, fmt.Errorf("backend check: %w", err)
		}
	}

	store, err := catalog.Open(cfg.DB.Path, cfg.FS.Path)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	names := fsaccess.NewNameResolver()

	bk, err := backend.New(backend.Config{
		Root:         cfg.Backend.Root,
		FSRoot:       cfg.FS.Path,
		CopyTimeout:  cfg.Backend.CopyTimeout,
		ActionCmd:    cfg.Backend.ActionCmd,
		CheckMounted: cfg.Backend.CheckMounted,
	}, names, nil)
	if err != nil {
		store.Close()
		lock.Unlock()
		return nil, fmt.Errorf("open backend: %w", err)
	}

	return &env{cfg: cfg, store: store, bk: bk, names: names, lock: lock}, nil
}

func (e *env) close() {
	e.store.Close()
	e.lock.Unlock()
}

// setupLogging routes the standard logger to the configured file with
// rotation, or leaves it on stderr.
func setupLogging(cfg *config.Config) {
	var w io.Writer = os.Stderr
	if cfg.Log.File != "" {
		w = &lumberjack.Logger{
			Filename: cfg.Log.File,
			MaxSize:  cfg.Log.MaxSize,
			MaxAge:   cfg.Log.MaxAge,
			Compress: true,
		}
	}
	log.SetOutput(w)
	if debug || cfg.Log.Level == "debug" {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}
}
