package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/qaxcore/pkg/compaction"
	"github.com/cuemby/qaxcore/pkg/config"
	"github.com/cuemby/qaxcore/pkg/convert"
	"github.com/cuemby/qaxcore/pkg/instrument"
	"github.com/cuemby/qaxcore/pkg/log"
	"github.com/cuemby/qaxcore/pkg/manifest"
	"github.com/cuemby/qaxcore/pkg/metrics"
	"github.com/cuemby/qaxcore/pkg/notify"
	"github.com/cuemby/qaxcore/pkg/recovery"
	"github.com/cuemby/qaxcore/pkg/snapshot"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgPath  string
	logLevel string
	logJSON  bool
	loadedCfg config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "qaxcored",
	Short:   "qaxcored - hybrid LSM storage and notification core for a futures exchange",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("qaxcored version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to YAML config file (defaults built in if omitted)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initConfigAndLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(convertCmd)
}

func initConfigAndLogging() {
	var cfg config.Config
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}
	loadedCfg = cfg

	level := cfg.LogLevel()
	if logLevel != "info" {
		level = log.Level(logLevel)
	}
	log.Init(log.Config{Level: level, JSONOutput: logJSON || cfg.Log.JSON})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the storage and notification daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		metrics.SetVersion(Version)

		pipelines := make(map[string]*instrument.Pipeline)
		appendBatchers := make(map[string]notify.AppendBatcher)
		for _, ic := range loadedCfg.Instruments {
			dataDir := filepath.Join(loadedCfg.DataDir, ic.Name)
			walDir := filepath.Join(loadedCfg.WALDir, ic.Name)
			columnarDir := filepath.Join(loadedCfg.ColumnarDir, ic.Name)

			flushInterval := time.Duration(ic.FlushIntervalSec) * time.Second
			p, err := instrument.Open(ic.Name, instrument.Config{
				DataDir:           dataDir,
				WALDir:            walDir,
				ColumnarDir:       columnarDir,
				MemtableThreshold: ic.MemtableThreshold,
				FlushInterval:     flushInterval,
				Convert:           loadedCfg.Convert.ToConvertConfig(),
			})
			if err != nil {
				return fmt.Errorf("open instrument %s: %w", ic.Name, err)
			}
			pipelines[ic.Name] = p
			appendBatchers[ic.Name] = p
		}

		broker := notify.NewBrokerConfig(loadedCfg.Notify.ToBrokerConfig())
		storageSub := notify.NewStorageSubscriber(broker, appendBatchers, notify.SubscriberConfig{
			BatchSize:    loadedCfg.Notify.SubscriberBatch,
			BatchTimeout: time.Duration(loadedCfg.Notify.BatchTimeoutMs) * time.Millisecond,
		})
		snapEngine := snapshot.NewEngine()
		snapFeed := snapshot.NewFeed(snapEngine, broker)

		broker.Start()
		storageSub.Start()
		snapFeed.Start()

		probers := make([]metrics.Prober, 0, len(pipelines)+1)
		for _, p := range pipelines {
			probers = append(probers, p)
		}
		probers = append(probers, broker)
		collector := metrics.NewCollector(15*time.Second, probers...)
		collector.Start()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/healthz", metrics.HealthHandler())
		mux.Handle("/readyz", metrics.ReadyHandler())
		mux.Handle("/livez", metrics.LivenessHandler())
		server := &http.Server{Addr: loadedCfg.ListenAddr, Handler: mux}

		go func() {
			log.Info(fmt.Sprintf("listening on %s", loadedCfg.ListenAddr))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("http server error: %v", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)

		collector.Stop()
		// storageSub and snapFeed stop before the broker; each Stop ends
		// its own loop and unsubscribes. Broker.Stop only ends the service
		// loop and closes no lane or subscription channel.
		storageSub.Stop()
		snapFeed.Stop()
		broker.Stop()

		for name, p := range pipelines {
			if err := p.Checkpoint(); err != nil {
				log.Errorf("checkpoint failed for "+name+": %v", err)
			}
			if err := p.Close(); err != nil {
				log.Errorf("close failed for "+name+": %v", err)
			}
		}
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run crash recovery for every configured instrument and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, ic := range loadedCfg.Instruments {
			dataDir := filepath.Join(loadedCfg.DataDir, ic.Name)
			walDir := filepath.Join(loadedCfg.WALDir, ic.Name)

			mf, err := manifest.Open(dataDir)
			if err != nil {
				return err
			}
			_, result, err := recovery.Recover(dataDir, walDir, ic.Name, mf, ic.MemtableThreshold)
			mf.Close()
			if err != nil {
				return fmt.Errorf("recover %s: %w", ic.Name, err)
			}
			fmt.Printf("%s: recovered %d records, resuming at sequence %d\n", ic.Name, result.RecoveredRecords, result.NextSequence)
		}
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Run one compaction cycle for every configured instrument",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, ic := range loadedCfg.Instruments {
			dataDir := filepath.Join(loadedCfg.DataDir, ic.Name)
			mf, err := manifest.Open(dataDir)
			if err != nil {
				return err
			}
			c := instrumentCompactor(ic.Name, dataDir, mf)
			err = c.RunOnce()
			mf.Close()
			if err != nil {
				return fmt.Errorf("compact %s: %w", ic.Name, err)
			}
		}
		return nil
	},
}

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Run one OLTP->OLAP conversion cycle for every configured instrument",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, ic := range loadedCfg.Instruments {
			dataDir := filepath.Join(loadedCfg.DataDir, ic.Name)
			columnarDir := filepath.Join(loadedCfg.ColumnarDir, ic.Name)
			mf, err := manifest.Open(dataDir)
			if err != nil {
				return err
			}
			sched, err := instrumentConverter(ic.Name, dataDir, columnarDir, mf)
			if err != nil {
				mf.Close()
				return err
			}
			err = sched.RunOnce()
			mf.Close()
			if err != nil {
				return fmt.Errorf("convert %s: %w", ic.Name, err)
			}
		}
		return nil
	},
}

// instrumentCompactor builds a standalone Compactor for a one-shot `compact`
// invocation; the long-running `serve` path instead starts one per
// instrument.Pipeline and lets it run on its own ticker.
func instrumentCompactor(instrumentName, dataDir string, mf *manifest.Manifest) *compaction.Compactor {
	return compaction.New(instrumentName, dataDir, mf)
}

// instrumentConverter builds a standalone conversion Scheduler for a
// one-shot `convert` invocation, using the daemon's configured conversion
// tunables.
func instrumentConverter(instrumentName, dataDir, columnarDir string, mf *manifest.Manifest) (*convert.Scheduler, error) {
	return convert.New(instrumentName, dataDir, columnarDir, mf, loadedCfg.Convert.ToConvertConfig())
}
