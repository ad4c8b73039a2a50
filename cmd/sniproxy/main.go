// Command sniproxy runs the single-threaded SNI/Host routing reactor.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sniproxy/internal/config"
	"sniproxy/internal/metrics"
	"sniproxy/internal/netpoll"
	"sniproxy/internal/reactor"
	"sniproxy/internal/router"
	"sniproxy/internal/sniff"
)

var configPath string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sniproxy",
		Short: "Single-threaded TLS SNI / HTTP Host routing reactor",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (TOML/YAML/JSON, viper-compatible)")
	root.AddCommand(serveCmd(), rulesCmd())
	return root
}

func rulesCmd() *cobra.Command {
	rules := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and validate routing-rule files",
	}
	rules.AddCommand(rulesLintCmd())
	return rules
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reactor until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func rulesLintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint <path>",
		Short: "Parse a routing-rules file and report the first error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			set, err := router.Parse(f)
			if err != nil {
				return err
			}
			fmt.Printf("%d rules parsed\n", len(set.Rules))
			return nil
		},
	}
}

func setupLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := setupLogger(cfg)
	entry := logrus.NewEntry(log)

	var ruleSet router.Set
	if cfg.RulesFile != "" {
		f, err := os.Open(cfg.RulesFile)
		if err != nil {
			return fmt.Errorf("opening rules file: %w", err)
		}
		ruleSet, err = router.Parse(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("parsing rules file: %w", err)
		}
	}
	ruleSet.Default = cfg.DefaultBackend
	resolver := router.NewResolver(ruleSet)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	poller, err := netpoll.NewPoller()
	if err != nil {
		return fmt.Errorf("creating poller: %w", err)
	}
	defer poller.Close()

	listener, err := reactor.NewListener(cfg.ListenAddr, sniff.Parse, resolver, cfg.BufferCapacity, poller, m, entry)
	if err != nil {
		return fmt.Errorf("binding %s: %w", cfg.ListenAddr, err)
	}
	log.WithField("addr", listener.Addr().String()).Info("listening")

	admin := startAdmin(cfg.AdminAddr, reg, listener, resolver, log)

	sched := reactor.NewScheduler(listener, cfg.MaxConnections)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		<-sigc
		close(done)
	}()

	for {
		select {
		case <-done:
			log.Info("shutting down")
			listener.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_ = admin.Shutdown(ctx)
			cancel()
			return nil
		default:
		}
		if err := sched.Tick(cfg.PollTimeoutMs); err != nil {
			log.WithError(err).Error("scheduler tick failed")
			return err
		}
		// Serviced here, between ticks, on the same goroutine that owns
		// the table: the admin server's /dump handler only ever enqueues
		// a request and waits, never touching reactor state itself.
		listener.ServiceDumpRequests()
	}
}

func startAdmin(addr string, reg *prometheus.Registry, listener *reactor.Listener, resolver *router.Resolver, log *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/dump", func(w http.ResponseWriter, r *http.Request) {
		// RequestDumpToTempFile marshals onto the reactor goroutine rather
		// than walking the table from this HTTP handler goroutine directly:
		// the table has no locks because only the reactor goroutine ever
		// touches it (spec §5).
		path, records, err := listener.RequestDumpToTempFile()
		if err != nil {
			log.WithError(err).Warn("dump: failed to write temp file")
		} else {
			log.WithField("path", path).Info("dump written")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(records)
	})
	mux.HandleFunc("/rules", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			set := resolver.Current()
			var raw []string
			for _, ru := range set.Rules {
				raw = append(raw, ru.Raw)
			}
			json.NewEncoder(w).Encode(map[string]any{"rules": raw, "default": set.Default})
		case http.MethodPost:
			set, err := router.Parse(r.Body)
			if err != nil {
				http.Error(w, "parse error: "+err.Error(), http.StatusBadRequest)
				return
			}
			if set.Default == "" {
				set.Default = resolver.Current().Default
			}
			resolver.Replace(set)
			json.NewEncoder(w).Encode(map[string]any{"loaded": len(set.Rules)})
		default:
			http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
		}
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	go func() {
		log.WithField("addr", addr).Info("admin server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("admin server failed")
		}
	}()
	return srv
}
