package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"github.com/jmcleod/certkeeper/api"
	"github.com/jmcleod/certkeeper/backup"
	"github.com/jmcleod/certkeeper/engine"
	"github.com/jmcleod/certkeeper/internal/util"
	bboltstorage "github.com/jmcleod/certkeeper/storage/bbolt"
	"github.com/jmcleod/certkeeper/store"
	"github.com/jmcleod/certkeeper/vault"
)

// serverEnv carries environment overrides, prefixed CERTKEEPER_.
type serverEnv struct {
	Port            int    `envconfig:"PORT"`
	DataDir         string `envconfig:"DATA_DIR"`
	BackupDir       string `envconfig:"BACKUP_DIR"`
	AdminToken      string `envconfig:"ADMIN_TOKEN"`
	MonitorSchedule string `envconfig:"MONITOR_SCHEDULE"`
	KDFProfile      string `envconfig:"KDF_PROFILE"`
	TLSCert         string `envconfig:"TLS_CERT"`
	TLSKey          string `envconfig:"TLS_KEY"`
}

var (
	port            int
	dataDir         string
	backupDir       string
	adminToken      string
	monitorSchedule string
	kdfProfile      string
	tlsCert         string
	tlsKey          string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the certificate management server",
	RunE: func(cmd *cobra.Command, args []string) error {
		var env serverEnv
		if err := envconfig.Process("certkeeper", &env); err != nil {
			return fmt.Errorf("reading environment: %w", err)
		}
		applyEnvDefaults(cmd, &env)

		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		if backupDir == "" {
			backupDir = filepath.Join(dataDir, "backups")
		}

		log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(dataDir, "certkeeper.db"), nil)
		if err != nil {
			return fmt.Errorf("failed to open record store: %w", err)
		}
		defer repo.Close()

		kdfParams, err := util.Argon2idProfile(kdfProfile)
		if err != nil {
			return err
		}

		st := store.New(repo)
		v := vault.New(repo, vault.WithKDFParams(kdfParams))
		backups, err := backup.NewManager(backupDir, st, v, log)
		if err != nil {
			return err
		}
		e := engine.New(st, v, backups, log)

		monitor, err := engine.NewMonitor(e, monitorSchedule, log)
		if err != nil {
			return fmt.Errorf("invalid monitor schedule %q: %w", monitorSchedule, err)
		}

		a := api.New(e,
			api.WithLogger(log),
			api.WithAdminToken(adminToken),
			api.WithAlertFunc(func(alert api.AlertEvent) {
				log.Warn("security alert", "type", string(alert.Type), "message", alert.Message)
			}),
		)

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Use(api.SecurityHeaders)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		useTLS := tlsCert != "" && tlsKey != ""
		if useTLS {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		monitor.Start()

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if useTLS {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on port %d (data: %s, backups: %s)...\n", port, dataDir, backupDir)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			monitor.Stop(ctx)
			v.Lock()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			monitor.Stop(context.Background())
			return err
		}
	},
}

// applyEnvDefaults lets environment variables stand in for flags the user
// did not pass explicitly.
func applyEnvDefaults(cmd *cobra.Command, env *serverEnv) {
	if !cmd.Flags().Changed("port") && env.Port != 0 {
		port = env.Port
	}
	if !cmd.Flags().Changed("data-dir") && env.DataDir != "" {
		dataDir = env.DataDir
	}
	if !cmd.Flags().Changed("backup-dir") && env.BackupDir != "" {
		backupDir = env.BackupDir
	}
	if !cmd.Flags().Changed("admin-token") && env.AdminToken != "" {
		adminToken = env.AdminToken
	}
	if !cmd.Flags().Changed("monitor-schedule") && env.MonitorSchedule != "" {
		monitorSchedule = env.MonitorSchedule
	}
	if !cmd.Flags().Changed("kdf-profile") && env.KDFProfile != "" {
		kdfProfile = env.KDFProfile
	}
	if !cmd.Flags().Changed("tls-cert") && env.TLSCert != "" {
		tlsCert = env.TLSCert
	}
	if !cmd.Flags().Changed("tls-key") && env.TLSKey != "" {
		tlsKey = env.TLSKey
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8470, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&backupDir, "backup-dir", "", "Directory for backups (default: <data-dir>/backups)")
	serverCmd.Flags().StringVar(&adminToken, "admin-token", "", "Token enabling admin operations (suffix bypass, reset)")
	serverCmd.Flags().StringVar(&monitorSchedule, "monitor-schedule", engine.DefaultMonitorSchedule, "Cron schedule for the expiry scan")
	serverCmd.Flags().StringVar(&kdfProfile, "kdf-profile", util.KDFProfileModerate, "Argon2id cost profile for new master keys (interactive, moderate, sensitive)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
