package cmd

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hscic/go-spine/internal/config"
	"github.com/hscic/go-spine/pkg/sds"
	"github.com/hscic/go-spine/pkg/spine"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MHS: listen for inbound messages and resume persisted sends",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgFile, _ := cmd.Flags().GetString("config")
		return serve(cfgFile)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(cfgFile string) error {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	cert, err := tls.LoadX509KeyPair(cfg.Server.CertFile, cfg.Server.KeyFile)
	if err != nil {
		return fmt.Errorf("loading endpoint certificate: %w", err)
	}
	var caPool *x509.CertPool
	if cfg.Server.CAFile != "" {
		pem, err := os.ReadFile(cfg.Server.CAFile)
		if err != nil {
			return fmt.Errorf("loading CA bundle: %w", err)
		}
		caPool = x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(pem) {
			return fmt.Errorf("no certificates found in %s", cfg.Server.CAFile)
		}
	}

	sdsConn, err := sds.NewConnection(sds.Config{
		Server:          cfg.SDS.Server,
		Port:            cfg.SDS.Port,
		CacheDir:        cfg.SDS.CacheDir,
		URLResolverFile: cfg.SDS.URLResolverFile,
		MyAsid:          cfg.SDS.MyAsid,
		MyPartyKey:      cfg.SDS.MyPartyKey,
		Logger:          log,
	})
	if err != nil {
		return err
	}

	cm, err := spine.NewConnectionManager(spine.Config{
		Certificate:            cert,
		CACerts:                caPool,
		ListenAddr:             cfg.Server.Address,
		ListenPort:             cfg.Server.Port,
		MessageDir:             cfg.Messaging.MessageDir,
		ExpiredDir:             cfg.Messaging.ExpiredDir,
		RetryCheckInterval:     time.Duration(*cfg.Messaging.RetryCheckInterval),
		PersistDurationsFile:   cfg.Messaging.PersistDurationsFile,
		MyIP:                   cfg.Messaging.MyIP,
		NullDefaultSyncHandler: cfg.Messaging.NullDefaultSyncHandler,
		SpoolDir:               cfg.Handlers.SpoolDir,
		SDS:                    sdsConn,
		Logger:                 log,
	})
	if err != nil {
		return err
	}

	cm.LoadPersistedMessages()
	if err := cm.Listen(); err != nil {
		return err
	}
	log.Info("spinemhs started",
		"listen", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	return cm.Close()
}
