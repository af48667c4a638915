package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sanshao85/waveproxy/internal/api"
	"github.com/sanshao85/waveproxy/internal/config"
	"github.com/sanshao85/waveproxy/internal/logging"
	"github.com/sanshao85/waveproxy/internal/proxy"
	log "github.com/sirupsen/logrus"
)

func newServeCmd() *cobra.Command {
	var (
		port             int
		accessKey        string
		debug            bool
		logToFile        bool
		keepAliveTimeout time.Duration
		keepAlivePass    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the WaveProxy HTTP listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				defaultPath, err := config.DefaultPath()
				if err != nil {
					return fmt.Errorf("resolve config path: %w", err)
				}
				path = defaultPath
			}

			store, err := config.Open(path)
			if err != nil {
				return fmt.Errorf("open config %s: %w", path, err)
			}
			defer store.Close()

			if err := applyServeFlags(cmd, store, port, accessKey, debug, logToFile); err != nil {
				return err
			}

			doc := store.Get()
			logging.SetupBaseLogger()
			if err := logging.ConfigureLogOutput(doc.LoggingToFile); err != nil {
				return err
			}
			if doc.Debug {
				log.SetLevel(log.DebugLevel)
			}

			var opts []api.ServerOption
			if keepAliveTimeout > 0 {
				opts = append(opts, api.WithKeepAliveEndpoint(keepAliveTimeout, func() {
					log.Warn("keep-alive idle timeout elapsed, shutting down")
					os.Exit(0)
				}, keepAlivePass))
			}

			p := proxy.New(store, opts...)
			if err := p.Start(); err != nil {
				return err
			}
			log.Infof("waveproxy listening on port %d", store.Get().Port)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			log.Info("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return p.Stop(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "listen port (default: value from config, 3000 if unset)")
	cmd.Flags().StringVar(&accessKey, "access-key", "", "shared access key required on inbound requests (default: value from config)")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable gin debug mode and verbose logging")
	cmd.Flags().BoolVar(&logToFile, "log-to-file", false, "write logs to a rotating file instead of stdout")
	cmd.Flags().DurationVar(&keepAliveTimeout, "keep-alive-timeout", 0, "if set, enables GET /keep-alive and shuts down after this long without a ping")
	cmd.Flags().StringVar(&keepAlivePass, "keep-alive-password", "", "password required on /keep-alive requests")

	return cmd
}

// applyServeFlags persists any explicitly-set command-line overrides into the
// config store before the proxy reads it, so a flag takes effect even on a
// freshly-created waveproxy.json.
func applyServeFlags(cmd *cobra.Command, store *config.Store, port int, accessKey string, debug, logToFile bool) error {
	changed := cmd.Flags().Changed("port") || cmd.Flags().Changed("access-key") || cmd.Flags().Changed("debug") || cmd.Flags().Changed("log-to-file")
	if !changed {
		return nil
	}
	return store.Mutate(func(doc *config.Document) error {
		if cmd.Flags().Changed("port") {
			doc.Port = port
		}
		if cmd.Flags().Changed("access-key") {
			doc.AccessKey = accessKey
		}
		if cmd.Flags().Changed("debug") {
			doc.Debug = debug
		}
		if cmd.Flags().Changed("log-to-file") {
			doc.LoggingToFile = logToFile
		}
		return nil
	})
}
