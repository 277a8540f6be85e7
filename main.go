package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"parley/internal/api"
	"parley/internal/backoff"
	"parley/internal/commands"
	"parley/internal/config"
	"parley/internal/engine"
	"parley/internal/http"
	"parley/internal/metrics"
	"parley/internal/models"
	"parley/internal/storage"
	"parley/internal/upload"
)

// viewFunc runs a presentation layer on top of a running engine.
type viewFunc func(ctx context.Context, eng *engine.Engine, opts commands.Options) error

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "parley",
		Short:         "Terminal client for a direct-messaging chat server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to a YAML config file. Environment variables override it.")

	var email, password string
	login := &cobra.Command{
		Use:   "login",
		Short: "Log in and save the session token.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			db, err := storage.NewBboltStorage(cfg.DBFile)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			client := api.NewClient(cmd.Context(), api.Config{
				BaseURL:    cfg.BaseURL,
				HTTPClient: &oshttp.Client{Timeout: cfg.RequestTimeout},
			})
			return commands.Login(cmd.Context(), client, db, cfg.BaseURL, email, password, out)
		},
	}
	login.Flags().StringVarP(&email, "email", "e", "", "Account email.")
	login.Flags().StringVarP(&password, "password", "p", "", "Account password.")

	widget := &cobra.Command{
		Use:   "widget <user id>",
		Short: "Chat with a single user.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peerID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || peerID <= 0 {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			return runClient(cmd.Context(), configPath, in, out,
				func(ctx context.Context, eng *engine.Engine, opts commands.Options) error {
					return commands.Widget(ctx, eng, peerID, opts)
				})
		},
	}

	inbox := &cobra.Command{
		Use:   "inbox",
		Short: "Browse all conversations.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context(), configPath, in, out, commands.Inbox)
		},
	}

	root.AddCommand(login, widget, inbox)
	return root
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return cfg, nil
}

// identity prefers explicit configuration over the session saved by login.
func identity(cfg *config.Config, db *storage.BboltStorage) (models.Identity, error) {
	if cfg.Token != "" && cfg.UserID != 0 {
		return models.Identity{UserID: cfg.UserID, Token: cfg.Token}, nil
	}
	id, err := db.LoadSession(cfg.BaseURL)
	if errors.Is(err, models.ErrNotFound) {
		return models.Identity{}, fmt.Errorf("not logged in to %s, run 'parley login' first", cfg.BaseURL)
	}
	return id, err
}

func runClient(ctx context.Context, configPath string, in io.Reader, out io.Writer, view viewFunc) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	db, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	id, err := identity(cfg, db)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := api.NewClient(ctx, api.Config{
		BaseURL:    cfg.BaseURL,
		Token:      id.Token,
		HTTPClient: &oshttp.Client{Timeout: cfg.RequestTimeout},
	})
	socketURL := cfg.SocketURL
	if socketURL == "" {
		socketURL = client.SocketURL()
	}

	m := metrics.New()
	eng := engine.New(engine.Config{
		Identity:      id,
		SocketURL:     socketURL,
		Policy:        backoff.Policy{Base: cfg.ReconnectBase, Max: cfg.ReconnectMax},
		TypingTimeout: cfg.TypingTimeout,
		MaxRecords:    cfg.MaxRecords,
		Metrics:       m,
	}, engine.Deps{
		Backend:  client,
		Uploader: upload.New(client),
	})

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(gCtx)
	})

	g.Go(func() error {
		// Leaving the view stops everything else.
		defer cancel()
		return view(gCtx, eng, commands.Options{
			In:     in,
			Out:    out,
			Outbox: db,
		})
	})

	if cfg.MetricsAddr != "" {
		debugServer := http.NewDebugServer(cfg.MetricsAddr, m.Handler(), func(ctx context.Context) (any, error) {
			return eng.Snapshot(ctx)
		})

		g.Go(func() error {
			err := debugServer.Start()
			if err != nil && err != oshttp.ErrServerClosed {
				return err
			}
			return nil
		})

		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := debugServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("debug server shutdown error", "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(os.Stdin, os.Stdout).ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
