package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"offline0/internal/offline0"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "offline0",
		Short:         "Offline cache and background sync proxy",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", getenvDefault("OFFLINE0_CONFIG", "/offline0.yaml"), "path to offline0.yaml")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Register the worker and serve pages through it",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "caches",
			Short: "List caches in the store with their entry counts",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCaches(cmd.OutOrStdout(), configPath)
			},
		},
		&cobra.Command{
			Use:   "queue",
			Short: "List items waiting in the sync queue",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runQueue(cmd.OutOrStdout(), configPath)
			},
		},
		&cobra.Command{
			Use:   "replay",
			Short: "Run one background sync pass and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runReplay(cmd.Context(), cmd.OutOrStdout(), configPath)
			},
		},
	)
	return root
}

func loadConfig(path string) (offline0.Config, *slog.Logger, error) {
	cfg, err := offline0.LoadConfig(path)
	if err != nil {
		return offline0.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := offline0.NewLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return offline0.Config{}, nil, fmt.Errorf("logging: %w", err)
	}
	slog.SetDefault(log)
	return cfg, log, nil
}

func runServe(ctx context.Context, configPath string) error {
	cfg, log, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	svc, err := offline0.NewService(cfg, log)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc.Start()

	go func() {
		log.Info("offline0 listening", "addr", addr, "origin", cfg.Server.Origin, "version", cfg.Cache.Version)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(cfg offline0.Config) (*offline0.Storage, error) {
	st, err := offline0.OpenStorage(cfg.Storage.Path, cfg.Storage.Memo.Entries)
	if err != nil {
		return nil, fmt.Errorf("open storage %s: %w", cfg.Storage.Path, err)
	}
	return st, nil
}

func runCaches(out io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	names, err := st.Names()
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		n, err := st.Count(name)
		if err != nil {
			return err
		}
		role := "stale"
		switch name {
		case cfg.Cache.Version:
			role = "current"
		case cfg.Cache.SyncQueue:
			role = "sync-queue"
		}
		rows = append(rows, []string{name, role, strconv.Itoa(n)})
	}
	printTable(out, []string{"Cache", "Role", "Entries"}, rows)
	return nil
}

func runQueue(out io.Writer, configPath string) error {
	cfg, log, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	items, err := offline0.NewWorker(cfg, st, offline0.WithLogger(log)).Pending()
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(items))
	for _, p := range items {
		rows = append(rows, []string{
			p.Key,
			time.Unix(0, p.Item.EnqueuedAt).UTC().Format(time.RFC3339),
			strconv.Itoa(p.Item.Attempts),
			p.Item.LastError,
		})
	}
	printTable(out, []string{"Key", "Enqueued", "Attempts", "Last error"}, rows)
	return nil
}

func runReplay(ctx context.Context, out io.Writer, configPath string) error {
	cfg, log, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	w := offline0.NewWorker(cfg, st,
		offline0.WithLogger(log),
		offline0.WithNetwork(&http.Client{Timeout: 30 * time.Second}),
	)
	rep, err := w.Sync(ctx, cfg.Sync.Tag)
	if err != nil {
		return err
	}
	printTable(out,
		[]string{"Total", "Delivered", "Failed", "Deferred", "Dropped", "Malformed"},
		[][]string{{
			strconv.Itoa(rep.Total),
			strconv.Itoa(rep.Delivered),
			strconv.Itoa(rep.Failed),
			strconv.Itoa(rep.Deferred),
			strconv.Itoa(rep.Dropped),
			strconv.Itoa(rep.Malformed),
		}},
	)
	return nil
}

func printTable(out io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	table.AppendBulk(rows)
	table.Render()
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
