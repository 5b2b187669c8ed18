// Command keva is a local key-value store for Markdown notes and file
// attachments, with soft-delete lifecycle management and fuzzy key
// search.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	keva "github.com/ik1ne/keva-sub000"
	"github.com/ik1ne/keva-sub000/core"
	"github.com/ik1ne/keva-sub000/telemetry"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "keva: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: keva [flags] <command> [args]

commands:
  get <key>                      print a key's text or attachment listing
  set <key> [text]               store text for a key (reads stdin without text)
  attach <key> <file>...         add file attachments to a key
  detach <key> <filename>        remove an attachment
  rename <old> <new>             rename a key
  rename-file <key> <old> <new>  rename an attachment
  ls                             list active keys
  ls -trash                      list trashed keys
  touch <key>                    refresh a key's access time
  trash <key>                    move a key to the trash
  restore <key>                  restore a trashed key
  purge <key>                    permanently delete a key
  search <pattern>               fuzzy-search key names
  gc                             run a maintenance pass
  serve-metrics                  expose Prometheus metrics over HTTP

flags:
`)
	flag.PrintDefaults()
}

func run() error {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		dataDir    = flag.String("data-dir", "", "Data directory (overrides config)")
		logLevel   = flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
	)
	flag.Usage = usage
	flag.Parse()

	logger, err := newLogger(*logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		return fmt.Errorf("no command given")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, rest := args[0], args[1:]
	if cmd == "serve-metrics" {
		return serveMetrics(ctx, cfg, logger, rest)
	}

	c, err := core.Open(cfg, core.WithLogger(logger))
	if err != nil {
		return err
	}
	defer c.Close()

	switch cmd {
	case "get":
		return cmdGet(ctx, c, rest)
	case "set":
		return cmdSet(ctx, c, rest)
	case "attach":
		return cmdAttach(ctx, c, rest)
	case "detach":
		return cmdDetach(ctx, c, rest)
	case "rename":
		return cmdRename(ctx, c, rest)
	case "rename-file":
		return cmdRenameFile(ctx, c, rest)
	case "ls":
		return cmdList(ctx, c, rest)
	case "touch":
		return cmdTouch(ctx, c, rest)
	case "trash":
		return cmdTrash(ctx, c, rest)
	case "restore":
		return cmdRestore(ctx, c, rest)
	case "purge":
		return cmdPurge(ctx, c, rest)
	case "search":
		return cmdSearch(c, rest)
	case "gc":
		return cmdGC(ctx, c)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	return slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})), nil
}

func cmdGet(ctx context.Context, c *core.Core, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: keva get <key>")
	}

	v, err := c.Get(ctx, args[0])
	if err != nil {
		return err
	}

	if v.Kind == keva.KindText {
		fmt.Print(v.Text)
		if v.Text != "" && v.Text[len(v.Text)-1] != '\n' {
			fmt.Println()
		}
		return nil
	}

	for _, a := range v.Attachments {
		fmt.Printf("%s\t%d\t%s\n", a.Filename, a.Size, a.Hash.ShortString())
	}
	return nil
}

func cmdSet(ctx context.Context, c *core.Core, args []string) error {
	switch len(args) {
	case 1:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		return c.UpsertText(ctx, args[0], string(data))
	case 2:
		return c.UpsertText(ctx, args[0], args[1])
	default:
		return fmt.Errorf("usage: keva set <key> [text]")
	}
}

func cmdAttach(ctx context.Context, c *core.Core, args []string) error {
	fs := flag.NewFlagSet("attach", flag.ContinueOnError)
	policyName := fs.String("on-conflict", "rename", "Conflict policy (overwrite, rename, skip)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: keva attach [-on-conflict policy] <key> <file>...")
	}

	var policy keva.ConflictPolicy
	switch *policyName {
	case "overwrite":
		policy = keva.PolicyOverwrite
	case "rename":
		policy = keva.PolicyRename
	case "skip":
		policy = keva.PolicySkip
	default:
		return fmt.Errorf("invalid conflict policy %q", *policyName)
	}

	key := fs.Arg(0)
	var files []core.File
	var handles []*os.File
	defer func() {
		for _, f := range handles {
			_ = f.Close()
		}
	}()

	for _, path := range fs.Args()[1:] {
		f, err := os.Open(path)
		if err != nil {
			return keva.MapIOError(err)
		}
		handles = append(handles, f)
		files = append(files, core.File{Name: filepath.Base(path), Reader: f})
	}

	added, err := c.AddAttachments(ctx, key, files, policy)
	if err != nil {
		return err
	}
	for _, a := range added {
		fmt.Printf("added %s (%d bytes)\n", a.Filename, a.Size)
	}
	return nil
}

func cmdDetach(ctx context.Context, c *core.Core, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: keva detach <key> <filename>")
	}
	return c.RemoveAttachment(ctx, args[0], args[1])
}

func cmdRename(ctx context.Context, c *core.Core, args []string) error {
	fs := flag.NewFlagSet("rename", flag.ContinueOnError)
	overwrite := fs.Bool("overwrite", false, "Destroy an existing destination key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: keva rename [-overwrite] <old> <new>")
	}
	return c.RenameKey(ctx, fs.Arg(0), fs.Arg(1), *overwrite)
}

func cmdRenameFile(ctx context.Context, c *core.Core, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: keva rename-file <key> <old> <new>")
	}
	return c.RenameAttachment(ctx, args[0], args[1], args[2])
}

func cmdList(ctx context.Context, c *core.Core, args []string) error {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	trash := fs.Bool("trash", false, "List trashed keys instead of active ones")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var keys []string
	var err error
	if *trash {
		keys, err = c.TrashedKeys(ctx)
	} else {
		keys, err = c.ActiveKeys(ctx)
	}
	if err != nil {
		return err
	}

	for _, k := range keys {
		fmt.Println(k)
	}
	return nil
}

func cmdTouch(ctx context.Context, c *core.Core, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: keva touch <key>")
	}
	return c.Touch(ctx, args[0])
}

func cmdTrash(ctx context.Context, c *core.Core, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: keva trash <key>")
	}
	return c.Trash(ctx, args[0])
}

func cmdRestore(ctx context.Context, c *core.Core, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: keva restore <key>")
	}
	return c.Restore(ctx, args[0])
}

func cmdPurge(ctx context.Context, c *core.Core, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: keva purge <key>")
	}
	return c.Purge(ctx, args[0])
}

func cmdSearch(c *core.Core, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: keva search <pattern>")
	}

	engine := c.Search()
	engine.SetQuery(args[0])
	for !engine.IsDone() {
		engine.Tick()
	}

	for _, k := range engine.ActiveResults() {
		fmt.Println(k)
	}
	if trashed := engine.TrashedResults(); len(trashed) > 0 {
		fmt.Println("--- trash ---")
		for _, k := range trashed {
			fmt.Println(k)
		}
	}
	return nil
}

func cmdGC(ctx context.Context, c *core.Core) error {
	result := c.Maintenance(ctx)

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func serveMetrics(ctx context.Context, cfg keva.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("serve-metrics", flag.ContinueOnError)
	addr := fs.String("addr", "localhost:9090", "Address to serve /metrics on")
	otlpEndpoint := fs.String("otlp-endpoint", "", "OTLP gRPC endpoint for metric export (optional)")
	interval := fs.Duration("gc-interval", time.Hour, "Background maintenance interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "keva",
		ServiceVersion:   version,
		OTLPEndpoint:     *otlpEndpoint,
		EnablePrometheus: true,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	c, err := core.Open(cfg,
		core.WithLogger(logger),
		core.WithMeter(telemetry.Meter()),
		core.WithMaintenanceInterval(*interval),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	c.StartMaintenance(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.StopMaintenance(stopCtx)
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.PrometheusHandler())

	srv := &http.Server{Addr: *addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", *addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
