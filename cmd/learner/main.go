package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/tmc/learner"
	"github.com/tmc/learner/daemon"
)

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "init":
		err = cmdInit(ctx, args)
	case "add":
		err = cmdAdd(ctx, args)
	case "download":
		err = cmdDownload(ctx, args)
	case "get":
		err = cmdGet(ctx, args)
	case "remove", "rm":
		err = cmdRemove(ctx, args)
	case "search":
		err = cmdSearch(ctx, args)
	case "list", "ls":
		err = cmdList(ctx, args)
	case "stats":
		err = cmdStats(ctx, args)
	case "sync":
		err = cmdSync(ctx, args)
	case "reindex":
		err = cmdReindex(ctx, args)
	case "clean":
		err = cmdClean(ctx, args)
	case "serve":
		err = cmdServe(ctx, args)
	case "daemon":
		err = cmdDaemon(ctx, args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		log.Printf("unknown command: %s", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		cancel()
		log.Printf("learner %s: %v", cmd, err)
		os.Exit(exitCode(err))
	}
}

func usage() {
	fmt.Println(`learner - local academic paper library

Usage: learner <command> [options]

Commands:
  init                      Create the config file and database
  add <identifier>...       Fetch metadata (and the PDF) for papers
  download <source> <id>    Download the PDF for a stored paper
  get <source> <id>         Show a stored paper
  remove <source> <id>      Remove a stored paper
  search <query>            Search titles and abstracts
  list                      List stored papers
  stats                     Show store statistics
  sync                      Refresh stale metadata once
  reindex                   Rebuild the full-text index
  clean                     Delete the database (and PDFs)
  serve                     Browse the library over HTTP
  daemon <command>          install|uninstall|start|stop|restart|status|run

Environment:
  LEARNER_DB   Database path (overrides the config file)

Examples:
  learner add 2301.07041                      # arXiv id
  learner add https://eprint.iacr.org/2016/260
  learner add --no-pdf 10.1145/1327452.1327492
  learner get arxiv 2301.07041 --bibtex
  learner search "verifiable delay"`)
}

// globalFlags are accepted by every command.
type globalFlags struct {
	fs      *pflag.FlagSet
	config  *string
	db      *string
	verbose *bool
}

func newFlags(name string) *globalFlags {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	return &globalFlags{
		fs:      fs,
		config:  fs.String("config", learner.DefaultConfigPath(), "Config file"),
		db:      fs.String("db", "", "Database path (overrides config and LEARNER_DB)"),
		verbose: fs.BoolP("verbose", "v", false, "Verbose logging"),
	}
}

func (g *globalFlags) parse(args []string) error {
	if err := g.fs.Parse(args); err != nil {
		return err
	}
	return nil
}

// load returns the effective config and a CLI logger.
func (g *globalFlags) load() (learner.Config, *logrus.Logger, error) {
	cfg, err := learner.LoadConfig(*g.config, g.fs.Changed("config"))
	if err != nil {
		return learner.Config{}, nil, err
	}
	if *g.db != "" {
		cfg.DatabasePath = *g.db
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	if *g.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return cfg, logger, nil
}

func (g *globalFlags) open() (*learner.Store, learner.Config, *logrus.Logger, error) {
	cfg, logger, err := g.load()
	if err != nil {
		return nil, cfg, nil, err
	}
	store, err := learner.Open(cfg.DatabasePath, &learner.StoreOptions{Logger: logger})
	if err != nil {
		return nil, cfg, nil, err
	}
	return store, cfg, logger, nil
}

func newLearner(store *learner.Store, cfg learner.Config, logger logrus.FieldLogger) *learner.Learner {
	copts := cfg.ClientOptions()
	copts.Logger = logger
	return learner.New(store, learner.Options{
		Client:      copts,
		Concurrency: cfg.Daemon.Concurrency,
		Logger:      logger,
	})
}

// pdfDir returns the PDF directory: the flag, then the path recorded by
// init, then the config file.
func pdfDir(ctx context.Context, store *learner.Store, cfg learner.Config, flag string) string {
	if flag != "" {
		return flag
	}
	if dir, err := store.GetConfig(ctx, learner.ConfigStoragePath); err == nil && dir != "" {
		return dir
	}
	return cfg.StoragePath
}

func cmdInit(ctx context.Context, args []string) error {
	g := newFlags("init")
	storage := g.fs.String("storage", "", "PDF directory")
	force := g.fs.Bool("force", false, "Overwrite an existing config file")
	if err := g.parse(args); err != nil {
		return err
	}
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	if *storage != "" {
		cfg.StoragePath = *storage
	}

	if _, err := os.Stat(*g.config); os.IsNotExist(err) || *force {
		if err := learner.WriteConfig(*g.config, cfg); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", *g.config)
	}

	store, err := learner.Open(cfg.DatabasePath, &learner.StoreOptions{Logger: logger})
	if err != nil {
		return err
	}
	defer store.Close()

	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return learner.Wrap(learner.ErrStorage, "create pdf dir", err)
	}
	if err := store.SetConfig(ctx, learner.ConfigDatabasePath, cfg.DatabasePath); err != nil {
		return err
	}
	if err := store.SetConfig(ctx, learner.ConfigStoragePath, cfg.StoragePath); err != nil {
		return err
	}
	fmt.Printf("Database: %s\n", cfg.DatabasePath)
	fmt.Printf("PDFs:     %s\n", cfg.StoragePath)
	return nil
}

func cmdAdd(ctx context.Context, args []string) error {
	g := newFlags("add")
	noPDF := g.fs.Bool("no-pdf", false, "Skip the PDF download")
	force := g.fs.Bool("force", false, "Re-download an existing PDF")
	dir := g.fs.String("dir", "", "PDF directory")
	timeout := g.fs.Duration("timeout", 0, "Per-paper metadata fetch timeout")
	if err := g.parse(args); err != nil {
		return err
	}
	if g.fs.NArg() == 0 {
		return fmt.Errorf("usage: learner add [options] <identifier> [identifier...]")
	}

	store, cfg, logger, err := g.open()
	if err != nil {
		return err
	}
	defer store.Close()
	l := newLearner(store, cfg, logger)

	opts := learner.AddOptions{
		NoPDF:   *noPDF,
		Force:   *force,
		Dir:     pdfDir(ctx, store, cfg, *dir),
		Timeout: *timeout,
	}

	var firstErr error
	for _, r := range l.AddBatch(ctx, g.fs.Args(), opts) {
		if r.Result != nil {
			printAdded(r.Result)
		}
		if r.Err != nil {
			log.Printf("  %s: %v", r.Input, r.Err)
			if firstErr == nil {
				firstErr = r.Err
			}
		}
	}
	return firstErr
}

func printAdded(r *learner.AddResult) {
	verb := "Updated"
	if r.Created {
		verb = "Added"
	}
	p := r.Paper
	fmt.Printf("%s %s %s\n", verb, p.Source, p.SourceIdentifier)
	fmt.Printf("  Title:   %s\n", p.Title)
	fmt.Printf("  Authors: %s\n", strings.Join(p.AuthorNames(), ", "))
	if r.File != nil {
		fmt.Printf("  PDF:     %s\n", r.File.Path)
	}
}

// sourceArgs parses "<source> <id>" positional arguments.
func sourceArgs(fs *pflag.FlagSet, cmd string) (learner.Source, string, error) {
	if fs.NArg() != 2 {
		return "", "", fmt.Errorf("usage: learner %s <source> <identifier>", cmd)
	}
	src, err := learner.ParseSource(fs.Arg(0))
	if err != nil {
		return "", "", err
	}
	id, err := learner.ResolveSource(src, fs.Arg(1))
	if err != nil {
		return "", "", err
	}
	return id.Source, id.ID, nil
}

func cmdDownload(ctx context.Context, args []string) error {
	g := newFlags("download")
	dir := g.fs.String("dir", "", "PDF directory")
	force := g.fs.Bool("force", false, "Re-download an existing PDF")
	if err := g.parse(args); err != nil {
		return err
	}
	src, id, err := sourceArgs(g.fs, "download")
	if err != nil {
		return err
	}

	store, cfg, logger, err := g.open()
	if err != nil {
		return err
	}
	defer store.Close()
	l := newLearner(store, cfg, logger)

	f, downloaded, err := l.Download(ctx, src, id, learner.DownloadOptions{
		Dir:   pdfDir(ctx, store, cfg, *dir),
		Force: *force,
	})
	if err != nil {
		return err
	}
	if downloaded {
		fmt.Printf("Downloaded %s\n", f.Path)
	} else {
		fmt.Printf("Already downloaded: %s\n", f.Path)
	}
	return nil
}

func cmdGet(ctx context.Context, args []string) error {
	g := newFlags("get")
	bibtex := g.fs.Bool("bibtex", false, "Print a BibTeX entry")
	asJSON := g.fs.Bool("json", false, "Print JSON")
	if err := g.parse(args); err != nil {
		return err
	}
	src, id, err := sourceArgs(g.fs, "get")
	if err != nil {
		return err
	}

	store, _, _, err := g.open()
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := store.Get(ctx, src, id)
	if err != nil {
		return err
	}

	switch {
	case *bibtex:
		fmt.Print(p.BibTeX())
	case *asJSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	default:
		printPaper(p)
	}
	return nil
}

func printPaper(p *learner.Paper) {
	fmt.Printf("Source:     %s %s\n", p.Source, p.SourceIdentifier)
	fmt.Printf("Title:      %s\n", p.Title)
	fmt.Printf("Authors:    %s\n", strings.Join(p.AuthorNames(), ", "))
	if !p.PublicationDate.IsZero() {
		fmt.Printf("Published:  %s\n", p.PublicationDate.Format("2006-01-02"))
	}
	if p.DOI != "" {
		fmt.Printf("DOI:        %s\n", p.DOI)
	}
	fmt.Printf("URL:        %s\n", p.AbstractURL())
	if p.PDFURL != "" {
		fmt.Printf("PDF URL:    %s\n", p.PDFURL)
	}
	if f := p.File(learner.FileTypePDF); f != nil {
		fmt.Printf("PDF:        %s\n", f.Path)
	}
	fmt.Printf("Updated:    %s\n", p.UpdatedAt.Local().Format(time.RFC3339))
	if p.Abstract != "" {
		fmt.Printf("\nAbstract:\n%s\n", p.Abstract)
	}
}

func cmdRemove(ctx context.Context, args []string) error {
	g := newFlags("remove")
	if err := g.parse(args); err != nil {
		return err
	}
	src, id, err := sourceArgs(g.fs, "remove")
	if err != nil {
		return err
	}

	store, _, _, err := g.open()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Remove(ctx, src, id); err != nil {
		return err
	}
	fmt.Printf("Removed %s %s\n", src, id)
	return nil
}

func cmdSearch(ctx context.Context, args []string) error {
	g := newFlags("search")
	limit := g.fs.Int("limit", 20, "Max results")
	author := g.fs.Bool("author", false, "Match author names instead of titles and abstracts")
	if err := g.parse(args); err != nil {
		return err
	}
	if g.fs.NArg() == 0 {
		return fmt.Errorf("usage: learner search [options] <query>")
	}
	query := strings.Join(g.fs.Args(), " ")

	store, _, _, err := g.open()
	if err != nil {
		return err
	}
	defer store.Close()

	var papers []learner.Paper
	if *author {
		papers, err = store.SearchByAuthor(ctx, query, *limit)
	} else {
		papers, err = store.Search(ctx, query, *limit)
	}
	if err != nil {
		return err
	}

	if len(papers) == 0 {
		fmt.Printf("No results for %q\n", query)
		if !*author {
			if s, err := store.Suggest(ctx, query); err == nil && s != "" {
				fmt.Printf("Did you mean: %s\n", s)
			}
		}
		return nil
	}
	printList(papers)
	return nil
}

func printList(papers []learner.Paper) {
	for _, p := range papers {
		fmt.Printf("%-6s %-24s %s\n", p.Source, p.SourceIdentifier, p.Title)
		if names := p.AuthorNames(); len(names) > 0 {
			fmt.Printf("%31s %s\n", "", strings.Join(names, ", "))
		}
	}
}

func cmdList(ctx context.Context, args []string) error {
	g := newFlags("list")
	limit := g.fs.Int("limit", 50, "Max papers")
	offset := g.fs.Int("offset", 0, "Skip this many papers")
	if err := g.parse(args); err != nil {
		return err
	}

	store, _, _, err := g.open()
	if err != nil {
		return err
	}
	defer store.Close()

	papers, err := store.ListPapers(ctx, *offset, *limit)
	if err != nil {
		return err
	}
	printList(papers)
	return nil
}

func cmdStats(ctx context.Context, args []string) error {
	g := newFlags("stats")
	if err := g.parse(args); err != nil {
		return err
	}

	store, _, _, err := g.open()
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Database: %s\n", store.Path())
	fmt.Printf("Papers:   %d\n", stats.Papers)
	for _, src := range learner.Sources {
		fmt.Printf("  %-6s  %d\n", src, stats.BySource[src])
	}
	fmt.Printf("Authors:  %d\n", stats.Authors)
	fmt.Printf("Files:    %d\n", stats.Files)
	if last, err := store.GetConfig(ctx, learner.ConfigLastSync); err == nil {
		fmt.Printf("Synced:   %s\n", last)
	}
	return nil
}

func cmdSync(ctx context.Context, args []string) error {
	g := newFlags("sync")
	refreshAfter := g.fs.Duration("refresh-after", 0, "Refresh papers not updated within this window (default from config)")
	limit := g.fs.Int("limit", 0, "Max papers to refresh")
	if err := g.parse(args); err != nil {
		return err
	}

	store, cfg, logger, err := g.open()
	if err != nil {
		return err
	}
	defer store.Close()
	l := newLearner(store, cfg, logger)

	opts := learner.SyncOptions{
		RefreshAfter: cfg.Daemon.RefreshAfter.Std(),
		Limit:        *limit,
		Progress: func(done, total int) {
			fmt.Printf("\rRefreshing: %d / %d", done, total)
		},
	}
	if *refreshAfter > 0 {
		opts.RefreshAfter = *refreshAfter
	}
	res, err := l.Sync(ctx, opts)
	if res != nil && res.Checked > 0 {
		fmt.Println()
	}
	if err != nil {
		return err
	}
	fmt.Printf("Checked %d, updated %d, failed %d\n", res.Checked, res.Updated, len(res.Failed))
	for key, ferr := range res.Failed {
		log.Printf("  %s: %v", key, ferr)
	}
	return nil
}

func cmdReindex(ctx context.Context, args []string) error {
	g := newFlags("reindex")
	if err := g.parse(args); err != nil {
		return err
	}

	store, _, _, err := g.open()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.RebuildFTSIndex(ctx); err != nil {
		return err
	}
	if err := store.CheckFTSIndex(ctx); err != nil {
		return err
	}
	fmt.Println("Search index rebuilt")
	return nil
}

func cmdClean(ctx context.Context, args []string) error {
	g := newFlags("clean")
	pdfs := g.fs.Bool("pdfs", false, "Also delete the PDF directory")
	yes := g.fs.BoolP("yes", "y", false, "Do not ask for confirmation")
	if err := g.parse(args); err != nil {
		return err
	}
	cfg, _, err := g.load()
	if err != nil {
		return err
	}

	// Read the recorded PDF directory before the database goes away.
	dir := cfg.StoragePath
	if *pdfs {
		if store, err := learner.Open(cfg.DatabasePath, nil); err == nil {
			dir = pdfDir(ctx, store, cfg, "")
			store.Close()
		}
	}

	targets := []string{cfg.DatabasePath, cfg.DatabasePath + "-wal", cfg.DatabasePath + "-shm"}
	if *pdfs {
		targets = append(targets, dir)
	}
	if !*yes {
		fmt.Println("This will delete:")
		for _, t := range targets {
			fmt.Printf("  %s\n", t)
		}
		if !confirm("Continue?") {
			fmt.Println("Aborted")
			return nil
		}
	}

	for _, t := range targets {
		if err := os.RemoveAll(t); err != nil {
			return learner.Wrap(learner.ErrStorage, "remove "+t, err)
		}
	}
	fmt.Println("Cleaned")
	return nil
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func cmdDaemon(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: learner daemon install|uninstall|start|stop|restart|status|run")
	}
	sub, args := args[0], args[1:]

	g := newFlags("daemon " + sub)
	serviceDir := g.fs.String("service-dir", "", "Service descriptor directory (default: system location)")
	if err := g.parse(args); err != nil {
		return err
	}
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}

	dc := daemonConfig(cfg, *serviceDir, logger)
	// The spawned process and the service descriptor read the same config.
	dc.Args = []string{"daemon", "run", "--config", *g.config}
	if *g.db != "" {
		dc.Args = append(dc.Args, "--db", *g.db)
	}
	ctl, err := daemon.New(dc)
	if err != nil {
		return err
	}

	switch sub {
	case "install":
		res, err := ctl.Install()
		if err != nil {
			return err
		}
		fmt.Println(res.Instructions)
	case "uninstall":
		res, err := ctl.Uninstall()
		if err != nil {
			return err
		}
		fmt.Println(res.Instructions)
	case "start":
		pid, err := ctl.Start()
		if err != nil {
			return err
		}
		fmt.Printf("Daemon started (pid=%d)\n", pid)
	case "stop":
		if err := ctl.Stop(); err != nil {
			return err
		}
		fmt.Println("Daemon stopped")
	case "restart":
		pid, err := ctl.Restart()
		if err != nil {
			return err
		}
		fmt.Printf("Daemon restarted (pid=%d)\n", pid)
	case "status":
		st, err := ctl.Status()
		if err != nil {
			return err
		}
		printStatus(ctl.Config(), st)
	case "run":
		return runDaemon(ctx, cfg, ctl)
	default:
		return fmt.Errorf("unknown daemon command: %s", sub)
	}
	return nil
}

func daemonConfig(cfg learner.Config, serviceDir string, logger logrus.FieldLogger) daemon.Config {
	dc := daemon.DefaultConfig()
	if cfg.Daemon.PIDFile != "" {
		dc.PIDFile = cfg.Daemon.PIDFile
	}
	if cfg.Daemon.LogDir != "" {
		dc.LogDir = cfg.Daemon.LogDir
	}
	if cfg.Daemon.WorkingDir != "" {
		dc.WorkingDir = cfg.Daemon.WorkingDir
	}
	dc.ServiceDir = serviceDir
	dc.Logger = logger
	return dc
}

func printStatus(cfg daemon.Config, st *daemon.StatusReport) {
	fmt.Printf("Status:   %s\n", st.State)
	if st.PID > 0 {
		fmt.Printf("PID:      %d\n", st.PID)
	}
	if st.StalePID > 0 {
		fmt.Printf("Stale:    pid file names %d, which is not running\n", st.StalePID)
	}
	if st.ServiceFile != "" {
		fmt.Printf("Service:  %s\n", st.ServiceFile)
	}
	fmt.Printf("PID file: %s\n", cfg.PIDFile)
	fmt.Printf("Logs:     %s\n", cfg.LogDir)
}

// runDaemon is the long-running process started by "daemon start" and
// the service descriptors.
func runDaemon(ctx context.Context, cfg learner.Config, ctl *daemon.Controller) error {
	mainLog, err := daemon.OpenMainLog(ctl.Config().LogDir)
	if err != nil {
		return err
	}
	defer mainLog.Close()
	go mainLog.RotateDaily(ctx)
	logger := mainLog.NewLogger()

	store, err := learner.Open(cfg.DatabasePath, &learner.StoreOptions{Logger: logger})
	if err != nil {
		logger.WithError(err).Error("open store")
		return err
	}
	defer store.Close()
	l := newLearner(store, cfg, logger)

	pidPath := ctl.Config().PIDFile
	if p := os.Getenv(daemon.EnvPIDFile); p != "" {
		pidPath = p
	}

	r := &daemon.Runner{
		Interval: cfg.Daemon.Interval.Std(),
		PIDFile:  daemon.NewPIDFile(pidPath),
		Log:      logger,
		Task: func(ctx context.Context, log logrus.FieldLogger) error {
			_, err := l.Sync(ctx, learner.SyncOptions{
				RefreshAfter: cfg.Daemon.RefreshAfter.Std(),
				Concurrency:  cfg.Daemon.Concurrency,
				Logger:       log,
			})
			return err
		},
		Fatal: func(err error) bool { return learner.IsKind(err, learner.ErrStorage) },
	}
	return r.Run(ctx)
}

// exitCode maps typed errors to process exit codes.
func exitCode(err error) int {
	var le *learner.Error
	if errors.As(err, &le) {
		switch le.Kind {
		case learner.ErrUnrecognizedSource:
			return 2
		case learner.ErrNetwork:
			return 3
		case learner.ErrParse:
			return 4
		case learner.ErrNotFound:
			return 5
		case learner.ErrDuplicate:
			return 6
		case learner.ErrStorage:
			return 7
		}
	}
	var de *daemon.Error
	if errors.As(err, &de) {
		switch de.Kind {
		case daemon.ErrAlreadyRunning:
			return 10
		case daemon.ErrNotRunning:
			return 11
		case daemon.ErrPermissionDenied:
			return 12
		case daemon.ErrStaleLock:
			return 13
		case daemon.ErrNotInstalled:
			return 14
		}
	}
	return 1
}
