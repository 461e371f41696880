package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"

	"github.com/hardrivetech/secdash/pkg/agg"
	"github.com/hardrivetech/secdash/pkg/backup"
	"github.com/hardrivetech/secdash/pkg/config"
	"github.com/hardrivetech/secdash/pkg/enrich"
	"github.com/hardrivetech/secdash/pkg/fetch"
	"github.com/hardrivetech/secdash/pkg/oauth"
	"github.com/hardrivetech/secdash/pkg/source"
	"github.com/hardrivetech/secdash/pkg/store"
	"github.com/hardrivetech/secdash/server"
)

// Opts with all CLI options
type Opts struct {
	Config string `short:"c" long:"config" env:"CONFIG" default:"config.yml" description:"config file path"`
	Login  bool   `long:"login" description:"run device-flow login, store the token and exit"`

	// Common options
	Debug   bool `long:"dbg" env:"DEBUG" description:"debug mode"`
	Version bool `short:"V" long:"version" description:"show version info"`
	NoColor bool `long:"no-color" env:"NO_COLOR" description:"disable color output"`
}

var revision = "unknown"

func main() {
	var opts Opts
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if opts.Version {
		fmt.Printf("Version: %s\nGolang: %s\n", revision, runtime.Version())
		os.Exit(0)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		log.Printf("[ERROR] can't load config %s: %v", opts.Config, err)
		os.Exit(1)
	}

	setupLog(opts.Debug, cfg.OAuth.ClientSecret)

	log.Printf("[INFO] starting secdash version %s", revision)

	ctx, cancel := context.WithCancel(context.Background())

	// handle termination signals
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Print("[INFO] termination signal received")
		cancel()
	}()

	if opts.Login {
		if err := runLogin(ctx, cfg); err != nil {
			log.Printf("[ERROR] login failed: %v", err)
			os.Exit(1)
		}
		log.Print("[INFO] login complete")
		return
	}

	if err := run(ctx, cfg, opts.Debug); err != nil {
		log.Printf("[ERROR] server failed: %v", err)
		os.Exit(1)
	}

	log.Print("[INFO] shutdown complete")
}

func openStore(cfg *config.Config) (*store.Store, error) {
	return store.New(store.Config{
		DSN:             cfg.Store.DSN,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Store.ConnMaxLifetime) * time.Second,
	})
}

func run(ctx context.Context, cfg *config.Config, debug bool) error {
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			log.Printf("[WARN] store close failed: %v", cerr)
		}
	}()

	resolver := fetch.New(cfg.Proxy.Timeout, cfg.Proxy.Templates)
	ups := cfg.Upstreams

	coordinator := agg.New(
		source.NewGitHubAdapter(resolver, ups.GitHubAPI),
		source.NewArticleAdapter(resolver, ups.FeedConvert),
		source.NewVulnAdapter(resolver, ups.NVD, ups.CIRCL),
		source.NewCTFAdapter(resolver, ups.CTFTime),
		enrich.NewJoiner(resolver, ups.EPSS, ups.KEV),
	)

	backups := func(ctx context.Context, token string) server.BackupStore {
		return backup.New(ctx, token)
	}

	srv := server.New(cfg, coordinator, st, backups, revision, debug)
	return srv.Run(ctx)
}

// runLogin walks the user through the device flow and persists the token
func runLogin(ctx context.Context, cfg *config.Config) error {
	if cfg.OAuth.ClientID == "" {
		return fmt.Errorf("oauth.client_id must be configured for login")
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			log.Printf("[WARN] store close failed: %v", cerr)
		}
	}()

	client := oauth.NewDeviceClient(cfg.Upstreams.GitHubOAuth, cfg.OAuth.ClientID, cfg.OAuth.Scope, 30*time.Second)
	session, err := client.Start(ctx)
	if err != nil {
		return fmt.Errorf("start device flow: %w", err)
	}

	fmt.Printf("Open %s and enter code: %s\n", session.VerificationURI, session.UserCode)

	token, err := client.PollToken(ctx, session)
	if err != nil {
		return fmt.Errorf("wait for authorization: %w", err)
	}
	if err := st.Set(ctx, store.KeyToken, []byte(token)); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

func setupLog(dbg bool, secs ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	// secrets are masked in all log output
	for _, sec := range secs {
		if sec != "" {
			logOpts = append(logOpts, lgr.Secret(sec))
		}
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
