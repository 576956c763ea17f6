package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/alnlab/alignview/app/backend"
	"github.com/alnlab/alignview/app/config"
	"github.com/alnlab/alignview/app/feed"
	"github.com/alnlab/alignview/app/guard"
	"github.com/alnlab/alignview/app/monitor"
	"github.com/alnlab/alignview/app/notify"
	"github.com/alnlab/alignview/app/service"
	"github.com/alnlab/alignview/app/spool"
	"github.com/alnlab/alignview/app/web"
	"github.com/alnlab/alignview/app/web/enums"
)

var opts struct {
	Listen         string        `short:"l" long:"listen" env:"ALIGNVIEW_LISTEN" default:":8080" description:"web server listen address"`
	ConfigFile     string        `short:"f" long:"config" env:"ALIGNVIEW_CONFIG" default:"alignview.yml" description:"tools catalog file"`
	UpdateInterval time.Duration `long:"update-interval" env:"ALIGNVIEW_UPDATE_INTERVAL" default:"1m" description:"catalog file check interval"`
	DB             string        `long:"db" env:"ALIGNVIEW_DB" default:"alignview.db" description:"journal database location"`
	DBRetention    time.Duration `long:"db-retention" env:"ALIGNVIEW_DB_RETENTION" default:"720h" description:"journal retention, 0 keeps forever"`
	BaseURL        string        `long:"base-url" env:"ALIGNVIEW_BASE_URL" description:"base URL path when behind a reverse proxy"`
	HostName       string        `long:"host" env:"ALIGNVIEW_HOSTNAME" description:"host name shown in the header and notifications"`
	PerPage        int           `long:"per-page" env:"ALIGNVIEW_PER_PAGE" default:"20" description:"jobs per page for infinite scroll"`
	ResyncEvery    time.Duration `long:"resync-every" env:"ALIGNVIEW_RESYNC_EVERY" default:"5m" description:"periodic base list resync interval"`
	Theme          string        `long:"theme" env:"ALIGNVIEW_THEME" default:"dark" description:"theme used when no cookie is set, dark, light or auto"`
	Dbg            bool          `long:"dbg" env:"ALIGNVIEW_DEBUG" description:"debug mode"`

	Backend struct {
		URL     string        `long:"url" env:"URL" required:"true" description:"backend base URL"`
		Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"backend call timeout"`
	} `group:"backend" namespace:"backend" env-namespace:"ALIGNVIEW_BACKEND"`

	Monitor struct {
		Delay       time.Duration `long:"delay" env:"DELAY" default:"3s" description:"delay between stream reconnect attempts"`
		MaxAttempts int           `long:"max-attempts" env:"MAX_ATTEMPTS" default:"10" description:"reconnect attempts per cycle"`
	} `group:"monitor" namespace:"monitor" env-namespace:"ALIGNVIEW_MONITOR"`

	Spool struct {
		Enabled     bool          `long:"enabled" env:"ENABLED" description:"park submissions when the backend is unreachable"`
		Path        string        `long:"path" env:"PATH" default:"var/spool" description:"spool location"`
		SweepEvery  time.Duration `long:"sweep-every" env:"SWEEP_EVERY" default:"1m" description:"spool redelivery interval"`
		Concurrency int           `long:"concurrency" env:"CONCURRENCY" default:"1" description:"parallel spool deliveries"`
	} `group:"spool" namespace:"spool" env-namespace:"ALIGNVIEW_SPOOL"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"1" description:"how many times repeat failed delivery"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"repeater" namespace:"repeater" env-namespace:"ALIGNVIEW_REPEATER"`

	Notify struct {
		EnabledError      bool   `long:"enabled-error" env:"ENABLED_ERROR" description:"enable notifications on failed jobs"`
		EnabledCompletion bool   `long:"enabled-complete" env:"ENABLED_COMPLETE" description:"enable notifications on completed jobs"`
		Digest            string `long:"digest" env:"DIGEST" description:"digest cron schedule, empty disables"`

		ErrorTemplate      string `long:"error-template" env:"ERROR_TEMPLATE" description:"error template file"`
		CompletionTemplate string `long:"completion-template" env:"COMPLETION_TEMPLATE" description:"completion template file"`
		DigestTemplate     string `long:"digest-template" env:"DIGEST_TEMPLATE" description:"digest template file"`

		SMTPHost     string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort     int           `long:"smtp-port" env:"SMTP_PORT" description:"SMTP port"`
		SMTPUsername string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS      bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		SMTPStartTLS bool          `long:"smtp-starttls" env:"SMTP_STARTTLS" description:"enable SMTP StartTLS"`
		SMTPTimeOut  time.Duration `long:"smtp-timeout" env:"SMTP_TIMEOUT" default:"10s" description:"SMTP TCP connection timeout"`
		FromEmail    string        `long:"from" env:"FROM" description:"SMTP from email"`
		ToEmails     []string      `long:"to" env:"TO" description:"SMTP to email(s)" env-delim:","`

		SlackToken    string   `long:"slack-token" env:"SLACK_TOKEN" description:"slack token"`
		SlackChannels []string `long:"slack-channels" env:"SLACK_CHANNELS" description:"slack channels" env-delim:","`

		TelegramToken        string   `long:"telegram-token" env:"TELEGRAM_TOKEN" description:"telegram token"`
		TelegramDestinations []string `long:"telegram-destinations" env:"TELEGRAM_DESTINATIONS" description:"telegram chat ids" env-delim:","`

		WebhookURLs []string `long:"webhook-urls" env:"WEBHOOK_URLS" description:"webhook urls" env-delim:","`
	} `group:"notify" namespace:"notify" env-namespace:"ALIGNVIEW_NOTIFY"`

	Guard struct {
		MaxLoad   float64 `long:"max-load" env:"MAX_LOAD" description:"refuse uploads above this 1m load average, 0 disables"`
		MinFreeMB uint64  `long:"min-free-mb" env:"MIN_FREE_MB" description:"refuse uploads below this free disk, 0 disables"`
	} `group:"guard" namespace:"guard" env-namespace:"ALIGNVIEW_GUARD"`

	Auth struct {
		Password string `long:"password" env:"PASSWORD" description:"dashboard password, plain or bcrypt hash, empty disables auth"`
	} `group:"auth" namespace:"auth" env-namespace:"ALIGNVIEW_AUTH"`

	Limit struct {
		UploadMB int64 `long:"upload-mb" env:"UPLOAD_MB" default:"512" description:"upload request size cap"`
	} `group:"limit" namespace:"limit" env-namespace:"ALIGNVIEW_LIMIT"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging"`
		Filename        string `long:"filename" env:"FILENAME" description:"log to file instead of stdout"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"maximum log size in MB before rotation"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"10" description:"maximum rotated files to keep"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"maximum days to retain rotated files"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"enable compression of rotated files"`
	} `group:"log" namespace:"log" env-namespace:"ALIGNVIEW_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("alignview %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	bk, err := backend.New(backend.Config{BaseURL: opts.Backend.URL, Timeout: opts.Backend.Timeout})
	if err != nil {
		log.Fatalf("[ERROR] failed to create backend client, %v", err)
	}

	passwordHash, err := makePasswordHash()
	if err != nil {
		log.Fatalf("[ERROR] failed to prepare auth password, %v", err)
	}

	defaultTheme, err := enums.ParseTheme(opts.Theme)
	if err != nil {
		log.Fatalf("[ERROR] invalid theme %q, must be dark, light or auto", opts.Theme)
	}

	hostname := makeHostName()
	jobsFeed := feed.New()
	spooler := spool.New(opts.Spool.Path, opts.Spool.Enabled)

	notifier := makeNotifier()
	if notifier != nil {
		log.Printf("[INFO] %s", notifier)
	}

	// state changes fan out to the tracker (resync on recover) and the web UI
	// (connection badge). Both targets are set before the tracker starts the monitor.
	var webSrv *web.Server
	var tracker *service.Tracker
	mon := monitor.New(monitor.Config{
		URL:         bk.EventsURL(),
		Delay:       opts.Monitor.Delay,
		MaxAttempts: opts.Monitor.MaxAttempts,
		OnState: func(st monitor.State) {
			tracker.OnMonitorState(st)
			webSrv.OnMonitorState(st)
		},
	})

	srv, err := web.New(web.Config{
		Backend:       bk,
		Feed:          jobsFeed,
		Monitor:       mon,
		Guard:         guard.Checker{MaxLoad: opts.Guard.MaxLoad, MinFreeMB: opts.Guard.MinFreeMB, SpoolPath: opts.Spool.Path},
		Spool:         spooler,
		Catalog:       config.NewLoader(opts.ConfigFile, opts.UpdateInterval),
		DBPath:        opts.DB,
		PerPage:       opts.PerPage,
		UploadLimitMB: opts.Limit.UploadMB,
		Retention:     opts.DBRetention,
		BaseURL:       validateBaseURL(opts.BaseURL),
		Hostname:      hostname,
		Version:       revision,
		PasswordHash:  passwordHash,
		DefaultTheme:  defaultTheme,
		Settings:      makeSettingsInfo(),
	})
	if err != nil {
		log.Fatalf("[ERROR] failed to create web server, %v", err)
	}
	webSrv = srv

	rptr := repeater.New(&strategy.Backoff{Repeats: opts.Repeater.Attempts, Duration: opts.Repeater.Duration,
		Factor: opts.Repeater.Factor, Jitter: opts.Repeater.Jitter})

	tracker = &service.Tracker{
		Feed:             jobsFeed,
		Monitor:          mon,
		Submitter:        bk,
		Spool:            spooler,
		Notifier:         notifier,
		DeDup:            service.NewDeDup(true, time.Hour),
		JobEventHandler:  webSrv,
		DigestSource:     webSrv,
		Resyncer:         webSrv,
		Repeater:         rptr,
		Cron:             cron.New(),
		HostName:         hostname,
		ResyncEvery:      opts.ResyncEvery,
		SweepEvery:       opts.Spool.SweepEvery,
		SweepConcurrency: opts.Spool.Concurrency,
		DigestSchedule:   opts.Notify.Digest,
	}

	go func() {
		if err := webSrv.Run(ctx, opts.Listen); err != nil {
			log.Printf("[ERROR] web server terminated, %v", err)
			cancel()
		}
	}()
	tracker.Do(ctx)
}

// makeNotifier creates the notification service, nil if nothing enabled
func makeNotifier() *notify.Service {
	if !opts.Notify.EnabledError && !opts.Notify.EnabledCompletion && opts.Notify.Digest == "" {
		return nil
	}

	if opts.Notify.FromEmail == "" {
		opts.Notify.FromEmail = "alignview@" + makeHostName()
	}

	return notify.NewService(
		notify.Params{
			EnabledError:       opts.Notify.EnabledError,
			EnabledCompletion:  opts.Notify.EnabledCompletion,
			EnabledDigest:      opts.Notify.Digest != "",
			ErrorTemplate:      opts.Notify.ErrorTemplate,
			CompletionTemplate: opts.Notify.CompletionTemplate,
			DigestTemplate:     opts.Notify.DigestTemplate,
			HostName:           makeHostName(),
		},
		notify.SendersParams{
			FromEmail:            opts.Notify.FromEmail,
			ToEmails:             opts.Notify.ToEmails,
			SMTPHost:             opts.Notify.SMTPHost,
			SMTPPort:             opts.Notify.SMTPPort,
			SMTPTLS:              opts.Notify.SMTPTLS,
			SMTPStartTLS:         opts.Notify.SMTPStartTLS,
			SMTPUsername:         opts.Notify.SMTPUsername,
			SMTPPassword:         opts.Notify.SMTPPassword,
			SMTPTimeOut:          opts.Notify.SMTPTimeOut,
			SlackToken:           opts.Notify.SlackToken,
			SlackChannels:        opts.Notify.SlackChannels,
			TelegramToken:        opts.Notify.TelegramToken,
			TelegramDestinations: opts.Notify.TelegramDestinations,
			WebhookURLs:          opts.Notify.WebhookURLs,
		},
	)
}

// makeHostName returns the configured host name or the OS one
func makeHostName() string {
	if opts.HostName != "" {
		return opts.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// makePasswordHash accepts a pre-hashed bcrypt value as is and hashes a plain
// password, so the flag takes either form
func makePasswordHash() (string, error) {
	pwd := opts.Auth.Password
	if pwd == "" {
		return "", nil
	}
	if strings.HasPrefix(pwd, "$2a$") || strings.HasPrefix(pwd, "$2b$") || strings.HasPrefix(pwd, "$2y$") {
		return pwd, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("can't hash password: %w", err)
	}
	return string(hash), nil
}

// makeSettingsInfo collects safe-to-display runtime configuration for the
// settings modal, no secrets
func makeSettingsInfo() web.SettingsInfo {
	return web.SettingsInfo{
		Version:   revision,
		StartTime: time.Now(),

		ListenAddress: opts.Listen,
		AuthEnabled:   opts.Auth.Password != "",

		BackendURL:     opts.Backend.URL,
		BackendTimeout: opts.Backend.Timeout,

		ConfigFile:     opts.ConfigFile,
		UpdateInterval: opts.UpdateInterval,

		MonitorDelay:       opts.Monitor.Delay,
		MonitorMaxAttempts: opts.Monitor.MaxAttempts,
		ResyncEvery:        opts.ResyncEvery,

		SpoolEnabled: opts.Spool.Enabled,
		SpoolPath:    opts.Spool.Path,

		GuardMaxLoad:   opts.Guard.MaxLoad,
		GuardMinFreeMB: opts.Guard.MinFreeMB,

		EmailNotifications:  len(opts.Notify.ToEmails) > 0,
		SlackIntegration:    opts.Notify.SlackToken != "",
		SlackChannelCount:   len(opts.Notify.SlackChannels),
		TelegramIntegration: opts.Notify.TelegramToken != "",
		TelegramDestCount:   len(opts.Notify.TelegramDestinations),
		WebhookCount:        len(opts.Notify.WebhookURLs),
		DigestSchedule:      opts.Notify.Digest,

		LoggingEnabled: opts.Log.Enabled,
		DebugMode:      opts.Dbg,
		LogFilePath:    opts.Log.Filename,
	}
}

// setupLogs configures the logger from opts and returns the active log writer
func setupLogs() io.Writer {
	if !opts.Log.Enabled {
		log.Setup(log.Out(io.Discard), log.Err(io.Discard))
		return os.Stdout
	}

	logOpts := []log.Option{log.Msec}
	if opts.Dbg {
		logOpts = []log.Option{log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile}
	}

	if opts.Log.Filename != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
		logOpts = append(logOpts, log.Out(fileLogger), log.Err(fileLogger))
		log.Setup(logOpts...)
		return fileLogger
	}

	log.Setup(logOpts...)
	return os.Stdout
}

// validateBaseURL normalizes the reverse proxy base path, root and empty mean
// no prefix
func validateBaseURL(base string) string {
	base = strings.TrimRight(base, "/")
	if base == "" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return base
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM and SIGINT
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
