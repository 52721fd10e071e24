package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/scout/internal/config"
	"github.com/CodeMonkeyCybersecurity/scout/internal/logger"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "scout",
	Short: "Rule-driven API security scanner",
	Long: `Scout - Rule-Driven API Security Scanner

Drives live HTTP requests against catalogued API endpoints to probe for
broken object, property and function level authorization, broken
authentication, unrestricted resource consumption, sensitive business
flow abuse, SSRF and security misconfiguration. Results are stored as a
markdown scan report, failed checks become issues, and the admin is
notified of every new issue.

COMMANDS:
  scout catalog import <file>      Import applications, endpoints and rules
  scout catalog list               List catalogued applications
  scout scan <app-id>              Scan one application now
  scout scan show <scan-id>        Print a scan report
  scout scan list <app-id>         List recent scans of an application
  scout schedule run               Sweep every application periodically
  scout schedule once              Sweep every application once
  scout db status                  Show the schema version
  scout serve                      Start the HTTP trigger API`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		var err error
		log, err = logger.New(cfg.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			// Sync errors on stdout/stderr are expected on Linux.
			if err := log.Sync(); err != nil && !strings.Contains(err.Error(), "invalid argument") {
				fmt.Fprintf(os.Stderr, "Warning: failed to sync logger: %v\n", err)
			}
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./scout.yaml)")

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (json, console)")
	viper.BindPFlag("logger.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logger.format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.PersistentFlags().String("db-driver", "sqlite", "database driver (sqlite, postgres, mysql)")
	rootCmd.PersistentFlags().String("db-dsn", "scout.db", "database connection string")
	viper.BindPFlag("database.driver", rootCmd.PersistentFlags().Lookup("db-driver"))
	viper.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("db-dsn"))
	viper.BindEnv("database.dsn", "SCOUT_DATABASE_DSN", "DATABASE_URL")

	// Secrets come from the environment only, never flags.
	viper.BindEnv("fixtures.shared_secret", "SCOUT_FIXTURES_SHARED_SECRET", "PHALANX_SHARED_SECRET")
	viper.BindEnv("notify.base_url", "SCOUT_NOTIFY_BASE_URL", "PHALANX_BASE_URL")
	viper.BindEnv("server.api_key", "SCOUT_SERVER_API_KEY", "SCOUT_API_KEY")
	viper.BindEnv("smtp.password", "SCOUT_SMTP_PASSWORD")
	viper.BindEnv("redis.password", "SCOUT_REDIS_PASSWORD")

	setDefaults(config.DefaultConfig())
}

// setDefaults registers every default so that AutomaticEnv can override keys
// that appear in no config file.
func setDefaults(d *config.Config) {
	viper.SetDefault("logger.output_paths", d.Logger.OutputPaths)

	viper.SetDefault("database.max_connections", d.Database.MaxConnections)
	viper.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	viper.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)

	viper.SetDefault("redis.addr", d.Redis.Addr)
	viper.SetDefault("redis.db", d.Redis.DB)
	viper.SetDefault("redis.max_retries", d.Redis.MaxRetries)
	viper.SetDefault("redis.dial_timeout", d.Redis.DialTimeout)
	viper.SetDefault("redis.read_timeout", d.Redis.ReadTimeout)
	viper.SetDefault("redis.write_timeout", d.Redis.WriteTimeout)

	viper.SetDefault("http.timeout", d.HTTP.Timeout)
	viper.SetDefault("http.follow_redirects", d.HTTP.FollowRedirects)
	viper.SetDefault("http.max_redirects", d.HTTP.MaxRedirects)
	viper.SetDefault("http.insecure_skip_verify", d.HTTP.InsecureSkipVerify)
	viper.SetDefault("http.user_agent", d.HTTP.UserAgent)
	viper.SetDefault("http.block_private_networks", d.HTTP.BlockPrivateNetworks)
	viper.SetDefault("http.max_conns_per_host", d.HTTP.MaxConnsPerHost)

	viper.SetDefault("scanner.max_concurrent_endpoints", d.Scanner.MaxConcurrentEndpoints)
	viper.SetDefault("scanner.max_concurrent_probes", d.Scanner.MaxConcurrentProbes)
	viper.SetDefault("scanner.scan_timeout", d.Scanner.ScanTimeout)
	viper.SetDefault("scanner.skip_deprecated", d.Scanner.SkipDeprecated)
	viper.SetDefault("scanner.requests_per_second", d.Scanner.RequestsPerSecond)
	viper.SetDefault("scanner.burst_size", d.Scanner.BurstSize)
	viper.SetDefault("scanner.min_host_delay", d.Scanner.MinHostDelay)

	viper.SetDefault("notify.queue", d.Notify.Queue)
	viper.SetDefault("notify.workers", d.Notify.Workers)
	viper.SetDefault("notify.max_retries", d.Notify.MaxRetries)
	viper.SetDefault("notify.retry_delay", d.Notify.RetryDelay)
	viper.SetDefault("notify.base_url", d.Notify.BaseURL)
	viper.SetDefault("notify.signature", d.Notify.Signature)

	viper.SetDefault("smtp.host", d.SMTP.Host)
	viper.SetDefault("smtp.port", d.SMTP.Port)
	viper.SetDefault("smtp.username", d.SMTP.Username)
	viper.SetDefault("smtp.from_email", d.SMTP.FromEmail)
	viper.SetDefault("smtp.from_name", d.SMTP.FromName)
	viper.SetDefault("smtp.use_tls", d.SMTP.UseTLS)
	viper.SetDefault("smtp.use_ssl", d.SMTP.UseSSL)
	viper.SetDefault("smtp.skip_tls_verify", d.SMTP.SkipTLSVerify)
	viper.SetDefault("smtp.timeout", d.SMTP.Timeout)

	viper.SetDefault("schedule.interval", d.Schedule.Interval)

	viper.SetDefault("server.host", d.Server.Host)
	viper.SetDefault("server.port", d.Server.Port)
	viper.SetDefault("server.rate_limit.requests_per_second", d.Server.RateLimit.RequestsPerSecond)
	viper.SetDefault("server.rate_limit.burst_size", d.Server.RateLimit.BurstSize)

	viper.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	viper.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	viper.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	viper.SetDefault("telemetry.sample_rate", d.Telemetry.SampleRate)
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("scout")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SCOUT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg = &config.Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg.Validate()
}
