// Command trust-server hosts the provider key lifecycle, attestation,
// trust ledger, remediation and job APIs in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type options struct {
	listen          string
	dbType          string
	dbDSN           string
	policyFile      string
	playbooksFile   string
	logFormat       string
	logLevel        string
	corsOrigins     []string
	shutdownTimeout time.Duration
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	cmd := &cobra.Command{
		Use:           "trust-server",
		Short:         "Serve the provider key and runtime VM trust APIs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if configFile == "" {
				return nil
			}
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config %s: %w", configFile, err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), optionsFrom(v))
		},
	}

	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "Optional YAML/JSON config file with the same keys as the flags")
	f.String("listen", ":8080", "Address to listen on")
	f.String("db-type", "", "Database type: postgres, mysql or sqlite (default from TRUST_DB_TYPE)")
	f.String("db-dsn", "", "Database connection string (default from TRUST_DB_DSN)")
	f.String("policy-file", "", "Attestation trust policy YAML (default from TRUST_ATTESTATION_POLICY_FILE)")
	f.String("playbooks-file", "", "YAML file of remediation playbooks to seed at startup")
	f.String("log-format", "text", "Log format: text or json")
	f.String("log-level", "info", "Log level: debug, info, warn or error")
	f.StringSlice("cors-origins", []string{"*"}, "Allowed CORS origins")
	f.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")

	v.SetEnvPrefix("TRUST")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(f)

	return cmd
}

func optionsFrom(v *viper.Viper) *options {
	return &options{
		listen:          v.GetString("listen"),
		dbType:          v.GetString("db-type"),
		dbDSN:           v.GetString("db-dsn"),
		policyFile:      v.GetString("policy-file"),
		playbooksFile:   v.GetString("playbooks-file"),
		logFormat:       v.GetString("log-format"),
		logLevel:        v.GetString("log-level"),
		corsOrigins:     v.GetStringSlice("cors-origins"),
		shutdownTimeout: v.GetDuration("shutdown-timeout"),
	}
}

func main() {
	// glog only reports fatal startup errors.
	_ = flag.Set("logtostderr", "true")
	defer glog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		glog.Errorf("trust-server: %v", err)
		glog.Flush()
		os.Exit(1)
	}
}
