package config

import (
	"strings"

	"github.com/spf13/pflag"

	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/utils/errors"
)

// envPrefix of all environment variables, for example
// ORCHESTRATOR_ETCD_ENDPOINT overrides the --etcd-endpoint flag default.
const envPrefix = "ORCHESTRATOR_"

// LoadFrom builds the configuration from defaults, environment variables
// and command line flags, in that order of precedence, lowest first.
func LoadFrom(args []string, lookupEnv func(key string) (string, bool)) (Config, error) {
	cfg := New()

	fs := pflag.NewFlagSet(args[0], pflag.ContinueOnError)
	fs.SortFlags = true
	fs.BoolVar(&cfg.DebugLog, "debug-log", cfg.DebugLog, "Enable debug log level.")
	fs.StringVar(&cfg.Storage, "storage", cfg.Storage, "Persistence backend: etcd or memory.")
	fs.StringSliceVar(&cfg.Models, "models", cfg.Models, "Analysis model codes the cluster serves.")
	fs.StringVar(&cfg.Etcd.Endpoint, "etcd-endpoint", cfg.Etcd.Endpoint, "Etcd endpoint.")
	fs.StringVar(&cfg.Etcd.Namespace, "etcd-namespace", cfg.Etcd.Namespace, "Etcd namespace.")
	fs.StringVar(&cfg.Etcd.Username, "etcd-username", cfg.Etcd.Username, "Etcd username.")
	fs.StringVar(&cfg.Etcd.Password, "etcd-password", cfg.Etcd.Password, "Etcd password.")
	fs.DurationVar(&cfg.Etcd.ConnectTimeout, "etcd-connect-timeout", cfg.Etcd.ConnectTimeout, "Etcd connect timeout.")
	fs.BoolVar(&cfg.MQTT.Enabled, "mqtt-enabled", cfg.MQTT.Enabled, "Enable the MQTT transport.")
	fs.StringVar(&cfg.MQTT.BrokerURL, "mqtt-broker-url", cfg.MQTT.BrokerURL, "MQTT broker URL.")
	fs.StringVar(&cfg.MQTT.Username, "mqtt-username", cfg.MQTT.Username, "MQTT username.")
	fs.StringVar(&cfg.MQTT.Password, "mqtt-password", cfg.MQTT.Password, "MQTT password.")
	fs.StringVar(&cfg.MQTT.TopicPrefix, "mqtt-topic-prefix", cfg.MQTT.TopicPrefix, "Prefix of all MQTT topics.")
	fs.DurationVar(&cfg.MQTT.ResponseTimeout, "mqtt-response-timeout", cfg.MQTT.ResponseTimeout, "How long to wait for a correlated reply.")
	fs.DurationVar(&cfg.HTTP.RequestTimeout, "http-request-timeout", cfg.HTTP.RequestTimeout, "Timeout of a dispatch request to an HTTP node.")
	fs.DurationVar(&cfg.Health.CheckInterval, "health-check-interval", cfg.Health.CheckInterval, "How often node liveness is evaluated.")
	fs.DurationVar(&cfg.Health.SuspectAfter, "health-suspect-after", cfg.Health.SuspectAfter, "Silence after which a node is suspected.")
	fs.DurationVar(&cfg.Health.OfflineAfter, "health-offline-after", cfg.Health.OfflineAfter, "Silence after which a node is marked offline.")
	fs.DurationVar(&cfg.Scheduler.TickInterval, "scheduler-tick-interval", cfg.Scheduler.TickInterval, "Admission loop interval.")
	fs.IntVar(&cfg.Scheduler.MaxConcurrent, "scheduler-max-concurrent", cfg.Scheduler.MaxConcurrent, "Maximum concurrent dispatch operations.")
	fs.IntVar(&cfg.Scheduler.MaxRetries, "scheduler-max-retries", cfg.Scheduler.MaxRetries, "Dispatch attempts before a sub-task fails.")
	fs.DurationVar(&cfg.Scheduler.RetryBaseDelay, "scheduler-retry-base-delay", cfg.Scheduler.RetryBaseDelay, "Base delay of the exponential dispatch retry.")

	// Environment variables replace flag defaults, explicit flags win.
	var envErr error
	fs.VisitAll(func(f *pflag.Flag) {
		envName := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if value, found := lookupEnv(envName); found {
			if err := f.Value.Set(value); err != nil && envErr == nil {
				envErr = errors.Errorf(`invalid value of env "%s": %w`, envName, err)
			}
		}
	})
	if envErr != nil {
		return cfg, envErr
	}

	if err := fs.Parse(args[1:]); err != nil {
		return cfg, err
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, errors.PrefixError(err, "invalid configuration")
	}
	return cfg, nil
}
