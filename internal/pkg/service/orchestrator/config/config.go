// Package config defines configuration of the orchestrator service.
package config

import (
	"strings"
	"time"

	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/utils/errors"
)

const (
	DefaultEtcdConnectTimeout  = 30 * time.Second
	DefaultMQTTResponseTimeout = 3 * time.Second
	DefaultHTTPRequestTimeout  = 30 * time.Second
	DefaultCheckInterval       = 30 * time.Second
	DefaultSuspectAfter        = 60 * time.Second
	DefaultOfflineAfter        = 120 * time.Second
	DefaultTickInterval        = 1 * time.Second
	DefaultMaxConcurrent       = 3
	DefaultMaxRetries          = 3
	DefaultRetryBaseDelay      = 5 * time.Second
)

const (
	StorageEtcd   = "etcd"
	StorageMemory = "memory"
)

type Config struct {
	DebugLog bool `configKey:"debugLog" configUsage:"Enable debug log level."`
	// Storage selects the persistence backend, "memory" runs without etcd.
	Storage string `configKey:"storage" configUsage:"Persistence backend: etcd or memory." validate:"oneof=etcd memory"`
	// Models seeds the catalog of analysis models the cluster serves.
	Models    []string  `configKey:"models" configUsage:"Analysis model codes the cluster serves."`
	Etcd      Etcd      `configKey:"etcd"`
	MQTT      MQTT      `configKey:"mqtt"`
	HTTP      HTTP      `configKey:"http"`
	Health    Health    `configKey:"health"`
	Scheduler Scheduler `configKey:"scheduler"`
}

type Etcd struct {
	Endpoint       string        `configKey:"endpoint" configUsage:"Etcd endpoint." validate:"required"`
	Namespace      string        `configKey:"namespace" configUsage:"Etcd namespace." validate:"required"`
	Username       string        `configKey:"username" configUsage:"Etcd username."`
	Password       string        `configKey:"password" configUsage:"Etcd password." sensitive:"true"`
	ConnectTimeout time.Duration `configKey:"connectTimeout" configUsage:"Etcd connect timeout." validate:"required"`
}

type MQTT struct {
	Enabled         bool          `configKey:"enabled" configUsage:"Enable the MQTT transport for broker-attached nodes."`
	BrokerURL       string        `configKey:"brokerUrl" configUsage:"MQTT broker URL, for example tcp://localhost:1883." validate:"required_if=Enabled true"`
	Username        string        `configKey:"username" configUsage:"MQTT username."`
	Password        string        `configKey:"password" configUsage:"MQTT password." sensitive:"true"`
	TopicPrefix     string        `configKey:"topicPrefix" configUsage:"Prefix of all orchestrator MQTT topics."`
	ResponseTimeout time.Duration `configKey:"responseTimeout" configUsage:"How long to wait for a correlated reply." validate:"required"`
}

type HTTP struct {
	RequestTimeout time.Duration `configKey:"requestTimeout" configUsage:"Timeout of a dispatch request to an HTTP node." validate:"required"`
}

type Health struct {
	CheckInterval time.Duration `configKey:"checkInterval" configUsage:"How often node liveness is evaluated." validate:"required"`
	SuspectAfter  time.Duration `configKey:"suspectAfter" configUsage:"Silence after which a node is suspected." validate:"required"`
	OfflineAfter  time.Duration `configKey:"offlineAfter" configUsage:"Silence after which a node is marked offline and its work reassigned." validate:"required"`
}

type Scheduler struct {
	TickInterval   time.Duration `configKey:"tickInterval" configUsage:"Admission loop interval." validate:"required"`
	MaxConcurrent  int           `configKey:"maxConcurrent" configUsage:"Maximum concurrent dispatch operations." validate:"min=1"`
	MaxRetries     int           `configKey:"maxRetries" configUsage:"Dispatch attempts before a sub-task fails." validate:"min=1"`
	RetryBaseDelay time.Duration `configKey:"retryBaseDelay" configUsage:"Base delay of the exponential dispatch retry." validate:"required"`
}

func New() Config {
	return Config{
		DebugLog: false,
		Storage:  StorageEtcd,
		Etcd: Etcd{
			Endpoint:       "",
			Namespace:      "meekyolo",
			ConnectTimeout: DefaultEtcdConnectTimeout,
		},
		MQTT: MQTT{
			Enabled:         false,
			TopicPrefix:     "meekyolo/",
			ResponseTimeout: DefaultMQTTResponseTimeout,
		},
		HTTP: HTTP{
			RequestTimeout: DefaultHTTPRequestTimeout,
		},
		Health: Health{
			CheckInterval: DefaultCheckInterval,
			SuspectAfter:  DefaultSuspectAfter,
			OfflineAfter:  DefaultOfflineAfter,
		},
		Scheduler: Scheduler{
			TickInterval:   DefaultTickInterval,
			MaxConcurrent:  DefaultMaxConcurrent,
			MaxRetries:     DefaultMaxRetries,
			RetryBaseDelay: DefaultRetryBaseDelay,
		},
	}
}

func (c *Config) Normalize() {
	c.Etcd.Normalize()
	c.MQTT.Normalize()
}

func (c *Etcd) Normalize() {
	c.Endpoint = strings.Trim(c.Endpoint, " /")
	c.Namespace = strings.Trim(c.Namespace, " /") + "/"
}

func (c *MQTT) Normalize() {
	if c.TopicPrefix != "" && !strings.HasSuffix(c.TopicPrefix, "/") {
		c.TopicPrefix += "/"
	}
}

func (c *Config) Validate() error {
	errs := errors.NewMultiError()
	if c.Storage != StorageEtcd && c.Storage != StorageMemory {
		errs.Append(errors.Errorf(`invalid storage backend "%s", use "etcd" or "memory"`, c.Storage))
	}
	if c.Storage == StorageEtcd {
		if err := c.Etcd.Validate(); err != nil {
			errs.AppendWithPrefix(err, "etcd")
		}
	}
	if err := c.MQTT.Validate(); err != nil {
		errs.AppendWithPrefix(err, "mqtt")
	}
	if err := c.Health.Validate(); err != nil {
		errs.AppendWithPrefix(err, "health")
	}
	if err := c.Scheduler.Validate(); err != nil {
		errs.AppendWithPrefix(err, "scheduler")
	}
	return errs.ErrorOrNil()
}

func (c *Etcd) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is not set")
	}
	if c.Namespace == "/" {
		return errors.New("namespace is not set")
	}
	return nil
}

func (c *MQTT) Validate() error {
	if c.Enabled && c.BrokerURL == "" {
		return errors.New("broker URL is not set")
	}
	return nil
}

func (c *Health) Validate() error {
	errs := errors.NewMultiError()
	if c.SuspectAfter <= 0 {
		errs.Append(errors.New("suspect interval must be positive"))
	}
	if c.OfflineAfter <= c.SuspectAfter {
		errs.Append(errors.New("offline interval must be longer than the suspect interval"))
	}
	return errs.ErrorOrNil()
}

func (c *Scheduler) Validate() error {
	if c.MaxConcurrent < 1 {
		return errors.New("max concurrent dispatches must be at least 1")
	}
	if c.MaxRetries < 1 {
		return errors.New("max retries must be at least 1")
	}
	return nil
}
