package state

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/scsdev/helpers"
	"github.com/temoto/scsdev/internal/control"
	"github.com/temoto/scsdev/log2"
)

const (
	DefaultConfigName     = "scs.hcl"
	DefaultKeepalive      = 60 * time.Second
	DefaultNetworkTimeout = 30 * time.Second
	DefaultReceiptTimeout = 30 * time.Second
)

var DefaultDeferred = []string{"reboot", "restart"}

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Device struct {
		Tag string `hcl:"tag"`
	} `hcl:"device"`
	Secret struct {
		Dir string `hcl:"dir"`
	} `hcl:"secret"`
	Control  ControlConfig  `hcl:"control"`
	Tele     TeleConfig     `hcl:"tele"`
	Operator OperatorConfig `hcl:"operator"`
	Persist  struct {
		Root string `hcl:"root"`
	} `hcl:"persist"`

	_copy_guard sync.Mutex //nolint:unused
}

type ControlConfig struct {
	CommandDir      string   `hcl:"command_dir"`
	Deferred        []string `hcl:"deferred"`
	Echo            bool     `hcl:"echo"`
	LogDebug        bool     `hcl:"log_debug"`
	FlushTimeoutSec int      `hcl:"flush_timeout_sec"`
}

func (c *ControlConfig) FlushTimeout() time.Duration {
	return helpers.IntSecondDefault(c.FlushTimeoutSec, control.DefaultFlushTimeout)
}

type TeleConfig struct { //nolint:maligned
	Enabled           bool   `hcl:"enable"`
	MqttBroker        string `hcl:"mqtt_broker"`
	MqttClientId      string `hcl:"mqtt_client_id"`
	MqttPassword      string `hcl:"mqtt_password"` // secret
	MqttLogDebug      bool   `hcl:"mqtt_log_debug"`
	TopicControl      string `hcl:"topic_control"`
	TopicReceipt      string `hcl:"topic_receipt"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	PersistPath       string `hcl:"persist_path"`
}

func (c *TeleConfig) Keepalive() time.Duration {
	return helpers.IntSecondDefault(c.KeepaliveSec, DefaultKeepalive)
}
func (c *TeleConfig) NetworkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout)
}

type OperatorConfig struct {
	Tag               string `hcl:"tag"`
	SecretDir         string `hcl:"secret_dir"`
	ReceiptTimeoutSec int    `hcl:"receipt_timeout_sec"`
}

func (c *OperatorConfig) ReceiptTimeout() time.Duration {
	return helpers.IntSecondDefault(c.ReceiptTimeoutSec, DefaultReceiptTimeout)
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// Environment overrides, applied after all config sources.
// Systemd EnvironmentFile is the usual provisioning path.
type envOverrides struct {
	DeviceTag    string `env:"SCS_DEVICE_TAG"`
	SecretDir    string `env:"SCS_SECRET_DIR"`
	CommandDir   string `env:"SCS_COMMAND_DIR"`
	MqttBroker   string `env:"SCS_MQTT_BROKER"`
	MqttPassword string `env:"SCS_MQTT_PASSWORD"`
}

func (c *Config) applyEnv(environ map[string]string) error {
	var o envOverrides
	// nil Environment means os.Environ()
	if err := env.ParseWithOptions(&o, env.Options{Environment: environ}); err != nil {
		return errors.Annotate(err, "config env")
	}
	for _, x := range []struct {
		src string
		dst *string
	}{
		{o.DeviceTag, &c.Device.Tag},
		{o.SecretDir, &c.Secret.Dir},
		{o.CommandDir, &c.Control.CommandDir},
		{o.MqttBroker, &c.Tele.MqttBroker},
		{o.MqttPassword, &c.Tele.MqttPassword},
	} {
		if x.src != "" {
			*x.dst = x.src
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Control.Deferred == nil {
		c.Control.Deferred = append([]string(nil), DefaultDeferred...)
	}
	if c.Tele.TopicReceipt == "" {
		c.Tele.TopicReceipt = c.Tele.TopicControl
	}
	if c.Tele.MqttClientId == "" {
		c.Tele.MqttClientId = c.Device.Tag
	}
	if c.Tele.PersistPath == "" && c.Persist.Root != "" {
		c.Tele.PersistPath = filepath.Join(c.Persist.Root, "tele")
	}
	if c.Operator.SecretDir == "" {
		c.Operator.SecretDir = c.Secret.Dir
	}
}

// Validate checks settings required by device side receiver.
func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if c.Device.Tag == "" {
		errs = append(errs, errors.NotValidf("config: device.tag empty"))
	}
	if c.Secret.Dir == "" {
		errs = append(errs, errors.NotValidf("config: secret.dir empty"))
	}
	if c.Control.CommandDir == "" {
		errs = append(errs, errors.NotValidf("config: control.command_dir empty"))
	}
	if c.Tele.Enabled {
		if c.Tele.MqttBroker == "" {
			errs = append(errs, errors.NotValidf("config: tele.mqtt_broker empty"))
		}
		if c.Tele.TopicControl == "" {
			errs = append(errs, errors.NotValidf("config: tele.topic_control empty"))
		}
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig merges sources in order, then environment overrides and defaults.
// environ=nil reads process environment.
func ReadConfig(log *log2.Log, fs FullReader, environ map[string]string, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if err := c.applyEnv(environ); err != nil {
		errs = append(errs, err)
	}
	c.applyDefaults()
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, nil, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
