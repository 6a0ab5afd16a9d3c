// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package main

import (
	"io"
	"log"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	spice "github.com/tenthirtyam/go-spice"
)

const envPrefix = "SPICE"

// probeConfig is the resolved configuration. Values come from flags, then
// SPICE_* environment variables, then the config file, then defaults.
type probeConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Password       string        `mapstructure:"password"`
	Channels       []string      `mapstructure:"channels"`
	ConnectionID   uint32        `mapstructure:"connection-id"`
	ConnectTimeout time.Duration `mapstructure:"connect-timeout"`
	Timeout        time.Duration `mapstructure:"timeout"`
	HeaderLayout   string        `mapstructure:"header-layout"`
	Concurrency    int           `mapstructure:"concurrency"`
	Retries        int           `mapstructure:"retries"`
	RetryInterval  time.Duration `mapstructure:"retry-interval"`
	Logger         string        `mapstructure:"logger"`
	LogLevel       string        `mapstructure:"log-level"`
	Output         string        `mapstructure:"output"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "localhost")
	v.SetDefault("port", 5900)
	v.SetDefault("channels", []string{"main"})
	v.SetDefault("connect-timeout", spice.DefaultConnectTimeout)
	v.SetDefault("timeout", spice.DefaultReadTimeout)
	v.SetDefault("header-layout", "auto")
	v.SetDefault("concurrency", 4)
	v.SetDefault("retries", 1)
	v.SetDefault("retry-interval", time.Second)
	v.SetDefault("logger", "none")
	v.SetDefault("log-level", "info")
	v.SetDefault("output", "text")
}

func bindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (yaml, toml or json)")
	fs.String("host", "localhost", "SPICE server host")
	fs.Int("port", 5900, "SPICE server port")
	fs.String("password", "", "ticket password (prefer SPICE_PASSWORD)")
	fs.Uint32("connection-id", 0, "existing server session id to join")
	fs.Duration("connect-timeout", spice.DefaultConnectTimeout, "bound on each TCP connect")
	fs.Duration("timeout", spice.DefaultReadTimeout, "bound on each read and write")
	fs.String("header-layout", "auto", "data header layout: auto, full or no-serial")
	fs.Int("concurrency", 4, "channels linked at once after main")
	fs.Int("retries", 1, "link attempts per channel on transport failures")
	fs.Duration("retry-interval", time.Second, "minimum spacing between attempts")
	fs.String("logger", "none", "log backend: none, std, logrus or zerolog")
	fs.String("log-level", "info", "log level for logrus and zerolog")
	fs.StringP("output", "o", "text", "report format: text or yaml")
}

// loadConfig merges flags, environment and the optional config file. Channel
// arguments, when present, replace the configured channel list.
func loadConfig(v *viper.Viper, fs *pflag.FlagSet, args []string) (*probeConfig, error) {
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, oops.Wrapf(err, "bind flags")
	}
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, oops.Wrapf(err, "read config file %s", file)
		}
	}

	var cfg probeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, oops.Wrapf(err, "decode configuration")
	}
	if len(args) > 0 {
		cfg.Channels = args
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *probeConfig) validate() error {
	if len(c.Channels) == 0 {
		return oops.Errorf("no channels to probe")
	}
	if _, err := c.channelKeys(); err != nil {
		return err
	}
	if _, err := c.headerLayout(); err != nil {
		return err
	}
	switch c.Output {
	case "text", "yaml":
	default:
		return oops.Errorf("unknown output format %q", c.Output)
	}
	if c.Concurrency < 0 || c.Retries < 0 {
		return oops.Errorf("concurrency and retries must not be negative")
	}
	return nil
}

// channelKeys parses the channel list, keeping order and dropping repeats.
func (c *probeConfig) channelKeys() ([]spice.ChannelKey, error) {
	seen := make(map[spice.ChannelKey]bool, len(c.Channels))
	keys := make([]spice.ChannelKey, 0, len(c.Channels))
	for _, s := range c.Channels {
		key, err := spice.ParseChannelKey(s)
		if err != nil {
			return nil, oops.Wrapf(err, "channel %q", s)
		}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (c *probeConfig) headerLayout() (spice.HeaderLayout, error) {
	switch strings.ToLower(c.HeaderLayout) {
	case "", "auto":
		return spice.HeaderAuto, nil
	case "full":
		return spice.HeaderFull, nil
	case "no-serial", "mini":
		return spice.HeaderNoSerial, nil
	default:
		return 0, oops.Errorf("unknown header layout %q", c.HeaderLayout)
	}
}

// newLogger builds the configured log backend writing to w.
func (c *probeConfig) newLogger(w io.Writer) (spice.Logger, error) {
	switch strings.ToLower(c.Logger) {
	case "", "none":
		return &spice.NoOpLogger{}, nil
	case "std":
		return &spice.StandardLogger{Logger: log.New(w, "spice-probe: ", log.LstdFlags)}, nil
	case "logrus":
		level, err := logrus.ParseLevel(c.LogLevel)
		if err != nil {
			return nil, oops.Wrapf(err, "log level")
		}
		l := logrus.New()
		l.SetOutput(w)
		l.SetLevel(level)
		return spice.NewLogrusLogger(l), nil
	case "zerolog":
		level, err := zerolog.ParseLevel(c.LogLevel)
		if err != nil {
			return nil, oops.Wrapf(err, "log level")
		}
		zl := zerolog.New(zerolog.ConsoleWriter{Out: w}).Level(level).With().Timestamp().Logger()
		return spice.NewZerologLogger(zl), nil
	default:
		return nil, oops.Errorf("unknown logger %q", c.Logger)
	}
}

// sessionOptions maps the configuration onto session options.
func (c *probeConfig) sessionOptions(logger spice.Logger) ([]spice.ClientOption, error) {
	layout, err := c.headerLayout()
	if err != nil {
		return nil, err
	}
	return []spice.ClientOption{
		spice.WithLogger(logger),
		spice.WithConnectTimeout(c.ConnectTimeout),
		spice.WithReadTimeout(c.Timeout),
		spice.WithWriteTimeout(c.Timeout),
		spice.WithHeaderLayout(layout),
		spice.WithConnectionID(c.ConnectionID),
	}, nil
}
