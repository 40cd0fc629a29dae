// Package config loads framerelay's TOML configuration and applies
// environment and command line overrides on top of it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/muxable/framerelay/internal/codec"
	"github.com/muxable/framerelay/internal/pacer"
	"github.com/muxable/framerelay/internal/queue"
	"github.com/muxable/framerelay/internal/source"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
)

// EnvPrefix prefixes every environment override, e.g. FRAMERELAY_INPUT_URL.
const EnvPrefix = "FRAMERELAY_"

// Duration is a time.Duration written as a string such as "10s" in TOML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Input struct {
	URL       string   `toml:"url"`
	Transport string   `toml:"transport"`
	Retries   int      `toml:"retries"`
	Hardware  bool     `toml:"hardware"`
	HWDevice  string   `toml:"hw_device"`
	HWCodecs  []string `toml:"hw_codecs"`
}

type Output struct {
	Width        int  `toml:"width"`
	Height       int  `toml:"height"`
	Discard      bool `toml:"discard"`
	DiscardEvery int  `toml:"discard_every"`
}

type Pipeline struct {
	QueueCapacity int      `toml:"queue_capacity"`
	StallTimeout  Duration `toml:"stall_timeout"`
	RetryDelay    Duration `toml:"retry_delay"`
}

type Server struct {
	GRPCAddr    string `toml:"grpc_addr"`
	MetricsAddr string `toml:"metrics_addr"`
}

// RTP egress is disabled while Addr is empty.
type RTP struct {
	Addr        string `toml:"addr"`
	MTU         int    `toml:"mtu"`
	PayloadType int    `toml:"payload_type"`
	SSRC        uint32 `toml:"ssrc"`
}

type Config struct {
	Input    Input    `toml:"input"`
	Output   Output   `toml:"output"`
	Pipeline Pipeline `toml:"pipeline"`
	Server   Server   `toml:"server"`
	RTP      RTP      `toml:"rtp"`
}

func Default() Config {
	return Config{
		Input: Input{
			Transport: "tcp",
			HWCodecs:  append([]string(nil), source.DefaultHWCodecs...),
		},
		Output: Output{
			Discard:      true,
			DiscardEvery: pacer.DefaultDiscardEvery,
		},
		Pipeline: Pipeline{
			QueueCapacity: queue.DefaultCapacity,
			StallTimeout:  Duration(source.DefaultStallWindow),
			RetryDelay:    Duration(source.DefaultRetryDelay),
		},
		Server: Server{
			GRPCAddr:    ":50051",
			MetricsAddr: ":9090",
		},
		RTP: RTP{
			MTU:         1200,
			PayloadType: 96,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := Parse(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML into cfg, rejecting unknown keys.
func Parse(b []byte, cfg *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// ApplyEnv applies FRAMERELAY_<SECTION>_<KEY> overrides using lookup,
// usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *Duration) {
		if v, ok := lookup(EnvPrefix + key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			}
		}
	}

	str("INPUT_URL", &c.Input.URL)
	str("INPUT_TRANSPORT", &c.Input.Transport)
	num("INPUT_RETRIES", &c.Input.Retries)
	flag("INPUT_HARDWARE", &c.Input.Hardware)
	str("INPUT_HW_DEVICE", &c.Input.HWDevice)
	if v, ok := lookup(EnvPrefix + "INPUT_HW_CODECS"); ok {
		c.Input.HWCodecs = strings.Split(v, ",")
	}
	num("OUTPUT_WIDTH", &c.Output.Width)
	num("OUTPUT_HEIGHT", &c.Output.Height)
	flag("OUTPUT_DISCARD", &c.Output.Discard)
	num("OUTPUT_DISCARD_EVERY", &c.Output.DiscardEvery)
	num("PIPELINE_QUEUE_CAPACITY", &c.Pipeline.QueueCapacity)
	dur("PIPELINE_STALL_TIMEOUT", &c.Pipeline.StallTimeout)
	dur("PIPELINE_RETRY_DELAY", &c.Pipeline.RetryDelay)
	str("SERVER_GRPC_ADDR", &c.Server.GRPCAddr)
	str("SERVER_METRICS_ADDR", &c.Server.MetricsAddr)
	str("RTP_ADDR", &c.RTP.Addr)
	num("RTP_MTU", &c.RTP.MTU)
	num("RTP_PAYLOAD_TYPE", &c.RTP.PayloadType)
	return multierr.Combine(errs...)
}

// RegisterFlags adds the command line overrides to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("url", "", "input url")
	fs.String("transport", "tcp", "rtsp transport (tcp or udp)")
	fs.Int("retries", 0, "extra open attempts")
	fs.Bool("hardware", false, "decode video on a hardware device")
	fs.Int("width", 0, "output width, 0 for the source size")
	fs.Int("height", 0, "output height, 0 for the source size")
	fs.Bool("discard", true, "drop every Nth video frame")
	fs.String("grpc-addr", ":50051", "gRPC listen address")
	fs.String("metrics-addr", ":9090", "metrics listen address, empty to disable")
	fs.String("rtp-addr", "", "send RTP to this UDP address")
}

// ApplyFlags applies the flags from RegisterFlags that were set explicitly.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "url":
			c.Input.URL, err = fs.GetString(f.Name)
		case "transport":
			c.Input.Transport, err = fs.GetString(f.Name)
		case "retries":
			c.Input.Retries, err = fs.GetInt(f.Name)
		case "hardware":
			c.Input.Hardware, err = fs.GetBool(f.Name)
		case "width":
			c.Output.Width, err = fs.GetInt(f.Name)
		case "height":
			c.Output.Height, err = fs.GetInt(f.Name)
		case "discard":
			c.Output.Discard, err = fs.GetBool(f.Name)
		case "grpc-addr":
			c.Server.GRPCAddr, err = fs.GetString(f.Name)
		case "metrics-addr":
			c.Server.MetricsAddr, err = fs.GetString(f.Name)
		case "rtp-addr":
			c.RTP.Addr, err = fs.GetString(f.Name)
		}
	})
	return err
}

// Validate checks ranges. It does not require an input url.
func (c *Config) Validate() error {
	var errs []error
	if _, err := codec.ParseTransport(c.Input.Transport); err != nil {
		errs = append(errs, err)
	}
	if c.Input.Retries < 0 {
		errs = append(errs, fmt.Errorf("input.retries must not be negative, got %d", c.Input.Retries))
	}
	if c.Output.Width < 0 || c.Output.Height < 0 || (c.Output.Width == 0) != (c.Output.Height == 0) {
		errs = append(errs, fmt.Errorf("output size %dx%d is invalid", c.Output.Width, c.Output.Height))
	}
	if c.Output.DiscardEvery < 2 {
		errs = append(errs, fmt.Errorf("output.discard_every must be at least 2, got %d", c.Output.DiscardEvery))
	}
	if c.Pipeline.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("pipeline.queue_capacity must be positive, got %d", c.Pipeline.QueueCapacity))
	}
	if c.Pipeline.StallTimeout < 0 {
		errs = append(errs, errors.New("pipeline.stall_timeout must not be negative"))
	}
	if c.Pipeline.RetryDelay < 0 {
		errs = append(errs, errors.New("pipeline.retry_delay must not be negative"))
	}
	if c.RTP.Addr != "" {
		if c.RTP.MTU <= 12 || c.RTP.MTU > 65535 {
			errs = append(errs, fmt.Errorf("rtp.mtu %d is out of range", c.RTP.MTU))
		}
		if c.RTP.PayloadType < 0 || c.RTP.PayloadType > 126 {
			errs = append(errs, fmt.Errorf("rtp.payload_type %d is out of range", c.RTP.PayloadType))
		}
	}
	return multierr.Combine(errs...)
}
