package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Mode      string `yaml:"mode"`
	Transport string `yaml:"transport"`
	LogLevel  string `yaml:"log_level"`

	Format         string        `yaml:"format"`
	NumBuffers     int           `yaml:"num_buffers"`
	BufferSize     int           `yaml:"buffer_size"`
	NumTransfers   int           `yaml:"num_transfers"`
	Timeout        time.Duration `yaml:"timeout"`
	SamplesPerCall int           `yaml:"samples_per_call"`
	SampleRate     int           `yaml:"sample_rate"`
	Duration       time.Duration `yaml:"duration"`

	USB struct {
		ProductID int `yaml:"product_id"`
	} `yaml:"usb"`
	Loopback struct {
		SampleRate float64 `yaml:"sample_rate"`
		HighSpeed  bool    `yaml:"high_speed"`
	} `yaml:"loopback"`
	File struct {
		PlaybackLocation string        `yaml:"playback_location"`
		RecordLocation   string        `yaml:"record_location"`
		TransferInterval time.Duration `yaml:"transfer_interval"`
		Loop             bool          `yaml:"loop"`
	} `yaml:"file"`

	Tone struct {
		Frequency float64 `yaml:"frequency"`
		Amplitude float64 `yaml:"amplitude"`
	} `yaml:"tone"`
	Burst Burst `yaml:"burst"`

	OutputDestinations []OutputDestination `yaml:"output_destinations"`
	VizServer          struct {
		Addr           string        `yaml:"addr"`
		UpdateInterval time.Duration `yaml:"update_interval"`
	} `yaml:"viz_server"`
	InfluxDB struct {
		Host         string `yaml:"host"`
		Organization string `yaml:"organization"`
		Bucket       string `yaml:"bucket"`
	} `yaml:"influxdb"`
}

type Burst struct {
	Length         int    `yaml:"length"`
	Gap            int    `yaml:"gap"`
	Count          int    `yaml:"count"`
	StartTimestamp uint64 `yaml:"start_timestamp"`
	// Verify reads the bursts back, which only makes sense on a loopback.
	Verify    bool    `yaml:"verify"`
	Threshold float64 `yaml:"threshold"`
}

type OutputDestination struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Default returns the configuration used for keys missing from the file.
func Default() Config {
	var c Config
	c.Mode = "rx"
	c.Transport = "usb"
	c.LogLevel = "info"
	c.Format = "sc16q11_meta"
	c.NumBuffers = 16
	c.BufferSize = 8192
	c.NumTransfers = 8
	c.Timeout = 3500 * time.Millisecond
	c.SamplesPerCall = 8192
	c.SampleRate = 2000000
	c.Loopback.SampleRate = 2e6
	c.File.TransferInterval = 4 * time.Millisecond
	c.Tone.Frequency = 100e3
	c.Tone.Amplitude = 0.5
	c.Burst.Length = 10000
	c.Burst.Gap = 100000
	c.Burst.Count = 10
	c.Burst.StartTimestamp = 200000
	c.Burst.Threshold = 0.1
	c.VizServer.UpdateInterval = 500 * time.Millisecond
	return c
}

func Parse(contents []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(contents, &c); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func Load(path string) (Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(contents)
}

func (c Config) Validate() error {
	switch c.Mode {
	case "rx", "tx", "burst":
	default:
		return fmt.Errorf("mode must be rx, tx or burst, not %q", c.Mode)
	}
	switch c.Transport {
	case "usb", "loopback", "file":
	default:
		return fmt.Errorf("transport must be usb, loopback or file, not %q", c.Transport)
	}
	if c.Transport == "file" && c.File.PlaybackLocation == "" && c.File.RecordLocation == "" {
		return fmt.Errorf("file transport needs a playback or record location")
	}
	if c.SamplesPerCall <= 0 {
		return fmt.Errorf("samples_per_call must be positive")
	}
	if c.Mode == "burst" && (c.Burst.Length <= 0 || c.Burst.Count <= 0) {
		return fmt.Errorf("burst length and count must be positive")
	}
	return nil
}
