package torrent

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	Port          uint16 // reported to trackers, nothing listens on it
	MaxPeers      int
	PipelineDepth int

	// AnnounceInterval overrides the interval the tracker asks for when set.
	AnnounceInterval time.Duration
	// RetryInterval is the wait after a failed announce.
	RetryInterval      time.Duration
	MaxTrackerFailures int
	TrackerTimeout     time.Duration
	TrackerRetries     int

	DialTimeout      time.Duration
	DialInterval     time.Duration
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	KeepAlive        time.Duration

	ShowDownloadProgress bool
	Logger               *logrus.Logger
}

var DefaultConfig = Config{
	Port:                 6881,
	MaxPeers:             30,
	PipelineDepth:        5,
	RetryInterval:        15 * time.Second,
	MaxTrackerFailures:   5,
	TrackerTimeout:       15 * time.Second,
	TrackerRetries:       3,
	DialTimeout:          5 * time.Second,
	DialInterval:         20 * time.Millisecond,
	HandshakeTimeout:     5 * time.Second,
	RequestTimeout:       30 * time.Second,
	KeepAlive:            2 * time.Minute,
	ShowDownloadProgress: true,
}

// NewConfig validates config and fills unset fields from DefaultConfig.
func NewConfig(config Config) (Config, error) {
	if config.MaxPeers < 0 || config.PipelineDepth < 0 || config.MaxTrackerFailures < 0 || config.TrackerRetries < 0 {
		err := fmt.Errorf("peer, pipeline, failure and retry limits must not be negative")
		return Config{}, err
	}
	if config.AnnounceInterval < 0 {
		err := fmt.Errorf("announce interval must not be negative")
		return Config{}, err
	}

	if config.MaxPeers == 0 {
		config.MaxPeers = DefaultConfig.MaxPeers
	}
	if config.PipelineDepth == 0 {
		config.PipelineDepth = DefaultConfig.PipelineDepth
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultConfig.RetryInterval
	}
	if config.MaxTrackerFailures == 0 {
		config.MaxTrackerFailures = DefaultConfig.MaxTrackerFailures
	}
	if config.TrackerTimeout <= 0 {
		config.TrackerTimeout = DefaultConfig.TrackerTimeout
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultConfig.DialTimeout
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultConfig.HandshakeTimeout
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultConfig.RequestTimeout
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = DefaultConfig.KeepAlive
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	return config, nil
}
