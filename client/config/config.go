// config.go - Reply and retransmission core configuration.
// Copyright (C) 2018  Yawning Angel, David Stainton.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config implements the configuration for the reliable delivery
// and reply SURB core.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/replyarq/core/retry"
)

const (
	defaultLogLevel = "NOTICE"

	defaultRetransmissionTimeout    = 5000
	defaultMaxRetransmissionTimeout = 120000

	defaultMinimumReplySurbStorageThreshold       = 10
	defaultMaximumReplySurbStorageThreshold       = 200
	defaultMinimumReplySurbRequestSize            = 10
	defaultMaximumReplySurbRequestSize            = 100
	defaultMaximumAllowedReplySurbRequestSize     = 500
	defaultMaximumReplySurbRerequestWaitingPeriod = 10
	defaultMaximumReplySurbDropWaitingPeriod      = 5 * 60
	defaultMaximumReplySurbAge                    = 12 * 60 * 60
	defaultMaximumReplyKeyAge                     = 24 * 60 * 60

	defaultFlushInterval  = 60
	defaultMaxConnections = 4

	defaultFragmentPayloadSize       = 2048
	defaultPendingReplyCheckInterval = 1000
	defaultInputQueueSize            = 64
)

const (
	// BackoffFixed retransmits every fragment after the same timeout.
	BackoffFixed = "fixed"

	// BackoffExponential doubles the timeout on every retransmission of a
	// fragment, up to MaxRetransmissionTimeout.
	BackoffExponential = "exponential"
)

const (
	// BackendNone keeps reply storage in memory only.
	BackendNone = "none"

	// BackendBolt persists reply storage in a bbolt database file.
	BackendBolt = "bolt"

	// BackendPostgres persists reply storage in a PostgreSQL database.
	BackendPostgres = "postgres"
)

var errMissingDSN = errors.New("config: Storage: DSN is required for the postgres backend")

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Acknowledgements is the retransmission configuration.
type Acknowledgements struct {
	// RetransmissionTimeout is the number of milliseconds to wait for the
	// acknowledgement of a real fragment before it is retransmitted.
	RetransmissionTimeout int

	// Backoff is the retransmission timeout policy, "fixed" or
	// "exponential".
	Backoff string

	// MaxRetransmissionTimeout is the upper bound in milliseconds of the
	// exponential policy.
	MaxRetransmissionTimeout int

	// Jitter is the fraction by which exponential timeouts are randomly
	// stretched or shrunk, between 0 and 1.  Zero selects the default.
	Jitter float64

	// MaxRetransmissions is the number of times a fragment is retransmitted
	// before it is abandoned.  Zero retransmits forever.
	MaxRetransmissions int
}

func (aCfg *Acknowledgements) fixupAndValidate() error {
	if aCfg.RetransmissionTimeout == 0 {
		aCfg.RetransmissionTimeout = defaultRetransmissionTimeout
	}
	if aCfg.MaxRetransmissionTimeout == 0 {
		aCfg.MaxRetransmissionTimeout = defaultMaxRetransmissionTimeout
	}
	if aCfg.Jitter == 0 {
		aCfg.Jitter = retry.DefaultJitter
	}
	aCfg.Backoff = strings.ToLower(aCfg.Backoff)
	switch aCfg.Backoff {
	case "":
		aCfg.Backoff = BackoffFixed
	case BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("config: Acknowledgements: Backoff '%v' is invalid", aCfg.Backoff)
	}
	switch {
	case aCfg.RetransmissionTimeout < 0:
		return errors.New("config: Acknowledgements: RetransmissionTimeout is negative")
	case aCfg.MaxRetransmissionTimeout < aCfg.RetransmissionTimeout:
		return errors.New("config: Acknowledgements: MaxRetransmissionTimeout is below RetransmissionTimeout")
	case aCfg.MaxRetransmissions < 0:
		return errors.New("config: Acknowledgements: MaxRetransmissions is negative")
	case aCfg.Jitter < 0 || aCfg.Jitter >= 1:
		return fmt.Errorf("config: Acknowledgements: Jitter %v is outside [0, 1)", aCfg.Jitter)
	}
	return nil
}

// Timeout returns the retransmission timeout as a time.Duration.
func (aCfg *Acknowledgements) Timeout() time.Duration {
	return time.Duration(aCfg.RetransmissionTimeout) * time.Millisecond
}

// MaxTimeout returns the exponential backoff bound as a time.Duration.
func (aCfg *Acknowledgements) MaxTimeout() time.Duration {
	return time.Duration(aCfg.MaxRetransmissionTimeout) * time.Millisecond
}

// ReplySurbs is the reply SURB management configuration.
type ReplySurbs struct {
	// MinimumReplySurbStorageThreshold is the number of reply SURBs per
	// sender tag that are never spent on regular replies.
	MinimumReplySurbStorageThreshold int

	// MaximumReplySurbStorageThreshold is the number of reply SURBs per
	// sender tag above which no more are requested.
	MaximumReplySurbStorageThreshold int

	// MinimumReplySurbRequestSize is the smallest number of reply SURBs
	// requested at once.
	MinimumReplySurbRequestSize int

	// MaximumReplySurbRequestSize is the largest number of reply SURBs
	// requested at once.
	MaximumReplySurbRequestSize int

	// MaximumAllowedReplySurbRequestSize is the largest number of reply
	// SURBs a remote peer may ask us for in one request.
	MaximumAllowedReplySurbRequestSize int

	// MaximumReplySurbRerequestWaitingPeriod is the number of seconds to
	// wait for requested SURBs before asking again.
	MaximumReplySurbRerequestWaitingPeriod int

	// MaximumReplySurbDropWaitingPeriod is the number of seconds after
	// which pending replies are dropped if no SURBs arrived.
	MaximumReplySurbDropWaitingPeriod int

	// MaximumReplySurbAge is the number of seconds after which stored
	// reply SURBs are considered expired.
	MaximumReplySurbAge int

	// MaximumReplyKeyAge is the number of seconds after which unused
	// reply keys are discarded.
	MaximumReplyKeyAge int
}

func (rCfg *ReplySurbs) fixupAndValidate() error {
	fixups := []struct {
		v   *int
		def int
	}{
		{&rCfg.MinimumReplySurbStorageThreshold, defaultMinimumReplySurbStorageThreshold},
		{&rCfg.MaximumReplySurbStorageThreshold, defaultMaximumReplySurbStorageThreshold},
		{&rCfg.MinimumReplySurbRequestSize, defaultMinimumReplySurbRequestSize},
		{&rCfg.MaximumReplySurbRequestSize, defaultMaximumReplySurbRequestSize},
		{&rCfg.MaximumAllowedReplySurbRequestSize, defaultMaximumAllowedReplySurbRequestSize},
		{&rCfg.MaximumReplySurbRerequestWaitingPeriod, defaultMaximumReplySurbRerequestWaitingPeriod},
		{&rCfg.MaximumReplySurbDropWaitingPeriod, defaultMaximumReplySurbDropWaitingPeriod},
		{&rCfg.MaximumReplySurbAge, defaultMaximumReplySurbAge},
		{&rCfg.MaximumReplyKeyAge, defaultMaximumReplyKeyAge},
	}
	for _, f := range fixups {
		if *f.v == 0 {
			*f.v = f.def
		}
		if *f.v < 0 {
			return errors.New("config: ReplySurbs: negative values are invalid")
		}
	}
	if rCfg.MaximumReplySurbStorageThreshold < rCfg.MinimumReplySurbStorageThreshold {
		return errors.New("config: ReplySurbs: MaximumReplySurbStorageThreshold is below MinimumReplySurbStorageThreshold")
	}
	if rCfg.MaximumReplySurbRequestSize < rCfg.MinimumReplySurbRequestSize {
		return errors.New("config: ReplySurbs: MaximumReplySurbRequestSize is below MinimumReplySurbRequestSize")
	}
	if rCfg.MaximumReplySurbDropWaitingPeriod < rCfg.MaximumReplySurbRerequestWaitingPeriod {
		return errors.New("config: ReplySurbs: MaximumReplySurbDropWaitingPeriod is below MaximumReplySurbRerequestWaitingPeriod")
	}
	return nil
}

// RerequestWaitingPeriod returns MaximumReplySurbRerequestWaitingPeriod as
// a time.Duration.
func (rCfg *ReplySurbs) RerequestWaitingPeriod() time.Duration {
	return time.Duration(rCfg.MaximumReplySurbRerequestWaitingPeriod) * time.Second
}

// DropWaitingPeriod returns MaximumReplySurbDropWaitingPeriod as a
// time.Duration.
func (rCfg *ReplySurbs) DropWaitingPeriod() time.Duration {
	return time.Duration(rCfg.MaximumReplySurbDropWaitingPeriod) * time.Second
}

// SurbAge returns MaximumReplySurbAge as a time.Duration.
func (rCfg *ReplySurbs) SurbAge() time.Duration {
	return time.Duration(rCfg.MaximumReplySurbAge) * time.Second
}

// KeyAge returns MaximumReplyKeyAge as a time.Duration.
func (rCfg *ReplySurbs) KeyAge() time.Duration {
	return time.Duration(rCfg.MaximumReplyKeyAge) * time.Second
}

// Storage is the reply storage persistence configuration.
type Storage struct {
	// Backend is one of "none", "bolt" or "postgres".
	Backend string

	// Path is the bbolt database file, used by the bolt backend.
	Path string

	// DSN is the PostgreSQL connection string, used by the postgres backend.
	DSN string

	// MaxConnections is the PostgreSQL connection pool size.
	MaxConnections int

	// FlushInterval is the number of seconds between reply storage flushes.
	FlushInterval int
}

func (sCfg *Storage) fixupAndValidate(dataDir string) error {
	if sCfg.FlushInterval == 0 {
		sCfg.FlushInterval = defaultFlushInterval
	}
	if sCfg.MaxConnections == 0 {
		sCfg.MaxConnections = defaultMaxConnections
	}
	sCfg.Backend = strings.ToLower(sCfg.Backend)
	switch sCfg.Backend {
	case "", BackendNone:
		sCfg.Backend = BackendNone
	case BackendBolt:
		if sCfg.Path == "" {
			if dataDir == "" {
				return errors.New("config: Storage: Path or DataDir is required for the bolt backend")
			}
			sCfg.Path = filepath.Join(dataDir, "reply_store.db")
		}
	case BackendPostgres:
		if sCfg.DSN == "" {
			return errMissingDSN
		}
	default:
		return fmt.Errorf("config: Storage: Backend '%v' is invalid", sCfg.Backend)
	}
	if sCfg.FlushInterval < 0 || sCfg.MaxConnections < 0 {
		return errors.New("config: Storage: negative values are invalid")
	}
	return nil
}

// Flush returns FlushInterval as a time.Duration.
func (sCfg *Storage) Flush() time.Duration {
	return time.Duration(sCfg.FlushInterval) * time.Second
}

// Metrics is the metrics configuration.
type Metrics struct {
	// Address is the host:port the prometheus /metrics endpoint listens
	// on.  Empty disables the endpoint.
	Address string
}

// Debug is the debug configuration.
type Debug struct {
	// FragmentPayloadSize is the number of message bytes carried by each
	// reply fragment.
	FragmentPayloadSize int

	// PendingReplyCheckInterval is the interval in milliseconds at which
	// stale pending replies are re-requested or dropped.
	PendingReplyCheckInterval int

	// InputQueueSize is the capacity of the bounded input message channel.
	InputQueueSize int
}

func (d *Debug) fixupAndValidate() error {
	if d.FragmentPayloadSize == 0 {
		d.FragmentPayloadSize = defaultFragmentPayloadSize
	}
	if d.PendingReplyCheckInterval == 0 {
		d.PendingReplyCheckInterval = defaultPendingReplyCheckInterval
	}
	if d.InputQueueSize == 0 {
		d.InputQueueSize = defaultInputQueueSize
	}
	switch {
	case d.FragmentPayloadSize < 0:
		return errors.New("config: Debug: FragmentPayloadSize is negative")
	case d.PendingReplyCheckInterval < 0:
		return errors.New("config: Debug: PendingReplyCheckInterval is negative")
	case d.InputQueueSize < 0:
		return errors.New("config: Debug: InputQueueSize is negative")
	}
	return nil
}

// CheckInterval returns PendingReplyCheckInterval as a time.Duration.
func (d *Debug) CheckInterval() time.Duration {
	return time.Duration(d.PendingReplyCheckInterval) * time.Millisecond
}

// Config is the top level configuration.
type Config struct {
	DataDir          string
	Logging          *Logging
	Acknowledgements *Acknowledgements
	ReplySurbs       *ReplySurbs
	Storage          *Storage
	Metrics          *Metrics
	Debug            *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	// Handle missing sections if possible.
	if c.Logging == nil {
		l := defaultLogging
		c.Logging = &l
	}
	if c.Acknowledgements == nil {
		c.Acknowledgements = &Acknowledgements{}
	}
	if c.ReplySurbs == nil {
		c.ReplySurbs = &ReplySurbs{}
	}
	if c.Storage == nil {
		c.Storage = &Storage{}
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}
	if c.Debug == nil {
		c.Debug = &Debug{}
	}

	// Validate/fixup the various sections.
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.Debug.fixupAndValidate(); err != nil {
		return err
	}
	if err := c.Acknowledgements.fixupAndValidate(); err != nil {
		return err
	}
	if err := c.ReplySurbs.fixupAndValidate(); err != nil {
		return err
	}
	if err := c.Storage.fixupAndValidate(c.DataDir); err != nil {
		return err
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
