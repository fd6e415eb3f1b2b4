// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (c) 2017-2023 The Spacemesh developers

package server

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/powsubnet/logging"
	"github.com/spacemeshos/powsubnet/validator"
)

const (
	defaultDbDirName      = "db"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultRPCPort        = 50002
	defaultHTTPPort       = 8080
	defaultEventQueueSize = 1024
)

// Config defines the configuration options of the validator daemon.
//
// Values are loaded in three passes: command line (to find the config file),
// the ini config file, then the command line again so that flags take precedence.
//
//nolint:lll
type Config struct {
	Dir             string `long:"dir"            description:"The base directory that contains the validator's data, logs, configuration file, etc."`
	ConfigFile      string `long:"configfile"     description:"Path to configuration file"                                                          short:"c"`
	DataDir         string `long:"datadir"        description:"The directory to store the validator's data within"                                  short:"b"`
	DbDir           string `long:"dbdir"          description:"The directory to store DBs within"`
	LogDir          string `long:"logdir"         description:"Directory to log output"`
	DebugLog        bool   `long:"debuglog"       description:"Enable debug logs"`
	JSONLog         bool   `long:"jsonlog"        description:"Whether to log in JSON format"`
	MaxLogFiles     int    `long:"maxlogfiles"    description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize  int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	RawRPCListener  string `long:"rpclisten"      description:"The interface/port/socket to listen for RPC connections"                             short:"r"`
	RawHTTPListener string `long:"httplisten"     description:"The interface/port/socket serving /metrics and the /events websocket feed"           short:"w"`

	EventQueueSize int           `long:"event-queue-size" description:"Reward and penalty events buffered for the event feed before they are dropped"`
	ShutdownGrace  time.Duration `long:"shutdown-grace"   description:"How long in-flight HTTP requests are given to finish on shutdown"`

	Validator validator.Config `group:"Validator"`
}

// DefaultConfig returns a config with default hardcoded values.
func DefaultConfig() *Config {
	dir := "./powsubnet"
	cacheDir, err := os.UserCacheDir()
	if err == nil {
		dir = filepath.Join(cacheDir, "powsubnet")
	}

	return &Config{
		Dir:             dir,
		DataDir:         filepath.Join(dir, defaultDataDirname),
		DbDir:           filepath.Join(dir, defaultDbDirName),
		LogDir:          filepath.Join(dir, defaultLogDirname),
		MaxLogFiles:     defaultMaxLogFiles,
		MaxLogFileSize:  defaultMaxLogFileSize,
		RawRPCListener:  fmt.Sprintf("localhost:%d", defaultRPCPort),
		RawHTTPListener: fmt.Sprintf("localhost:%d", defaultHTTPPort),
		EventQueueSize:  defaultEventQueueSize,
		ShutdownGrace:   10 * time.Second,
		Validator:       validator.DefaultConfig(),
	}
}

// ParseFlags reads values from command line arguments.
func ParseFlags(preCfg *Config) (*Config, error) {
	if _, err := flags.Parse(preCfg); err != nil {
		return nil, err
	}
	return preCfg, nil
}

// ReadConfigFile reads config from an ini file.
// It uses the provided `cfg` as a base config and overrides it with the values
// from the config file.
func ReadConfigFile(cfg *Config) (*Config, error) {
	if cfg.ConfigFile == "" {
		return cfg, nil
	}
	logging.FromContext(context.Background()).Sugar().Debugf("reading config from %s", cfg.ConfigFile)
	if err := flags.IniParse(cfg.ConfigFile, cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %v: %w", cfg.ConfigFile, err)
	}

	return cfg, nil
}

// SetupConfig expands paths and initializes filesystem.
func SetupConfig(cfg *Config) (*Config, error) {
	// Paths left at their defaults follow a non-default base directory.
	defaultCfg := DefaultConfig()
	if cfg.Dir != defaultCfg.Dir {
		if cfg.DataDir == defaultCfg.DataDir {
			cfg.DataDir = filepath.Join(cfg.Dir, defaultDataDirname)
		}
		if cfg.LogDir == defaultCfg.LogDir {
			cfg.LogDir = filepath.Join(cfg.Dir, defaultLogDirname)
		}
		if cfg.DbDir == defaultCfg.DbDir {
			cfg.DbDir = filepath.Join(cfg.Dir, defaultDbDirName)
		}
	}

	cfg.Dir = cleanAndExpandPath(cfg.Dir)
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.DbDir = cleanAndExpandPath(cfg.DbDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	for _, dir := range []string{cfg.Dir, cfg.DataDir, cfg.DbDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create %v: %w", dir, err)
		}
	}
	if err := cfg.Validator.Difficulty.Validate(); err != nil {
		return nil, fmt.Errorf("invalid difficulty config: %w", err)
	}
	return cfg, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		var homeDir string
		user, err := user.Current()
		if err == nil {
			homeDir = user.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("dir", c.Dir)
	enc.AddString("datadir", c.DataDir)
	enc.AddString("dbdir", c.DbDir)
	enc.AddString("rpclisten", c.RawRPCListener)
	enc.AddString("httplisten", c.RawHTTPListener)
	enc.AddInt("event_queue_size", c.EventQueueSize)
	return enc.AddObject("validator", c.Validator)
}
