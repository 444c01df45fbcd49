// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cfg is the single typed configuration surface for revokefs,
// registered as CLI flags (spf13/pflag) and bound into spf13/viper,
// following gcsfuse's cfg.BindFlags convention. Values come from flags and
// their defaults only: no environment variables or config files are read.
package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is populated by BindFlags plus a subsequent viper.Unmarshal.
type Config struct {
	Backend BackendConfig `yaml:"backend"`

	Mount MountConfig `yaml:"mount"`

	Logging LoggingConfig `yaml:"logging"`

	MetricsAddr string `yaml:"metrics-addr"`
}

// BackendConfig governs the `--backend` re-exec mode: when set, the process
// runs only the Writer half against an already-connected control socket.
type BackendConfig struct {
	Enabled    bool `yaml:"enabled"`
	SocketFD   int  `yaml:"socket-fd"`
	ExitWithFD int  `yaml:"exit-with-fd"`
}

// MountConfig governs the Reader half and the `fuse.Mount` call.
type MountConfig struct {
	SocketFD   int      `yaml:"socket-fd"`
	Foreground bool     `yaml:"foreground"`
	Options    []string `yaml:"options"`
}

// LoggingConfig mirrors gcsfuse's cfg.Logging block.
type LoggingConfig struct {
	Format   string `yaml:"format"`
	Severity string `yaml:"severity"`
	FilePath string `yaml:"file-path"`
}

// BindFlags registers every revokefs flag on flagSet and binds it into
// viper under the Config field's yaml tag path, from which viper.Unmarshal
// fills Config. Only the flag (or its default) supplies the value; viper is
// not set up to read environment variables or a config file.
func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.BoolP("backend", "", false, "Run as the privileged Writer backend against --socket and exit.")
	if err = viper.BindPFlag("backend.enabled", flagSet.Lookup("backend")); err != nil {
		return err
	}

	flagSet.IntP("socket", "", -1, "Fd number of an already-connected SOCK_SEQPACKET control socket.")
	if err = viper.BindPFlag("backend.socket-fd", flagSet.Lookup("socket")); err != nil {
		return err
	}
	if err = viper.BindPFlag("mount.socket-fd", flagSet.Lookup("socket")); err != nil {
		return err
	}

	flagSet.IntP("exit-with-fd", "", -1, "Writer-only: exit once this fd reports EOF, as a liveness tether.")
	if err = viper.BindPFlag("backend.exit-with-fd", flagSet.Lookup("exit-with-fd")); err != nil {
		return err
	}

	flagSet.BoolP("foreground", "", false, "Accepted and ignored: the Reader always runs in the foreground until unmounted.")
	if err = viper.BindPFlag("mount.foreground", flagSet.Lookup("foreground")); err != nil {
		return err
	}

	flagSet.StringArrayP("option", "o", nil, "Mount option passed through to fuse.MountConfig, may be repeated.")
	if err = viper.BindPFlag("mount.options", flagSet.Lookup("option")); err != nil {
		return err
	}

	flagSet.StringP("metrics-addr", "", "", "host:port to serve Prometheus metrics on; empty disables the listener.")
	if err = viper.BindPFlag("metrics-addr", flagSet.Lookup("metrics-addr")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "Log output format: text or json.")
	if err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", "info", "Minimum log severity: trace, debug, info, warning, error, or off.")
	if err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Path to a log file; empty logs to stderr only.")
	if err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	return nil
}
