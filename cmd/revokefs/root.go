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

package main

import (
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flatpak/revokefs/cfg"
	"github.com/flatpak/revokefs/internal/logger"
)

var (
	bindErr      error
	unmarshalErr error
	mountConfig  cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "revokefs <basepath> <mountpoint>",
	Short: "A split-privilege passthrough FUSE filesystem",
	Long: `revokefs mounts mountpoint as a passthrough view of basepath. Reads are
served locally; every mutation is forwarded to a sibling Writer process
that alone can be revoked, by shutting down its control socket, to turn
the whole mount read-only without unmounting it.`,
	// --backend re-execs this binary to serve only the Writer half, taking
	// basepath alone; the foreground invocation takes basepath and mountpoint.
	Args: func(cmd *cobra.Command, args []string) error {
		backend, err := cmd.Flags().GetBool("backend")
		if err != nil {
			return err
		}
		if backend {
			return cobra.ExactArgs(1)(cmd, args)
		}
		return cobra.ExactArgs(2)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		if err := cfg.Validate(&mountConfig); err != nil {
			return err
		}

		logger.SetLogFormat(mountConfig.Logging.Format)
		logger.SetSeverity(mountConfig.Logging.Severity)
		if mountConfig.Logging.FilePath != "" {
			if err := logger.InitLogFile(mountConfig.Logging.FilePath, mountConfig.Logging.Severity, logger.DefaultRotateConfig()); err != nil {
				return fmt.Errorf("init log file: %w", err)
			}
		}

		if mountConfig.Backend.Enabled {
			return runBackend(&mountConfig, args[0])
		}
		return runMount(&mountConfig, args[0], args[1])
	},
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	bindErr = cfg.BindFlags(rootCmd.Flags())
}

func initConfig() {
	unmarshalErr = viper.Unmarshal(&mountConfig, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	})
}
