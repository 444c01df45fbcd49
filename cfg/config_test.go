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

package cfg

import (
	"testing"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// yamlTags decodes against Config's yaml tags, as cmd/revokefs's initConfig does.
func yamlTags(dc *mapstructure.DecoderConfig) {
	dc.TagName = "yaml"
}

func bindFreshFlagSet(t *testing.T) *pflag.FlagSet {
	t.Helper()
	viper.Reset()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(fs))
	return fs
}

func TestBindFlagsDefaults(t *testing.T) {
	bindFreshFlagSet(t)

	var c Config
	require.NoError(t, viper.Unmarshal(&c, yamlTags))

	assert.False(t, c.Backend.Enabled)
	assert.Equal(t, -1, c.Backend.SocketFD)
	assert.Equal(t, "text", c.Logging.Format)
	assert.Equal(t, "info", c.Logging.Severity)
	assert.NoError(t, Validate(&c))
}

func TestBindFlagsParsesBackendMode(t *testing.T) {
	fs := bindFreshFlagSet(t)
	require.NoError(t, fs.Parse([]string{"--backend", "--socket=7", "--exit-with-fd=8"}))

	var c Config
	require.NoError(t, viper.Unmarshal(&c, yamlTags))

	assert.True(t, c.Backend.Enabled)
	assert.Equal(t, 7, c.Backend.SocketFD)
	assert.Equal(t, 8, c.Backend.ExitWithFD)
	assert.NoError(t, Validate(&c))
}

func TestValidateRejectsUnknownLogFormat(t *testing.T) {
	c := Config{Logging: LoggingConfig{Format: "xml", Severity: "info"}}
	assert.Error(t, Validate(&c))
}

func TestValidateRejectsBackendWithoutSocket(t *testing.T) {
	c := Config{
		Logging: LoggingConfig{Format: "text", Severity: "info"},
		Backend: BackendConfig{Enabled: true, SocketFD: -1},
	}
	assert.Error(t, Validate(&c))
}
