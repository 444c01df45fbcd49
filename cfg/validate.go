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

import "fmt"

var validLogSeverities = map[string]bool{
	"trace": true, "debug": true, "info": true, "warning": true, "error": true, "off": true,
}

var validLogFormats = map[string]bool{"text": true, "json": true}

// Validate checks field combinations BindFlags alone cannot express.
func Validate(c *Config) error {
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log-format %q, must be text or json", c.Logging.Format)
	}
	if !validLogSeverities[c.Logging.Severity] {
		return fmt.Errorf("invalid log-severity %q", c.Logging.Severity)
	}
	if c.Backend.Enabled && c.Backend.SocketFD < 0 {
		return fmt.Errorf("--backend requires --socket")
	}
	return nil
}
