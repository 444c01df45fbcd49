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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOptionsSplitsKeyValue(t *testing.T) {
	got := parseOptions([]string{"allow_other", "max_read=4096"})
	assert.Equal(t, map[string]string{"allow_other": "", "max_read": "4096"}, got)
}

func TestParseOptionsEmpty(t *testing.T) {
	assert.Empty(t, parseOptions(nil))
}
