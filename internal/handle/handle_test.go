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

package handle

import "testing"

func TestLocalRoundTrip(t *testing.T) {
	h := Local(17)
	if h.IsRemote() {
		t.Fatalf("expected local handle")
	}
	if got := h.LocalFD(); got != 17 {
		t.Fatalf("LocalFD() = %d, want 17", got)
	}
}

func TestRemoteRoundTrip(t *testing.T) {
	h := Remote(5)
	if !h.IsRemote() {
		t.Fatalf("expected remote handle")
	}
	if got := h.RemoteFD(); got != 5 {
		t.Fatalf("RemoteFD() = %d, want 5", got)
	}
}

func TestRemoteStartsAtOffset(t *testing.T) {
	h := Remote(0)
	if uint64(h) != Offset {
		t.Fatalf("Remote(0) = %d, want %d", uint64(h), Offset)
	}
}

func TestOffsetIsMaxUint32(t *testing.T) {
	if Offset != 4294967295 {
		t.Fatalf("Offset = %d, want 4294967295", Offset)
	}
}
