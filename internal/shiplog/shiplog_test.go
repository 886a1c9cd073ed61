// Copyright 2024 The Ship Proxy Authors
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

package shiplog

import "testing"

func TestNew_AcceptsAllFourLevels(t *testing.T) {
	for _, level := range []string{"DEBUG", "INFO", "WARNING", "ERROR", "debug", "warning"} {
		if _, err := New(level); err != nil {
			t.Errorf("New(%q): %v", level, err)
		}
	}
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	if _, err := New("VERBOSE"); err == nil {
		t.Error("expected an error for an unknown level")
	}
}
