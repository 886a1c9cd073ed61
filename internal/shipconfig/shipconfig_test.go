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

package shipconfig

import (
	"testing"

	"github.com/spf13/pflag"
)

func TestShip_DefaultsWithNoFlagsOrEnv(t *testing.T) {
	fs := pflag.NewFlagSet("ship", pflag.ContinueOnError)
	s := BindShipFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := s.Resolve(fs); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if s.OffshoreHost != "localhost" {
		t.Errorf("OffshoreHost = %q, want localhost", s.OffshoreHost)
	}
	if s.OffshorePort != 9999 {
		t.Errorf("OffshorePort = %d, want 9999", s.OffshorePort)
	}
	if s.ListenPort != 8080 {
		t.Errorf("ListenPort = %d, want 8080", s.ListenPort)
	}
	if s.LogLevel != "INFO" {
		t.Errorf("LogLevel = %q, want INFO", s.LogLevel)
	}
	if s.AdminAddr != "localhost:2020" {
		t.Errorf("AdminAddr = %q, want localhost:2020", s.AdminAddr)
	}
	if s.QueueCapacity != 256 {
		t.Errorf("QueueCapacity = %d, want 256", s.QueueCapacity)
	}
}

func TestShip_EnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("OFFSHORE_HOST", "offshore.example.com")
	t.Setenv("OFFSHORE_PORT", "4242")
	t.Setenv("LOG_LEVEL", "DEBUG")

	fs := pflag.NewFlagSet("ship", pflag.ContinueOnError)
	s := BindShipFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := s.Resolve(fs); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if s.OffshoreHost != "offshore.example.com" {
		t.Errorf("OffshoreHost = %q", s.OffshoreHost)
	}
	if s.OffshorePort != 4242 {
		t.Errorf("OffshorePort = %d", s.OffshorePort)
	}
	if s.LogLevel != "DEBUG" {
		t.Errorf("LogLevel = %q", s.LogLevel)
	}
}

func TestShip_FlagOverridesEnvironment(t *testing.T) {
	t.Setenv("OFFSHORE_PORT", "4242")

	fs := pflag.NewFlagSet("ship", pflag.ContinueOnError)
	s := BindShipFlags(fs)
	if err := fs.Parse([]string{"--offshore-port", "7777"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := s.Resolve(fs); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if s.OffshorePort != 7777 {
		t.Errorf("OffshorePort = %d, want 7777 (flag should win over env)", s.OffshorePort)
	}
}

func TestShip_InvalidLogLevelRejected(t *testing.T) {
	fs := pflag.NewFlagSet("ship", pflag.ContinueOnError)
	s := BindShipFlags(fs)
	if err := fs.Parse([]string{"--log-level", "VERBOSE"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := s.Resolve(fs); err == nil {
		t.Error("expected an error for an invalid log level")
	}
}

func TestShip_ExplicitEmptyAdminAddrDisablesIt(t *testing.T) {
	fs := pflag.NewFlagSet("ship", pflag.ContinueOnError)
	s := BindShipFlags(fs)
	if err := fs.Parse([]string{"--admin-addr="}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := s.Resolve(fs); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.AdminAddr != "" {
		t.Errorf("AdminAddr = %q, want empty (disabled)", s.AdminAddr)
	}
}

func TestOffshore_Defaults(t *testing.T) {
	fs := pflag.NewFlagSet("offshore", pflag.ContinueOnError)
	o := BindOffshoreFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := o.Resolve(fs); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if o.BindHost != "0.0.0.0" {
		t.Errorf("BindHost = %q, want 0.0.0.0", o.BindHost)
	}
	if o.BindPort != 9999 {
		t.Errorf("BindPort = %d, want 9999", o.BindPort)
	}
	if o.AdminAddr != "localhost:2021" {
		t.Errorf("AdminAddr = %q, want localhost:2021", o.AdminAddr)
	}
}
