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

// Package shipconfig resolves the flags and environment variables
// shared by the ship and offshore binaries. Every setting follows the
// same precedence: an explicitly-passed flag wins, otherwise the
// matching environment variable is used, otherwise the built-in
// default applies.
package shipconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// Ship holds the fully resolved configuration for the ship binary.
type Ship struct {
	OffshoreHost       string
	OffshorePort       int
	ListenPort         int
	LogLevel           string
	AdminAddr          string
	InsecureSkipVerify bool
	QueueCapacity      int
}

// Offshore holds the fully resolved configuration for the offshore
// binary.
type Offshore struct {
	BindHost           string
	BindPort           int
	LogLevel           string
	AdminAddr          string
	InsecureSkipVerify bool
}

// BindShipFlags registers the ship binary's flags on fs. Call Resolve
// after fs.Parse to merge in environment variables and defaults.
func BindShipFlags(fs *pflag.FlagSet) *Ship {
	s := &Ship{}
	fs.StringVar(&s.OffshoreHost, "offshore-host", "", "Offshore host to dial (env OFFSHORE_HOST, default \"localhost\")")
	fs.IntVar(&s.OffshorePort, "offshore-port", 0, "Offshore port to dial (env OFFSHORE_PORT, default 9999)")
	fs.IntVar(&s.ListenPort, "listen-port", 0, "Port to listen for browser connections on (env LISTEN_PORT, default 8080)")
	fs.StringVar(&s.LogLevel, "log-level", "", "Log level: DEBUG, INFO, WARNING, or ERROR (env LOG_LEVEL, default INFO)")
	fs.StringVar(&s.AdminAddr, "admin-addr", "", "Address for the health/metrics server, empty disables it (env ADMIN_ADDR, default localhost:2020)")
	fs.BoolVar(&s.InsecureSkipVerify, "insecure-skip-verify", false, "Skip TLS certificate verification on origin fetches (env INSECURE_SKIP_VERIFY)")
	fs.IntVar(&s.QueueCapacity, "queue-capacity", 0, "Maximum in-flight submissions awaiting the link (env QUEUE_CAPACITY, default 256)")
	return s
}

// Resolve fills in any field left at its zero value from the matching
// environment variable, then from the hard-coded default. fs is the
// FlagSet the admin-addr flag was parsed from; it is consulted via
// fs.Changed so an explicitly-empty "--admin-addr=" (disable the admin
// server) can be told apart from the flag never having been passed at
// all, which both otherwise leave AdminAddr at "". fs may be nil, which
// is treated as "the flag was never explicitly set."
func (s *Ship) Resolve(fs *pflag.FlagSet) error {
	s.OffshoreHost = firstNonEmpty(s.OffshoreHost, os.Getenv("OFFSHORE_HOST"), "localhost")
	s.LogLevel = firstNonEmpty(s.LogLevel, os.Getenv("LOG_LEVEL"), "INFO")
	s.AdminAddr = adminAddrOrDefault(s.AdminAddr, changed(fs, "admin-addr"), "ADMIN_ADDR", "localhost:2020")

	port, err := intEnvOrDefault(s.OffshorePort, "OFFSHORE_PORT", 9999)
	if err != nil {
		return fmt.Errorf("shipconfig: OFFSHORE_PORT: %w", err)
	}
	s.OffshorePort = port

	listenPort, err := intEnvOrDefault(s.ListenPort, "LISTEN_PORT", 8080)
	if err != nil {
		return fmt.Errorf("shipconfig: LISTEN_PORT: %w", err)
	}
	s.ListenPort = listenPort

	queueCap, err := intEnvOrDefault(s.QueueCapacity, "QUEUE_CAPACITY", 256)
	if err != nil {
		return fmt.Errorf("shipconfig: QUEUE_CAPACITY: %w", err)
	}
	s.QueueCapacity = queueCap

	if !s.InsecureSkipVerify {
		s.InsecureSkipVerify = boolEnv("INSECURE_SKIP_VERIFY")
	}

	return validateLogLevel(s.LogLevel)
}

// BindOffshoreFlags registers the offshore binary's flags on fs.
func BindOffshoreFlags(fs *pflag.FlagSet) *Offshore {
	o := &Offshore{}
	fs.StringVar(&o.BindHost, "host", "", "Address to bind for incoming ship connections (env OFFSHORE_HOST, default \"0.0.0.0\")")
	fs.IntVar(&o.BindPort, "port", 0, "Port to bind for incoming ship connections (env OFFSHORE_PORT, default 9999)")
	fs.StringVar(&o.LogLevel, "log-level", "", "Log level: DEBUG, INFO, WARNING, or ERROR (env LOG_LEVEL, default INFO)")
	fs.StringVar(&o.AdminAddr, "admin-addr", "", "Address for the health/metrics server, empty disables it (env ADMIN_ADDR, default localhost:2021)")
	fs.BoolVar(&o.InsecureSkipVerify, "insecure-skip-verify", false, "Skip TLS certificate verification on origin fetches (env INSECURE_SKIP_VERIFY)")
	return o
}

// Resolve fills in any field left at its zero value from the matching
// environment variable, then from the hard-coded default. See Ship.Resolve
// for why fs is needed to resolve AdminAddr correctly.
func (o *Offshore) Resolve(fs *pflag.FlagSet) error {
	o.BindHost = firstNonEmpty(o.BindHost, os.Getenv("OFFSHORE_HOST"), "0.0.0.0")
	o.LogLevel = firstNonEmpty(o.LogLevel, os.Getenv("LOG_LEVEL"), "INFO")
	o.AdminAddr = adminAddrOrDefault(o.AdminAddr, changed(fs, "admin-addr"), "ADMIN_ADDR", "localhost:2021")

	port, err := intEnvOrDefault(o.BindPort, "OFFSHORE_PORT", 9999)
	if err != nil {
		return fmt.Errorf("shipconfig: OFFSHORE_PORT: %w", err)
	}
	o.BindPort = port

	if !o.InsecureSkipVerify {
		o.InsecureSkipVerify = boolEnv("INSECURE_SKIP_VERIFY")
	}

	return validateLogLevel(o.LogLevel)
}

func validateLogLevel(level string) error {
	switch strings.ToUpper(level) {
	case "DEBUG", "INFO", "WARNING", "ERROR":
		return nil
	default:
		return fmt.Errorf("shipconfig: invalid log level %q: want DEBUG, INFO, WARNING, or ERROR", level)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// changed reports whether name was explicitly set on fs. A nil fs (no
// FlagSet available) is treated as "not set".
func changed(fs *pflag.FlagSet, name string) bool {
	return fs != nil && fs.Changed(name)
}

// adminAddrOrDefault treats an explicitly-set flag value (including "")
// as authoritative, since an empty admin address means "disable the
// admin server" rather than "unset". explicit comes from fs.Changed,
// since the zero value of flagVal alone can't distinguish "set to
// empty" from "never set".
func adminAddrOrDefault(flagVal string, explicit bool, envVar, def string) string {
	if explicit {
		return flagVal
	}
	if v, ok := os.LookupEnv(envVar); ok {
		return v
	}
	return def
}

func intEnvOrDefault(flagVal int, envVar string, def int) (int, error) {
	if flagVal != 0 {
		return flagVal, nil
	}
	if v := os.Getenv(envVar); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid integer %q: %w", v, err)
		}
		return n, nil
	}
	return def, nil
}

func boolEnv(envVar string) bool {
	v := strings.ToLower(os.Getenv(envVar))
	return v == "1" || v == "true" || v == "yes"
}
