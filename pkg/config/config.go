/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the dispatcher's runtime configuration from flags,
// falling back to environment variables, following the same
// flag-with-environment-default convention the rest of the dependency stack
// uses for its own CLI entry points.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
)

// Options holds everything the dispatcher needs at startup. Everything the
// spec's external collaborators own (GUI, diffing pipeline, test model) is
// deliberately absent here.
type Options struct {
	// QueueSystemResource lists tag filters a candidate instance must satisfy,
	// each either "NAME" (implicit "=1") or "NAME=GLOB".
	QueueSystemResource []string
	// QueueSystemMaxCapacity upper-bounds the summed core budget we may claim
	// in the initial negotiation pass.
	QueueSystemMaxCapacity int
	// AlsoSynchSlaveCode additionally mirrors the install root and personal
	// log directory to every owned instance.
	AlsoSynchSlaveCode bool
	// AppDir is always mirrored to every owned instance.
	AppDir string
	// InstallRoot and PersonalLogDir are mirrored only when
	// AlsoSynchSlaveCode is set.
	InstallRoot    string
	PersonalLogDir string
	// CheckoutDir, if set and outside AppDir, is mirrored as well.
	CheckoutDir string
}

// ParseFlags registers and parses the dispatcher's flags, falling back to
// environment variables for anything not given on the command line.
func ParseFlags(fs *flag.FlagSet, args []string) (*Options, error) {
	o := &Options{}
	var resources string

	fs.StringVar(&resources, "queue-system-resource", withDefaultString("QUEUE_SYSTEM_RESOURCE", ""),
		"comma-separated list of tag filters (NAME or NAME=GLOB) a candidate instance must satisfy")
	fs.IntVar(&o.QueueSystemMaxCapacity, "queue-system-max-capacity", withDefaultInt("QUEUE_SYSTEM_MAX_CAPACITY", 0),
		"upper bound on summed core budget claimed during initial negotiation")
	fs.BoolVar(&o.AlsoSynchSlaveCode, "also-synch-slave-code", withDefaultBool("ALSO_SYNCH_SLAVE_CODE", false),
		"also mirror the install root and personal log directory to owned instances")
	fs.StringVar(&o.AppDir, "app-dir", withDefaultString("APP_DIR", ""), "application directory, always mirrored")
	fs.StringVar(&o.InstallRoot, "install-root", withDefaultString("INSTALL_ROOT", ""), "install root, mirrored when also-synch-slave-code is set")
	fs.StringVar(&o.PersonalLogDir, "personal-log-dir", withDefaultString("PERSONAL_LOG_DIR", ""), "personal log directory, mirrored when also-synch-slave-code is set")
	fs.StringVar(&o.CheckoutDir, "checkout-dir", withDefaultString("CHECKOUT_DIR", ""), "checkout directory, mirrored when outside app-dir")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	o.QueueSystemResource = splitNonEmpty(resources, ",")
	return o, nil
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func withDefaultString(envVar, defaultValue string) string {
	if v, ok := os.LookupEnv(envVar); ok {
		return v
	}
	return defaultValue
}

func withDefaultInt(envVar string, defaultValue int) int {
	if v, ok := os.LookupEnv(envVar); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func withDefaultBool(envVar string, defaultValue bool) bool {
	if v, ok := os.LookupEnv(envVar); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}
