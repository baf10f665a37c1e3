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

// Package syncdirs computes the set of local directories that must be
// mirrored to a claimed instance before it can accept work.
package syncdirs

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Options configures DirsToMirror. RealPrefix is the interpreter/runtime
// install prefix to never mirror, matching a virtualenv's own escape hatch
// for not trying to copy the system installation it was created from.
type Options struct {
	AppDir             string
	AlsoSynchSlaveCode bool
	InstallRoot        string
	PersonalLogDir     string
	CheckoutDir        string
	RealPrefix         string
}

// DirsToMirror returns, in order and without duplicates, every directory
// that must be mirrored to a claimed instance: the app directory always;
// the install root and personal log directory when AlsoSynchSlaveCode is
// set; the checkout directory when present and outside the app directory;
// and any virtual-environment-linked directories discovered by walking the
// checkout.
func DirsToMirror(opts Options) ([]string, error) {
	var dirs []string
	if opts.AppDir != "" {
		dirs = append(dirs, opts.AppDir)
	}
	if opts.AlsoSynchSlaveCode {
		if opts.InstallRoot != "" {
			dirs = append(dirs, opts.InstallRoot)
		}
		if opts.PersonalLogDir != "" {
			dirs = append(dirs, opts.PersonalLogDir)
		}
	}
	if opts.CheckoutDir != "" && !strings.HasPrefix(opts.CheckoutDir, opts.AppDir) {
		dirs = append(dirs, opts.CheckoutDir)
		linked, err := findVirtualEnvLinkedDirectories(opts.CheckoutDir, opts.RealPrefix)
		if err != nil {
			return nil, err
		}
		for _, d := range linked {
			if !contains(dirs, d) {
				dirs = append(dirs, d)
			}
		}
	}
	return dirs, nil
}

// findVirtualEnvLinkedDirectories walks checkout looking for ".egg-link"
// files (portable symlinks rsync doesn't understand, pointing at code
// outside the checkout) and "orig-prefix.txt" files (a virtualenv's pointer
// back to the environment it was created from).
func findVirtualEnvLinkedDirectories(checkout, realPrefix string) ([]string, error) {
	var linkedDirs []string
	err := filepath.Walk(checkout, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		name := info.Name()
		switch {
		case strings.HasSuffix(name, ".egg-link"):
			target, rerr := firstNonEmptyLine(path)
			if rerr != nil {
				return nil
			}
			if setupDir := findSetUpDirectory(target); setupDir != "" && !contains(linkedDirs, setupDir) {
				linkedDirs = append(linkedDirs, setupDir)
			}
		case name == "orig-prefix.txt":
			contents, rerr := os.ReadFile(path)
			if rerr != nil {
				return nil
			}
			newDir := strings.TrimSpace(string(contents))
			if newDir != "" && newDir != realPrefix && !contains(linkedDirs, newDir) {
				linkedDirs = append(linkedDirs, newDir)
			}
		}
		return nil
	})
	return linkedDirs, err
}

// findSetUpDirectory ascends from dir until it finds one containing
// setup.py, since the egg-link target may be a subpackage rather than the
// checkout root.
func findSetUpDirectory(dir string) string {
	for {
		if _, err := os.Stat(filepath.Join(dir, "setup.py")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func firstNonEmptyLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			return line, nil
		}
	}
	return "", scanner.Err()
}

func contains(dirs []string, dir string) bool {
	for _, d := range dirs {
		if d == dir {
			return true
		}
	}
	return false
}
