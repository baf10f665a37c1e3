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

// Command dispatcher discovers EC2 instances matching a queue-system
// resource tag filter, negotiates ownership of as many as the configured
// capacity budget allows, mirrors the application's code to each, and then
// dispatches submitted slave jobs across them round-robin.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awslabs/operatorpkg/serrors"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/log"

	sdk "github.com/texttest/ec2cloud/pkg/aws"
	"github.com/texttest/ec2cloud/pkg/batcher"
	"github.com/texttest/ec2cloud/pkg/catalog"
	"github.com/texttest/ec2cloud/pkg/config"
	"github.com/texttest/ec2cloud/pkg/dispatcher"
	"github.com/texttest/ec2cloud/pkg/localqueue"
	"github.com/texttest/ec2cloud/pkg/ownership"
	"github.com/texttest/ec2cloud/pkg/remote"
	"github.com/texttest/ec2cloud/pkg/syncdirs"
)

const statusPollInterval = 10 * time.Second

func main() {
	logger := newLogger()
	log.SetLogger(logger)
	klog.SetLogger(logger)
	ctx := log.IntoContext(context.Background(), logger)

	if err := run(ctx); err != nil {
		logger.Error(err, "dispatcher exited with an error")
		os.Exit(1)
	}
}

// newLogger builds a production zap logger and adapts it the way the rest
// of this dependency stack wires its own controllers' loggers: zap ->
// zapr -> serrors, so every error logged through it carries whatever
// key/value pairs serrors.Wrap attached along the way.
func newLogger() logr.Logger {
	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(zap.InfoLevel),
		Development:       false,
		DisableStacktrace: true,
		Encoding:          "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:     "message",
			LevelKey:       "level",
			TimeKey:        "time",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	zapLogger := lo.Must(cfg.Build()).Named("dispatcher")
	return serrors.NewLogger(zapr.NewLogger(zapLogger))
}

func run(ctx context.Context) error {
	opts, err := config.ParseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		return serrors.Wrap(err, "stage", "config")
	}

	ec2api, err := sdk.NewEC2Client(ctx)
	if err != nil {
		return serrors.Wrap(err, "stage", "aws-client")
	}

	cat := catalog.New(ctx, ec2api)
	candidates, err := cat.Discover(ctx, opts.QueueSystemResource)
	if err != nil {
		return serrors.Wrap(err, "stage", "discovery")
	}
	if len(candidates) == 0 {
		log.FromContext(ctx).Info("no candidate instances matched the configured tag filters; nothing to dispatch to")
		return nil
	}

	tags := batcher.NewTagsBatcher(ctx, ec2api)
	negotiator := ownership.New(cat.Describe, tags, ownerName(), time.Now())
	owned, otherOwners, err := negotiator.TakeOwnership(ctx, candidates, opts.QueueSystemMaxCapacity)
	if err != nil {
		return serrors.Wrap(err, "stage", "ownership")
	}
	if len(owned) == 0 {
		log.FromContext(ctx).Info("failed to claim any instance", "other-owners", otherOwners)
		return nil
	}
	log.FromContext(ctx).Info("claimed instances", "count", len(owned), "other-owners", otherOwners, "tag", negotiator.MyTag())

	dirs, err := syncdirs.DirsToMirror(syncdirs.Options{
		AppDir:             opts.AppDir,
		AlsoSynchSlaveCode: opts.AlsoSynchSlaveCode,
		InstallRoot:        opts.InstallRoot,
		PersonalLogDir:     personalLogDir(opts),
		CheckoutDir:        opts.CheckoutDir,
	})
	if err != nil {
		return serrors.Wrap(err, "stage", "syncdirs")
	}

	app := remote.New("ec2-user")
	d := dispatcher.New(owned, negotiator, ec2api, app, dirs, localqueue.New(), ownerName())
	log.FromContext(ctx).Info("dispatcher ready", "capacity", d.Capacity())

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	pollUntilShutdown(sigCtx, d)

	d.Cleanup(ctx, true)
	return nil
}

// pollUntilShutdown periodically reaps idle machines and logs a status
// snapshot until interrupted. The GUI or test-runner process this dispatcher
// is embedded in is itself out of this module's scope; this loop stands in
// for whatever external driver calls SubmitSlaveJob/KillJob in a real
// deployment, so the process has something useful to do standalone.
func pollUntilShutdown(ctx context.Context, d *dispatcher.Dispatcher) {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			statuses := d.GetStatusForAllJobs(ctx)
			log.FromContext(ctx).Info("job status snapshot", "jobs", len(statuses))
		}
	}
}

// ownerName is the prefix written into every ownership tag value, read
// directly from the environment rather than threaded through config.Options
// since it is a property of who is running the dispatcher, not of the run
// itself.
func ownerName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return os.Getenv("USERNAME")
}

// personalLogDir falls back to TEXTTEST_PERSONAL_LOG when the flag/env pair
// config.ParseFlags already checked was left unset.
func personalLogDir(opts *config.Options) string {
	if opts.PersonalLogDir != "" {
		return opts.PersonalLogDir
	}
	return os.Getenv("TEXTTEST_PERSONAL_LOG")
}
