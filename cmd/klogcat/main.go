/*
Copyright 2016 Euan Kemp

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

// Command klogcat follows /dev/kmsg and writes dmesg-style lines to stdout,
// or to a rotated log file when -f is given.
package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/euank/klogcat/kmsgparser"
	"github.com/euank/klogcat/rotate"
	"github.com/euank/klogcat/tail"
)

type options struct {
	file     string
	maxSize  uint64
	maxFiles int
	policy   string
	device   string
	noFollow bool
	tail     bool
	logLevel string
}

func (o *options) addFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.file, "file", "f", "", "write to this log file with rotation instead of stdout")
	fs.Uint64Var(&o.maxSize, "max-size", rotate.DefaultMaxSize, "rotate the log file once it reaches this many bytes")
	fs.IntVar(&o.maxFiles, "max-files", rotate.DefaultMaxFiles, "number of rotated log files to keep")
	fs.StringVar(&o.policy, "rotate-policy", rotate.PolicyAbort.String(), "on a permission error while rotating: abort or continue")
	fs.StringVar(&o.device, "device", kmsgparser.DefaultDevice, "kernel log device to read")
	fs.BoolVar(&o.noFollow, "no-follow", false, "exit once the kernel buffer has been read")
	fs.BoolVarP(&o.tail, "tail", "t", false, "start at the tail of kmsg")
	fs.StringVar(&o.logLevel, "log-level", logrus.InfoLevel.String(), "level of klogcat's own diagnostics on stderr")
}

func main() {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// Log files are readable by group and other, never writable.
	unix.Umask(unix.S_IWGRP | unix.S_IWOTH)

	opts := &options{}
	code := tail.ExitOK
	cmd := &cobra.Command{
		Use:           "klogcat [-f log_path]",
		Short:         "Follow the kernel log and write it to stdout or a rotated file",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := run(log, opts)
			code = tail.ExitCode(err)
			return err
		},
	}
	opts.addFlags(cmd.Flags())

	if err := cmd.Execute(); err != nil {
		log.WithField("exit", code).Error(err)
		if code == tail.ExitOK {
			code = tail.ExitFailure
		}
	}
	os.Exit(code)
}

func run(log *logrus.Logger, opts *options) error {
	level, err := logrus.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	var sink rotate.Sink = rotate.Stream(os.Stdout)
	if opts.file != "" {
		policy, err := rotate.ParsePolicy(opts.policy)
		if err != nil {
			return err
		}
		if opts.maxFiles < 1 {
			return errors.Errorf("--max-files must be at least 1, got %d", opts.maxFiles)
		}
		log.Debugf("writing kernel log to %s", opts.file)
		f := rotate.NewFile(opts.file,
			rotate.WithMaxSize(opts.maxSize),
			rotate.WithMaxFiles(opts.maxFiles),
			rotate.WithPolicy(policy),
			rotate.WithLogger(log.WithField("file", opts.file)),
		)
		// Start every run with a fresh file, even if no record ever arrives.
		if err := f.Open(); err != nil {
			return err
		}
		sink = f
	}
	defer sink.Close()

	readerOpts := []kmsgparser.Option{
		kmsgparser.WithLogger(log.WithField("device", opts.device)),
		kmsgparser.WithDevice(opts.device),
	}
	if opts.noFollow {
		readerOpts = append(readerOpts, kmsgparser.WithNoFollow())
	}
	reader, err := kmsgparser.NewReader(readerOpts...)
	if err != nil {
		return errors.Wrap(err, "unable to create reader")
	}
	defer reader.Close()

	if opts.tail {
		if err := reader.SeekEnd(); err != nil {
			return errors.Wrap(err, "could not tail")
		}
	}

	err = tail.Run(reader, sink)
	stats := reader.Stats()
	log.WithFields(logrus.Fields{
		"frames":   stats.Frames,
		"dropped":  stats.Dropped,
		"overruns": stats.Overruns,
	}).Info("kmsg reader stopped")
	return err
}
