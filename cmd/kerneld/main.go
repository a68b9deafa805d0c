// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// kerneld hosts the CloudABI kernel core as an ordinary process: it boots
// the subsystems, optionally execs an init binary, and serves until
// signalled.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cloudabi/kcore/internal/kernel"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	ctrl "sigs.k8s.io/controller-runtime"
)

var version = "dev"

var (
	flagVerbose       bool
	flagFrames        int
	flagStorePath     string
	flagStatsInterval time.Duration
	flagInit          string
	flagArgdata       string
	flagBootDir       string
)

func newLogger() (logr.Logger, error) {
	var zlog *zap.Logger
	var err error
	if flagVerbose {
		zlog, err = zap.NewDevelopment()
	} else {
		zlog, err = zap.NewProduction()
	}
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(zlog), nil
}

func loadBootFiles(dir string) (map[string][]byte, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read boot dir: %w", err)
	}
	files := make(map[string][]byte)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		files[e.Name()] = data
	}
	return files, nil
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the kernel and serve until signalled",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			bootFiles, err := loadBootFiles(flagBootDir)
			if err != nil {
				return err
			}

			k, err := kernel.New(kernel.Options{
				Logger: logger,
				Config: kernel.Config{
					FrameCount:    flagFrames,
					StorePath:     flagStorePath,
					StatsInterval: flagStatsInterval,
				},
				Console:   os.Stdout,
				BootFiles: bootFiles,
			})
			if err != nil {
				return err
			}
			defer k.Close()

			if flagInit != "" {
				image, err := os.ReadFile(flagInit)
				if err != nil {
					return fmt.Errorf("failed to read init binary: %w", err)
				}
				if err := k.ExecInit(image, []byte(flagArgdata)); err != nil {
					return err
				}
			}

			ctx := ctrl.SetupSignalHandler()
			logger.Info("kernel running", "version", version)
			return k.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&flagFrames, "frames", 0, "size of the physical frame pool (0 = default)")
	cmd.Flags().StringVar(&flagStorePath, "store-path", "", "directory for the initrd store (empty = in-memory)")
	cmd.Flags().DurationVar(&flagStatsInterval, "stats-interval", 0, "stats sampling interval (0 = default)")
	cmd.Flags().StringVar(&flagInit, "init", "", "CloudABI ELF binary to exec as init")
	cmd.Flags().StringVar(&flagArgdata, "argdata", "", "argdata blob passed to init")
	cmd.Flags().StringVar(&flagBootDir, "boot-dir", "", "directory of executables served from bootfs")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the kerneld version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:          "kerneld",
		Short:        "CloudABI capability microkernel core",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose logging")
	root.AddCommand(runCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
