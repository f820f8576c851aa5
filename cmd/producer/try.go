package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dontdude/correctomatic/internal/config"
	"github.com/dontdude/correctomatic/internal/domain"
	"github.com/dontdude/correctomatic/internal/platform/docker"
	"github.com/dontdude/correctomatic/internal/platform/logging"
	"github.com/dontdude/correctomatic/internal/response"
	"github.com/spf13/cobra"
)

func newTryCmd() *cobra.Command {
	var flags jobFlags
	cmd := &cobra.Command{
		Use:   "try",
		Short: "Run a correction image once and print its response",
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := flags.pendingJob()
			if err != nil {
				return err
			}
			if _, err := os.Stat(job.File); err != nil {
				return err
			}

			cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
			if err != nil {
				return err
			}
			logger, closer := logging.New(logging.Options{Development: true, Level: cfg.LogLevel, Output: cmd.ErrOrStderr()})
			defer closer.Close()
			slog.SetDefault(logger)

			client, err := docker.NewClient(cmd.Context(), docker.Options{
				ConnectTimeout:  cfg.Docker.ConnectTimeout,
				PullTimeout:     cfg.Docker.PullTimeout,
				MaxRuntime:      cfg.Docker.MaxRuntime,
				MaxResponseSize: cfg.Docker.MaxResponseSize,
				MemoryLimit:     cfg.Docker.MemoryLimit,
				Credentials:     cfg.Docker.Credentials,
			})
			if err != nil {
				return err
			}
			defer client.Close()

			if cfg.Docker.Pull {
				if err := client.EnsurePulled(cmd.Context(), job.Image); err != nil {
					return err
				}
			}

			out, err := client.Run(cmd.Context(), domain.ContainerSpec{
				Image: job.Image,
				File:  job.File,
				Env:   job.Params,
			})
			if err != nil {
				return err
			}
			slog.Info("Container finished", "containerID", out.ContainerID, "exitCode", out.ExitCode)

			return printResponse(cmd, out.Logs)
		},
	}
	flags.register(cmd, false)
	return cmd
}

// printResponse prints the extracted response, or the reason and raw output
// when the image does not follow the response protocol.
func printResponse(cmd *cobra.Command, logs string) error {
	_, data, err := response.Extract(logs)
	if err != nil {
		var invalid *domain.InvalidResponseFormatError
		if errors.As(err, &invalid) {
			fmt.Fprintf(cmd.ErrOrStderr(), "--- container output ---\n%s\n------------------------\n", invalid.Logs)
		}
		return err
	}

	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return err
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(cmd.OutOrStdout())
	return err
}
