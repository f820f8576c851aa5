package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/dontdude/correctomatic/internal/app"
	"github.com/dontdude/correctomatic/internal/correction"
	"github.com/dontdude/correctomatic/internal/domain"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type jobFlags struct {
	image    string
	file     string
	callback string
	workID   string
	params   []string
}

func (f *jobFlags) register(cmd *cobra.Command, withCallback bool) {
	cmd.Flags().StringVar(&f.image, "image", "", "correction image")
	cmd.Flags().StringVar(&f.file, "file", "", "exercise file to correct")
	cmd.Flags().StringArrayVar(&f.params, "param", nil, "KEY=VALUE passed to the container (repeatable)")
	cmd.MarkFlagRequired("image")
	cmd.MarkFlagRequired("file")
	if withCallback {
		cmd.Flags().StringVar(&f.callback, "callback", "", "URL notified with the result")
		cmd.Flags().StringVar(&f.workID, "work-id", "", "caller's id for the correction (random if empty)")
		cmd.MarkFlagRequired("callback")
	}
}

// pendingJob builds the job with an absolute file path, as bind mounts require.
func (f *jobFlags) pendingJob() (domain.PendingJob, error) {
	file, err := filepath.Abs(f.file)
	if err != nil {
		return domain.PendingJob{}, fmt.Errorf("invalid file: %w", err)
	}
	job := domain.PendingJob{
		WorkID:   f.workID,
		Image:    f.image,
		File:     file,
		Callback: f.callback,
		Params:   f.params,
	}
	if job.WorkID == "" {
		job.WorkID = uuid.NewString()
	}
	return job, nil
}

func newEnqueueCmd() *cobra.Command {
	var flags jobFlags
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add a correction to the pending queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := flags.pendingJob()
			if err != nil {
				return err
			}
			if err := correction.ValidatePendingJob(job); err != nil {
				return err
			}

			a, err := app.Setup(cmd.Context(), "producer")
			if err != nil {
				return err
			}
			defer a.Close()

			payload, err := json.Marshal(job)
			if err != nil {
				return err
			}
			jobID, err := a.Queue(app.PendingQueue).Add(cmd.Context(), job.WorkID, payload)
			if err != nil {
				return fmt.Errorf("failed to enqueue: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "work_id=%s job_id=%s\n", job.WorkID, jobID)
			return nil
		},
	}
	flags.register(cmd, true)
	return cmd
}
