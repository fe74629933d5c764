package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/docpipe/config"
	"github.com/c360studio/docpipe/llm"
	"github.com/c360studio/docpipe/pipeline"
)

type configLoader func() (*config.Config, error)

func newRunCmd(loadCfg configLoader) *cobra.Command {
	var (
		qaSessionID string
		title       string
		description string
		features    []string
		projectID   string
	)

	cmd := &cobra.Command{
		Use:   "run [task-id]",
		Short: "Start or resume the pipeline for a task",
		Long: `Run starts the document generation pipeline for a task. If the task
has a non-terminal pipeline it resumes from the first incomplete stage.

With --title a new task is created and its generated ID printed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()
			a.serveMetrics(ctx)

			var taskID string
			switch {
			case len(args) == 1:
				taskID = args[0]
			case title != "":
				task := pipeline.NewTask(title, description, features)
				task.ProjectID = projectID
				if err := a.tasks.SaveTask(ctx, task); err != nil {
					return err
				}
				taskID = task.ID
				fmt.Printf("created task %s\n", taskID)
			default:
				return fmt.Errorf("a task id or --title is required")
			}

			p, err := a.runner.Run(ctx, taskID, qaSessionID)
			if err != nil {
				return err
			}
			printPipeline(p)
			if p.Status == pipeline.StatusFailed {
				return fmt.Errorf("pipeline failed: %s", p.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&qaSessionID, "qa-session", "", "Q&A session ID with clarification answers")
	cmd.Flags().StringVar(&title, "title", "", "Create a new task with this title")
	cmd.Flags().StringVar(&description, "description", "", "Description for a new task")
	cmd.Flags().StringSliceVar(&features, "feature", nil, "Feature for a new task (repeatable)")
	cmd.Flags().StringVar(&projectID, "project", "", "Project ID for a new task")
	return cmd
}

func newStatusCmd(loadCfg configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "status <pipeline-id>",
		Short: "Show pipeline status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			p, err := a.store.GetByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printPipeline(p)
			return nil
		},
	}
}

func newListCmd(loadCfg configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			pipelines, err := a.store.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTASK\tSTATUS\tPROGRESS\tCREATED")
			for _, p := range pipelines {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\n",
					p.ID, p.TaskID, p.Status, p.Progress,
					p.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newPauseCmd(loadCfg configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <pipeline-id>",
		Short: "Pause a running pipeline at the next stage boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			p, err := a.runner.Pause(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("pipeline %s paused\n", p.ID)
			return nil
		},
	}
}

func newResumeCmd(loadCfg configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <pipeline-id>",
		Short: "Resume a paused pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()
			a.serveMetrics(ctx)

			p, err := a.runner.Resume(ctx, args[0])
			if err != nil {
				return err
			}
			printPipeline(p)
			return nil
		},
	}
}

func newCancelCmd(loadCfg configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <pipeline-id>",
		Short: "Cancel a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			p, err := a.runner.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("pipeline %s cancelled\n", p.ID)
			return nil
		},
	}
}

func newRetryCmd(loadCfg configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <pipeline-id> <stage>",
		Short: "Retry a failed stage and continue the pipeline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()
			a.serveMetrics(ctx)

			p, err := a.runner.RetryStage(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			printPipeline(p)
			if p.Status == pipeline.StatusFailed {
				return fmt.Errorf("pipeline failed: %s", p.Error)
			}
			return nil
		},
	}
}

func newProvidersCmd(loadCfg configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect LLM providers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "test [provider]",
		Short: "Test connectivity to one or all providers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			kinds := llm.Kinds()
			if len(args) == 1 {
				kind, err := llm.ParseKind(args[0])
				if err != nil {
					return err
				}
				kinds = []llm.Kind{kind}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			failed := false
			for _, kind := range kinds {
				p, err := a.provider(kind)
				if err != nil {
					return err
				}
				res := p.TestConnection(ctx, "")
				if res.Success {
					fmt.Printf("%-12s ok (%s, %d models)\n", kind, res.Latency.Round(time.Millisecond), len(res.Models))
				} else {
					failed = true
					msg := "connection failed"
					if res.Err != nil {
						msg = res.Err.Message
					}
					fmt.Printf("%-12s error: %s\n", kind, msg)
				}
			}
			if failed {
				return fmt.Errorf("one or more providers failed")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "models <provider>",
		Short: "List models available from a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			kind, err := llm.ParseKind(args[0])
			if err != nil {
				return err
			}
			p, err := a.provider(kind)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			models := p.AvailableModels(ctx)
			if len(models) == 0 {
				fmt.Println("no models available")
				return nil
			}
			fmt.Println(strings.Join(models, "\n"))
			return nil
		},
	})

	return cmd
}

func printPipeline(p *pipeline.Pipeline) {
	fmt.Printf("pipeline %s  task %s  %s  %d%%\n", p.ID, p.TaskID, p.Status, p.Progress)
	if p.Error != "" {
		fmt.Printf("  error: %s\n", p.Error)
	}
	for _, st := range p.Stages {
		line := fmt.Sprintf("  %-12s %-10s %3d%%", st.Name, st.Status, st.Progress)
		if st.RetryCount > 0 {
			line += fmt.Sprintf("  retries=%d", st.RetryCount)
		}
		if st.Error != "" {
			line += "  error=" + st.Error
		}
		fmt.Println(line)
	}
}
