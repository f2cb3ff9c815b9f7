package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/dottask/pkg/config"
	"github.com/dotsetgreg/dottask/pkg/logger"
)

func executeCLI() error {
	root := buildRootCommand(true)
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

// cliFlags are the persistent flags shared by every subcommand.
type cliFlags struct {
	config string
	debug  bool
}

func (f *cliFlags) path() string { return configPath(f.config) }

func (f *cliFlags) load() (*config.Config, error) {
	cfg, err := config.LoadConfig(f.path())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var (
		showVersion bool
		flags       = &cliFlags{}
	)

	root := &cobra.Command{
		Use:   "dottask",
		Short: "Personal task agent that turns your inbox and chats into a task list",
		Long: strings.TrimSpace(`dottask watches your mail and group chats, suggests tasks, and learns
from what you accept or decline.

Run "dottask serve" for the background scanner, the HTTP API and the Discord
channel, or use the other commands to work with the same state offline.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flags.debug {
				logger.SetLevel(logger.DEBUG)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&flags.config, "config", "", "Config file (default ~/.dottask/config.json or $DOTTASK_CONFIG)")
	root.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false, "Enable debug logging")
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand(flags))
	root.AddCommand(newServeCommand(flags))
	root.AddCommand(newStatusCommand(flags))
	root.AddCommand(newScanCommand(flags))
	root.AddCommand(newTasksCommand(flags))
	root.AddCommand(newMemoryCommand(flags))
	root.AddCommand(newEventsCommand(flags))
	root.AddCommand(newChatCommand(flags))
	root.AddCommand(newExecCommand(flags))
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		docsCmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		root.AddCommand(docsCmd)
	}

	return root
}

func newOnboardCommand(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "onboard",
		Short:   "Initialize ~/.dottask config and workspace",
		Long:    "Write a default configuration file and create the workspace and state directories.",
		Example: "  dottask onboard",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return onboard(flags.path())
		},
	}
}

func newServeCommand(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, Discord channel and HTTP gateway",
		Long: strings.TrimSpace(`Start the background scan scheduler, the Discord channel (when enabled) and the
HTTP gateway with its JSON API, WebSocket feed and Prometheus metrics.`),
		Example: "  dottask serve --debug",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			return serveCmd(cfg)
		},
	}
}

func newStatusCommand(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration and runtime readiness",
		Example: "  dottask status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return statusCmd(flags.path())
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  dottask version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}

func newScanCommand(flags *cliFlags) *cobra.Command {
	scanRoot := &cobra.Command{
		Use:   "scan",
		Short: "Scan mail and threads for new task suggestions",
		Long: strings.TrimSpace(`Run one quota-checked scan now. Suggestions land in the task list;
"dottask tasks list" shows them.`),
		Example: "  dottask scan",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, true, scanNow)
		},
	}

	scanRoot.AddCommand(&cobra.Command{
		Use:     "status",
		Short:   "Show today's usage, the quota decision and the last result",
		Example: "  dottask scan status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, false, scanStatus)
		},
	})

	scanRoot.AddCommand(&cobra.Command{
		Use:   "config <key=value>...",
		Short: "Override scan budget and cadence settings",
		Long: strings.TrimSpace(`Override per-instance scan settings. Keys: enabled, maxScansPerDay,
maxTokensPerDay, activeIntervalMinutes, inactiveIntervalMinutes.`),
		Example: strings.Join([]string{
			"  dottask scan config maxScansPerDay=10",
			"  dottask scan config enabled=false",
		}, "\n"),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseOverrides(args)
			if err != nil {
				return err
			}
			return withRuntime(cmd, flags, false, func(cmd *cobra.Command, rt *appRuntime) error {
				return scanConfig(cmd, rt, patch)
			})
		},
	})
	return scanRoot
}

func newTasksCommand(flags *cliFlags) *cobra.Command {
	tasksRoot := &cobra.Command{
		Use:   "tasks",
		Short: "List and manage tasks and suggestions",
		Long:  "List the task queue and act on agent suggestions without running the gateway.",
	}

	tasksRoot.AddCommand(&cobra.Command{
		Use:     "list",
		Short:   "List active tasks and suggestions",
		Example: "  dottask tasks list",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, false, tasksList)
		},
	})

	tasksRoot.AddCommand(&cobra.Command{
		Use:     "archive",
		Short:   "List archived tasks",
		Example: "  dottask tasks archive",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, false, tasksArchive)
		},
	})

	var (
		description string
		scheduled   string
		categories  []string
	)
	add := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a task",
		Example: strings.Join([]string{
			"  dottask tasks add \"Renew passport\"",
			"  dottask tasks add \"Book dentist\" --scheduled 2026-06-01 --category health",
		}, "\n"),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := strings.Join(args, " ")
			return withRuntime(cmd, flags, false, func(cmd *cobra.Command, rt *appRuntime) error {
				return tasksAdd(cmd, rt, title, description, scheduled, categories)
			})
		},
	}
	add.Flags().StringVar(&description, "description", "", "Longer description")
	add.Flags().StringVar(&scheduled, "scheduled", "", "Scheduled date (YYYY-MM-DD)")
	add.Flags().StringSliceVar(&categories, "category", nil, "Category label (repeatable)")
	tasksRoot.AddCommand(add)

	tasksRoot.AddCommand(&cobra.Command{
		Use:     "accept <id>",
		Short:   "Accept a suggestion into the pending queue",
		Example: "  dottask tasks accept 3f9c2a1e",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, false, func(cmd *cobra.Command, rt *appRuntime) error {
				return tasksAccept(cmd, rt, args[0])
			})
		},
	})

	var reason string
	decline := &cobra.Command{
		Use:     "decline <id>",
		Short:   "Decline a suggestion",
		Example: "  dottask tasks decline 3f9c2a1e --reason \"already done\"",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, false, func(cmd *cobra.Command, rt *appRuntime) error {
				return tasksDecline(cmd, rt, args[0], reason)
			})
		},
	}
	decline.Flags().StringVar(&reason, "reason", "", "Why the suggestion is not useful")
	tasksRoot.AddCommand(decline)

	tasksRoot.AddCommand(&cobra.Command{
		Use:     "done <id>",
		Short:   "Mark a task completed",
		Example: "  dottask tasks done 3f9c2a1e",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, false, func(cmd *cobra.Command, rt *appRuntime) error {
				return tasksDone(cmd, rt, args[0])
			})
		},
	})
	return tasksRoot
}

func newMemoryCommand(flags *cliFlags) *cobra.Command {
	memoryRoot := &cobra.Command{
		Use:   "memory",
		Short: "Show and edit what the agent remembers",
		Long:  "Show and edit the running summary and the facts the agent has learned about you.",
	}

	memoryRoot.AddCommand(&cobra.Command{
		Use:     "show",
		Short:   "Print the summary and remembered facts",
		Example: "  dottask memory show",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, false, memoryShow)
		},
	})

	memoryRoot.AddCommand(&cobra.Command{
		Use:     "forget <index>",
		Short:   "Forget one remembered fact",
		Example: "  dottask memory forget 2",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, false, func(cmd *cobra.Command, rt *appRuntime) error {
				return memoryForget(cmd, rt, args[0])
			})
		},
	})
	return memoryRoot
}

func newEventsCommand(flags *cliFlags) *cobra.Command {
	var (
		limit int
		types []string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the agent activity log",
		Example: strings.Join([]string{
			"  dottask events",
			"  dottask events --limit 5 --type scan_completed,scan_skipped",
		}, "\n"),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, false, func(cmd *cobra.Command, rt *appRuntime) error {
				return eventsList(cmd, rt, limit, types)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of most recent events to show")
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "Only show these event types")
	return cmd
}

func newChatCommand(flags *cliFlags) *cobra.Command {
	var (
		message      string
		conversation string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent in the terminal",
		Long:  "Run an interactive chat session or send a one-shot message. Slash commands such as /tasks work here too.",
		Example: strings.Join([]string{
			"  dottask chat",
			"  dottask chat --message \"what's on my list this week?\"",
		}, "\n"),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, true, func(cmd *cobra.Command, rt *appRuntime) error {
				return chatCmd(cmd, rt, conversation, message)
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot message to send to the agent")
	cmd.Flags().StringVarP(&conversation, "conversation", "c", "cli", "Conversation id for continuity")
	return cmd
}

func newExecCommand(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "exec [file]",
		Short: "Run a code snippet in the sandbox",
		Long:  "Run a snippet with the configured interpreter, one at a time across the process. Reads stdin without a file.",
		Example: strings.Join([]string{
			"  dottask exec script.py",
			"  echo 'print(6*7)' | dottask exec",
		}, "\n"),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, false, func(cmd *cobra.Command, rt *appRuntime) error {
				return execCmd(cmd, rt, args)
			})
		},
	}
}
