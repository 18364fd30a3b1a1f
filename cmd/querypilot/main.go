// Package main provides the querypilot CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/richinex/querypilot/cli"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	provider   string
	userID     string
	verbose    bool
)

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:   "querypilot",
		Short: "Ask questions about your databases in plain language",
		Long: `A CLI for an LLM agent that answers natural-language questions over SQL data sources.

The agent explores a database once (the structure report is cached for six days),
then answers questions with targeted queries. SQLite, PostgreSQL and Oracle are supported.`,
		SilenceUsage: true,
	}

	defaults := cli.DefaultOptions()
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVarP(&provider, "provider", "p", "", "LLM provider (gemini, openai, anthropic, deepseek)")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", defaults.UserID, "User id owning threads and global context")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show verbose output")

	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(exploreCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(toolsCmd())
	rootCmd.AddCommand(threadsCmd())
	rootCmd.AddCommand(contextCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(creditAPICmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func options() cli.Options {
	return cli.Options{
		ConfigPath: configPath,
		Provider:   provider,
		UserID:     userID,
		Verbose:    verbose,
	}
}

func askCmd() *cobra.Command {
	var threadID string

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question and print the answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Ask(cmd.Context(), args[0], threadID, options())
		},
	}

	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Continue an existing thread")

	return cmd
}

func chatCmd() *cobra.Command {
	var threadID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Chat(cmd.Context(), threadID, options())
		},
	}

	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Resume an existing thread")

	return cmd
}

func exploreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "explore [connection]",
		Short: "Print the structure report of a database",
		Long: `Print the structure report of a database, exploring it with the model when no
fresh report is cached.

The connection is a JSON connection config, for example
  '{"db_type":"postgresql","host":"localhost","port":5432,"database":"bank","username":"app","password":"secret"}'
or a path to a SQLite file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Explore(cmd.Context(), args[0], options())
		},
	}
}

func execCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec [connection] [query]",
		Short: "Run a SQL statement without the model",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Exec(cmd.Context(), args[0], args[1], options())
		},
	}
}

func toolsCmd() *cobra.Command {
	var verboseTools bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List available tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.ListTools(verboseTools)
		},
	}

	cmd.Flags().BoolVarP(&verboseTools, "verbose", "V", false, "Show tool parameters")

	return cmd
}

func threadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "Manage conversation threads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.ListThreads(cmd.Context(), options())
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show [thread-id]",
		Short: "Print the messages of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.ShowThread(cmd.Context(), args[0], options())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rename [thread-id] [title]",
		Short: "Rename a thread",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.RenameThread(cmd.Context(), args[0], args[1], options())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete [thread-id]",
		Short: "Delete a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.DeleteThread(cmd.Context(), args[0], options())
		},
	})

	return cmd
}

func contextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Show the global context added to every question",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.GetContext(cmd.Context(), options())
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set [text]",
		Short: "Replace the global context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.SetContext(cmd.Context(), args[0], options())
		},
	})

	return cmd
}

func seedCmd() *cobra.Command {
	var count int
	var seed uint64

	cmd := &cobra.Command{
		Use:   "seed [connection]",
		Short: "Create and fill a demo customers table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Seed(cmd.Context(), args[0], count, seed, options())
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 100, "Number of customers to generate")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed (0 picks a random one)")

	return cmd
}

func creditAPICmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "credit-api",
		Short: "Serve the mock credit score API for url_fetch_tool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.ServeCreditAPI(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8081", "Listen address")

	return cmd
}
