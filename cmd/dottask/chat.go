package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

func chatCmd(cmd *cobra.Command, rt *appRuntime, conversation, message string) error {
	ctx := ctxOf(cmd)
	if strings.TrimSpace(message) != "" {
		reply, err := rt.agent.Chat(ctx, conversation, message)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\n%s %s\n", appName, reply)
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s Interactive mode (Ctrl+C to exit, /help for commands)\n\n", appName)
	ask := func(input string) {
		reply, err := rt.agent.Chat(ctx, conversation, input)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\n%s %s\n\n", appName, reply)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s You: ", appName),
		HistoryFile:     filepath.Join(os.TempDir(), ".dottask_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error initializing readline: %v\nFalling back to simple input mode...\n", err)
		return simpleInteractiveMode(cmd, ask)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(cmd.OutOrStdout(), "\nGoodbye!")
				return nil
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Error reading input: %v\n", err)
			continue
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(cmd.OutOrStdout(), "Goodbye!")
			return nil
		}
		ask(input)
	}
}

func simpleInteractiveMode(cmd *cobra.Command, ask func(string)) error {
	reader := bufio.NewReader(cmd.InOrStdin())
	for {
		fmt.Fprintf(cmd.OutOrStdout(), "%s You: ", appName)
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(cmd.OutOrStdout(), "\nGoodbye!")
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(cmd.OutOrStdout(), "Goodbye!")
			return nil
		}
		ask(input)
	}
}
