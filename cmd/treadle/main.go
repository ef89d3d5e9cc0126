package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"

	"treadle.dev/core/log"
	"treadle.dev/core/treadle"
	"treadle.dev/core/workflow"
)

func main() {
	cmd := &cli.Command{
		Name:  "treadle",
		Usage: "a small self-hostable CI runner",
		Commands: []*cli.Command{
			treadle.Command(),
			validateCommand(),
			runCommand(),
			versionCommand(),
		},
	}

	ctx := context.Background()
	logger := log.New("treadle")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}

// validateCommand compiles the workflow files in a local checkout and
// reports diagnostics without running anything.
func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "compile the workflow files in a repository checkout",
		ArgsUsage: "[dir]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir := cmd.Args().First()
			if dir == "" {
				dir = "."
			}

			raw, err := readWorkflowDir(dir)
			if err != nil {
				return err
			}
			if len(raw) == 0 {
				return fmt.Errorf("no workflow files under %s", filepath.Join(dir, workflow.WorkflowDir))
			}

			// compile against a synthetic manual trigger so every
			// workflow matches
			compiler := workflow.Compiler{
				Trigger: workflow.TriggerMetadata{
					Kind:   workflow.TriggerKindManual,
					Manual: &workflow.ManualTriggerData{},
				},
				Keys: workflow.KeyContext{
					OS: runtime.GOOS,
					FS: os.DirFS(dir),
				},
			}
			compiled := compiler.Compile(compiler.Parse(raw))

			for _, w := range compiler.Diagnostics.Warnings {
				fmt.Println(w.String())
			}
			for _, e := range compiler.Diagnostics.Errors {
				fmt.Println(e.String())
			}

			if compiler.Diagnostics.IsErr() {
				return fmt.Errorf("validation failed")
			}

			for _, cw := range compiled.Workflows {
				fmt.Printf("%s: %d step(s)", cw.Name, len(cw.Steps))
				if cw.CacheKey != "" {
					fmt.Printf(", cache key %s", cw.CacheKey)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func readWorkflowDir(dir string) (workflow.RawPipeline, error) {
	wfDir := filepath.Join(dir, workflow.WorkflowDir)

	entries, err := os.ReadDir(wfDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var raw workflow.RawPipeline
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yml", ".yaml":
		default:
			continue
		}

		contents, err := os.ReadFile(filepath.Join(wfDir, e.Name()))
		if err != nil {
			return nil, err
		}
		raw = append(raw, workflow.RawWorkflow{Name: e.Name(), Contents: contents})
	}

	return raw, nil
}

// runCommand submits a signed manual trigger to a treadle server.
func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "trigger a manual pipeline run on a treadle server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Value: "http://localhost:6880", Usage: "treadle server address"},
			&cli.StringFlag{Name: "secret", Sources: cli.EnvVars("TREADLE_SERVER_WEBHOOK_SECRET"), Usage: "shared webhook secret", Required: true},
			&cli.StringFlag{Name: "repo", Usage: "repository name, e.g. acme/widgets", Required: true},
			&cli.StringFlag{Name: "clone-url", Usage: "repository clone url", Required: true},
			&cli.StringFlag{Name: "ref", Usage: "ref to run against (default: the repo's default branch)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			trigger := workflow.TriggerMetadata{
				Kind: workflow.TriggerKindManual,
				Repo: &workflow.TriggerRepo{
					Name:     cmd.String("repo"),
					CloneURL: cmd.String("clone-url"),
				},
				Manual: &workflow.ManualTriggerData{
					Ref: cmd.String("ref"),
				},
			}

			body, err := json.Marshal(trigger)
			if err != nil {
				return err
			}

			url := strings.TrimSuffix(cmd.String("server"), "/") + "/hooks"
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Treadle-Signature", treadle.SignBody(cmd.String("secret"), body))
			req.Header.Set("User-Agent", "treadle/"+versioninfo.Short())

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			out, _ := io.ReadAll(resp.Body)
			fmt.Print(string(out))

			if resp.StatusCode >= 400 {
				return fmt.Errorf("server responded with %s", resp.Status)
			}
			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Println("treadle", versioninfo.Short())
			return nil
		},
	}
}
