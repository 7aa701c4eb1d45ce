package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/nidhogg/skillgate/internal/skill"
	"github.com/nidhogg/skillgate/internal/skillconfig"
)

var (
	serverURL string
	skillsDir string
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "skillctl",
		Short:         "Inspect skill manifests and check agent skill configurations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("SKILLGATE_URL", "http://localhost:3220"), "skillgate server URL")
	root.PersistentFlags().StringVar(&skillsDir, "skills-dir", envOr("SKILLS_DIR", "./skills"), "directory of skill plugin manifests")

	root.AddCommand(manifestsCmd(), validateCmd(), exportCmd(), checkCmd())

	if err := root.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func manifestsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manifests",
		Short: "List the skills known locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := loadManifests()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range store.Names() {
				m, _ := store.Load(name)
				fmt.Fprintf(out, "%s (v%s)\n", m.Name, m.Version)
				for _, action := range m.ActionNames() {
					spec, _ := m.Action(action)
					fmt.Fprintf(out, "  %-24s default %s\n", action, spec.DefaultVisibility)
				}
			}
			return nil
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <skill> <config-file>",
		Short: "Validate a configuration file against a skill manifest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, cfg, err := readLocal(args[0], args[1])
			if err != nil {
				return err
			}
			vc, err := skillconfig.Validate(m, cfg)
			if err != nil {
				var vf *skillconfig.ValidationFailed
				if errors.As(err, &vf) {
					for _, e := range vf.Errors {
						printError("  %s [%s] %s", e.Path, e.Kind, e.Message)
					}
				}
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\033[32m✓\033[0m %s v%s: valid (enabled=%t, credential_source=%s)\n",
				m.Name, m.Version, vc.Enabled(), vc.CredentialSource())
			if unknown := vc.Unknown(); len(unknown) > 0 {
				fmt.Fprintf(out, "  unknown fields kept: %s\n", strings.Join(unknown, ", "))
			}
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <skill> <config-file>",
		Short: "Print a configuration with every default filled in, secrets masked",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, cfg, err := readLocal(args[0], args[1])
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(skillconfig.Export(m, cfg))
			if err != nil {
				return fmt.Errorf("encode export: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func checkCmd() *cobra.Command {
	var caller, owner string
	cmd := &cobra.Command{
		Use:   "check <agent> <skill> <action>",
		Short: "Ask the server whether a caller may run an agent's skill action",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/api/agents/%s/skills/%s/actions/%s/check",
				strings.TrimRight(serverURL, "/"), args[0], args[1], args[2])
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, nil)
			if err != nil {
				return err
			}
			if caller != "" {
				req.Header.Set("X-Caller-ID", caller)
			}
			if owner != "" {
				req.Header.Set("X-Owner-ID", owner)
			}

			client := &http.Client{Timeout: 15 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			defer resp.Body.Close()
			data, _ := io.ReadAll(resp.Body)

			if resp.StatusCode != http.StatusOK {
				var e struct {
					Error    string `json:"error"`
					Category string `json:"category"`
				}
				json.Unmarshal(data, &e)
				if retry := resp.Header.Get("Retry-After"); retry != "" {
					return fmt.Errorf("denied (%s): %s, retry in %ss", e.Category, e.Error, retry)
				}
				return fmt.Errorf("denied (%s): %s", e.Category, e.Error)
			}

			var ok struct {
				Decision struct {
					Visibility       string `json:"visibility"`
					CredentialSource string `json:"credential_source"`
				} `json:"decision"`
				Remaining int `json:"remaining"`
			}
			if err := json.Unmarshal(data, &ok); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\033[32m✓\033[0m permitted: visibility=%s credential_source=%s",
				ok.Decision.Visibility, ok.Decision.CredentialSource)
			if ok.Remaining >= 0 {
				fmt.Fprintf(cmd.OutOrStdout(), " remaining=%d", ok.Remaining)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().StringVar(&caller, "caller", "", "caller ID; empty means anonymous")
	cmd.Flags().StringVar(&owner, "owner", "", "owner ID, used when the agent has no stored configuration")
	return cmd
}

func loadManifests() (*skill.Store, error) {
	store := skill.NewStore(zap.NewNop())
	if errs := skill.RegisterBuiltins(store); len(errs) > 0 {
		return nil, errs[0]
	}
	plugins, err := skill.LoadFromDir(skillsDir)
	if err != nil {
		return nil, err
	}
	for _, err := range store.RegisterAll(plugins) {
		printError("skipping manifest: %v", err)
	}
	return store, nil
}

func readLocal(skillName, path string) (*skill.Manifest, *skillconfig.Config, error) {
	store, err := loadManifests()
	if err != nil {
		return nil, nil, err
	}
	m, err := store.Load(skillName)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := skillconfig.Parse(data)
	if err != nil {
		return nil, nil, err
	}
	return m, cfg, nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
