package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/keshon/chorus/internal/persona"
	"github.com/spf13/cobra"
)

var showPrompt bool

var personasCmd = &cobra.Command{
	Use:   "personas",
	Short: "Inspect persona documents",
}

var compileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Compile every persona document and report problems",
	Long: `Loads identity documents from PERSONA_DIR with their templates from
TEMPLATE_DIR, compiles them and prints the result. Exits non-zero when any
document fails, so it can run in CI before a deploy.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return compilePersonas(cmd.OutOrStdout())
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload [persona-id...]",
	Short: "Ask a running server to reload personas",
	Long: `Calls the admin API of a running "chorus serve" at ADMIN_ADDR. Without
arguments every persona is reloaded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return requestReload(cmd.Context(), cmd.OutOrStdout(), cfg.AdminAddr, args)
	},
}

func init() {
	compileCmd.Flags().BoolVar(&showPrompt, "show-prompt", false, "print each compiled system prompt")
	personasCmd.AddCommand(compileCmd)
}

func compilePersonas(out io.Writer) error {
	loader := &persona.Loader{PersonaDir: cfg.PersonaDir, TemplateDir: cfg.TemplateDir}
	sources, skipped, err := loader.Load()
	if err != nil {
		return err
	}
	compiler := persona.NewCompiler()
	failed := len(skipped)
	for _, e := range skipped {
		fmt.Fprintf(out, "FAIL %v\n", e)
	}
	for _, src := range sources {
		p, err := compiler.Compile(src.Identity, src.Template)
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s: %v\n", src.Path, err)
			continue
		}
		fmt.Fprintf(out, "ok   %-16s %-24s template=%s hash=%s\n", p.ID, p.DisplayName, p.Template, shortHash(p.SourceHash))
		if showPrompt {
			fmt.Fprintf(out, "%s\n\n", indent(p.SystemPrompt))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d persona document(s) failed", failed)
	}
	return nil
}

func requestReload(ctx context.Context, out io.Writer, addr string, ids []string) error {
	if addr == "" {
		return fmt.Errorf("ADMIN_ADDR is empty, the admin API is disabled")
	}
	body, err := json.Marshal(map[string][]string{"ids": ids})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/personas/reload", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("reload request: %w", err)
	}
	defer resp.Body.Close()

	var res struct {
		Loaded []string `json:"loaded"`
		Roster []string `json:"roster"`
		Error  string   `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("reload response (%s): %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reload failed (%s): %s", resp.Status, res.Error)
	}
	fmt.Fprintf(out, "loaded: %s\nroster: %s\n", strings.Join(res.Loaded, ", "), strings.Join(res.Roster, ", "))
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func indent(s string) string {
	return "     " + strings.ReplaceAll(s, "\n", "\n     ")
}
