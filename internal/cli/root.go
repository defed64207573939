// Package cli implementa o homescoutctl, que opera a mesma sessão do app desktop
// (keychain, banco local e marcador entre instâncias).
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"homescout/internal/config"
	"homescout/internal/core"

	"github.com/spf13/cobra"
)

const commandTimeout = 30 * time.Second

// Opener monta o runtime para um comando
type Opener func(cfg config.Config) (*core.Runtime, error)

// DefaultOpener usa keychain, banco e watcher como o app desktop
func DefaultOpener(cfg config.Config) (*core.Runtime, error) {
	return core.New(cfg, core.Options{})
}

type globals struct {
	open       Opener
	configPath string
	apiURL     string
	format     string
}

// NewRootCmd cria a árvore de comandos
func NewRootCmd(open Opener) *cobra.Command {
	if open == nil {
		open = DefaultOpener
	}
	g := &globals{open: open}

	root := &cobra.Command{
		Use:           "homescoutctl",
		Short:         "Manage the HomeScout session from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Path to config.yaml (default: data dir)")
	root.PersistentFlags().StringVar(&g.apiURL, "api-url", "", "Override the backend API base URL")
	root.PersistentFlags().StringVarP(&g.format, "output", "o", "text", "Output format: text | json")

	root.AddCommand(
		newStatusCmd(g),
		newLoginCmd(g),
		newRegisterCmd(g),
		newLogoutCmd(g),
		newWhoamiCmd(g),
		newMagicLinkCmd(g),
		newOAuthCmd(g),
		newSessionCmd(g),
		newSavedCmd(g),
		newEventsCmd(g),
	)
	return root
}

func (g *globals) loadConfig() (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, exitError(exitUsage, "invalid configuration: %v", err)
	}
	if g.apiURL != "" {
		cfg.APIBaseURL = strings.TrimRight(g.apiURL, "/")
	}
	// O CLI não expõe métricas
	cfg.MetricsAddr = ""
	return cfg, nil
}

// run abre o runtime, inicializa a sessão, executa fn e fecha tudo
func (g *globals) run(cmd *cobra.Command, fn func(ctx context.Context, rt *core.Runtime) error) error {
	switch g.format {
	case "text", "json":
	default:
		return exitError(exitUsage, "unknown output format %q (use text or json)", g.format)
	}

	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	rt, err := g.open(cfg)
	if err != nil {
		return fmt.Errorf("initialize runtime: %w", err)
	}
	defer func() { _ = rt.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	return fn(ctx, rt)
}

// print escreve v como JSON ou usa text para o formato humano
func (g *globals) print(w io.Writer, v any, text func(w io.Writer)) error {
	if g.format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func requireAuth(rt *core.Runtime) error {
	if !rt.Auth.State().IsAuthenticated {
		return exitError(exitUnauthenticated, "not signed in (run homescoutctl login)")
	}
	return nil
}
