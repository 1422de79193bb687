package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/gaspardpetit/plugapi/internal/config"
	"github.com/gaspardpetit/plugapi/internal/fs"
	"github.com/gaspardpetit/plugapi/internal/kv"
	"github.com/gaspardpetit/plugapi/internal/plugin"
	"github.com/gaspardpetit/plugapi/internal/script"
)

func newPluginsCommand(cfg *config.ServerConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect and scaffold plugin modules",
		Example: `  # List the plugins and routes found under the plugin directory
  plugapi plugins list

  # Create plugins/ai/chat.lua, served at /api/ai/chat
  plugapi plugins new ai/chat --description "Chat completion"`,
	}
	cmd.AddCommand(newPluginsListCommand(cfg))
	cmd.AddCommand(newPluginsNewCommand(cfg))
	return cmd
}

func newPluginsListCommand(cfg *config.ServerConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Scan the plugin directory and print what would be served",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr := newManager(*cfg, kv.NewMemoryStore(), nil)
			defer mgr.Close()
			rep, err := mgr.Scan(cmd.Context())
			if err != nil {
				return err
			}
			renderPlugins(cmd.OutOrStdout(), mgr.Registry().Entries())
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d plugins, %d endpoints, %d failed\n", rep.Plugins, rep.Endpoints, len(rep.Failed))
			return nil
		},
	}
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	failedStyle = cellStyle.Foreground(lipgloss.Color("196"))
)

func renderPlugins(w io.Writer, entries []*plugin.Entry) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers("PLUGIN", "DESCRIPTION", "VERSION", "FILE", "STATE", "ROUTES")
	failed := map[int]bool{}
	for i, e := range entries {
		routes := make([]string, 0, len(e.Endpoints))
		for _, rec := range e.Endpoints {
			routes = append(routes, fmt.Sprintf("%s %s", rec.Method, rec.Path))
		}
		state := e.State.String()
		if e.LastError != "" {
			state += ": " + e.LastError
		}
		failed[i] = e.State == plugin.StateFailed
		t.Row(e.Name, e.Description, e.Version, e.Source, state, strings.Join(routes, "\n"))
	}
	t.StyleFunc(func(row, _ int) lipgloss.Style {
		switch {
		case row == table.HeaderRow:
			return headerStyle
		case failed[row]:
			return failedStyle
		default:
			return cellStyle
		}
	})
	fmt.Fprintln(w, t.Render())
}

func newPluginsNewCommand(cfg *config.ServerConfig) *cobra.Command {
	var description, ver string
	cmd := &cobra.Command{
		Use:   "new <name>",
		Short: "Create a plugin module from a template",
		Long: `Create a new per-verb plugin module under the plugin directory. Folders in
the name become the namespace of the plugin's routes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := scaffold(cfg.PluginsDir, args[0], description, ver)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", p)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "plugin description")
	cmd.Flags().StringVar(&ver, "version", "1.0.0", "plugin version")
	return cmd
}

const pluginTemplate = `-- %[1]s
return {
  name = %[2]s,
  version = %[3]s,
  description = %[4]s,

  get = {
    params = {
      { name = "name", type = "string", description = "who to greet" },
    },
    handler = function(req)
      local who = req.query.name or "world"
      return { message = "hello, " .. who }
    end,
  },

  post = function(req)
    return { received = req.json or req.body }
  end,
}
`

// scaffold writes a new module for name below root and returns its path.
// Existing files are never overwritten.
func scaffold(root, name, description, ver string) (string, error) {
	rel := strings.TrimSuffix(path.Clean("/"+filepath.ToSlash(name)), script.Extension)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" || rel == "." || fs.HasHiddenElement(rel) {
		return "", fmt.Errorf("invalid plugin name %q", name)
	}
	target := filepath.Join(root, filepath.FromSlash(rel)+script.Extension)
	if _, err := os.Stat(target); err == nil {
		return "", fmt.Errorf("%s already exists", target)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	base := path.Base(rel)
	if description == "" {
		description = base + " plugin"
	}
	src := fmt.Sprintf(pluginTemplate, "/api/"+rel, luaQuote(base), luaQuote(ver), luaQuote(description))
	if err := os.WriteFile(target, []byte(src), 0o644); err != nil {
		return "", err
	}
	return target, nil
}

func luaQuote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`)
	return `"` + r.Replace(s) + `"`
}
