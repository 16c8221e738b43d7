package cmds

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatshell/pkg/theme"
	"github.com/go-go-golems/chatshell/pkg/typography"
)

func NewThemeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "theme",
		Short: "Inspect the theme variables and typography mapping",
	}
	cmd.AddCommand(newThemeCSSCommand(), newThemeTypographyCommand())
	return cmd
}

func newThemeCSSCommand() *cobra.Command {
	var (
		file        string
		mode        string
		selector    string
		prefersDark bool
	)
	cmd := &cobra.Command{
		Use:   "css",
		Short: "Print the CSS custom properties for a mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := theme.Default()
			if file != "" {
				var err error
				if cfg, err = theme.LoadFile(file); err != nil {
					return err
				}
			}
			m := theme.Mode(mode)
			switch m {
			case theme.ModeLight, theme.ModeDark, theme.ModeSystem:
			default:
				return errors.Errorf("unknown mode %q", mode)
			}
			a := theme.NewApplier()
			if err := a.Apply(cfg, theme.ResolveMode(m, prefersDark)); err != nil {
				return err
			}
			_, err := fmt.Fprint(cmd.OutOrStdout(), a.CSS(selector))
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&file, "file", "", "YAML theme overrides")
	f.StringVar(&mode, "mode", string(theme.ModeLight), "light, dark or system")
	f.StringVar(&selector, "selector", ":root", "CSS selector wrapping the variables")
	f.BoolVar(&prefersDark, "prefers-dark", false, "Resolve the system mode to dark")
	return cmd
}

func newThemeTypographyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "typography",
		Short: "Print the variant to element mapping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := typography.Default()
			for _, v := range typography.Variants() {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", v, m.Element(v)); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
