package cmds

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatshell/pkg/prefs"
	"github.com/go-go-golems/chatshell/pkg/redisstream"
)

type prefsTarget struct {
	file  string
	redis string
}

func (t *prefsTarget) addFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&t.file, "file", "chatshell-prefs.json", "Preferences file")
	cmd.PersistentFlags().StringVar(&t.redis, "redis", "", "Use this redis namespace instead of the file (CHATSHELL_REDIS_* settings)")
}

// open returns the store and a release func for the redis client.
func (t *prefsTarget) open(ctx context.Context) (*prefs.Store, func(), error) {
	if t.redis != "" {
		rs, err := redisstream.SettingsFromEnv()
		if err != nil {
			return nil, nil, err
		}
		client := redisstream.NewClient(rs)
		port, err := prefs.NewRedisPort(client, t.redis)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		st, err := prefs.NewStore(ctx, port)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return st, func() { _ = client.Close() }, nil
	}
	port, err := prefs.NewFilePort(t.file)
	if err != nil {
		return nil, nil, err
	}
	st, err := prefs.NewStore(ctx, port)
	if err != nil {
		return nil, nil, err
	}
	return st, func() {}, nil
}

func NewPrefsCommand() *cobra.Command {
	t := &prefsTarget{}
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Read and write shell preferences",
	}
	t.addFlags(cmd)

	get := &cobra.Command{
		Use:   "get",
		Short: "Print the preferences as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, release, err := t.open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st.Snapshot())
		},
	}

	set := &cobra.Command{
		Use:   "set <theme|sidebar-collapsed> <value>",
		Short: "Update one preference",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, release, err := t.open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			return setPref(cmd.Context(), st, args[0], args[1])
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}

func setPref(ctx context.Context, st *prefs.Store, key, value string) error {
	switch key {
	case "theme":
		th, err := prefs.ParseTheme(value)
		if err != nil {
			return err
		}
		return st.SetTheme(ctx, th)
	case "sidebar-collapsed", "sidebar":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "invalid sidebar-collapsed value %q", value)
		}
		return st.SetSidebarCollapsed(ctx, b)
	}
	return errors.Errorf("unknown preference %q", key)
}
