// main.go - Reply store maintenance tool.
// Copyright (C) 2025  Katzenpost Developers.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/spf13/cobra"

	"github.com/katzenpost/replyarq/client/config"
	"github.com/katzenpost/replyarq/client/replies"
	"github.com/katzenpost/replyarq/client/replies/backend"
	"github.com/katzenpost/replyarq/common"
	"github.com/katzenpost/replyarq/core/log"
)

var (
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Width(22)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

// Config holds the command line configuration
type Config struct {
	ConfigFile string
	Database   string
	LogLevel   string
}

func (c *Config) open() (*backend.Bolt, *config.Config, error) {
	var cfg *config.Config
	if c.ConfigFile != "" {
		var err error
		if cfg, err = config.LoadFile(c.ConfigFile); err != nil {
			return nil, nil, fmt.Errorf("failed to load config file '%v': %v", c.ConfigFile, err)
		}
	} else {
		cfg = new(config.Config)
		if err := cfg.FixupAndValidate(); err != nil {
			return nil, nil, err
		}
	}

	path := c.Database
	if path == "" && cfg.Storage.Backend == config.BackendBolt {
		path = cfg.Storage.Path
	}
	if path == "" {
		return nil, nil, errors.New("no reply store given, use --db or a config with the bolt storage backend")
	}

	logBackend, err := log.New("", c.LogLevel, false)
	if err != nil {
		return nil, nil, err
	}
	b, err := backend.NewBolt(logBackend, path)
	if err != nil {
		return nil, nil, err
	}
	return b, cfg, nil
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "replystore",
		Short: "Inspect and maintain a persisted reply store",
		Long: `replystore operates on the bbolt reply store of a client: the reply
keys of every reply SURB handed out, the reply SURBs received from remote
peers, and the sender tags used towards each recipient.

The client must not be running while the store is modified.`,
		Example: `  # Show the state of the store named by a client configuration
  replystore inspect -f client.toml

  # Reset a store to empty with the configured SURB thresholds
  replystore init -f client.toml

  # Discard every received reply SURB
  replystore purge --db /var/lib/client/reply_store.db --surbs`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&cfg.ConfigFile, "config", "f", "", "path to the client configuration file (TOML format)")
	cmd.PersistentFlags().StringVar(&cfg.Database, "db", "", "path to the reply store, overrides the configuration")
	cmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", "ERROR", "log level")

	cmd.AddCommand(
		newInspectCommand(&cfg),
		newInitCommand(&cfg),
		newPurgeCommand(&cfg),
	)
	return cmd
}

func newInspectCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Show the bookkeeping state and contents of the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _, err := cfg.open()
			if err != nil {
				return err
			}
			defer b.Close()

			st, err := b.Status()
			if err != nil {
				return err
			}
			printStatus(common.Output(cmd.OutOrStdout()), st)
			return nil
		},
	}
}

func newInitCommand(cfg *Config) *cobra.Command {
	var minThreshold, maxThreshold int

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Discard all stored data and start an empty store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, clientCfg, err := cfg.open()
			if err != nil {
				return err
			}
			defer b.Close()

			if !cmd.Flags().Changed("min") {
				minThreshold = clientCfg.ReplySurbs.MinimumReplySurbStorageThreshold
			}
			if !cmd.Flags().Changed("max") {
				maxThreshold = clientCfg.ReplySurbs.MaximumReplySurbStorageThreshold
			}
			if minThreshold < 0 || maxThreshold < minThreshold {
				return fmt.Errorf("invalid argument: thresholds %d/%d", minThreshold, maxThreshold)
			}
			if err := b.InitFresh(replies.NewCombinedReplyStorage(minThreshold, maxThreshold)); err != nil {
				return err
			}
			_, err = fmt.Fprintln(common.Output(cmd.OutOrStdout()),
				headerStyle.Render(fmt.Sprintf("Initialised an empty reply store, SURB thresholds %d/%d", minThreshold, maxThreshold)))
			return err
		},
	}
	cmd.Flags().IntVar(&minThreshold, "min", 0, "minimum reply SURB storage threshold, defaults to the configured one")
	cmd.Flags().IntVar(&maxThreshold, "max", 0, "maximum reply SURB storage threshold, defaults to the configured one")
	return cmd
}

func newPurgeCommand(cfg *Config) *cobra.Command {
	var surbs, keys, tags, all bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Discard selected stored data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				surbs, keys, tags = true, true, true
			}
			if !surbs && !keys && !tags {
				return errors.New("required flag: one of --surbs, --keys, --tags or --all")
			}

			b, _, err := cfg.open()
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.Purge(surbs, keys, tags); err != nil {
				return err
			}
			st, err := b.Status()
			if err != nil {
				return err
			}
			printStatus(common.Output(cmd.OutOrStdout()), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&surbs, "surbs", false, "discard received reply SURBs")
	cmd.Flags().BoolVar(&keys, "keys", false, "discard reply keys")
	cmd.Flags().BoolVar(&tags, "tags", false, "discard sender tags")
	cmd.Flags().BoolVar(&all, "all", false, "discard everything")
	return cmd
}

func printStatus(w io.Writer, st *backend.Status) {
	row := func(label string, v interface{}) {
		fmt.Fprintln(w, lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), fmt.Sprint(v)))
	}

	fmt.Fprintln(w, headerStyle.Render("Reply store"))
	if st.Thresholds != nil {
		row("SURB thresholds", fmt.Sprintf("%d/%d", st.Thresholds.Min, st.Thresholds.Max))
	} else {
		row("SURB thresholds", "unset")
	}
	if st.LastFlush.IsZero() {
		row("Last flush", "never")
	} else {
		row("Last flush", st.LastFlush.UTC().Format(time.RFC3339))
	}
	row("In use", st.InUse)
	row("Reply keys", st.ReplyKeys)
	row("Reply SURB senders", st.SurbSenders)
	row("Reply SURBs", st.ReplySurbs)
	row("Sender tags", st.SenderTags)

	switch {
	case st.FlushInProgress:
		fmt.Fprintln(w, warnStyle.Render("A flush was interrupted, the client will discard this store"))
	case st.InUse:
		fmt.Fprintln(w, warnStyle.Render("The store was not closed cleanly, reply SURBs and keys will be purged on load"))
	}
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}
