package admin

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/message"

	"blastguard.ai/internal/ledger"
)

// usageError carries a message key shown instead of the raw error.
type usageError struct {
	msg  string
	args []any
}

func (e usageError) Error() string { return fmt.Sprintf(e.msg, e.args...) }

func newRootCommand(ctl Controls, p *message.Printer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "explosionprotector",
		Aliases:       []string{"ep"},
		Short:         "Explosion protection for player-placed blocks",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return usageError{msg: msgUsage}
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	cmd.AddCommand(newToggleCommand(ctl, p, true))
	cmd.AddCommand(newToggleCommand(ctl, p, false))
	cmd.AddCommand(newStatsCommand(ctl, p))
	cmd.AddCommand(newCacheCommand(ctl, p))
	cmd.AddCommand(newFallbacksCommand(ctl, p))
	cmd.AddCommand(newExplainCommand(ctl, p))
	return cmd
}

func say(w io.Writer, p *message.Printer, key string, args ...any) {
	_, _ = io.WriteString(w, p.Sprintf(key, args...)+"\n")
}

func newToggleCommand(ctl Controls, p *message.Printer, on bool) *cobra.Command {
	use, short, msg := "disable", "Disable explosion protection", msgDisabled
	if on {
		use, short, msg = "enable", "Enable explosion protection", msgEnabled
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl.SetEnabled(on)
			say(cmd.OutOrStdout(), p, msg)
			return nil
		},
	}
}

func newStatsCommand(ctl Controls, p *message.Printer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show protection statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError{msg: msgUnknownCommand}
			}
			s := ctl.Stats()
			state := p.Sprintf(msgStateOff)
			if ctl.Enabled() {
				state = p.Sprintf(msgStateOn)
			}
			w := cmd.OutOrStdout()
			say(w, p, msgStatsHeader)
			say(w, p, msgStatsState, state)
			say(w, p, msgStatsProtected, s.BlocksProtected)
			say(w, p, msgStatsQueries, s.LedgerQueries)
			say(w, p, msgStatsFallbacks, s.Fallbacks)
			say(w, p, msgStatsExplosions, s.Explosions)
			say(w, p, msgStatsHitRatio, s.HitRatio()*100)
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Zero every counter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl.ResetStats()
			say(cmd.OutOrStdout(), p, msgStatsReset)
			return nil
		},
	})
	return cmd
}

func newCacheCommand(ctl Controls, p *message.Printer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the verdict cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError{msg: msgCacheInvalid}
			}
			return usageError{msg: msgCacheUsage}
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show cache size and hit counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := ctl.CacheStatus()
			say(cmd.OutOrStdout(), p, msgCacheStatus, st.Entries, st.MaxEntries, st.TTL.String(), st.Hits, st.Misses, st.Evictions)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop every cached verdict",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl.ClearCache()
			say(cmd.OutOrStdout(), p, msgCacheCleared)
			return nil
		},
	})
	return cmd
}

func newFallbacksCommand(ctl Controls, p *message.Printer) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "fallbacks",
		Short: "List recent ledger fallbacks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			evs := ctl.RecentFallbacks(limit)
			if len(evs) == 0 {
				say(w, p, msgFallbacksNone)
				return nil
			}
			say(w, p, msgFallbacksHeader, len(evs))
			for _, ev := range evs {
				say(w, p, msgFallbackLine, ev.At.Format("15:04:05"), string(ev.Kind), ev.Coord.String(), ev.Err)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "incidents to show")
	return cmd
}

func newExplainCommand(ctl Controls, p *message.Printer) *cobra.Command {
	return &cobra.Command{
		Use:   "explain <world> <x> <y> <z>",
		Short: "Show the ledger history behind a block's verdict",
		// Negative coordinates are not flags.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 4 {
				return usageError{msg: msgExplainUsage}
			}
			c := ledger.Coord{World: args[0]}
			for i, dst := range []*int{&c.X, &c.Y, &c.Z} {
				v, err := strconv.Atoi(strings.TrimSpace(args[i+1]))
				if err != nil {
					return usageError{msg: msgExplainBadCoord, args: []any{args[i+1]}}
				}
				*dst = v
			}

			ex, err := ctl.Explain(cmd.Context(), c)
			if err != nil {
				return usageError{msg: msgExplainFailed, args: []any{err.Error()}}
			}
			w := cmd.OutOrStdout()
			if len(ex.Records) == 0 {
				say(w, p, msgExplainEmpty, c.String())
				return nil
			}
			for i, r := range ex.Records {
				mark := " "
				if i == ex.Deciding {
					mark = "*"
				}
				actor := r.Actor
				if !r.HasActor {
					actor = p.Sprintf(msgExplainNoActor)
				}
				say(w, p, msgExplainLine, mark, r.Tick, r.Action.String(), actor, ctl.MaterialName(r.From), ctl.MaterialName(r.To))
			}
			say(w, p, msgExplainVerdict, c.String(), ex.Verdict.PlayerPlaced)
			return nil
		},
	}
}
