package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/datallboy/gopodq/internal/domain"
)

func newAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add URL [PATH]",
		Short: "Append a download to the queue",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(true)
			if err != nil {
				return err
			}
			defer rt.Close()

			localPath := ""
			if len(args) == 2 {
				localPath = args[1]
			}

			e, err := rt.queue.Add(args[0], localPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s -> %s\n", e.URL, e.LocalPath)
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show the queue",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(true)
			if err != nil {
				return err
			}
			defer rt.Close()

			snap := rt.queue.Snapshot()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tSTATUS\tPROGRESS\tPATH\tURL")
			for i, e := range snap.Entries {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i, e.Status, progressLabel(e), e.LocalPath, e.URL)
				if e.LastError != "" {
					fmt.Fprintf(tw, "\t\t\terror: %s\t\n", e.LastError)
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			st := snap.Stats
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d entries: %d queued, %d paused, %d finished, %d failed\n",
				st.Total, st.Queued, st.Paused, st.Finished, st.Failed)
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete INDEX",
		Aliases: []string{"rm"},
		Short:   "Remove an entry; its file is left on disk",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndexArg(args[0])
			if err != nil {
				return err
			}
			return withQueue(func(rt *runtime) error {
				return rt.queue.Delete(index)
			})
		},
	}
}

func newMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move FROM TO",
		Short: "Change the position of an entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseIndexArg(args[0])
			if err != nil {
				return err
			}
			to, err := parseIndexArg(args[1])
			if err != nil {
				return err
			}
			return withQueue(func(rt *runtime) error {
				return rt.queue.Move(from, to)
			})
		},
	}
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry INDEX",
		Short: "Queue a failed entry again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndexArg(args[0])
			if err != nil {
				return err
			}
			return withQueue(func(rt *runtime) error {
				return rt.queue.Retry(index)
			})
		},
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Drop finished entries from the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(func(rt *runtime) error {
				n, err := rt.queue.Purge()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d finished entries\n", n)
				return nil
			})
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var limit int
	var url string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent transfer attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(func(rt *runtime) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				defer cancel()

				var attempts []*domain.Attempt
				var err error
				if url != "" {
					attempts, err = rt.queue.HistoryFor(ctx, url)
				} else {
					attempts, err = rt.queue.History(ctx, limit)
				}
				if err != nil {
					return err
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "FINISHED\tSTATUS\tBYTES\tTOOK\tURL")
				for _, a := range attempts {
					status := string(a.Status)
					if a.Kind != "" {
						status += " (" + a.Kind + ")"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", humanize.Time(a.FinishedAt), status,
						humanize.IBytes(uint64(max(a.BytesDone, 0))), a.Duration().Round(time.Second), a.URL)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of attempts to show")
	cmd.Flags().StringVar(&url, "url", "", "show every attempt for one URL")
	return cmd
}

func withQueue(fn func(rt *runtime) error) error {
	rt, err := bootstrap(true)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func parseIndexArg(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a queue position", domain.ErrIndexOutOfRange, raw)
	}
	return n, nil
}

func progressLabel(e domain.QueueEntry) string {
	if !e.HasTotal() {
		if e.BytesDone == 0 {
			return "-"
		}
		return humanize.IBytes(uint64(e.BytesDone))
	}
	return fmt.Sprintf("%s / %s (%.0f%%)", humanize.IBytes(uint64(e.BytesDone)),
		humanize.IBytes(uint64(e.BytesTotal)), e.Progress()*100)
}
