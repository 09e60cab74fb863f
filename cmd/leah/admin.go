package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jamessanders/leah-public/internal/actor"
	"github.com/jamessanders/leah-public/internal/broker"
	"github.com/jamessanders/leah-public/internal/message"
	"github.com/jamessanders/leah-public/internal/registry"
	"github.com/jamessanders/leah-public/internal/store"
)

// offline is the store opened directly by an inspection command.
type offline struct {
	store  *store.Store
	broker *broker.Broker
	subs   *registry.Registry
}

func openOffline() (*offline, error) {
	st, err := store.Open(ServerConfig.StorePath())
	if err != nil {
		return nil, fmt.Errorf("open store (is leah serving?): %w", err)
	}
	b := broker.New(st, broker.WithUnpersisted(ServerConfig.Broker.UnpersistedChannels...))
	subs, err := registry.New(st, b)
	if err != nil {
		st.Close()
		return nil, err
	}
	return &offline{store: st, broker: b, subs: subs}, nil
}

func (o *offline) Close() error {
	return o.store.Close()
}

func printMessages(w io.Writer, msgs []message.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	for _, m := range msgs {
		fmt.Fprintf(w, "%s  %-8s %-12s %s\n", m.SentAt.Format("2006-01-02 15:04:05"), m.Kind, m.From, m.Content)
	}
}

func HistoryCmd() *cobra.Command {
	var archive bool
	cmd := &cobra.Command{
		Use:   "history <channel>",
		Short: "Show or archive a channel's history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOffline()
			if err != nil {
				return err
			}
			defer o.Close()

			channel := message.NormalizeChannel(args[0])
			out := cmd.OutOrStdout()
			if archive {
				stamp, err := o.broker.ClearHistory(channel)
				if err != nil {
					return err
				}
				if stamp == "" {
					fmt.Fprintf(out, "%s has no history to archive.\n", channel)
				} else {
					fmt.Fprintf(out, "Archived %s as %s\n", channel, stamp)
				}
				return nil
			}

			msgs, err := o.broker.History(channel)
			if err != nil {
				return err
			}
			printMessages(out, msgs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&archive, "clear", false, "archive the history and start the channel empty")
	return cmd
}

func ArchivesCmd() *cobra.Command {
	var stamp string
	cmd := &cobra.Command{
		Use:   "archives <channel>",
		Short: "List a channel's archived histories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOffline()
			if err != nil {
				return err
			}
			defer o.Close()

			channel := message.NormalizeChannel(args[0])
			out := cmd.OutOrStdout()
			if stamp != "" {
				msgs, err := o.store.ArchivedHistory(channel, stamp)
				if err != nil {
					return err
				}
				printMessages(out, msgs)
				return nil
			}

			stamps, err := o.store.ListArchives(channel)
			if err != nil {
				return err
			}
			if len(stamps) == 0 {
				fmt.Fprintf(out, "%s has no archives.\n", channel)
			}
			for _, s := range stamps {
				fmt.Fprintln(out, s)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&stamp, "show", "", "print the archive with this stamp")
	return cmd
}

func ChannelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List channels with history and their subscribers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOffline()
			if err != nil {
				return err
			}
			defer o.Close()

			chans, err := o.store.Channels()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ch := range chans {
				fmt.Fprintf(out, "%-24s %s\n", ch, strings.Join(o.subs.ChannelSubscribers(ch), ", "))
			}
			return nil
		},
	}
}

func SubsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subs <handle>",
		Short: "List the channels a handle follows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOffline()
			if err != nil {
				return err
			}
			defer o.Close()

			handle := message.NormalizeHandle(args[0])
			out := cmd.OutOrStdout()
			for _, ch := range o.subs.UserSubscriptions(handle) {
				if o.subs.IsAdmin(handle, ch) {
					fmt.Fprintf(out, "%s (admin)\n", ch)
				} else {
					fmt.Fprintln(out, ch)
				}
			}
			return nil
		},
	}
}

func SubscribeCmd() *cobra.Command {
	var admin bool
	cmd := &cobra.Command{
		Use:   "subscribe <handle> <channel>",
		Short: "Subscribe a handle to a channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOffline()
			if err != nil {
				return err
			}
			defer o.Close()

			handle, channel := message.NormalizeHandle(args[0]), message.NormalizeChannel(args[1])
			if admin {
				err = o.subs.MakeAdmin(handle, channel)
			} else {
				err = o.subs.Subscribe(handle, channel)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s subscribed to %s\n", handle, channel)
			return nil
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "also grant admin rights")
	return cmd
}

func UnsubscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe <handle> <channel>",
		Short: "Remove a handle's subscription",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOffline()
			if err != nil {
				return err
			}
			defer o.Close()

			handle, channel := message.NormalizeHandle(args[0]), message.NormalizeChannel(args[1])
			if err := o.subs.Unsubscribe(handle, channel); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s unsubscribed from %s\n", handle, channel)
			return nil
		},
	}
}

func TasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List persisted scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOffline()
			if err != nil {
				return err
			}
			defer o.Close()

			stored, err := o.store.ListTasks()
			if err != nil {
				return err
			}
			var tasks []actor.Task
			for id, data := range stored {
				var t actor.Task
				if err := json.Unmarshal(data, &t); err != nil {
					continue
				}
				t.ID = id
				tasks = append(tasks, t)
			}
			sort.Slice(tasks, func(i, j int) bool { return tasks[i].When < tasks[j].When })

			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintln(out, "No persisted tasks.")
			}
			for _, t := range tasks {
				fmt.Fprintf(out, "%s  %-10s %s  %s\n", t.When, t.Who, t.ID, t.Instructions)
			}
			return nil
		},
	}
}
