package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lzyats/chatfeed/pkg/controller"
	"github.com/lzyats/chatfeed/pkg/feed"
	"github.com/lzyats/chatfeed/pkg/live"
	"github.com/lzyats/chatfeed/pkg/pagefetch"
	"github.com/lzyats/chatfeed/pkg/send"
)

func init() {
	watchCmd.Flags().BoolP("interactive", "i", false, "read messages to send from stdin (/older, /retry KEY, /discard KEY)")
	watchCmd.Flags().String("author", "", "member id shown on optimistic sends")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a scope live: print history, then every change as it arrives",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireScope(); err != nil {
			return err
		}
		interactive, _ := cmd.Flags().GetBool("interactive")
		author, _ := cmd.Flags().GetString("author")
		log := logger()
		defer log.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := newPrinter(cmd.OutOrStdout())
		ch := live.New(live.Options{
			URL:     flags.pushURL,
			Token:   flags.token,
			Logger:  log,
			OnState: func(s live.State) { out.status("connection " + s.String()) },
		})
		ch.Start(ctx)
		defer ch.Close()

		ctl := controller.New(controller.Options{
			Fetcher:     pagefetch.NewHTTPFetcher(flags.apiURL, flags.token, flags.timeout),
			Channel:     controller.FromChannel(ch),
			Sender:      send.NewHTTPSender(flags.apiURL, flags.token, flags.timeout),
			AuthorID:    author,
			SendTimeout: flags.timeout,
			Logger:      log,
			OnChange:    out.render,
		})
		defer ctl.Close()

		if err := ctl.Mount(ctx, flags.scope); err != nil {
			return err
		}
		out.render(ctl.Feed(flags.scope))

		if interactive {
			go readCommands(ctx, cmd.InOrStdin(), ctl, out, stop)
		}
		<-ctx.Done()
		return nil
	},
}

func readCommands(ctx context.Context, in io.Reader, ctl *controller.Controller, out *printer, quit func()) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		var err error
		switch {
		case line == "":
			continue
		case line == "/quit":
			quit()
			return
		case line == "/older":
			err = ctl.LoadOlder(ctx, flags.scope)
		case strings.HasPrefix(line, "/retry "):
			err = ctl.RetrySend(flags.scope, strings.TrimSpace(strings.TrimPrefix(line, "/retry ")))
		case strings.HasPrefix(line, "/discard "):
			err = ctl.DiscardFailedSend(flags.scope, strings.TrimSpace(strings.TrimPrefix(line, "/discard ")))
		default:
			_, err = ctl.SendMessage(flags.scope, line, "")
		}
		if err != nil {
			out.status("error: " + err.Error())
		}
	}
	quit()
}

// printer writes rows whose rendering changed since the last view.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	seen map[string]string
	err  error
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, seen: make(map[string]string)}
}

func (p *printer) render(v controller.View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, it := range v.Items {
		line := formatItem(it)
		key := itemKey(it)
		if p.seen[key] == line {
			continue
		}
		p.seen[key] = line
		fmt.Fprintln(p.w, line)
	}
	if v.Err != nil && v.Err != p.err {
		fmt.Fprintf(p.w, "-- %v --\n", v.Err)
	}
	p.err = v.Err
}

func (p *printer) status(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "-- %s --\n", s)
}

// itemKey keeps a pending row and its confirmed message on separate lines.
func itemKey(it feed.Item) string {
	if it.Pending != nil {
		return "p:" + it.Pending.Key
	}
	return "m:" + it.Message.ID
}
