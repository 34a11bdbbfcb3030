// The inboxfold command folds a GMail inbox into per-person chat
// conversations.  Promotional and automated mail is diverted into a
// summarized Others pile; everything that remains is grouped by
// counterparty, annotated with a suggested next action, and printed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/inboxfold/inboxfold/internal/ai"
	"github.com/inboxfold/inboxfold/internal/classify"
	"github.com/inboxfold/inboxfold/internal/config"
	"github.com/inboxfold/inboxfold/internal/gmail"
	"github.com/inboxfold/inboxfold/internal/gmailhttp"
	"github.com/inboxfold/inboxfold/internal/group"
	"github.com/inboxfold/inboxfold/internal/message"
	"github.com/inboxfold/inboxfold/internal/persist"
	"github.com/inboxfold/inboxfold/internal/sync"
	"github.com/inboxfold/inboxfold/internal/tracehttp"

	_ "github.com/mattn/go-sqlite3"
)

var (
	flagTrace   = flag.Bool("T", false, "request debug tracing")
	flagSend    = flag.String("send", "", "send a message to this address instead of refreshing")
	flagBody    = flag.String("m", "", "message body, used with -send")
	flagWatch   = flag.Bool("watch", false, "keep refreshing on an interval until interrupted")
	flagSignOut = flag.Bool("signout", false, "discard the cached OAuth token and exit")
)

func run(ctx context.Context, logger *log.Logger) error {
	conf, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "unable to load configuration")
	}

	db, err := persist.Open(ctx, logger.With("component", "persist"), conf.DBPath)
	if err != nil {
		return errors.Wrap(err, "unable to initialize database")
	}
	defer db.Close()

	httpClient, err := gmailhttp.New(ctx)
	if err != nil {
		return errors.Wrap(err, "unable to initialize GMail HTTP client")
	}
	if *flagTrace {
		logger.SetLevel(log.DebugLevel)
		tracehttp.WrapClient(logger.With("component", "http"), httpClient)
	}

	mailbox, err := gmail.New(ctx, httpClient)
	if err != nil {
		return errors.Wrap(err, "unable to initialize GMail")
	}

	aiLogger := logger.With("component", "ai")
	svc := ai.NewOpenAIService(aiLogger, conf.CompletionsAPIKey, conf.CompletionsAPIURL)
	judge := classify.NewInferenceJudge(aiLogger, svc, conf.CompletionsModel)
	classifier := classify.NewBatcher(logger.With("component", "classify"), judge, db, classify.DefaultPolicy, conf.BatchWidth)
	grouper := group.New(classify.DefaultPolicy, nil)

	session, err := sync.NewSession(ctx, logger.With("component", "sync"), mailbox, db, classifier, grouper, sync.Options{
		Query:           conf.Query,
		PageSize:        conf.PageSize,
		OthersCap:       conf.OthersCap,
		RefreshInterval: conf.RefreshInterval,
		AutoRefresh:     conf.AutoRefresh,
	})
	if err != nil {
		return err
	}

	if *flagSend != "" {
		if *flagBody == "" {
			return errors.New("-send requires a body, use -m")
		}
		if err := session.SendMessage(ctx, *flagSend, *flagBody); err != nil {
			return err
		}
		fmt.Printf("Sent to %s\n", *flagSend)
		return nil
	}

	if err := session.Refresh(ctx); err != nil {
		return errors.Wrap(err, "unable to refresh")
	}
	printState(session)

	if *flagWatch {
		session.SetAutoRefresh(true)
		watchCtx, cancel := signal.NotifyContext(ctx, os.Interrupt)
		defer cancel()
		logger.Info("watching for new mail", "interval", conf.RefreshInterval)
		session.AutoRefresh(watchCtx)
	}
	return nil
}

func printState(s *sync.Session) {
	convs := s.Conversations()
	ordered := make([]*message.Conversation, 0, len(convs))
	for _, conv := range convs {
		ordered = append(ordered, conv)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Person.LastMessageDate.After(ordered[j].Person.LastMessageDate)
	})

	fmt.Printf("%d conversations for %s\n\n", len(ordered), s.Owner())
	for _, conv := range ordered {
		p := conv.Person
		name := p.Name
		if name == "" {
			name = p.Email
		}
		fmt.Printf("  %s <%s>", name, p.Email)
		if p.UnreadCount > 0 {
			fmt.Printf(" (%d unread)", p.UnreadCount)
		}
		fmt.Println()
		if !p.LastMessageDate.IsZero() {
			fmt.Printf("    %s  %s\n", p.LastMessageDate.Format(time.DateTime), p.LastMessageSnippet)
		}
		if p.Action != "" {
			fmt.Printf("    -> %s\n", p.Action)
		}
	}

	others := s.Others()
	if others.Count > 0 {
		fmt.Printf("\nOthers: %d messages, last %q\n", others.Count, others.LastSnippet)
	}
}

func main() {
	flag.Parse()
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})

	if *flagSignOut {
		if err := gmailhttp.SignOut(); err != nil {
			logger.Fatal("sign out failed", "err", err)
		}
		fmt.Println("Signed out.")
		return
	}

	if err := run(context.Background(), logger); err != nil {
		logger.Fatal("failed", "err", err)
	}
}
