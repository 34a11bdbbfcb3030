package sync

import (
	"context"
	"io"
	"strings"
	stdsync "sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/inboxfold/inboxfold/internal/classify"
	"github.com/inboxfold/inboxfold/internal/gmail"
	"github.com/inboxfold/inboxfold/internal/group"
	"github.com/inboxfold/inboxfold/internal/message"
	"github.com/inboxfold/inboxfold/internal/persist"
)

const testOwner = "me@example.com"

// fakeMailbox serves canned messages and records sends.
type fakeMailbox struct {
	mu       stdsync.Mutex
	msgs     []*message.Message
	queryErr error // fail listings that carry a query
	listErr  error // fail all listings
	sendErr  error
	sent     []string
	listHook func() // runs at the top of List, outside the lock
}

func (f *fakeMailbox) List(ctx context.Context, pageToken, query string, pageSize int64) (*message.Page, error) {
	if f.listHook != nil {
		f.listHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	if query != "" && f.queryErr != nil {
		return nil, f.queryErr
	}
	page := &message.Page{}
	for _, m := range f.msgs {
		page.IDs = append(page.IDs, m.ID)
	}
	return page, nil
}

func (f *fakeMailbox) Get(ctx context.Context, id string) (*message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.msgs {
		if m.PermID == id {
			return m, nil
		}
	}
	return nil, gmail.ErrMessageNotFound
}

func (f *fakeMailbox) Send(ctx context.Context, raw string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, raw)
	return nil
}

func (f *fakeMailbox) GetProfile(ctx context.Context) (*message.Profile, error) {
	return &message.Profile{EmailAddress: testOwner}, nil
}

func (f *fakeMailbox) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// staticJudge answers from canned tables; unknown senders are human.
type staticJudge struct {
	nonHuman map[string]bool
	actions  map[string]string
}

func (j staticJudge) IsRealHuman(ctx context.Context, msg *message.Message) bool {
	return !j.nonHuman[msg.PermID]
}

func (j staticJudge) DetectActionNeeded(ctx context.Context, msg *message.Message) string {
	return j.actions[msg.PermID]
}

func inbound(id, from, snippet string, date time.Time) *message.Message {
	return &message.Message{
		ID:      message.ID{PermID: id, ThreadID: "t-" + id},
		Snippet: snippet,
		Headers: []message.Header{
			{Name: "From", Value: from},
			{Name: "To", Value: testOwner},
			{Name: "Date", Value: date.Format(time.RFC1123Z)},
		},
		InternalDate: date.UnixMilli(),
	}
}

func newTestSession(t *testing.T, mailbox *fakeMailbox, judge classify.Judge, opts Options) *Session {
	t.Helper()
	logger := log.New(io.Discard)
	store := persist.NewMem()
	classifier := classify.NewBatcher(logger, judge, store, classify.DefaultPolicy, classify.DefaultWidth)
	grouper := group.New(classify.DefaultPolicy, nil)
	s, err := NewSession(context.Background(), logger, mailbox, store, classifier, grouper, opts)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestRefreshPipeline(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	mailbox := &fakeMailbox{msgs: []*message.Message{
		inbound("m1", "Jane Doe <jane@x.com>", "lunch on friday?", base),
		inbound("m2", "robot@svc.example", "your build finished", base.Add(time.Hour)),
	}}
	s := newTestSession(t, mailbox, staticJudge{
		nonHuman: map[string]bool{"m2": true},
	}, Options{})

	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	convs := s.Conversations()
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1 (automated mail diverted)", len(convs))
	}
	conv := convs["jane@x.com"]
	if conv == nil {
		t.Fatal("no conversation for jane@x.com")
	}
	if conv.Person.Name != "Jane Doe" || conv.Person.LastMessageSnippet != "lunch on friday?" {
		t.Errorf("person summary = %+v", conv.Person)
	}

	others := s.Others()
	if others.Count != 1 || others.LastSnippet != "your build finished" {
		t.Errorf("others = %+v", others)
	}

	stored, err := s.store.Messages(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Errorf("persisted %d messages, want 2", len(stored))
	}

	if s.State() != StateIdle {
		t.Errorf("state = %v, want idle", s.State())
	}
	if s.LastRefresh().IsZero() {
		t.Error("LastRefresh not recorded")
	}
	if s.LastError() != nil {
		t.Errorf("LastError = %v", s.LastError())
	}
}

func TestRefreshSingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once stdsync.Once
	mailbox := &fakeMailbox{listHook: func() {
		once.Do(func() {
			close(started)
			<-release
		})
	}}
	s := newTestSession(t, mailbox, staticJudge{}, Options{})

	done := make(chan error, 1)
	go func() { done <- s.Refresh(context.Background()) }()
	<-started

	if err := s.Refresh(context.Background()); err != ErrRefreshInFlight {
		t.Errorf("overlapping refresh = %v, want ErrRefreshInFlight", err)
	}
	if s.State() == StateIdle {
		t.Error("state should not be idle mid-refresh")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if s.State() != StateIdle {
		t.Errorf("state = %v after refresh, want idle", s.State())
	}
}

func TestRefreshRetriesWithoutQuery(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	mailbox := &fakeMailbox{
		msgs:     []*message.Message{inbound("m1", "jane@x.com", "hello", base)},
		queryErr: errors.New("invalid query"),
	}
	s := newTestSession(t, mailbox, staticJudge{}, Options{Query: "in:inbox"})

	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh should fall back to an unfiltered listing: %v", err)
	}
	if len(s.Conversations()) != 1 {
		t.Errorf("conversations = %d, want 1", len(s.Conversations()))
	}
}

func TestRefreshFailureKeepsState(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	mailbox := &fakeMailbox{msgs: []*message.Message{
		inbound("m1", "jane@x.com", "hello", base),
	}}
	s := newTestSession(t, mailbox, staticJudge{}, Options{})
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	mailbox.mu.Lock()
	mailbox.listErr = errors.New("backend down")
	mailbox.mu.Unlock()

	if err := s.Refresh(context.Background()); err == nil {
		t.Fatal("refresh should fail when listing fails")
	}
	if len(s.Conversations()) != 1 {
		t.Error("prior conversations lost on failed refresh")
	}
	if s.LastError() == nil {
		t.Error("failure not recorded")
	}
	if s.State() != StateIdle {
		t.Errorf("state = %v after failure, want idle", s.State())
	}
}

func TestStatusSurvivesRefresh(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	mailbox := &fakeMailbox{msgs: []*message.Message{
		inbound("m1", "jane@x.com", "hello", base),
	}}
	s := newTestSession(t, mailbox, staticJudge{}, Options{})
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	if !s.SetStatus("jane@x.com", "Approved") {
		t.Fatal("SetStatus failed")
	}
	if !s.SetContactID("jane@x.com", "c-42") {
		t.Fatal("SetContactID failed")
	}

	mailbox.mu.Lock()
	mailbox.msgs = append(mailbox.msgs,
		inbound("m2", "jane@x.com", "following up", base.Add(time.Hour)))
	mailbox.mu.Unlock()

	if err := s.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	conv := s.Conversation("jane@x.com")
	if conv == nil {
		t.Fatal("conversation lost")
	}
	if conv.Person.Status != "Approved" || conv.Person.ContactID != "c-42" {
		t.Errorf("user-set fields lost: %+v", conv.Person)
	}
	if len(conv.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(conv.Messages))
	}
	if conv.Person.LastMessageSnippet != "following up" {
		t.Errorf("summary not recomputed: %q", conv.Person.LastMessageSnippet)
	}
}

func TestSendOptimisticInsert(t *testing.T) {
	mailbox := &fakeMailbox{}
	s := newTestSession(t, mailbox, staticJudge{}, Options{ReconcileDelay: time.Hour})

	if err := s.SendMessage(context.Background(), "Jane <jane@x.com>", "see you then"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	conv := s.Conversation("jane@x.com")
	if conv == nil {
		t.Fatal("no conversation created for recipient")
	}
	if len(conv.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(conv.Messages))
	}
	sent := conv.Messages[0]
	if !strings.HasPrefix(sent.PermID, "local-") {
		t.Errorf("provisional id = %q, want local- prefix", sent.PermID)
	}
	if sent.IsRealHuman == nil || !*sent.IsRealHuman {
		t.Error("own mail should be pre-marked human")
	}
	if conv.Person.LastMessageSnippet != "see you then" {
		t.Errorf("summary snippet = %q", conv.Person.LastMessageSnippet)
	}
	if mailbox.sentCount() != 1 {
		t.Errorf("mailbox sends = %d, want 1", mailbox.sentCount())
	}
}

func TestSendRollbackRemovesConversation(t *testing.T) {
	mailbox := &fakeMailbox{sendErr: errors.New("smtp unavailable")}
	s := newTestSession(t, mailbox, staticJudge{}, Options{ReconcileDelay: time.Hour})

	err := s.SendMessage(context.Background(), "jane@x.com", "hello there")
	if err == nil {
		t.Fatal("send should fail")
	}
	if s.Conversation("jane@x.com") != nil {
		t.Error("conversation created for failed send was not rolled back")
	}
	if s.LastError() == nil {
		t.Error("send failure not recorded")
	}
}

func TestSendRollbackKeepsExistingConversation(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	mailbox := &fakeMailbox{msgs: []*message.Message{
		inbound("m1", "jane@x.com", "hello", base),
	}}
	s := newTestSession(t, mailbox, staticJudge{}, Options{ReconcileDelay: time.Hour})
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	mailbox.mu.Lock()
	mailbox.sendErr = errors.New("smtp unavailable")
	mailbox.mu.Unlock()

	if err := s.SendMessage(context.Background(), "jane@x.com", "reply"); err == nil {
		t.Fatal("send should fail")
	}
	conv := s.Conversation("jane@x.com")
	if conv == nil {
		t.Fatal("existing conversation removed by rollback")
	}
	if len(conv.Messages) != 1 || conv.Messages[0].PermID != "m1" {
		t.Errorf("messages after rollback = %+v", conv.Messages)
	}
	if conv.Person.LastMessageSnippet != "hello" {
		t.Errorf("summary not restored: %q", conv.Person.LastMessageSnippet)
	}
}

func TestSendSchedulesReconcile(t *testing.T) {
	mailbox := &fakeMailbox{}
	s := newTestSession(t, mailbox, staticJudge{}, Options{ReconcileDelay: 10 * time.Millisecond})

	if err := s.SendMessage(context.Background(), "jane@x.com", "ping"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.LastRefresh().IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("reconciling refresh never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAuthExpiry(t *testing.T) {
	mailbox := &fakeMailbox{listErr: errors.Wrap(gmail.ErrUnauthorized, "listing messages")}
	s := newTestSession(t, mailbox, staticJudge{}, Options{})

	if err := s.Refresh(context.Background()); err == nil {
		t.Fatal("refresh should fail on expired credential")
	}
	if s.Authenticated() {
		t.Error("session still authenticated after 401")
	}
	if err := s.Refresh(context.Background()); err != ErrNotAuthenticated {
		t.Errorf("refresh after expiry = %v, want ErrNotAuthenticated", err)
	}
}

func TestSignOutClearsLiveState(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	mailbox := &fakeMailbox{msgs: []*message.Message{
		inbound("m1", "jane@x.com", "hello", base),
	}}
	s := newTestSession(t, mailbox, staticJudge{}, Options{})
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	s.SignOut()
	if s.Authenticated() {
		t.Error("still authenticated after SignOut")
	}
	if len(s.Conversations()) != 0 {
		t.Error("conversations survived SignOut")
	}
	if s.Others().Count != 0 {
		t.Error("others survived SignOut")
	}

	// Durable stores are not the session's to clear.
	stored, err := s.store.Messages(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 {
		t.Errorf("persisted messages = %d after SignOut, want 1", len(stored))
	}
}

func TestOthersCap(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	mailbox := &fakeMailbox{}
	nonHuman := make(map[string]bool)
	for i := 0; i < 6; i++ {
		id := string(rune('a' + i))
		mailbox.msgs = append(mailbox.msgs,
			inbound(id, "robot@svc.example", "notice "+id, base.Add(time.Duration(i)*time.Minute)))
		nonHuman[id] = true
	}
	s := newTestSession(t, mailbox, staticJudge{nonHuman: nonHuman}, Options{OthersCap: 3})

	if err := s.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	others := s.Others()
	if others.Count != 6 {
		t.Errorf("Count = %d, want 6", others.Count)
	}
	if len(others.Preview) != 3 {
		t.Fatalf("Preview = %d entries, want 3", len(others.Preview))
	}
	if others.Preview[0].Snippet != "notice f" || others.LastSnippet != "notice f" {
		t.Errorf("preview not newest-first: %q / %q", others.Preview[0].Snippet, others.LastSnippet)
	}
}

func TestSnippetCutsOnRuneBoundary(t *testing.T) {
	// The leading byte shifts every two-byte rune so the limit
	// falls mid-rune.
	body := "x" + strings.Repeat("é", snippetLimit)
	got := snippetOf(body)
	if !utf8.ValidString(got) {
		t.Errorf("snippet is not valid UTF-8: %q", got)
	}
	if len(got) > snippetLimit {
		t.Errorf("snippet is %d bytes, want <= %d", len(got), snippetLimit)
	}

	short := "lunch tomorrow?"
	if got := snippetOf("  lunch \n tomorrow?  "); got != short {
		t.Errorf("snippetOf collapsed to %q, want %q", got, short)
	}
}
