package anidb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amaumene/anidbarr/internal/models"
	"github.com/sirupsen/logrus"
)

var testCreds = Credentials{Username: "user", Password: "secret", Client: "anidbarr", ClientVersion: 1}

type testClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testOptions() Options {
	return Options{
		MaxRetries:        3,
		RequestTimeout:    100 * time.Millisecond,
		LoginTimeout:      200 * time.Millisecond,
		RateLimitCooldown: 150 * time.Millisecond,
		BanCooldown:       time.Minute,
	}
}

func newTestClient(t *testing.T, handler ReplyFunc, opts Options) (*Client, *MemoryTransport) {
	t.Helper()
	transport := NewMemoryTransport(handler)
	client := NewClient(transport, opts, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	client.Start(ctx)
	t.Cleanup(func() {
		cancel()
		client.Close()
	})
	return client, transport
}

func reply(params Params, line string) []string {
	return []string{params["tag"] + " " + line}
}

func animeLine(aid, episodes int) string {
	return fmt.Sprintf("230 ANIME\n%d|2020|TV Series|Show %d||Show %d EN|%d|%d|0|1577836800|0|||", aid, aid, aid, episodes, episodes)
}

// fakeServer answers AUTH, UPTIME, LOGOUT and ANIME; anything else is ignored
func fakeServer(extra ReplyFunc) ReplyFunc {
	return func(name string, p Params) []string {
		switch name {
		case "AUTH":
			if p["pass"] != "secret" {
				return reply(p, "500 LOGIN FAILED")
			}
			return reply(p, "200 abc12 LOGIN ACCEPTED")
		case "LOGOUT":
			return reply(p, "203 LOGGED OUT")
		}
		if extra != nil {
			return extra(name, p)
		}
		if name == "UPTIME" {
			return reply(p, "208 UPTIME\n86400")
		}
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestLoginEstablishesSession(t *testing.T) {
	client, transport := newTestClient(t, fakeServer(nil), testOptions())

	sess, err := client.Login(context.Background(), testCreds)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if sess.Key != "abc12" {
		t.Errorf("Expected session key abc12, got %q", sess.Key)
	}
	if sess.State != models.SessionActive {
		t.Errorf("Expected active session, got %s", sess.State)
	}

	_, auth := ParseRequest(transport.Sent()[0])
	if auth["protover"] != "3" || auth["user"] != "user" || auth["enc"] != "UTF8" {
		t.Errorf("Unexpected AUTH params: %v", auth)
	}
	if _, ok := auth["s"]; ok {
		t.Error("AUTH must not carry a session key")
	}

	if _, err := client.Request(context.Background(), UptimeCommand()); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	_, uptime := ParseRequest(transport.Sent()[1])
	if uptime["s"] != "abc12" {
		t.Errorf("Expected session key on UPTIME, got %q", uptime["s"])
	}
	if uptime["tag"] == auth["tag"] {
		t.Error("Expected a fresh tag per request")
	}
}

func TestLoginRejectsEmptyCredentials(t *testing.T) {
	client, transport := newTestClient(t, fakeServer(nil), testOptions())

	_, err := client.Login(context.Background(), Credentials{Username: "user"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials, got %v", err)
	}
	if len(transport.Sent()) != 0 {
		t.Errorf("Expected no datagrams, got %d", len(transport.Sent()))
	}
}

func TestLoginFailure(t *testing.T) {
	client, _ := newTestClient(t, fakeServer(nil), testOptions())

	creds := testCreds
	creds.Password = "wrong"
	_, err := client.Login(context.Background(), creds)
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials, got %v", err)
	}
	if Classify(err) != SeverityFatal {
		t.Errorf("Expected fatal severity, got %s", Classify(err))
	}
	if state := client.Session().State; state != models.SessionUnauthenticated {
		t.Errorf("Expected unauthenticated, got %s", state)
	}
}

func TestConcurrentLoginsShareOneExchange(t *testing.T) {
	client, transport := newTestClient(t, fakeServer(nil), testOptions())

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Login(context.Background(), testCreds)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Login failed: %v", err)
		}
	}
	if n := transport.SentCount("AUTH"); n != 1 {
		t.Errorf("Expected exactly 1 AUTH datagram, got %d", n)
	}
}

func TestRequestRequiresActiveSession(t *testing.T) {
	client, transport := newTestClient(t, fakeServer(nil), testOptions())

	_, err := client.Request(context.Background(), AnimeByIDCommand(1))
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Expected ErrNotAuthenticated, got %v", err)
	}
	if len(transport.Sent()) != 0 {
		t.Errorf("Expected no datagrams, got %d", len(transport.Sent()))
	}
}

func TestRequestTimesOutAfterMaxRetries(t *testing.T) {
	silent := func(name string, p Params) []string { return nil }
	client, transport := newTestClient(t, fakeServer(silent), testOptions())

	if _, err := client.Login(context.Background(), testCreds); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	_, err := client.Request(context.Background(), AnimeByIDCommand(1))
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("Expected ErrRequestTimeout, got %v", err)
	}
	if n := transport.SentCount("ANIME"); n != 3 {
		t.Errorf("Expected 3 attempts, got %d", n)
	}
	if n := client.Pending(); n != 0 {
		t.Errorf("Expected empty pending registry, got %d", n)
	}
	if Classify(err) != SeverityTransient {
		t.Errorf("Expected transient severity, got %s", Classify(err))
	}
}

func TestRetrySucceedsAfterTimeout(t *testing.T) {
	var mu sync.Mutex
	seen := 0
	flaky := func(name string, p Params) []string {
		mu.Lock()
		defer mu.Unlock()
		seen++
		if seen == 1 {
			return nil
		}
		return reply(p, animeLine(9, 12))
	}
	client, transport := newTestClient(t, fakeServer(flaky), testOptions())
	client.Login(context.Background(), testCreds)

	resp, err := client.Request(context.Background(), AnimeByIDCommand(9))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.Code != CodeAnime {
		t.Errorf("Expected code 230, got %d", resp.Code)
	}
	if n := transport.SentCount("ANIME"); n != 2 {
		t.Errorf("Expected 2 attempts, got %d", n)
	}
}

func TestBanFailsPendingAndBlocksRequests(t *testing.T) {
	clock := &testClock{}
	opts := testOptions()
	opts.RequestTimeout = 2 * time.Second
	opts.LoginTimeout = 2 * time.Second
	opts.Now = clock.Now

	silent := func(name string, p Params) []string { return nil }
	client, transport := newTestClient(t, fakeServer(silent), opts)
	if _, err := client.Login(context.Background(), testCreds); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	errs := make(chan error, 3)
	for i := 1; i <= 3; i++ {
		go func(aid int) {
			_, err := client.Request(context.Background(), AnimeByIDCommand(aid))
			errs <- err
		}(i)
	}
	waitFor(t, "three pending requests", func() bool { return transport.SentCount("ANIME") == 3 })

	transport.Deliver("555 BANNED\nleech")

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrBanned) {
				t.Errorf("Expected ErrBanned, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Pending request was not failed by the ban")
		}
	}
	if state := client.Session().State; state != models.SessionBanned {
		t.Errorf("Expected banned session, got %s", state)
	}

	sent := len(transport.Sent())
	if _, err := client.Request(context.Background(), AnimeByIDCommand(4)); !errors.Is(err, ErrBanned) {
		t.Errorf("Expected ErrBanned for new request, got %v", err)
	}
	if _, err := client.Login(context.Background(), testCreds); !errors.Is(err, ErrBanned) {
		t.Errorf("Expected ErrBanned for login during cooldown, got %v", err)
	}
	if len(transport.Sent()) != sent {
		t.Error("Nothing may be sent while banned")
	}

	clock.Advance(2 * time.Minute)
	transport.SetHandler(fakeServer(nil))
	if _, err := client.Login(context.Background(), testCreds); err != nil {
		t.Fatalf("Login after cooldown failed: %v", err)
	}
	if _, err := client.Request(context.Background(), UptimeCommand()); err != nil {
		t.Errorf("Request after re-login failed: %v", err)
	}
}

func TestConcurrentRequestsNeverCrossDeliver(t *testing.T) {
	const callers = 10

	var mu sync.Mutex
	var held []string
	// Hold every reply until all requests are out, then answer in reverse order
	reverse := func(name string, p Params) []string {
		mu.Lock()
		defer mu.Unlock()
		var aid int
		fmt.Sscan(p["aid"], &aid)
		held = append(held, reply(p, animeLine(aid, aid))[0])
		if len(held) < callers {
			return nil
		}
		out := make([]string, 0, len(held))
		for i := len(held) - 1; i >= 0; i-- {
			out = append(out, held[i])
		}
		return out
	}

	opts := testOptions()
	opts.RequestTimeout = 2 * time.Second
	client, _ := newTestClient(t, fakeServer(reverse), opts)
	if _, err := client.Login(context.Background(), testCreds); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 1; i <= callers; i++ {
		wg.Add(1)
		go func(aid int) {
			defer wg.Done()
			resp, err := client.Request(context.Background(), AnimeByIDCommand(aid))
			if err != nil {
				t.Errorf("Request %d failed: %v", aid, err)
				return
			}
			if got := resp.Fields(0)[0]; got != fmt.Sprint(aid) {
				t.Errorf("Request for anime %d received reply for %s", aid, got)
			}
		}(i)
	}
	wg.Wait()
}

func TestRateLimitPausesAllRequestsTogether(t *testing.T) {
	const callers = 5

	var (
		mu        sync.Mutex
		firstSent = map[string]bool{}
		resends   = map[string]time.Time{}
		busyAt    time.Time
	)
	busy := func(name string, p Params) []string {
		mu.Lock()
		defer mu.Unlock()
		tag := p["tag"]
		if !firstSent[tag] {
			firstSent[tag] = true
			if len(firstSent) == callers {
				busyAt = time.Now()
				return reply(p, "602 SERVER BUSY")
			}
			return nil
		}
		resends[tag] = time.Now()
		return reply(p, "208 UPTIME\n1")
	}

	opts := testOptions()
	opts.MaxRetries = 1
	opts.RequestTimeout = 2 * time.Second
	client, transport := newTestClient(t, fakeServer(busy), opts)
	if _, err := client.Login(context.Background(), testCreds); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.Request(context.Background(), UptimeCommand()); err != nil {
				t.Errorf("Request failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := transport.SentCount("UPTIME"); n != 2*callers {
		t.Errorf("Expected every request sent twice, got %d datagrams", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(resends) != callers {
		t.Fatalf("Expected %d resends, got %d", callers, len(resends))
	}
	var earliest, latest time.Time
	for tag, at := range resends {
		if at.Sub(busyAt) < opts.RateLimitCooldown-10*time.Millisecond {
			t.Errorf("Request %s resent %s after the busy reply, before the cooldown ended", tag, at.Sub(busyAt))
		}
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
		if at.After(latest) {
			latest = at
		}
	}
	if spread := latest.Sub(earliest); spread > opts.RateLimitCooldown/2 {
		t.Errorf("Expected requests to resume together, spread was %s", spread)
	}
}

func TestInvalidSessionExpiresSession(t *testing.T) {
	expired := func(name string, p Params) []string {
		return reply(p, "501 LOGIN FIRST")
	}
	client, _ := newTestClient(t, fakeServer(expired), testOptions())
	client.Login(context.Background(), testCreds)

	_, err := client.Request(context.Background(), UptimeCommand())
	if !errors.Is(err, ErrSessionLost) {
		t.Fatalf("Expected ErrSessionLost, got %v", err)
	}
	if state := client.Session().State; state != models.SessionExpired {
		t.Errorf("Expected expired session, got %s", state)
	}
	if _, err := client.Request(context.Background(), UptimeCommand()); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Expected ErrNotAuthenticated after expiry, got %v", err)
	}
}

func TestThreeFailedPingsExpireSession(t *testing.T) {
	silent := func(name string, p Params) []string { return nil }
	opts := testOptions()
	opts.MaxRetries = 1
	opts.RequestTimeout = 30 * time.Millisecond
	client, _ := newTestClient(t, fakeServer(silent), opts)
	client.Login(context.Background(), testCreds)

	for i := 1; i <= 3; i++ {
		if err := client.Ping(context.Background()); err == nil {
			t.Fatalf("Ping %d unexpectedly succeeded", i)
		}
		state := client.Session().State
		if i < 3 && state != models.SessionActive {
			t.Fatalf("Session expired after %d failures", i)
		}
		if i == 3 && state != models.SessionExpired {
			t.Errorf("Expected expired session after 3 failures, got %s", state)
		}
	}
}

func TestKeepaliveSendsPingWhenIdle(t *testing.T) {
	opts := testOptions()
	opts.KeepaliveInterval = 40 * time.Millisecond
	client, transport := newTestClient(t, fakeServer(nil), opts)
	client.Login(context.Background(), testCreds)

	waitFor(t, "keepalive ping", func() bool { return transport.SentCount("UPTIME") > 0 })
	if state := client.Session().State; state != models.SessionActive {
		t.Errorf("Expected session to stay active, got %s", state)
	}
}

func TestCancelledRequestLeavesOthersPending(t *testing.T) {
	silent := func(name string, p Params) []string { return nil }
	opts := testOptions()
	opts.RequestTimeout = 2 * time.Second
	client, transport := newTestClient(t, fakeServer(silent), opts)
	client.Login(context.Background(), testCreds)

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	kept := make(chan *Response, 1)
	go func() {
		_, err := client.Request(ctx, AnimeByIDCommand(1))
		cancelled <- err
	}()
	go func() {
		resp, _ := client.Request(context.Background(), AnimeByIDCommand(2))
		kept <- resp
	}()
	waitFor(t, "both requests sent", func() bool { return transport.SentCount("ANIME") == 2 })

	cancel()
	if err := <-cancelled; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	waitFor(t, "cancelled entry removed", func() bool { return client.Pending() == 1 })

	for _, data := range transport.Sent() {
		if name, p := ParseRequest(data); name == "ANIME" && p["aid"] == "2" {
			transport.Deliver(p["tag"] + " " + animeLine(2, 2))
		}
	}
	select {
	case resp := <-kept:
		if resp == nil || !strings.HasPrefix(resp.Lines[0], "2|") {
			t.Errorf("Unexpected reply for surviving request: %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("Surviving request never completed")
	}
}

func TestLogout(t *testing.T) {
	client, transport := newTestClient(t, fakeServer(nil), testOptions())
	client.Login(context.Background(), testCreds)

	if err := client.Logout(context.Background()); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if n := transport.SentCount("LOGOUT"); n != 1 {
		t.Errorf("Expected 1 LOGOUT datagram, got %d", n)
	}
	if state := client.Session().State; state != models.SessionUnauthenticated {
		t.Errorf("Expected unauthenticated, got %s", state)
	}
	if err := client.Logout(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Expected ErrNotAuthenticated for second logout, got %v", err)
	}
}

func TestUnmatchedDatagramsAreDropped(t *testing.T) {
	client, transport := newTestClient(t, fakeServer(nil), testOptions())
	client.Login(context.Background(), testCreds)

	transport.Deliver("t999 230 ANIME\n1|2020|TV|A||B|1|1|0|0|0|||")
	transport.Deliver("not a reply")

	if _, err := client.Request(context.Background(), UptimeCommand()); err != nil {
		t.Errorf("Request after stray datagrams failed: %v", err)
	}
}

func TestBanStopsPacedRequests(t *testing.T) {
	opts := testOptions()
	opts.RequestTimeout = 2 * time.Second
	opts.LoginTimeout = 2 * time.Second
	opts.PacketInterval = 300 * time.Millisecond
	opts.PacketBurst = 1

	silent := func(name string, p Params) []string { return nil }
	client, transport := newTestClient(t, fakeServer(silent), opts)
	if _, err := client.Login(context.Background(), testCreds); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	errs := make(chan error, 4)
	for i := 1; i <= 4; i++ {
		go func(aid int) {
			_, err := client.Request(context.Background(), AnimeByIDCommand(aid))
			errs <- err
		}(i)
	}
	waitFor(t, "the first paced request", func() bool { return transport.SentCount("ANIME") == 1 })

	transport.Deliver("555 BANNED\nleech")

	for i := 0; i < 4; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrBanned) {
				t.Errorf("Expected ErrBanned, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Queued request was not failed by the ban")
		}
	}

	// Every queued slot has passed by now
	time.Sleep(1200 * time.Millisecond)
	if n := transport.SentCount("ANIME"); n != 1 {
		t.Errorf("Expected no ANIME datagram after the ban, got %d in total", n)
	}
}

func TestTransportFailureRedials(t *testing.T) {
	first := NewMemoryTransport(fakeServer(nil))
	second := NewMemoryTransport(fakeServer(nil))

	var mu sync.Mutex
	redials := 0
	opts := testOptions()
	opts.Redial = func() (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		redials++
		return second, nil
	}

	client := NewClient(first, opts, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	client.Start(ctx)
	t.Cleanup(func() {
		cancel()
		client.Close()
	})

	if _, err := client.Login(context.Background(), testCreds); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	// The socket dies under the client
	first.Close()

	if _, err := client.Request(context.Background(), UptimeCommand()); err != nil {
		t.Fatalf("Request after transport failure failed: %v", err)
	}
	if n := second.SentCount("UPTIME"); n != 1 {
		t.Errorf("Expected UPTIME on the new transport, got %d", n)
	}
	if n := first.SentCount("UPTIME"); n != 0 {
		t.Errorf("Expected nothing written to the dead transport, got %d", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if redials != 1 {
		t.Errorf("Expected exactly 1 redial, got %d", redials)
	}
}

func TestTransportFailureWithoutRedial(t *testing.T) {
	client, transport := newTestClient(t, fakeServer(nil), testOptions())
	if _, err := client.Login(context.Background(), testCreds); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	transport.Close()

	_, err := client.Request(context.Background(), UptimeCommand())
	if !errors.Is(err, ErrTransportFailure) {
		t.Errorf("Expected ErrTransportFailure, got %v", err)
	}
}

func TestCancelledLoginDoesNotFailJoinedCaller(t *testing.T) {
	tags := make(chan string, 4)
	held := func(name string, p Params) []string {
		if name == "AUTH" {
			tags <- p["tag"]
		}
		return nil
	}
	opts := testOptions()
	opts.LoginTimeout = 2 * time.Second
	client, transport := newTestClient(t, held, opts)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := client.Login(ctx, testCreds)
		firstErr <- err
	}()

	var tag string
	select {
	case tag = <-tags:
	case <-time.After(time.Second):
		t.Fatal("AUTH was never sent")
	}

	cancel()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected the cancelled caller to see context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Cancelled login did not return")
	}

	secondErr := make(chan error, 1)
	go func() {
		_, err := client.Login(context.Background(), testCreds)
		secondErr <- err
	}()
	time.Sleep(50 * time.Millisecond)
	transport.Deliver(tag + " 200 abc12 LOGIN ACCEPTED")

	select {
	case err := <-secondErr:
		if err != nil {
			t.Errorf("Joined login failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Joined login did not return")
	}
	if state := client.Session().State; state != models.SessionActive {
		t.Errorf("Expected active session, got %s", state)
	}
	if n := transport.SentCount("AUTH"); n != 1 {
		t.Errorf("Expected exactly 1 AUTH datagram, got %d", n)
	}
}
