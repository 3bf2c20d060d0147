package anidb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amaumene/anidbarr/internal/metrics"
	"github.com/amaumene/anidbarr/internal/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	protocolVersion   = "3"
	receivePoll       = 250 * time.Millisecond
	maxPingFailures   = 3
	instrumentationID = "github.com/amaumene/anidbarr/internal/services/anidb"
)

// Credentials identify the user and the registered client
type Credentials struct {
	Username      string
	Password      string
	Client        string
	ClientVersion int
}

// Options tune the protocol client
type Options struct {
	MaxRetries        int           // Attempts per request, including the first
	RequestTimeout    time.Duration // Wait for one reply
	LoginTimeout      time.Duration // Wait for one AUTH reply
	KeepaliveInterval time.Duration // Idle time before a keepalive ping, 0 disables
	RateLimitCooldown time.Duration
	BanCooldown       time.Duration

	// Delay between attempts
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Outbound pacing, 0 disables
	PacketInterval time.Duration
	PacketBurst    int

	// Redial opens a replacement transport after a TransportFailure, nil
	// keeps the failed one
	Redial func() (Transport, error)

	Metrics *metrics.Metrics
	Now     func() time.Time
}

// DefaultOptions returns options that respect AniDB's flood protection
func DefaultOptions() Options {
	return Options{
		MaxRetries:        3,
		RequestTimeout:    10 * time.Second,
		LoginTimeout:      30 * time.Second,
		KeepaliveInterval: 5 * time.Minute,
		RateLimitCooldown: 30 * time.Second,
		BanCooldown:       30 * time.Minute,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        30 * time.Second,
		PacketInterval:    2 * time.Second,
		PacketBurst:       5,
	}
}

// Client owns the single AniDB session and multiplexes concurrent requests
// over one transport. Replies are matched to requests by tag.
type Client struct {
	transport Transport
	opts      Options
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	pending   *pendingRegistry
	limiter   *rate.Limiter
	logins    singleflight.Group
	redialMu  sync.Mutex

	mu            sync.Mutex
	session       Session
	bannedUntil   time.Time
	cooldownUntil time.Time
	pauseCh       chan struct{} // Closed and replaced whenever a cooldown starts
	lastTraffic   time.Time
	pingFailures  int

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewClient creates a new protocol client on top of transport
func NewClient(transport Transport, opts Options, logger *logrus.Logger) *Client {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LoginTimeout < opts.RequestTimeout {
		opts.LoginTimeout = opts.RequestTimeout
	}

	c := &Client{
		transport: transport,
		opts:      opts,
		logger:    logger,
		metrics:   opts.Metrics,
		tracer:    otel.Tracer(instrumentationID),
		pending:   newPendingRegistry(),
		session:   Session{State: models.SessionUnauthenticated},
		pauseCh:   make(chan struct{}),
		stop:      make(chan struct{}),
	}
	if opts.PacketInterval > 0 {
		burst := opts.PacketBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Every(opts.PacketInterval), burst)
	}
	c.metrics.SetSessionState(models.SessionUnauthenticated)
	return c
}

// Start launches the receive loop and the keepalive loop
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.wg.Add(2)
		go c.readLoop(ctx)
		go c.keepaliveLoop(ctx)
	})
}

// Close stops the loops, closes the transport and fails whatever is still pending
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		c.redialMu.Lock()
		transport := c.currentTransport()
		c.redialMu.Unlock()
		err = transport.Close()
		c.wg.Wait()
		c.pending.failAll(newError(KindTransportFailure, "close", 0, "client closed", nil))
	})
	return err
}

// Session returns a snapshot of the current session
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	s.LastActivity = c.lastTraffic
	s.BannedUntil = c.bannedUntil
	return s
}

// Pending returns the number of requests awaiting a reply
func (c *Client) Pending() int {
	return c.pending.len()
}

// Login authenticates with AniDB. Concurrent callers share one AUTH exchange;
// a caller giving up does not cancel it for the others.
func (c *Client) Login(ctx context.Context, creds Credentials) (Session, error) {
	if creds.Username == "" || creds.Password == "" {
		return Session{}, newError(KindInvalidCredentials, "AUTH", 0, "username and password are required", nil)
	}

	ch := c.logins.DoChan(creds.Username, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loginBudget())
		defer cancel()
		return c.login(ctx, creds)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		if res.Shared {
			c.logger.WithField("user", creds.Username).Debug("Joined in-flight AniDB login")
		}
		return res.Val.(Session), nil
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
}

// loginBudget bounds a shared login: every attempt plus the backoff after it
func (c *Client) loginBudget() time.Duration {
	perAttempt := c.opts.LoginTimeout + c.opts.MaxBackoff
	return time.Duration(c.opts.MaxRetries)*perAttempt + c.opts.RateLimitCooldown
}

func (c *Client) login(ctx context.Context, creds Credentials) (Session, error) {
	c.mu.Lock()
	if c.session.Active() {
		s := c.session
		c.mu.Unlock()
		return s, nil
	}
	if now := c.opts.Now(); now.Before(c.bannedUntil) {
		until := c.bannedUntil
		c.mu.Unlock()
		return Session{}, newError(KindBanned, "AUTH", 0, fmt.Sprintf("banned until %s", until.Format(time.RFC3339)), nil)
	}
	if err := c.applyLocked(EventLoginStarted); err != nil {
		c.mu.Unlock()
		return Session{}, err
	}
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"user":   creds.Username,
		"client": creds.Client,
	}).Info("Logging in to AniDB")

	cmd := Command{Name: "AUTH", Params: Params{
		"user":      creds.Username,
		"pass":      creds.Password,
		"protover":  protocolVersion,
		"client":    creds.Client,
		"clientver": strconv.Itoa(creds.ClientVersion),
		"enc":       "UTF8",
	}}
	resp, err := c.roundTrip(ctx, cmd, c.opts.LoginTimeout)
	if err != nil {
		c.loginFailed()
		return Session{}, err
	}

	switch ClassifyCode(resp.Code) {
	case StatusSuccess:
		if resp.Code != CodeLoginAccepted && resp.Code != CodeLoginAcceptedNewVer {
			break
		}
		key, _, _ := strings.Cut(resp.Text, " ")
		if key == "" {
			break
		}

		c.mu.Lock()
		now := c.opts.Now()
		c.session.Key = key
		c.session.EstablishedAt = now
		c.lastTraffic = now
		c.pingFailures = 0
		c.bannedUntil = time.Time{}
		err := c.applyLocked(EventLoginSucceeded)
		s := c.session
		c.mu.Unlock()
		if err != nil {
			return Session{}, err
		}

		if resp.Code == CodeLoginAcceptedNewVer {
			c.logger.Warn("AniDB reports a newer client version is available")
		}
		c.logger.WithField("session", keyPrefix(key)).Info("AniDB login successful")
		return s, nil

	case StatusInvalidSession:
		c.loginFailed()
		if resp.Code == CodeLoginFailed {
			return Session{}, newError(KindInvalidCredentials, "AUTH", resp.Code, resp.Text, nil)
		}
		return Session{}, newError(KindAuthRejected, "AUTH", resp.Code, resp.Text, nil)

	case StatusBanned, StatusRateLimited:
		// The dispatcher consumes these before they reach a caller
		c.loginFailed()
		return Session{}, newError(KindBanned, "AUTH", resp.Code, resp.Text, nil)

	case StatusNotFound, StatusMalformed:
	}

	c.loginFailed()
	return Session{}, newError(KindUnmappableResponse, "AUTH", resp.Code, resp.Text, nil)
}

func (c *Client) loginFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.State == models.SessionAuthenticating {
		c.applyLocked(EventLoginFailed)
	}
}

// Logout ends the session. Local state is reset even when the server cannot be reached.
func (c *Client) Logout(ctx context.Context) error {
	sess := c.Session()
	if !sess.Active() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.session.State == models.SessionUnauthenticated {
			return newError(KindNotAuthenticated, "LOGOUT", 0, "no active session", nil)
		}
		c.session.Key = ""
		return c.applyLocked(EventLoggedOut)
	}

	resp, err := c.Request(ctx, Command{Name: "LOGOUT"})

	c.mu.Lock()
	c.session.Key = ""
	c.applyLocked(EventLoggedOut)
	c.mu.Unlock()
	c.pending.failAll(newError(KindSessionLost, "LOGOUT", 0, "logged out", nil))

	if err != nil && !errors.Is(err, ErrSessionLost) {
		return fmt.Errorf("failed to log out: %w", err)
	}
	if resp != nil && resp.Code != CodeLoggedOut {
		c.logger.WithField("code", resp.Code).Warn("Unexpected AniDB logout reply")
	}
	c.logger.Info("Logged out of AniDB")
	return nil
}

// Request sends cmd and waits for its reply. Commands that need a session
// are rejected locally unless the session is active.
func (c *Client) Request(ctx context.Context, cmd Command) (*Response, error) {
	name := strings.ToUpper(cmd.Name)

	sess := c.Session()
	if sess.State == models.SessionBanned {
		return nil, newError(KindBanned, name, 0, fmt.Sprintf("banned until %s", sess.BannedUntil.Format(time.RFC3339)), nil)
	}
	if cmd.RequiresSession() && !sess.Active() {
		return nil, newError(KindNotAuthenticated, name, 0, string(sess.State), nil)
	}

	resp, err := c.roundTrip(ctx, cmd, c.opts.RequestTimeout)
	if err != nil {
		return nil, err
	}

	switch ClassifyCode(resp.Code) {
	case StatusSuccess:
		return resp, nil
	case StatusNotFound:
		return nil, newError(KindNotFound, name, resp.Code, resp.Text, nil)
	case StatusInvalidSession:
		c.invalidate(EventSessionInvalidated, resp.Code)
		return nil, newError(KindSessionLost, name, resp.Code, resp.Text, nil)
	case StatusBanned:
		return nil, newError(KindBanned, name, resp.Code, resp.Text, nil)
	case StatusRateLimited:
		return nil, newError(KindRateLimited, name, resp.Code, resp.Text, nil)
	case StatusMalformed:
		c.logger.WithFields(logrus.Fields{
			"command": name,
			"code":    resp.Code,
		}).Warn("Unmappable AniDB reply")
		return nil, newError(KindUnmappableResponse, name, resp.Code, resp.Text, nil)
	}
	return nil, newError(KindUnmappableResponse, name, resp.Code, resp.Text, nil)
}

// Ping sends a keepalive. Three consecutive failures expire the session.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Request(ctx, UptimeCommand())
	if err == nil {
		c.mu.Lock()
		c.pingFailures = 0
		c.mu.Unlock()
		return nil
	}
	if errors.Is(err, ErrNotAuthenticated) || errors.Is(err, ErrBanned) || errors.Is(err, context.Canceled) {
		return err
	}

	c.mu.Lock()
	c.pingFailures++
	failures := c.pingFailures
	c.mu.Unlock()

	c.logger.WithError(err).WithField("failures", failures).Warn("AniDB keepalive failed")
	if failures >= maxPingFailures {
		c.invalidate(EventKeepaliveExhausted, 0)
	}
	return err
}

// roundTrip sends cmd under a fresh tag and retries timeouts with backoff.
// The pending entry is gone when it returns.
func (c *Client) roundTrip(ctx context.Context, cmd Command, timeout time.Duration) (*Response, error) {
	name := strings.ToUpper(cmd.Name)
	req := c.pending.open(name)
	defer c.pending.remove(req.tag)

	ctx, span := c.tracer.Start(ctx, "anidb."+strings.ToLower(name),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("anidb.command", name),
			attribute.String("anidb.tag", req.tag),
		))
	defer span.End()

	key := ""
	if cmd.RequiresSession() {
		key = c.Session().Key
	}
	payload, err := encodeRequest(cmd, req.tag, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	req.payload = payload

	var resp *Response
	operation := func() error {
		r, err := c.attempt(ctx, req, timeout)
		if err != nil {
			if errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransportFailure) {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.metrics.Retry(name)
		c.logger.WithFields(logrus.Fields{
			"command": name,
			"tag":     req.tag,
			"attempt": req.attempts,
			"wait":    wait,
		}).WithError(err).Debug("Retrying AniDB request")
	}

	err = backoff.RetryNotify(operation, c.newBackOff(ctx), notify)
	span.SetAttributes(attribute.Int("anidb.attempts", req.attempts))
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			c.metrics.RequestTimeout(name)
			err = newError(KindRequestTimeout, name, 0, fmt.Sprintf("no reply after %d attempts", req.attempts), err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("anidb.code", resp.Code))
	return resp, nil
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if c.opts.InitialBackoff > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = c.opts.InitialBackoff
		if c.opts.MaxBackoff > 0 {
			eb.MaxInterval = c.opts.MaxBackoff
		}
		eb.MaxElapsedTime = 0
		b = eb
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxRetries-1)), ctx)
}

// attempt performs one send and waits for the reply. A cooldown that starts
// while waiting re-sends the packet once it ends without using up an attempt.
func (c *Client) attempt(ctx context.Context, req *pendingRequest, timeout time.Duration) (*Response, error) {
	for {
		pause, err := c.waitCooldown(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.pace(ctx, req); err != nil {
			return nil, err
		}

		// A ban may have landed while this request waited for its slot
		select {
		case err := <-req.fail:
			return nil, err
		default:
		}
		if req.command != "AUTH" && c.Session().State == models.SessionBanned {
			return nil, newError(KindBanned, req.command, 0, "session banned", nil)
		}

		now := c.opts.Now()
		req.attempts++
		req.sentAt = now
		req.deadline = now.Add(timeout)
		transport := c.currentTransport()
		if err := transport.Send(ctx, req.payload); err != nil {
			if errors.Is(err, ErrTransportFailure) {
				c.redial(transport)
			}
			return nil, err
		}
		c.metrics.PacketSent(req.command)
		c.touch()

		timer := time.NewTimer(timeout)
		select {
		case resp := <-req.reply:
			timer.Stop()
			return resp, nil
		case err := <-req.fail:
			timer.Stop()
			return nil, err
		case <-pause:
			timer.Stop()
			c.logger.WithFields(logrus.Fields{
				"command": req.command,
				"tag":     req.tag,
			}).Debug("AniDB cooldown started, request will be re-sent")
			continue
		case <-timer.C:
			return nil, newError(KindTimeout, req.command, 0, fmt.Sprintf("no reply within %s", timeout), nil)
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// pace waits for the request's outbound slot. Failures delivered to the
// request end the wait and give the slot back.
func (c *Client) pace(ctx context.Context, req *pendingRequest) error {
	if c.limiter == nil {
		return nil
	}
	r := c.limiter.Reserve()
	if !r.OK() {
		return newError(KindTransportFailure, req.command, 0, "packet burst is zero", nil)
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case err := <-req.fail:
		r.Cancel()
		return err
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-c.stop:
		r.Cancel()
		return newError(KindTransportFailure, req.command, 0, "client closed", nil)
	}
}

// waitCooldown blocks until no cooldown is active and returns the channel
// that will be closed when the next one starts
func (c *Client) waitCooldown(ctx context.Context) (<-chan struct{}, error) {
	for {
		c.mu.Lock()
		until := c.cooldownUntil
		pause := c.pauseCh
		c.mu.Unlock()

		wait := until.Sub(c.opts.Now())
		if wait <= 0 {
			return pause, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-c.stop:
			timer.Stop()
			return nil, newError(KindTransportFailure, "cooldown", 0, "client closed", nil)
		}
	}
}

func (c *Client) readLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		default:
		}

		transport := c.currentTransport()
		data, err := transport.Receive(receivePoll)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				continue
			}
			select {
			case <-c.stop:
				return
			default:
			}
			c.logger.WithError(err).Warn("AniDB receive failed")
			if c.redial(transport) {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-time.After(receivePoll):
			}
			continue
		}
		c.dispatch(data)
	}
}

func (c *Client) currentTransport() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// redial replaces failed with a fresh transport and reports whether the
// client now uses a different one. Concurrent callers share one redial.
func (c *Client) redial(failed Transport) bool {
	if c.opts.Redial == nil {
		return false
	}
	c.redialMu.Lock()
	defer c.redialMu.Unlock()

	if c.currentTransport() != failed {
		return true
	}
	select {
	case <-c.stop:
		return false
	default:
	}

	next, err := c.opts.Redial()
	if err != nil {
		c.logger.WithError(err).Error("Failed to reopen AniDB transport")
		return false
	}

	c.mu.Lock()
	c.transport = next
	c.mu.Unlock()
	failed.Close()

	c.metrics.Redial()
	c.logger.Info("Reopened AniDB transport")
	return true
}

// dispatch routes one inbound datagram. Ban and busy replies affect every
// request; everything else goes to the request holding the tag.
func (c *Client) dispatch(data []byte) {
	c.touch()

	resp, err := decodeResponse(data)
	if err != nil {
		c.metrics.Dropped()
		c.logger.WithError(err).Warn("Failed to decode AniDB datagram")
		return
	}

	switch ClassifyCode(resp.Code) {
	case StatusBanned:
		c.ban(resp)
		return
	case StatusRateLimited:
		c.startCooldown(resp)
		return
	case StatusSuccess, StatusInvalidSession, StatusNotFound, StatusMalformed:
	}

	if resp.Tag == "" || !c.pending.resolve(resp) {
		c.metrics.Dropped()
		c.logger.WithFields(logrus.Fields{
			"tag":  resp.Tag,
			"code": resp.Code,
		}).Debug("Dropped unmatched AniDB datagram")
	}
}

func (c *Client) ban(resp *Response) {
	c.mu.Lock()
	until := c.opts.Now().Add(c.opts.BanCooldown)
	c.bannedUntil = until
	c.session.Key = ""
	c.applyLocked(EventBanSignalled)
	c.mu.Unlock()

	c.metrics.Ban()
	failed := c.pending.failAll(newError(KindBanned, "", resp.Code, resp.Text, nil))
	c.logger.WithFields(logrus.Fields{
		"code":    resp.Code,
		"reason":  resp.Text,
		"until":   until.Format(time.RFC3339),
		"pending": failed,
	}).Error("Banned by AniDB")
}

func (c *Client) startCooldown(resp *Response) {
	c.mu.Lock()
	until := c.opts.Now().Add(c.opts.RateLimitCooldown)
	if until.After(c.cooldownUntil) {
		c.cooldownUntil = until
	}
	close(c.pauseCh)
	c.pauseCh = make(chan struct{})
	c.mu.Unlock()

	c.metrics.Cooldown()
	c.logger.WithFields(logrus.Fields{
		"code":     resp.Code,
		"cooldown": c.opts.RateLimitCooldown,
	}).Warn("AniDB is busy, pausing all requests")
}

// invalidate expires an active session and fails everything in flight
func (c *Client) invalidate(ev SessionEvent, code int) {
	c.mu.Lock()
	if c.session.State != models.SessionActive {
		c.mu.Unlock()
		return
	}
	c.session.Key = ""
	c.applyLocked(ev)
	c.mu.Unlock()

	failed := c.pending.failAll(newError(KindSessionLost, "", code, string(ev), nil))
	c.logger.WithFields(logrus.Fields{
		"event":   ev,
		"code":    code,
		"pending": failed,
	}).Warn("AniDB session expired")
}

// applyLocked moves the session through the state machine. c.mu must be held.
func (c *Client) applyLocked(ev SessionEvent) error {
	next, err := Transition(c.session.State, ev)
	if err != nil {
		return err
	}
	c.session.State = next
	c.metrics.SetSessionState(next)
	return nil
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastTraffic = c.opts.Now()
	c.mu.Unlock()
}

func (c *Client) keepaliveLoop(ctx context.Context) {
	defer c.wg.Done()
	if c.opts.KeepaliveInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.opts.KeepaliveInterval / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.keepalive(ctx)
		}
	}
}

func (c *Client) keepalive(ctx context.Context) {
	sess := c.Session()
	if !sess.Active() {
		return
	}
	if c.opts.Now().Sub(sess.LastActivity) < c.opts.KeepaliveInterval {
		return
	}
	c.Ping(ctx)
}

func keyPrefix(key string) string {
	if len(key) <= 3 {
		return key
	}
	return key[:3] + "..."
}
