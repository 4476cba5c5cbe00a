package cycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mailbox-notifier/internal/clock"
	"github.com/shineum/mailbox-notifier/internal/email"
	"github.com/shineum/mailbox-notifier/internal/hal"
	"github.com/shineum/mailbox-notifier/internal/hal/stub"
	"github.com/shineum/mailbox-notifier/internal/metrics"
	"github.com/shineum/mailbox-notifier/internal/network"
	"github.com/shineum/mailbox-notifier/internal/notify"
	"github.com/shineum/mailbox-notifier/internal/power"
	"github.com/shineum/mailbox-notifier/internal/provider"
	"github.com/shineum/mailbox-notifier/internal/retention"
)

type fakeClock struct {
	ts    clock.Timestamp
	calls int
}

func (f *fakeClock) Sync(context.Context) clock.Timestamp {
	f.calls++
	return f.ts
}

// fakeProvider records every interaction with the mail transport.
type fakeProvider struct {
	connectErr error
	loggedIn   bool
	sendErr    error
	failed     bool

	connects int
	closes   int
	sent     []*email.Message
	statuses []*provider.Status
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Connect(context.Context) (provider.Session, error) {
	f.connects++
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return &fakeSession{p: f}, nil
}

type fakeSession struct{ p *fakeProvider }

func (s *fakeSession) LoggedIn() bool { return s.p.loggedIn }

func (s *fakeSession) Close() error {
	s.p.closes++
	return nil
}

func (s *fakeSession) Send(_ context.Context, msg *email.Message) (*provider.Status, error) {
	s.p.sent = append(s.p.sent, msg)
	st := &provider.Status{}
	for _, r := range msg.Recipients() {
		st.Add(provider.Result{Completed: !s.p.failed, Recipient: r, Subject: msg.Subject, Timestamp: time.Now()})
	}
	s.p.statuses = append(s.p.statuses, st)
	return st, s.p.sendErr
}

type fakePublisher struct {
	stats []metrics.CycleStats
}

func (f *fakePublisher) Publish(s metrics.CycleStats) error {
	f.stats = append(f.stats, s)
	return nil
}

type fixture struct {
	board     *stub.Driver
	store     *retention.MemoryStore
	clock     *fakeClock
	mail      *fakeProvider
	publisher *fakePublisher
	battery   bool
	connectTO time.Duration
}

func newFixture(opts ...stub.Option) *fixture {
	return &fixture{
		board: stub.New(opts...),
		store: &retention.MemoryStore{},
		clock: &fakeClock{ts: clock.Timestamp{
			Text: "Saturday, March 02 2024 14:05:09",
			OK:   true,
		}},
		mail:      &fakeProvider{loggedIn: true},
		publisher: &fakePublisher{},
		battery:   true,
		connectTO: time.Second,
	}
}

func (f *fixture) runner() *Runner {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps := Deps{
		Board:    f.board,
		Counter:  retention.NewCounter(f.store),
		Network:  network.NewConnector(f.board, time.Millisecond, f.connectTO, logger),
		Clock:    f.clock,
		Composer: notify.NewComposer(notify.DefaultIdentity("box@example.com", "me@example.com"), ""),
		Mail:     f.mail,
		Metrics:  f.publisher,
	}
	if f.battery {
		deps.Battery = power.NewController(power.Config{
			EnablePin:   4,
			SensePin:    34,
			Attenuation: hal.Atten11dB,
			Calibration: power.DefaultCalibration(),
		}, f.board, f.board, logger)
	}
	return New(Config{
		WakePin:   13,
		WakeLevel: hal.Low,
		SSID:      "home",
	}, deps, logger)
}

func TestRun_Success(t *testing.T) {
	t.Parallel()

	f := newFixture(stub.WithRSSI(-52))
	rep := f.runner().Run(context.Background())

	assert.Equal(t, 1, rep.BootCount)
	assert.NotEmpty(t, rep.CycleID)
	assert.Equal(t, netip.MustParseAddr("192.168.4.2"), rep.IP)
	assert.True(t, rep.MailLoggedIn)
	assert.Equal(t, 1, rep.Delivered)
	assert.Zero(t, rep.Failed)
	assert.NoError(t, rep.MailErr)
	assert.Empty(t, rep.FailedSteps())
	assert.True(t, rep.Slept)

	require.Len(t, f.mail.sent, 1)
	body := f.mail.sent[0].TextBody
	want := "You've got Mail!\n" + rep.Battery.String() + "\nWiFi RSSI: -52\nTimestamp: Saturday, March 02 2024 14:05:09"
	assert.Equal(t, want, body)
	assert.Equal(t, "1", f.mail.sent[0].Headers["X-Boot-Count"])
	assert.Equal(t, 1, f.mail.closes)

	assert.Equal(t, []stub.WakeArm{{Pin: 13, Level: hal.Low}}, f.board.WakeArms())
	assert.Equal(t, 1, f.board.SleepCalls())
	assert.Equal(t, hal.Low, f.board.Level(4), "battery divider must be switched off")

	events := f.board.Events()
	assert.Equal(t, "deep sleep", events[len(events)-1])

	require.Len(t, f.publisher.stats, 1)
	assert.Equal(t, 1, f.publisher.stats[0].BootCount)
	assert.True(t, f.publisher.stats[0].HasBattery)
}

func TestRun_ResultsClearedAfterReport(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.runner().Run(context.Background())

	require.Len(t, f.mail.statuses, 1)
	assert.Empty(t, f.mail.statuses[0].Results)
}

func TestRun_WakeArmedBeforeNetwork(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.runner().Run(context.Background())

	events := f.board.Events()
	wakeIdx, wifiIdx := -1, -1
	for i, e := range events {
		switch {
		case strings.HasPrefix(e, "wake "):
			wakeIdx = i
		case strings.HasPrefix(e, "wifi begin"):
			wifiIdx = i
		}
	}
	require.NotEqual(t, -1, wakeIdx)
	require.NotEqual(t, -1, wifiIdx)
	assert.Less(t, wakeIdx, wifiIdx)
}

func TestRun_BootCountAdvancesEachCycle(t *testing.T) {
	t.Parallel()

	f := newFixture()
	require.NoError(t, f.store.Save(retention.State{BootCount: 40}))

	r := f.runner()
	for i := 1; i <= 3; i++ {
		rep := r.Run(context.Background())
		assert.Equal(t, 40+i, rep.BootCount)
	}
	st, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, 43, st.BootCount)
}

func TestRun_MailConnectFailureSkipsSend(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.mail.connectErr = &provider.Error{Stage: provider.StageConnect, Code: 421, ErrorCode: "4.3.2", Reason: "service not available"}

	rep := f.runner().Run(context.Background())

	assert.Equal(t, 1, f.mail.connects)
	assert.Empty(t, f.mail.sent, "send must not be attempted")
	assert.False(t, rep.SendAttempted)
	assert.Error(t, rep.MailErr)
	assert.Contains(t, rep.FailedSteps(), metrics.StepMailConn)
	assert.True(t, rep.Slept)
	assert.Equal(t, 1, f.board.SleepCalls())
}

func TestRun_LoginFailureStillSends(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.mail.loggedIn = false

	rep := f.runner().Run(context.Background())

	assert.Len(t, f.mail.sent, 1)
	assert.False(t, rep.MailLoggedIn)
	assert.Contains(t, rep.FailedSteps(), metrics.StepMailAuth)
}

func TestRun_SendFailure(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.mail.failed = true
	f.mail.sendErr = &provider.Error{Stage: provider.StageSend, Code: 550, Reason: "mailbox unavailable"}

	rep := f.runner().Run(context.Background())

	assert.Equal(t, 1, rep.Failed)
	assert.Contains(t, rep.FailedSteps(), metrics.StepMailSend)
	assert.True(t, rep.Slept)
	assert.Equal(t, 1, f.publisher.stats[0].Failed)
}

func TestRun_NetworkTimeoutSkipsTimeAndMail(t *testing.T) {
	t.Parallel()

	f := newFixture(stub.WithConnectAfter(-1))
	f.connectTO = 20 * time.Millisecond

	rep := f.runner().Run(context.Background())

	require.Error(t, rep.NetworkErr)
	assert.True(t, errors.Is(rep.NetworkErr, network.ErrConnectTimeout))
	assert.Zero(t, f.clock.calls)
	assert.Zero(t, f.mail.connects)
	assert.True(t, rep.Slept)
	assert.Equal(t, 1, f.board.SleepCalls())
	assert.Equal(t, []string{metrics.StepNetwork}, rep.FailedSteps())
	assert.NotNil(t, rep.Battery, "battery is still measured for metrics")
}

func TestRun_TimeFailureUsesSentinel(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.clock.ts = clock.Timestamp{Text: clock.FailureText}

	rep := f.runner().Run(context.Background())

	require.Len(t, f.mail.sent, 1)
	assert.True(t, strings.HasSuffix(f.mail.sent[0].TextBody, "Timestamp: Failed to obtain time"))
	assert.Contains(t, rep.FailedSteps(), metrics.StepClock)
}

func TestRun_BatteryDisabled(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.battery = false

	rep := f.runner().Run(context.Background())

	assert.Nil(t, rep.Battery)
	require.Len(t, f.mail.sent, 1)
	assert.NotContains(t, f.mail.sent[0].TextBody, "Battery:")
	assert.False(t, f.publisher.stats[0].HasBattery)
}

func TestRun_SleepReachedWhenContextCancelled(t *testing.T) {
	t.Parallel()

	f := newFixture(stub.WithConnectAfter(-1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := f.runner().Run(ctx)

	assert.Error(t, rep.NetworkErr)
	assert.True(t, rep.Slept)
	assert.Equal(t, 1, f.board.SleepCalls())
}

func TestRun_SleepErrorRecorded(t *testing.T) {
	t.Parallel()

	f := newFixture(stub.WithSleepError(errors.New("suspend refused")))
	rep := f.runner().Run(context.Background())

	assert.Error(t, rep.SleepErr)
	assert.True(t, rep.Slept)
}
