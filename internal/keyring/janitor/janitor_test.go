package janitor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/keyring/internal/keyring/chrono"
	"github.com/aussiebroadwan/keyring/internal/keyring/domain"
	"github.com/aussiebroadwan/keyring/internal/keyring/janitor"
	"github.com/aussiebroadwan/keyring/internal/keyring/limits"
	"github.com/aussiebroadwan/keyring/internal/keyring/notify"
	"github.com/aussiebroadwan/keyring/internal/keyring/service"
	"github.com/aussiebroadwan/keyring/internal/keyring/store"
	"github.com/aussiebroadwan/keyring/internal/keyring/store/drivers/sqlite"
	"github.com/aussiebroadwan/keyring/pkg/slogx"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

type droppedKeys struct {
	mu   sync.Mutex
	keys []string
}

func (d *droppedKeys) DropSessions(_ context.Context, keys ...string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys = append(d.keys, keys...)
	return nil
}

func (d *droppedKeys) all() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.keys...)
}

// failingCommit rolls back every outermost transaction whose body
// succeeded and reports it as a commit failure.
type failingCommit struct {
	store.Store
}

var errCommit = errors.New("commit: connection reset")

func (s failingCommit) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.Store.WithTx(ctx, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return err
		}
		return errCommit
	})
}

type fixture struct {
	store    store.Store
	clock    *chrono.Manual
	mail     *notify.Recorder
	dropped  *droppedKeys
	accounts *service.AccountService
	otp      *service.OtpService
	janitor  *janitor.Janitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.ApplyMigrations())

	clock := chrono.NewManual(start)
	deps := service.Deps{Store: s, Clock: clock, Limits: limits.New(limits.DefaultConfig())}
	f := &fixture{
		store:    s,
		clock:    clock,
		mail:     notify.NewRecorder(),
		dropped:  &droppedKeys{},
		accounts: &service.AccountService{Deps: deps},
		otp:      &service.OtpService{Deps: deps},
	}
	f.janitor = janitor.New(s, clock, f.mail, f.dropped, slogx.Discard(), janitor.DefaultConfig())
	return f
}

func (f *fixture) activeUser(t *testing.T, name string) domain.User {
	t.Helper()
	ctx := context.Background()
	u, tok, err := f.accounts.CreateUser(ctx, name, "salt", "hash", name+"@example.com", "0", "10.0.0.1")
	require.NoError(t, err)
	u, err = f.accounts.ReleaseMailToken(ctx, u.ID, tok.ID)
	require.NoError(t, err)
	return u
}

func (f *fixture) session(t *testing.T, u domain.User, stage domain.SessionStage, key string) domain.Session {
	t.Helper()
	ctx := context.Background()
	current, _, err := f.accounts.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	sess, err := f.accounts.CreateSession(ctx, u.ID, current.Version, stage, key,
		domain.Agent{IPAddress: "203.0.113.7", UserAgent: "cli", ClientVersion: "1.0"})
	require.NoError(t, err)
	return sess
}

func (f *fixture) stage(t *testing.T, id string) domain.SessionStage {
	t.Helper()
	sess, err := f.store.Sessions().GetByID(context.Background(), id)
	require.NoError(t, err)
	return sess.Stage
}

func (f *fixture) user(t *testing.T, id string) domain.User {
	t.Helper()
	u, err := f.store.Users().GetByID(context.Background(), id)
	require.NoError(t, err)
	return u
}

func TestExpireInitiatedSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.activeUser(t, "alice")
	sess := f.session(t, u, domain.SessionInitiated, "authn:pending")

	f.clock.Advance(5 * time.Minute)
	n, err := f.janitor.ExpireInitiatedSessions(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "exactly on the boundary is still alive")

	f.clock.Advance(time.Millisecond)
	n, err = f.janitor.ExpireInitiatedSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Equal(t, domain.SessionDisabled, f.stage(t, sess.ID))

	sent := f.mail.OfKind(notify.KindUncompletedAuthn)
	require.Len(t, sent, 1)
	require.Equal(t, "alice@example.com", sent[0].Recipient)
	require.Equal(t, "203.0.113.7", sent[0].Params["ip_address"])
	require.Equal(t, []string{"authn:pending"}, f.dropped.all())

	n, err = f.janitor.ExpireInitiatedSessions(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, f.mail.OfKind(notify.KindUncompletedAuthn), 1)
}

func TestDisabledSessionIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.activeUser(t, "bob")
	live := f.session(t, u, domain.SessionActivated, "session:live")

	f.clock.Advance(2*time.Hour + time.Millisecond)
	n, err := f.janitor.ExpireActivatedSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Equal(t, domain.SessionDisabled, f.stage(t, live.ID))

	for range 3 {
		f.clock.Advance(day)
		require.NoError(t, f.janitor.Sweep(ctx))
		require.Equal(t, domain.SessionDisabled, f.stage(t, live.ID))
	}
	require.Empty(t, f.mail.OfKind(notify.KindUncompletedAuthn), "activated sessions expire silently")

	f.clock.Set(live.CreatedAt.Add(28*day + time.Millisecond))
	n, err = f.janitor.DeleteSessionRecords(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	_, err = f.store.Sessions().GetByID(ctx, live.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStaleAccountEscalation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.activeUser(t, "carol")
	f.session(t, u, domain.SessionActivated, "session:old")
	lastSession := f.user(t, u.ID).LastSession

	f.clock.Set(lastSession.Add(730*day + time.Millisecond))
	// Old enough to be disabled by the absolute window first.
	_, err := f.janitor.ExpireActivatedSessions(ctx)
	require.NoError(t, err)

	n, err := f.janitor.ExpireStaleAccounts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	first := f.user(t, u.ID)
	require.Len(t, first.InactivityReminders, 1)
	notices := f.mail.OfKind(notify.KindDeactivationNotice)
	require.Len(t, notices, 1)
	require.Equal(t, "carol@example.com", notices[0].Recipient)
	require.Equal(t, "30", notices[0].Params["days_left"])
	require.Equal(t, "2", notices[0].Params["inactive_years"])

	n, err = f.janitor.ExpireStaleAccounts(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "second notice waits for month minus week")
	require.Len(t, f.mail.OfKind(notify.KindDeactivationNotice), 1)

	f.clock.Set(first.InactivityReminders[0].Add(23*day + time.Millisecond))
	n, err = f.janitor.ExpireStaleAccounts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	notices = f.mail.OfKind(notify.KindDeactivationNotice)
	require.Len(t, notices, 2)
	require.Equal(t, "7", notices[1].Params["days_left"])

	second := f.user(t, u.ID)
	require.Len(t, second.InactivityReminders, 2)
	require.Equal(t, domain.UserActive, second.State)

	f.clock.Set(second.InactivityReminders[1].Add(7 * day))
	n, err = f.janitor.ExpireStaleAccounts(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Advance(time.Millisecond)
	n, err = f.janitor.ExpireStaleAccounts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Equal(t, domain.UserDeleted, f.user(t, u.ID).State)
	require.Len(t, f.mail.OfKind(notify.KindDeactivationNotice), 2, "deletion sends no notice")

	n, err = f.janitor.ExpireStaleAccounts(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestLoginResetsInactivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.activeUser(t, "dave")

	f.clock.Advance(730*day + time.Millisecond)
	_, err := f.janitor.ExpireStaleAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, f.user(t, u.ID).InactivityReminders, 1)

	f.session(t, u, domain.SessionActivated, "session:back")
	back := f.user(t, u.ID)
	require.Empty(t, back.InactivityReminders)

	f.clock.Advance(30 * day)
	n, err := f.janitor.ExpireStaleAccounts(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, domain.UserActive, f.user(t, u.ID).State)
}

func TestPendingUsersLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending, tok, err := f.accounts.CreateUser(ctx, "erin", "s", "h", "erin@example.com", "1", "10.0.0.9")
	require.NoError(t, err)
	active := f.activeUser(t, "frank")

	f.clock.Advance(15*time.Minute + time.Millisecond)
	n, err := f.janitor.ExpirePendingUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	expired := f.user(t, pending.ID)
	require.Equal(t, domain.UserDeleted, expired.State)
	require.Equal(t, domain.UserActive, f.user(t, active.ID).State)

	n, err = f.janitor.ExpirePendingUsers(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Set(expired.StateChangedAt.Add(28 * day))
	n, err = f.janitor.EvictDeletedUsers(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Advance(time.Millisecond)
	n, err = f.janitor.EvictDeletedUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	_, err = f.store.Users().GetByID(ctx, pending.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.store.MailTokens().GetByID(ctx, tok.ID)
	require.ErrorIs(t, err, store.ErrNotFound, "dependents cascade")
}

func TestRecordSweeps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.activeUser(t, "gina")

	tok, err := f.accounts.CreateMailToken(ctx, u.ID, "gina@example.org", "7", "10.0.0.1")
	require.NoError(t, err)
	params, err := f.otp.CreateOtpParams(ctx, u.ID, "SECRET", []string{"scratch"})
	require.NoError(t, err)
	require.NoError(t, f.otp.AcceptOtpParams(ctx, u.ID, params.ID))
	trusted, err := f.otp.CreateOtpToken(ctx, u.ID, "device")
	require.NoError(t, err)
	stray, err := f.otp.CreateOtpParams(ctx, u.ID, "UNUSED", nil)
	require.ErrorIs(t, err, service.ErrOtpAlreadyConfigured)
	require.Empty(t, stray.ID)

	f.clock.Advance(time.Hour + time.Millisecond)
	n, err := f.janitor.DeleteExpiredMailTokens(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	_, err = f.store.MailTokens().GetByID(ctx, tok.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	f.clock.Advance(30 * day)
	n, err = f.janitor.EvictOtpTokens(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	_, err = f.store.OtpTokens().GetByID(ctx, trusted.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, found, err := f.otp.GetOtpToken(ctx, u.ID, "scratch", true)
	require.NoError(t, err)
	require.True(t, found, "scratch codes are kept")

	for _, sweep := range []func(context.Context) (int64, error){
		f.janitor.DeleteExpiredMailTokens,
		f.janitor.DeleteExpiredOtpParams,
		f.janitor.EvictOtpTokens,
	} {
		n, err := sweep(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
	}
}

func TestDeleteExpiredOtpParams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.activeUser(t, "hank")

	params, err := f.otp.CreateOtpParams(ctx, u.ID, "SECRET", nil)
	require.NoError(t, err)

	f.clock.Advance(15 * time.Minute)
	n, err := f.janitor.DeleteExpiredOtpParams(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Advance(time.Millisecond)
	n, err = f.janitor.DeleteExpiredOtpParams(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	_, found, err := f.otp.GetOtpParams(ctx, u.ID, params.ID)
	require.NoError(t, err)
	require.False(t, found)
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.activeUser(t, "ivy")
	f.session(t, u, domain.SessionInitiated, "authn:x")
	f.session(t, u, domain.SessionActivated, "session:y")
	_, _, err := f.accounts.CreateUser(ctx, "jack", "s", "h", "jack@example.com", "1", "10.0.0.2")
	require.NoError(t, err)

	f.clock.Advance(731 * day)
	require.NoError(t, f.janitor.Sweep(ctx))
	sent := len(f.mail.Requests())
	after := snapshot(t, f)

	require.NoError(t, f.janitor.Sweep(ctx))
	require.Equal(t, after, snapshot(t, f))
	require.Len(t, f.mail.Requests(), sent)
}

func snapshot(t *testing.T, f *fixture) map[string]any {
	t.Helper()
	ctx := context.Background()
	out := map[string]any{}
	for _, name := range []string{"ivy", "jack"} {
		u, err := f.store.Users().GetByUsername(ctx, name)
		if err != nil {
			require.ErrorIs(t, err, store.ErrNotFound)
			out[name] = nil
			continue
		}
		sessions, err := f.store.Sessions().ListByUser(ctx, u.ID)
		require.NoError(t, err)
		out[name] = struct {
			User     domain.User
			Sessions []domain.Session
		}{u, sessions}
	}
	return out
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	u := f.activeUser(t, "kate")
	sess := f.session(t, u, domain.SessionInitiated, "authn:k")
	f.clock.Advance(time.Hour)

	f.janitor.Start()
	require.Eventually(t, func() bool {
		return len(f.mail.OfKind(notify.KindUncompletedAuthn)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	f.janitor.Stop()

	require.Equal(t, domain.SessionDisabled, f.stage(t, sess.ID))
}

func TestCacheEvictionWaitsForCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.activeUser(t, "nora")
	live := f.session(t, u, domain.SessionActivated, "session:live")
	f.clock.Advance(2*time.Hour + time.Millisecond)

	broken := janitor.New(failingCommit{f.store}, f.clock, f.mail, f.dropped, slogx.Discard(), janitor.DefaultConfig())
	n, err := broken.ExpireActivatedSessions(ctx)
	require.ErrorIs(t, err, errCommit)
	require.Zero(t, n)
	require.Equal(t, domain.SessionActivated, f.stage(t, live.ID))
	require.Empty(t, f.dropped.all(), "the row is still live, so is its pointer")

	n, err = f.janitor.ExpireActivatedSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Equal(t, []string{"session:live"}, f.dropped.all())
}
