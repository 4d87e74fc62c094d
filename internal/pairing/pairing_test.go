package pairing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/ferux/pairbroker/internal/model"
	"github.com/ferux/pairbroker/internal/registry"
	"github.com/ferux/pairbroker/internal/tokenstore"
)

type fakeTransport string

func (t fakeTransport) RemoteAddr() string { return string(t) }

// brokenStore fails every call like a store that went down.
type brokenStore struct{ tokenstore.Store }

func (brokenStore) err(op, key string) error {
	return &tokenstore.UnavailableError{Op: op, Key: key, Err: errors.New("connection refused")}
}

func (s brokenStore) Set(_ context.Context, key, _ string, _ time.Duration) error {
	return s.err("set", key)
}
func (s brokenStore) Get(_ context.Context, key string) (string, error) { return "", s.err("get", key) }
func (s brokenStore) Pop(_ context.Context, key string) (string, error) { return "", s.err("pop", key) }
func (s brokenStore) Delete(_ context.Context, key string) error        { return s.err("delete", key) }

var fastOptions = Options{
	TokenTTL:        time.Second,
	PollInterval:    time.Millisecond,
	PollMaxInterval: 5 * time.Millisecond,
}

type fixture struct {
	reg   *registry.Registry
	store *tokenstore.Memory
	svc   *Service
}

func newFixture(opts Options) fixture {
	reg := registry.New(zerolog.Nop(), nil)
	store := tokenstore.NewMemory()

	return fixture{reg: reg, store: store, svc: New(reg, store, opts)}
}

// connect does what device's session does right after connecting.
func (f fixture) connect(t *testing.T, machineID, hostToken string) {
	t.Helper()

	if err := f.reg.RegisterDevice(machineID, fakeTransport(machineID)); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.DepositHostToken(context.Background(), machineID, hostToken); err != nil {
		t.Fatal(err)
	}
}

func TestClaimPairsAndRejectsOther(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture(fastOptions)
	f.connect(t, "bot1", "H1")

	res, err := f.svc.Claim(ctx, "bot1", "u1")
	is.NoErr(err)
	is.True(res.Paired())
	is.Equal(res.HostToken, "H1")

	res, err = f.svc.Claim(ctx, "bot1", "u2")
	is.NoErr(err)
	is.Equal(res.Status, StatusClaimedByOther)
	is.Equal(res.HostToken, "")
	is.Equal(res.Message, "remote connection is already in use")
}

func TestClaimOffline(t *testing.T) {
	is := is.New(t)
	f := newFixture(fastOptions)

	res, err := f.svc.Claim(context.Background(), "bot2", "u1")
	is.NoErr(err)
	is.Equal(res.Status, StatusDeviceOffline)
	is.Equal(res.Message, "bot2 is Offline")
}

func TestClaimSelfReleases(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture(fastOptions)
	f.connect(t, "bot1", "H1")

	res, err := f.svc.Claim(ctx, "bot1", "u1")
	is.NoErr(err)
	is.True(res.Paired())

	res, err = f.svc.Claim(ctx, "bot1", "u1")
	is.NoErr(err)
	is.Equal(res.Status, StatusClaimedBySelf)
	is.Equal(res.Message, "u1 already connected to -> bot1")

	_, claimed := f.reg.ClaimedBy("bot1")
	is.True(!claimed)

	// host token was consumed by the first claim
	res, err = f.svc.Claim(ctx, "bot1", "u1")
	is.NoErr(err)
	is.Equal(res.Status, StatusHostTokenMissing)
	_, claimed = f.reg.ClaimedBy("bot1")
	is.True(!claimed)

	// device stages a fresh token
	is.NoErr(f.svc.DepositHostToken(ctx, "bot1", "H2"))
	res, err = f.svc.Claim(ctx, "bot1", "u1")
	is.NoErr(err)
	is.True(res.Paired())
	is.Equal(res.HostToken, "H2")
}

func TestClaimControllerBusy(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture(fastOptions)
	f.connect(t, "bot1", "H1")
	f.connect(t, "bot3", "H3")

	res, err := f.svc.Claim(ctx, "bot1", "u1")
	is.NoErr(err)
	is.True(res.Paired())

	res, err = f.svc.Claim(ctx, "bot3", "u1")
	is.NoErr(err)
	is.Equal(res.Status, StatusControllerBusy)
	is.Equal(res.Message, "u1 is already connected with another robot")

	// bot3's token is untouched
	got, err := f.store.Get(ctx, tokenstore.HostKey("bot3"))
	is.NoErr(err)
	is.Equal(got, "H3")
}

func TestClaimHostTokenReadOnce(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture(fastOptions)
	f.connect(t, "bot1", "H1")

	res, err := f.svc.Claim(ctx, "bot1", "u1")
	is.NoErr(err)
	is.Equal(res.HostToken, "H1")

	_, err = f.store.Get(ctx, tokenstore.HostKey("bot1"))
	is.True(errors.Is(err, model.ErrNotFound))
}

func TestClaimValidation(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture(fastOptions)
	f.connect(t, "bot1", "H1")

	_, err := f.svc.Claim(ctx, "bot1", "")
	is.Equal(err, ErrEmptyControllerID)

	_, err = f.svc.Claim(ctx, "", "u1")
	is.Equal(err, ErrEmptyMachineID)

	// nothing was claimed by invalid requests
	_, claimed := f.reg.ClaimedBy("bot1")
	is.True(!claimed)
}

func TestClaimStoreUnavailable(t *testing.T) {
	is := is.New(t)
	reg := registry.New(zerolog.Nop(), nil)
	svc := New(reg, brokenStore{}, fastOptions)
	is.NoErr(reg.RegisterDevice("bot1", fakeTransport("a")))

	_, err := svc.Claim(context.Background(), "bot1", "u1")
	is.True(err != nil)
	is.True(model.IsTemporary(err))

	// claim is rolled back so controller may retry
	_, claimed := reg.ClaimedBy("bot1")
	is.True(!claimed)

	is.True(model.IsTemporary(svc.SubmitClientToken(context.Background(), "bot1", "C1")))
	is.True(model.IsTemporary(svc.DepositHostToken(context.Background(), "bot1", "H1")))
}

func TestReconnectClaimBeforeDeposit(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture(fastOptions)
	f.connect(t, "bot1", "H-old")
	is.NoErr(f.svc.SubmitClientToken(ctx, "bot1", "C-old"))

	is.NoErr(f.svc.Disconnect(ctx, "bot1"))

	_, err := f.reg.LookupTransport("bot1")
	is.True(errors.Is(err, model.ErrNotFound))

	_, err = f.store.Get(ctx, tokenstore.ClientKey("bot1"))
	is.True(errors.Is(err, model.ErrNotFound))

	is.NoErr(f.reg.RegisterDevice("bot1", fakeTransport("bot1")))

	res, err := f.svc.Claim(ctx, "bot1", "u1")
	is.NoErr(err)
	is.Equal(res.Status, StatusHostTokenMissing)
	is.Equal(res.HostToken, "")
}

func TestDropCredentials(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture(fastOptions)
	f.connect(t, "bot1", "H1")
	is.NoErr(f.svc.SubmitClientToken(ctx, "bot1", "C1"))
	f.connect(t, "bot2", "H2")

	is.NoErr(f.svc.DropCredentials(ctx, "bot1"))

	for _, key := range []string{tokenstore.HostKey("bot1"), tokenstore.ClientKey("bot1")} {
		_, err := f.store.Get(ctx, key)
		is.True(errors.Is(err, model.ErrNotFound))
	}

	// device stays online, other devices are untouched
	_, err := f.reg.LookupTransport("bot1")
	is.NoErr(err)

	token, err := f.store.Get(ctx, tokenstore.HostKey("bot2"))
	is.NoErr(err)
	is.Equal(token, "H2")
}

func TestDisconnectStoreUnavailable(t *testing.T) {
	is := is.New(t)
	reg := registry.New(zerolog.Nop(), nil)
	svc := New(reg, brokenStore{}, fastOptions)
	is.NoErr(reg.RegisterDevice("bot1", fakeTransport("a")))

	err := svc.Disconnect(context.Background(), "bot1")
	is.True(model.IsTemporary(err))

	// device is gone anyway
	_, err = reg.LookupTransport("bot1")
	is.True(errors.Is(err, model.ErrNotFound))
}

func TestConcurrentClaimsHandOutOneToken(t *testing.T) {
	is := is.New(t)
	f := newFixture(fastOptions)
	f.connect(t, "bot1", "H1")

	controllers := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		tokens []string
	)

	wg.Add(len(controllers))
	for _, c := range controllers {
		go func(c string) {
			defer wg.Done()

			res, err := f.svc.Claim(context.Background(), "bot1", c)
			if err != nil || !res.Paired() {
				return
			}

			mu.Lock()
			tokens = append(tokens, res.HostToken)
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	is.Equal(tokens, []string{"H1"})
}

func TestSubmitClientTokenValidation(t *testing.T) {
	is := is.New(t)
	f := newFixture(fastOptions)

	is.Equal(f.svc.SubmitClientToken(context.Background(), "", "C1"), ErrEmptyMachineID)
	is.Equal(f.svc.SubmitClientToken(context.Background(), "bot1", ""), ErrEmptyToken)
	is.Equal(f.svc.DepositHostToken(context.Background(), "bot1", ""), ErrEmptyToken)
}

func TestStatusString(t *testing.T) {
	is := is.New(t)

	is.Equal(StatusClaimedByOther.String(), "already_claimed_by_other")
	is.Equal(StatusHostTokenMissing.String(), "host_token_missing")
	is.Equal(StatusPaired.String(), "paired")
}
