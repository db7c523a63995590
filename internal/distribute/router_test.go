package distribute

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janhalen/azure-smartmail/internal/common"
	"github.com/janhalen/azure-smartmail/internal/mailbox"
	"github.com/janhalen/azure-smartmail/internal/model"
	"github.com/janhalen/azure-smartmail/internal/service"
	"github.com/janhalen/azure-smartmail/internal/telemetry"
)

// fakeProvider is an in-memory mailbox with a recorded action log. Folder ids
// are "<mailbox>/<segment>/..." paths.
type fakeProvider struct {
	folders  map[string]bool
	failMove error
	actions  []string
	created  []string
}

func newFakeProvider(paths ...string) *fakeProvider {
	p := &fakeProvider{folders: make(map[string]bool)}
	for _, path := range paths {
		p.folders[path] = true
	}
	return p
}

func (p *fakeProvider) RootFolder(_ context.Context, mb string) (mailbox.Folder, error) {
	return mailbox.Folder{ID: mb, DisplayName: "root", Mailbox: mb}, nil
}

func (p *fakeProvider) ChildFolder(_ context.Context, parent mailbox.Folder, name string) (mailbox.Folder, error) {
	id := parent.ID + "/" + name
	if !p.folders[id] {
		return mailbox.Folder{}, common.ErrFolderNotFound
	}
	return mailbox.Folder{ID: id, DisplayName: name, Mailbox: parent.Mailbox}, nil
}

func (p *fakeProvider) CreateFolder(_ context.Context, parent mailbox.Folder, name string) (mailbox.Folder, error) {
	id := parent.ID + "/" + name
	p.folders[id] = true
	p.created = append(p.created, id)
	return mailbox.Folder{ID: id, DisplayName: name, Mailbox: parent.Mailbox}, nil
}

func (p *fakeProvider) ListSince(_ context.Context, _ mailbox.Folder, _ time.Time) ([]mailbox.MessageRef, error) {
	return nil, nil
}

func (p *fakeProvider) Fetch(_ context.Context, _, _ string) (*model.Message, error) {
	return nil, common.ErrNotFound
}

func (p *fakeProvider) Move(_ context.Context, _, msgID string, folder mailbox.Folder) error {
	if p.failMove != nil {
		return p.failMove
	}
	p.actions = append(p.actions, fmt.Sprintf("move %s -> %s", msgID, folder.ID))
	return nil
}

func (p *fakeProvider) Copy(_ context.Context, _, msgID string, folder mailbox.Folder) error {
	p.actions = append(p.actions, fmt.Sprintf("copy %s -> %s", msgID, folder.ID))
	return nil
}

func (p *fakeProvider) Forward(_ context.Context, _, msgID string, to []string, _ string) error {
	p.actions = append(p.actions, fmt.Sprintf("forward %s -> %s", msgID, to[0]))
	return nil
}

var _ mailbox.Provider = (*fakeProvider)(nil)

func testDestinations() []model.Destination {
	return []model.Destination{
		{Key: model.FallbackKey, Method: model.MethodMove, Mailbox: "shared@kommune.dk", FolderPath: []string{"Ufordelt"}},
		{Key: "vand", Method: model.MethodMove, Mailbox: "shared@kommune.dk", FolderPath: []string{"Teknik", "Vand"}},
		{Key: "kopi", Method: model.MethodCopy, Mailbox: "shared@kommune.dk", FolderPath: []string{"Arkiv"}},
		{Key: "tonni.bonde@kommune.dk", Method: model.MethodForward, Mailbox: "tonni.bonde@kommune.dk"},
	}
}

func testFolders() []string {
	return []string{
		"shared@kommune.dk/Ufordelt",
		"shared@kommune.dk/Teknik",
		"shared@kommune.dk/Teknik/Vand",
		"shared@kommune.dk/Arkiv",
	}
}

func newTestRouter(t *testing.T, provider *fakeProvider, mode Mode) (*Router, *telemetry.Recorder) {
	t.Helper()
	monitor := &telemetry.Recorder{}
	router, err := NewRouter(context.Background(), provider, testDestinations(), monitor, Config{
		SourceMailbox: "shared@kommune.dk",
		Mode:          mode,
		Retry:         service.RetryOptions{MaxAttempts: 1, Delay: time.Millisecond},
	})
	require.NoError(t, err)
	return router, monitor
}

func TestNewRouter_Validation(t *testing.T) {
	ctx := context.Background()
	monitor := &telemetry.Recorder{}
	retry := service.RetryOptions{MaxAttempts: 1, Delay: time.Millisecond}

	t.Run("missing fallback key", func(t *testing.T) {
		_, err := NewRouter(ctx, newFakeProvider(testFolders()...), []model.Destination{
			{Key: "vand", Method: model.MethodMove, Mailbox: "shared@kommune.dk", FolderPath: []string{"Teknik", "Vand"}},
		}, monitor, Config{Retry: retry})
		require.Error(t, err)
		assert.ErrorIs(t, err, common.ErrInvalidConfig)
	})

	t.Run("unknown method", func(t *testing.T) {
		_, err := NewRouter(ctx, newFakeProvider(testFolders()...), []model.Destination{
			{Key: model.FallbackKey, Method: "archive", Mailbox: "shared@kommune.dk", FolderPath: []string{"Ufordelt"}},
		}, monitor, Config{Retry: retry})
		require.Error(t, err)
		assert.ErrorIs(t, err, common.ErrInvalidConfig)
	})

	t.Run("unresolvable folder fails startup", func(t *testing.T) {
		_, err := NewRouter(ctx, newFakeProvider("shared@kommune.dk/Ufordelt"), testDestinations(), monitor, Config{Retry: retry})
		require.Error(t, err)
		assert.ErrorIs(t, err, common.ErrInvalidConfig)
	})

	t.Run("auto-create resolves missing segments", func(t *testing.T) {
		provider := newFakeProvider("shared@kommune.dk/Ufordelt", "shared@kommune.dk/Arkiv")
		_, err := NewRouter(ctx, provider, testDestinations(), monitor, Config{AutoCreate: true, Retry: retry})
		require.NoError(t, err)
		assert.Contains(t, provider.created, "shared@kommune.dk/Teknik")
		assert.Contains(t, provider.created, "shared@kommune.dk/Teknik/Vand")
	})
}

func TestDistribute_SingleMove(t *testing.T) {
	provider := newFakeProvider(testFolders()...)
	router, _ := newTestRouter(t, provider, ModeProduction)

	msg := &model.Message{ID: "m1", ProviderID: "p1"}
	require.NoError(t, router.Distribute(context.Background(), msg, []string{"VAND"}))

	assert.Equal(t, []string{"move p1 -> shared@kommune.dk/Teknik/Vand"}, provider.actions,
		"key lookup is case-insensitive")
}

func TestDistribute_EmptyKeysGoToFallback(t *testing.T) {
	provider := newFakeProvider(testFolders()...)
	router, _ := newTestRouter(t, provider, ModeProduction)

	msg := &model.Message{ID: "m1", ProviderID: "p1"}
	require.NoError(t, router.Distribute(context.Background(), msg, nil))

	assert.Equal(t, []string{"move p1 -> shared@kommune.dk/Ufordelt"}, provider.actions)
}

func TestDistribute_UnknownKeyFallsBackPerKey(t *testing.T) {
	provider := newFakeProvider(testFolders()...)
	router, _ := newTestRouter(t, provider, ModeProduction)

	msg := &model.Message{ID: "m1", ProviderID: "p1"}
	require.NoError(t, router.Distribute(context.Background(), msg, []string{"ukendt"}))

	assert.Equal(t, []string{"move p1 -> shared@kommune.dk/Ufordelt"}, provider.actions)
}

func TestDistribute_CustomFallbackKey(t *testing.T) {
	ctx := context.Background()
	retry := service.RetryOptions{MaxAttempts: 1, Delay: time.Millisecond}
	destinations := []model.Destination{
		{Key: "ufordelt", Method: model.MethodMove, Mailbox: "shared@kommune.dk", FolderPath: []string{"Ufordelt"}},
		{Key: "vand", Method: model.MethodMove, Mailbox: "shared@kommune.dk", FolderPath: []string{"Teknik", "Vand"}},
	}

	t.Run("missing custom key fails construction", func(t *testing.T) {
		_, err := NewRouter(ctx, newFakeProvider(testFolders()...), testDestinations(), &telemetry.Recorder{}, Config{
			SourceMailbox: "shared@kommune.dk",
			FallbackKey:   "ufordelt",
			Retry:         retry,
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, common.ErrInvalidConfig)
		assert.Contains(t, err.Error(), `"ufordelt"`)
	})

	t.Run("empty and unknown keys land on the custom key", func(t *testing.T) {
		provider := newFakeProvider(testFolders()...)
		router, err := NewRouter(ctx, provider, destinations, &telemetry.Recorder{}, Config{
			SourceMailbox: "shared@kommune.dk",
			FallbackKey:   "Ufordelt",
			Retry:         retry,
		})
		require.NoError(t, err)

		msg := &model.Message{ID: "m1", ProviderID: "p1"}
		require.NoError(t, router.Distribute(ctx, msg, nil))
		require.NoError(t, router.Distribute(ctx, msg, []string{"ukendt"}))

		assert.Equal(t, []string{
			"move p1 -> shared@kommune.dk/Ufordelt",
			"move p1 -> shared@kommune.dk/Ufordelt",
		}, provider.actions)
	})
}

func TestDistribute_MultipleMovesRedirectWholeBatch(t *testing.T) {
	provider := newFakeProvider(testFolders()...)
	router, monitor := newTestRouter(t, provider, ModeProduction)

	// two move keys plus a copy: the whole batch collapses to one fallback
	// move, the copy included
	msg := &model.Message{ID: "m1", ProviderID: "p1"}
	require.NoError(t, router.Distribute(context.Background(), msg, []string{"vand", "ukendt", "kopi"}))

	assert.Equal(t, []string{"move p1 -> shared@kommune.dk/Ufordelt"}, provider.actions)
	assert.NotEmpty(t, monitor.ByKind("warning"))
}

func TestDistribute_ExecutionOrder(t *testing.T) {
	provider := newFakeProvider(testFolders()...)
	router, _ := newTestRouter(t, provider, ModeProduction)

	// requested move-first; executed copy, forward, move
	msg := &model.Message{ID: "m1", ProviderID: "p1"}
	require.NoError(t, router.Distribute(context.Background(), msg, []string{"vand", "tonni.bonde@kommune.dk", "kopi"}))

	assert.Equal(t, []string{
		"copy p1 -> shared@kommune.dk/Arkiv",
		"forward p1 -> tonni.bonde@kommune.dk",
		"move p1 -> shared@kommune.dk/Teknik/Vand",
	}, provider.actions)
}

func TestDistribute_PartialFailureStillRunsRemaining(t *testing.T) {
	provider := newFakeProvider(testFolders()...)
	provider.failMove = assert.AnError
	router, _ := newTestRouter(t, provider, ModeProduction)

	msg := &model.Message{ID: "m1", ProviderID: "p1"}
	err := router.Distribute(context.Background(), msg, []string{"vand", "kopi"})

	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrMaxRetries)
	assert.Contains(t, err.Error(), `key "vand"`)
	assert.Equal(t, []string{"copy p1 -> shared@kommune.dk/Arkiv"}, provider.actions,
		"the copy ran even though the move failed")
}

func TestDistribute_Modes(t *testing.T) {
	t.Run("stdout performs no actions", func(t *testing.T) {
		provider := newFakeProvider(testFolders()...)
		router, _ := newTestRouter(t, provider, ModeStdout)

		msg := &model.Message{ID: "m1", ProviderID: "p1"}
		require.NoError(t, router.Distribute(context.Background(), msg, []string{"vand", "tonni.bonde@kommune.dk"}))
		assert.Empty(t, provider.actions)
	})

	t.Run("test_copy copies instead of moving and skips forwards", func(t *testing.T) {
		provider := newFakeProvider(testFolders()...)
		router, _ := newTestRouter(t, provider, ModeTestCopy)

		msg := &model.Message{ID: "m1", ProviderID: "p1"}
		require.NoError(t, router.Distribute(context.Background(), msg, []string{"vand", "tonni.bonde@kommune.dk"}))
		assert.Equal(t, []string{"copy p1 -> shared@kommune.dk/Teknik/Vand"}, provider.actions)
	})
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{in: "", want: ModeProduction},
		{in: "production", want: ModeProduction},
		{in: "test_copy", want: ModeTestCopy},
		{in: "stdout", want: ModeStdout},
		{in: "dry_run", wantErr: true},
	}

	for _, tt := range tests {
		mode, err := ParseMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, mode)
	}
}
