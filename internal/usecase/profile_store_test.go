package usecase

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/echidnad/internal/domain"
)

const presetJSON = `{"modules":[{"id":"pitch","semitones":3}],"engine":{"sampleRate":48000}}`

// paddedPreset returns a valid preset of exactly size bytes.
func paddedPreset(size int) string {
	prefix := `{"modules":[],"engine":{},"pad":"`
	suffix := `"}`
	return prefix + strings.Repeat("x", size-len(prefix)-len(suffix)) + suffix
}

func TestValidateProfile(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want domain.SaveResult
	}{
		{name: "empty", raw: "", want: domain.SaveRejectedEmpty},
		{name: "whitespace", raw: " \n\t ", want: domain.SaveRejectedEmpty},
		{name: "not json", raw: "{modules:", want: domain.SaveRejectedInvalidJSON},
		{name: "invalid json beats size", raw: strings.Repeat("{", MaxProfileBytes+10), want: domain.SaveRejectedInvalidJSON},
		{name: "at size limit", raw: paddedPreset(MaxProfileBytes), want: domain.SaveAccepted},
		{name: "one byte over", raw: paddedPreset(MaxProfileBytes + 1), want: domain.SaveRejectedTooLarge},
		{name: "array root", raw: `[1,2]`, want: domain.SaveRejectedSchema},
		{name: "scalar root", raw: `42`, want: domain.SaveRejectedSchema},
		{name: "preset", raw: presetJSON, want: domain.SaveAccepted},
		{name: "modules not array", raw: `{"modules":{},"engine":{}}`, want: domain.SaveRejectedSchema},
		{name: "engine missing", raw: `{"modules":[]}`, want: domain.SaveRejectedSchema},
		{name: "bundle with a preset", raw: `{"profiles":{"a":{"x":1},"b":` + presetJSON + `}}`, want: domain.SaveAccepted},
		{name: "empty bundle", raw: `{"profiles":{}}`, want: domain.SaveRejectedSchema},
		{name: "bundle without presets", raw: `{"profiles":{"a":{"modules":[]}}}`, want: domain.SaveRejectedSchema},
		{name: "preset nested one level", raw: `{"wrapper":` + presetJSON + `}`, want: domain.SaveRejectedSchema},
		{name: "bundle entry nested one level", raw: `{"profiles":{"a":{"inner":` + presetJSON + `}}}`, want: domain.SaveRejectedSchema},
		{name: "bundle as array", raw: `{"profiles":[` + presetJSON + `]}`, want: domain.SaveRejectedSchema},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateProfile(tt.raw))
		})
	}
}

func newTestStore(t *testing.T, file *memStateFile, channel *recordingChannel) (*ProfileStoreImpl, *prometheus.CounterVec) {
	t.Helper()
	mutations := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_profile_mutations_total"}, []string{"result"})
	store := NewProfileStore(file, channel, mutations, zap.NewNop())
	t.Cleanup(func() { _ = store.Close() })
	return store, mutations
}

func flush(t *testing.T, store *ProfileStoreImpl) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, store.Flush(ctx))
}

func TestProfileStore_SaveAndResolve(t *testing.T) {
	file := &memStateFile{}
	channel := &recordingChannel{}
	store, mutations := newTestStore(t, file, channel)

	assert.Equal(t, domain.SaveAccepted, store.Save(" p1 ", presetJSON))
	assert.Equal(t, domain.SaveRejectedEmpty, store.Save("  ", presetJSON))
	assert.Equal(t, domain.SaveRejectedSchema, store.Save("p2", `{"modules":[]}`))
	flush(t, store)

	assert.Equal(t, []string{"p1"}, store.List())
	got, ok := store.Resolve("p1")
	require.True(t, ok)
	assert.Equal(t, presetJSON, got)
	_, ok = store.Resolve("p2")
	assert.False(t, ok)

	assert.Equal(t, 1, file.saveCount(), "rejected saves never persist")
	require.Len(t, channel.payloads(), 1)
	profiles := channel.last()["profiles"].(map[string]any)
	assert.Contains(t, profiles, "p1")

	assert.Equal(t, 1.0, testutil.ToFloat64(mutations.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mutations.WithLabelValues("empty")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mutations.WithLabelValues("schema")))
}

func TestProfileStore_PersistedLayout(t *testing.T) {
	file := &memStateFile{}
	store, _ := newTestStore(t, file, &recordingChannel{})

	store.Save("p1", presetJSON)
	store.UpdateWhitelist("com.example.voice", true)
	flush(t, store)

	var persisted struct {
		Profiles  map[string]json.RawMessage `json:"profiles"`
		Whitelist map[string]bool            `json:"whitelist"`
	}
	require.NoError(t, json.Unmarshal(file.payload, &persisted))
	assert.JSONEq(t, presetJSON, string(persisted.Profiles["p1"]))
	assert.Equal(t, map[string]bool{"com.example.voice": true}, persisted.Whitelist)
}

func TestProfileStore_LoadsPersistedState(t *testing.T) {
	file := &memStateFile{payload: []byte(`{"profiles":{"p1":` + presetJSON + `},"whitelist":{"app":false}}`)}
	channel := &recordingChannel{}
	store, _ := newTestStore(t, file, channel)
	flush(t, store)

	assert.Equal(t, []string{"p1"}, store.List())
	assert.Equal(t, map[string]bool{"app": false}, store.Whitelist())
	assert.Len(t, channel.payloads(), 1, "loaded state is pushed once")
	assert.Zero(t, file.saveCount(), "loaded state is not written back")
}

func TestProfileStore_RestartKeepsProfileBytes(t *testing.T) {
	// Indentation and HTML-sensitive characters must survive a restart untouched.
	original := "{\n  \"modules\": [ {\"id\": \"<gain>\", \"note\": \"a & b\"} ],\n  \"engine\": {}\n}"
	file := &memStateFile{}
	store, _ := newTestStore(t, file, &recordingChannel{})
	require.Equal(t, domain.SaveAccepted, store.Save("p1", original))
	flush(t, store)

	restarted, _ := newTestStore(t, &memStateFile{payload: file.payload}, &recordingChannel{})
	flush(t, restarted)

	got, ok := restarted.Resolve("p1")
	require.True(t, ok)
	assert.Equal(t, original, got)
}

func TestProfileStore_LoadFailureStartsEmpty(t *testing.T) {
	file := &memStateFile{loadErr: errDisk}
	channel := &recordingChannel{}
	store, _ := newTestStore(t, file, channel)
	flush(t, store)

	assert.Empty(t, store.List())
	assert.Empty(t, channel.payloads())
}

func TestProfileStore_Mutations(t *testing.T) {
	tests := []struct {
		name   string
		testFn func(t *testing.T)
	}{
		{
			name: "delete of unknown id is a no-op",
			testFn: func(t *testing.T) {
				file := &memStateFile{}
				store, _ := newTestStore(t, file, &recordingChannel{})
				store.Delete("missing")
				flush(t, store)
				assert.Zero(t, file.saveCount())
			},
		},
		{
			name: "delete removes and publishes",
			testFn: func(t *testing.T) {
				channel := &recordingChannel{}
				store, mutations := newTestStore(t, &memStateFile{}, channel)
				store.Save("p1", presetJSON)
				store.Delete("p1")
				flush(t, store)

				assert.Empty(t, store.List())
				require.Len(t, channel.payloads(), 2)
				assert.Empty(t, channel.last()["profiles"])
				assert.Equal(t, 1.0, testutil.ToFloat64(mutations.WithLabelValues("deleted")))
			},
		},
		{
			name: "blank whitelist process is ignored",
			testFn: func(t *testing.T) {
				file := &memStateFile{}
				store, _ := newTestStore(t, file, &recordingChannel{})
				store.UpdateWhitelist("  ", true)
				flush(t, store)
				assert.Empty(t, store.Whitelist())
				assert.Zero(t, file.saveCount())
			},
		},
		{
			name: "whitelist copy is detached",
			testFn: func(t *testing.T) {
				store, _ := newTestStore(t, &memStateFile{}, &recordingChannel{})
				store.UpdateWhitelist("app", true)
				copied := store.Whitelist()
				copied["app"] = false
				assert.True(t, store.Whitelist()["app"])
			},
		},
		{
			name: "list is sorted",
			testFn: func(t *testing.T) {
				store, _ := newTestStore(t, &memStateFile{}, &recordingChannel{})
				for _, id := range []string{"c", "a", "b"} {
					store.Save(id, presetJSON)
				}
				assert.Equal(t, []string{"a", "b", "c"}, store.List())
			},
		},
		{
			name: "blank document is classified and counted",
			testFn: func(t *testing.T) {
				store, mutations := newTestStore(t, &memStateFile{}, &recordingChannel{})
				assert.Equal(t, domain.SaveRejectedEmpty, store.Save("p1", "   "))
				assert.Empty(t, store.List())
				assert.Equal(t, 1.0, testutil.ToFloat64(mutations.WithLabelValues("empty")))
			},
		},
		{
			name: "persist failure still pushes",
			testFn: func(t *testing.T) {
				channel := &recordingChannel{}
				store, _ := newTestStore(t, &memStateFile{saveErr: errDisk}, channel)
				store.Save("p1", presetJSON)
				flush(t, store)
				assert.Len(t, channel.payloads(), 1)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.testFn)
	}
}

func TestProfileStore_PushesInMutationOrder(t *testing.T) {
	channel := &recordingChannel{}
	store, _ := newTestStore(t, &memStateFile{}, channel)

	for i := 0; i < 20; i++ {
		store.UpdateWhitelist("app", i%2 == 0)
	}
	flush(t, store)

	payloads := channel.payloads()
	require.Len(t, payloads, 20)
	for i, payload := range payloads {
		var state domain.ProfileState
		require.NoError(t, json.Unmarshal(payload, &state))
		assert.Equal(t, i%2 == 0, state.Whitelist["app"], "push %d", i)
	}
}

func TestProfileStore_Close(t *testing.T) {
	file := &memStateFile{}
	store := NewProfileStore(file, &recordingChannel{}, nil, zap.NewNop())
	store.Save("p1", presetJSON)

	require.NoError(t, store.Close())
	assert.Equal(t, 1, file.saveCount(), "queued work drains before Close returns")

	assert.Equal(t, domain.SaveRejectedClosed, store.Save("p2", presetJSON))
	store.UpdateWhitelist("app", true)
	assert.Equal(t, []string{"p1"}, store.List(), "mutations after close are dropped")
	assert.NoError(t, store.Flush(context.Background()))
	assert.NoError(t, store.Close())
}
