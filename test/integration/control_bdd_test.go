//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/echidnad/internal/api"
	"github.com/eliteGoblin/echidnad/internal/daemon"
	"github.com/eliteGoblin/echidnad/internal/domain"
	"github.com/eliteGoblin/echidnad/internal/infra"
	"github.com/eliteGoblin/echidnad/internal/usecase"
	"github.com/eliteGoblin/echidnad/test/fixtures"
)

const preset = `{"modules":[{"id":"pitch","semitones":-2}],"engine":{"sampleRate":48000}}`

// stack is a daemon wired from real components against a fake engine.
type stack struct {
	dataDir string
	engine  *fixtures.FakeEngine
	store   *usecase.ProfileStoreImpl
	server  *api.Server
	client  *api.Client
	cancel  context.CancelFunc
	done    chan error
}

func startStack(tmpDir string, engine *fixtures.FakeEngine) *stack {
	logger := zap.NewNop()
	dataDir := filepath.Join(tmpDir, "data")
	metrics := infra.NewMetrics()

	journal, err := infra.OpenJournal(dataDir)
	Expect(err).NotTo(HaveOccurred())

	runner := infra.NewRootShellRunner("/bin/sh", 5*time.Second, journal, metrics, logger)
	probe := usecase.NewCapabilityProbe(infra.NewSelinuxReaderWithRoot(filepath.Join(tmpDir, "no-selinux")), runner, logger)
	controller := usecase.NewModuleController(runner, probe, logger)

	channel := infra.NewSyncChannel(engine.SocketPath, metrics, logger)
	store := usecase.NewProfileStore(infra.NewStateFile(dataDir), channel, metrics.ProfileMutations, logger)
	exporter := usecase.NewTelemetryExporter(infra.NewTelemetryReader(engine.TelemetryPath, logger), infra.NewOptInFlag(dataDir), logger)
	listeners := daemon.NewListenerRegistry(exporter.Snapshot, 20*time.Millisecond, metrics.ActiveListeners, metrics.Broadcasts, logger)
	service := daemon.NewService(daemon.DefaultServiceConfig(), controller, store, exporter, channel, journal, listeners, logger)

	server := api.NewServer(filepath.Join(tmpDir, "api.sock"), service, metrics, logger)
	l, err := server.Listen()
	Expect(err).NotTo(HaveOccurred())

	ctx, cancel := context.WithCancel(context.Background())
	s := &stack{
		dataDir: dataDir,
		engine:  engine,
		store:   store,
		server:  server,
		client:  api.NewClient(server.SocketPath(), 5*time.Second),
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	go func() { _ = server.Serve(l) }()
	go func() { s.done <- service.Run(ctx) }()

	// Wait for the startup refresh so later module operations queue behind it.
	Eventually(func() string {
		status, err := s.client.ModuleStatus(context.Background())
		if err != nil {
			return err.Error()
		}
		return status.LastError
	}, 5*time.Second, 20*time.Millisecond).Should(BeEmpty())
	return s
}

func (s *stack) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	Expect(s.server.Shutdown(ctx)).To(Succeed())
	s.cancel()
	Eventually(s.done, 5*time.Second).Should(Receive(BeNil()))
}

func (s *stack) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	Expect(s.store.Flush(ctx)).To(Succeed())
}

var _ = Describe("Control daemon", func() {
	var (
		tmpDir string
		engine *fixtures.FakeEngine
		running *stack
		ctx    context.Context
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "echd-it-*")
		Expect(err).NotTo(HaveOccurred())

		engine = fixtures.NewFakeEngine(tmpDir)
		Expect(engine.Start()).To(Succeed())
		running = startStack(tmpDir, engine)
		ctx = context.Background()
	})

	AfterEach(func() {
		if running != nil {
			running.stop()
		}
		engine.Stop()
		os.RemoveAll(tmpDir)
	})

	Describe("profiles", func() {
		Context("when a valid profile is pushed", func() {
			It("should list it, persist it and deliver it to the engine", func() {
				result, err := running.client.PushProfile(ctx, "p1", []byte(preset))
				Expect(err).NotTo(HaveOccurred())
				Expect(result).To(Equal("accepted"))
				running.flush()

				Expect(running.client.ListProfiles(ctx)).To(Equal([]string{"p1"}))

				state, ok := engine.LastState()
				Expect(ok).To(BeTrue())
				Expect(state.Profiles).To(HaveKey("p1"))
				Expect(state.Profiles["p1"]).To(MatchJSON(preset))
				Expect(engine.DescriptorCount()).To(BeNumerically(">", 0), "shared memory descriptor travels with the frame")

				_, err = os.Stat(filepath.Join(running.dataDir, infra.StateFileName))
				Expect(err).NotTo(HaveOccurred())
			})
		})

		Context("when the profile is malformed", func() {
			It("should classify it and leave the store unchanged", func() {
				result, err := running.client.PushProfile(ctx, "bad", []byte(`{"modules":`))
				Expect(err).NotTo(HaveOccurred())
				Expect(result).To(Equal("invalid_json"))

				result, err = running.client.PushProfile(ctx, "bad", []byte(`{"modules":[]}`))
				Expect(err).NotTo(HaveOccurred())
				Expect(result).To(Equal("schema"))

				Expect(running.client.ListProfiles(ctx)).To(BeEmpty())
				Expect(engine.FrameCount()).To(BeZero())
			})
		})

		Context("when the daemon restarts", func() {
			It("should reload persisted profiles and push them to the engine once", func() {
				_, err := running.client.PushProfile(ctx, "p1", []byte(preset))
				Expect(err).NotTo(HaveOccurred())
				Expect(running.client.UpdateWhitelist(ctx, "com.example.voice", true)).To(Succeed())
				running.flush()
				running.stop()

				before := engine.FrameCount()
				running = startStack(tmpDir, engine)
				running.flush()

				Expect(running.client.ListProfiles(ctx)).To(Equal([]string{"p1"}))
				Expect(running.client.Whitelist(ctx)).To(Equal(map[string]bool{"com.example.voice": true}))
				Expect(engine.FrameCount()).To(Equal(before + 1))
			})
		})
	})

	Describe("telemetry", func() {
		Context("when the region is valid", func() {
			It("should serve the snapshot with warnings", func() {
				Expect(engine.WriteTelemetry(5)).To(Succeed())

				data, err := running.client.TelemetrySnapshot(ctx)
				Expect(err).NotTo(HaveOccurred())

				var snapshot map[string]any
				Expect(json.Unmarshal(data, &snapshot)).To(Succeed())
				Expect(snapshot["totalCallbacks"]).To(BeNumerically("==", 5))
				Expect(snapshot["warnings"]).To(ConsistOf("Latency exceeded guard threshold"))
			})
		})

		Context("when the region magic is corrupt", func() {
			It("should report no data", func() {
				Expect(engine.CorruptTelemetry()).To(Succeed())

				data, err := running.client.TelemetrySnapshot(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(data).To(MatchJSON(`{}`))
			})
		})

		Context("when exporting", func() {
			BeforeEach(func() {
				Expect(engine.WriteTelemetry(3)).To(Succeed())
			})

			It("should return {} while opted out", func() {
				data, err := running.client.ExportTelemetry(ctx, true)
				Expect(err).NotTo(HaveOccurred())
				Expect(data).To(MatchJSON(`{}`))
			})

			It("should export relative offsets once opted in", func() {
				enabled, err := running.client.SetTelemetryOptIn(ctx, true)
				Expect(err).NotTo(HaveOccurred())
				Expect(enabled).To(BeTrue())

				data, err := running.client.ExportTelemetry(ctx, true)
				Expect(err).NotTo(HaveOccurred())

				var export struct {
					Samples []struct {
						OffsetNanos int64 `json:"offsetNs"`
					} `json:"samples"`
				}
				Expect(json.Unmarshal(data, &export)).To(Succeed())
				Expect(export.Samples).To(HaveLen(3))
				Expect(export.Samples[0].OffsetNanos).To(BeZero())
				Expect(export.Samples[2].OffsetNanos).To(Equal(int64(2 * time.Millisecond)))
				Expect(string(data)).NotTo(ContainSubstring("libaudioflinger.so"))
			})
		})

		Context("when a client watches the stream", func() {
			It("should receive periodic snapshots", func() {
				Expect(engine.WriteTelemetry(2)).To(Succeed())

				watchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				frames := 0
				err := running.client.WatchTelemetry(watchCtx, func(payload []byte) bool {
					frames++
					return frames < 3
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(frames).To(Equal(3))
			})
		})
	})

	Describe("module management", func() {
		It("should record a missing archive as the last error", func() {
			accepted, err := running.client.InstallModule(ctx, "  ")
			Expect(err).NotTo(HaveOccurred())
			Expect(accepted).To(BeTrue())

			Eventually(func() string {
				status, err := running.client.ModuleStatus(ctx)
				if err != nil {
					return ""
				}
				return status.LastError
			}, 5*time.Second, 20*time.Millisecond).Should(Equal("module archive missing"))
		})

		It("should report no SELinux and journal the privileged commands", func() {
			accepted, err := running.client.RefreshStatus(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(accepted).To(BeTrue())

			Eventually(func() []domain.JournalEntry {
				entries, _ := running.client.History(ctx, 50)
				return entries
			}, 5*time.Second, 20*time.Millisecond).ShouldNot(BeEmpty())

			status, err := running.client.ModuleStatus(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(status.SelinuxState).To(Equal(domain.SelinuxNone))
			Expect(status.ModuleInstalled).To(BeFalse())
		})
	})
})
