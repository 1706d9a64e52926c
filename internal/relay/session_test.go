package relay_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ripplecast/internal/engine"
	"ripplecast/internal/journal"
	"ripplecast/internal/models"
	"ripplecast/internal/relay"
	"ripplecast/internal/testsupport/enginestub"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drainConsumer(consumer *relay.Consumer) []byte {
	var out []byte
	for {
		select {
		case chunk := <-consumer.Chunks():
			out = append(out, chunk...)
			continue
		default:
		}
		return out
	}
}

func TestSessionForwardsToAllLegsInOrder(t *testing.T) {
	t.Parallel()

	eng := engine.New(engine.Config{Binary: enginestub.Echo(t), Logger: quietLogger()})
	sess := relay.NewSession(eng, relay.NewStats(), relay.SessionConfig{
		ID:            "sess-order",
		Source:        engine.SourceSpec{Format: models.FormatRawPCM, SampleRate: 48000, Channels: 2},
		Legs:          []models.LegKind{models.LegDurable, models.LegFanout, models.LegNetwork},
		ArtifactDir:   t.TempDir(),
		NetworkTarget: "127.0.0.1:46000",
		Logger:        quietLogger(),
	})
	if err := sess.Pipe(context.Background()); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	consumer, err := sess.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var sent []byte
	for i := 0; i < 3; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i)}, 1000)
		sess.Ingest(chunk)
		sent = append(sent, chunk...)
	}
	sess.Close(relay.CloseReasonClient)

	record := sess.Record()
	if record.State != models.StateClosed {
		t.Fatalf("state = %s, want %s", record.State, models.StateClosed)
	}
	if record.BytesReceived != 3000 {
		t.Fatalf("bytes received = %d, want 3000", record.BytesReceived)
	}
	if record.ChunksDropped != 0 {
		t.Fatalf("chunks dropped = %d, want 0", record.ChunksDropped)
	}
	for _, kind := range []models.LegKind{models.LegDurable, models.LegFanout, models.LegNetwork} {
		if got := record.BytesForwarded[kind]; got != 3000 {
			t.Fatalf("leg %s forwarded %d bytes, want 3000", kind, got)
		}
	}
	if record.EndedAt == nil {
		t.Fatal("ended timestamp missing")
	}
	if record.CloseReason != relay.CloseReasonClient {
		t.Fatalf("close reason = %q, want %q", record.CloseReason, relay.CloseReasonClient)
	}

	select {
	case <-consumer.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("consumer done never fired after close")
	}
	if echoed := drainConsumer(consumer); !bytes.Equal(echoed, sent) {
		t.Fatalf("fanout delivered %d bytes, want %d in send order", len(echoed), len(sent))
	}
}

func TestSessionLegSpawnFailureIsolation(t *testing.T) {
	t.Parallel()

	eng := engine.New(engine.Config{Binary: enginestub.Echo(t), Logger: quietLogger()})
	var downKind models.LegKind
	var downErr error
	sess := relay.NewSession(eng, relay.NewStats(), relay.SessionConfig{
		ID:          "sess-isolated",
		Source:      engine.SourceSpec{Format: models.FormatContainerOgg},
		Legs:        []models.LegKind{models.LegDurable, models.LegFanout, models.LegNetwork},
		ArtifactDir: t.TempDir(),
		// No network target: the live-network leg cannot be spawned.
		OnLegDown: func(kind models.LegKind, err error) { downKind, downErr = kind, err },
		Logger:    quietLogger(),
	})
	if err := sess.Pipe(context.Background()); err != nil {
		t.Fatalf("pipe should survive one failed leg: %v", err)
	}
	if downKind != models.LegNetwork || downErr == nil {
		t.Fatalf("expected network spawn failure, got kind=%s err=%v", downKind, downErr)
	}

	for i := 0; i < 3; i++ {
		sess.Ingest(bytes.Repeat([]byte{0x42}, 500))
	}
	sess.Close(relay.CloseReasonClient)

	record := sess.Record()
	if got := record.BytesForwarded[models.LegDurable]; got != 1500 {
		t.Fatalf("durable forwarded %d bytes, want 1500", got)
	}
	if got := record.BytesForwarded[models.LegFanout]; got != 1500 {
		t.Fatalf("fanout forwarded %d bytes, want 1500", got)
	}
	if _, ok := record.BytesForwarded[models.LegNetwork]; ok {
		t.Fatal("failed leg must not report forwarded bytes")
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	eng := engine.New(engine.Config{Binary: enginestub.Sink(t), Logger: quietLogger()})
	var closedCount int32
	sess := relay.NewSession(eng, relay.NewStats(), relay.SessionConfig{
		ID:          "sess-twice",
		Source:      engine.SourceSpec{Format: models.FormatContainerOgg},
		Legs:        []models.LegKind{models.LegDurable, models.LegFanout},
		ArtifactDir: t.TempDir(),
		OnClosed:    func(models.SessionRecord) { atomic.AddInt32(&closedCount, 1) },
		Logger:      quietLogger(),
	})
	if err := sess.Pipe(context.Background()); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	sess.Ingest([]byte("audio"))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.Close(relay.CloseReasonClient)
		}()
	}
	wg.Wait()
	sess.Close(relay.CloseReasonLegExit)

	if n := atomic.LoadInt32(&closedCount); n != 1 {
		t.Fatalf("onClosed fired %d times, want 1", n)
	}
	record := sess.Record()
	if record.State != models.StateClosed {
		t.Fatalf("state = %s, want %s", record.State, models.StateClosed)
	}
	if record.CloseReason != relay.CloseReasonClient {
		t.Fatalf("close reason = %q, later close must not overwrite it", record.CloseReason)
	}
}

func TestSessionDropsOversizedChunk(t *testing.T) {
	t.Parallel()

	eng := engine.New(engine.Config{Binary: enginestub.Echo(t), Logger: quietLogger()})
	sess := relay.NewSession(eng, relay.NewStats(), relay.SessionConfig{
		ID:            "sess-cap",
		Source:        engine.SourceSpec{Format: models.FormatContainerOgg},
		Legs:          []models.LegKind{models.LegFanout},
		MaxChunkBytes: 1024,
		Logger:        quietLogger(),
	})
	if err := sess.Pipe(context.Background()); err != nil {
		t.Fatalf("pipe: %v", err)
	}

	sess.Ingest(make([]byte, 4096))
	sess.Ingest([]byte("small"))
	sess.Close(relay.CloseReasonClient)

	record := sess.Record()
	if record.ChunksDropped != 1 {
		t.Fatalf("chunks dropped = %d, want 1", record.ChunksDropped)
	}
	if record.BytesReceived != 5 {
		t.Fatalf("bytes received = %d, want 5", record.BytesReceived)
	}
	if got := record.BytesForwarded[models.LegFanout]; got != 5 {
		t.Fatalf("fanout forwarded %d bytes, want 5", got)
	}
}

func TestSessionNormalizesWebMSource(t *testing.T) {
	t.Parallel()

	artifactDir := t.TempDir()
	eng := engine.New(engine.Config{Binary: enginestub.Capture(t), Logger: quietLogger()})
	sess := relay.NewSession(eng, relay.NewStats(), relay.SessionConfig{
		ID:          "sess-webm",
		Source:      engine.SourceSpec{Format: models.FormatContainerWebM},
		Legs:        []models.LegKind{models.LegDurable},
		ArtifactDir: artifactDir,
		Logger:      quietLogger(),
	})
	if err := sess.Pipe(context.Background()); err != nil {
		t.Fatalf("pipe: %v", err)
	}

	first := append(append([]byte{}, ebmlHeader...), 0x20, 0x21, 0x22, 0x23)
	repeated := append(append([]byte{}, ebmlHeader...), []byte("hdr")...)
	segment := append(append([]byte{}, clusterMarker...), bytes.Repeat([]byte{0xEE}, 100)...)
	sess.Ingest(first)
	sess.Ingest(repeated)
	sess.Ingest(segment)
	sess.Close(relay.CloseReasonClient)

	data, err := os.ReadFile(sess.ArtifactPath())
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	want := append(append([]byte{}, first...), segment...)
	if !bytes.Equal(data, want) {
		t.Fatalf("artifact = %x, want first chunk + re-aligned segment", data)
	}

	record := sess.Record()
	wantReceived := uint64(len(first) + len(repeated) + len(segment))
	if record.BytesReceived != wantReceived {
		t.Fatalf("bytes received = %d, want %d", record.BytesReceived, wantReceived)
	}
	if got := record.BytesForwarded[models.LegDurable]; got != uint64(len(want)) {
		t.Fatalf("durable forwarded %d bytes, want %d", got, len(want))
	}
}

func TestManagerSessionLifecycle(t *testing.T) {
	t.Parallel()

	queue := journal.NewMemoryQueue(16)
	sub := queue.Subscribe()
	defer sub.Close()

	eng := engine.New(engine.Config{Binary: enginestub.Echo(t), Logger: quietLogger()})
	mgr := relay.NewManager(eng, relay.NewStats(), queue, relay.ManagerConfig{
		ArtifactDir: t.TempDir(),
		MaxSessions: 1,
		DefaultLegs: []models.LegKind{models.LegDurable},
	}, quietLogger())

	sess, err := mgr.StartSession(context.Background(), relay.StartRequest{
		Source: engine.SourceSpec{Format: models.FormatContainerOgg},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got, ok := mgr.Get(sess.ID()); !ok || got != sess {
		t.Fatal("session not registered under its id")
	}
	if mgr.ActiveCount() != 1 {
		t.Fatalf("active = %d, want 1", mgr.ActiveCount())
	}

	_, err = mgr.StartSession(context.Background(), relay.StartRequest{
		Source: engine.SourceSpec{Format: models.FormatContainerOgg},
	})
	if !errors.Is(err, relay.ErrSessionLimit) {
		t.Fatalf("second start: %v, want ErrSessionLimit", err)
	}

	sess.Ingest([]byte("hello"))
	if err := mgr.CloseSession(sess.ID(), relay.CloseReasonAdmin); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := mgr.Get(sess.ID()); ok {
		t.Fatal("closed session still registered")
	}
	if err := mgr.CloseSession(sess.ID(), relay.CloseReasonAdmin); !errors.Is(err, relay.ErrSessionNotFound) {
		t.Fatalf("close of finished session: %v, want ErrSessionNotFound", err)
	}

	wantTypes := []journal.EventType{
		journal.EventSessionAdmitted,
		journal.EventSessionPiped,
		journal.EventSessionClosed,
	}
	for _, want := range wantTypes {
		select {
		case event := <-sub.Events():
			if event.Type != want {
				t.Fatalf("journal event = %s, want %s", event.Type, want)
			}
			if event.SessionID != sess.ID() {
				t.Fatalf("journal event session = %s, want %s", event.SessionID, sess.ID())
			}
			if want == journal.EventSessionClosed {
				if event.Record == nil || event.Record.State != models.StateClosed {
					t.Fatal("closed event must carry the final record")
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("journal event %s never arrived", want)
		}
	}

	mgr.Shutdown(relay.CloseReasonShutdown)
	_, err = mgr.StartSession(context.Background(), relay.StartRequest{
		Source: engine.SourceSpec{Format: models.FormatContainerOgg},
	})
	if !errors.Is(err, relay.ErrManagerClosed) {
		t.Fatalf("start after shutdown: %v, want ErrManagerClosed", err)
	}
}

func TestManagerValidatesStartRequests(t *testing.T) {
	t.Parallel()

	eng := engine.New(engine.Config{Binary: enginestub.Echo(t), Logger: quietLogger()})
	mgr := relay.NewManager(eng, relay.NewStats(), nil, relay.ManagerConfig{
		ArtifactDir: t.TempDir(),
	}, quietLogger())

	if _, err := mgr.StartSession(context.Background(), relay.StartRequest{
		Source: engine.SourceSpec{Format: models.FormatContainerOgg},
		Legs:   []models.LegKind{models.LegNetwork},
	}); err == nil {
		t.Fatal("network leg without a target must be rejected")
	}

	if _, err := mgr.StartSession(context.Background(), relay.StartRequest{
		Source: engine.SourceSpec{Format: models.FormatRawPCM},
		Legs:   []models.LegKind{models.LegDurable},
	}); err == nil {
		t.Fatal("raw pcm without sample parameters must be rejected")
	}

	if _, err := mgr.StartSession(context.Background(), relay.StartRequest{
		Source: engine.SourceSpec{Format: models.FormatContainerOgg},
	}); err == nil {
		t.Fatal("start without legs and without defaults must be rejected")
	}
}

func TestSessionSDP(t *testing.T) {
	t.Parallel()

	eng := engine.New(engine.Config{Logger: quietLogger()})
	withNet := relay.NewSession(eng, relay.NewStats(), relay.SessionConfig{
		ID:            "sess-sdp",
		Source:        engine.SourceSpec{Format: models.FormatContainerOgg},
		Legs:          []models.LegKind{models.LegNetwork},
		NetworkTarget: "192.0.2.10:5004",
		Logger:        quietLogger(),
	})
	sdp, err := withNet.SDP()
	if err != nil {
		t.Fatalf("sdp: %v", err)
	}
	for _, want := range []string{
		"m=audio 5004 RTP/AVP 111",
		"c=IN IP4 192.0.2.10",
		"a=rtpmap:111 opus/48000/2",
		"s=ripplecast sess-sdp",
	} {
		if !bytes.Contains([]byte(sdp), []byte(want)) {
			t.Fatalf("sdp missing %q:\n%s", want, sdp)
		}
	}

	withoutNet := relay.NewSession(eng, relay.NewStats(), relay.SessionConfig{
		ID:          "sess-nosdp",
		Source:      engine.SourceSpec{Format: models.FormatContainerOgg},
		Legs:        []models.LegKind{models.LegDurable},
		ArtifactDir: t.TempDir(),
		Logger:      quietLogger(),
	})
	if _, err := withoutNet.SDP(); !errors.Is(err, relay.ErrNoNetworkLeg) {
		t.Fatalf("sdp without network leg: %v, want ErrNoNetworkLeg", err)
	}
}
