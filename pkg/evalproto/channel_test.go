package evalproto

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/elves/evald/pkg/testutil"
)

type fakeHandler struct {
	mu       sync.Mutex
	active   atomic.Int32
	overlaps atomic.Int32
	delay    time.Duration
	block    chan struct{}
	wrongID  bool
	both     bool
	envPath  string
}

func (h *fakeHandler) Eval(req EvalRequest) *EvalResult {
	if h.active.Add(1) > 1 {
		h.overlaps.Add(1)
	}
	defer h.active.Add(-1)
	if h.block != nil {
		<-h.block
	}
	time.Sleep(h.delay)
	res := &EvalResult{ID: req.ID, Stdout: "out:" + req.Code}
	if h.wrongID {
		res.ID = "other"
	}
	if req.Code == "fail" {
		res.Error = &EvalError{Kind: "fail", Message: "boom", Trace: []string{"[eval]:1:1"}}
		if h.both {
			res.Values = []Value{{"x", "string"}}
		}
	} else {
		res.Values = []Value{{Repr: "'" + req.Code + "'", Kind: "string"}}
	}
	return res
}

func (h *fakeHandler) Activate(path string) error {
	if path == "/bad" {
		return errors.New("no such environment")
	}
	h.mu.Lock()
	h.envPath = path
	h.mu.Unlock()
	return nil
}

func (h *fakeHandler) Info() *InfoResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &InfoResult{Pid: 42, EnvPath: h.envPath, Bindings: []string{"x"}}
}

// Sets up a Channel connected to Serve running h, and waits for the ready
// notification. The returned function stops the server side.
func setup(t *testing.T, h Handler) (*Channel, func()) {
	t.Helper()
	reqR, reqW := mustPipe(t)
	respR, respW := mustPipe(t)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		Serve(ctx, reqR, respW, h, ReadyInfo{Pid: 42, RuntimeVersion: "v-test"})
		close(served)
	}()
	ch := NewChannel(respR, reqW)
	t.Cleanup(func() { ch.Close() })

	select {
	case info := <-ch.Ready():
		if info.Pid != 42 || info.RuntimeVersion != "v-test" {
			t.Errorf("ready info %+v", info)
		}
	case <-time.After(testutil.Scaled(5 * time.Second)):
		t.Fatal("timed out waiting for ready notification")
	}
	return ch, func() {
		cancel()
		<-served
	}
}

func mustPipe(t *testing.T) (*os.File, *os.File) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	return r, w
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testutil.Scaled(5 * time.Second))
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEvaluate(t *testing.T) {
	ch, _ := setup(t, &fakeHandler{})

	res, err := ch.Evaluate(context.Background(), EvalRequest{ID: "1", Code: "foo"})
	if err != nil {
		t.Fatal(err)
	}
	want := &EvalResult{ID: "1", Stdout: "out:foo",
		Values: []Value{{Repr: "'foo'", Kind: "string"}}}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("result (-want +got):\n%s", diff)
	}

	res, err = ch.Evaluate(context.Background(), EvalRequest{ID: "2", Code: "fail"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Message != "boom" || res.HasValue() {
		t.Errorf("got %+v, want error result without values", res)
	}
	if res.Stdout != "out:fail" {
		t.Errorf("partial output %q lost", res.Stdout)
	}
}

func TestEvaluate_Malformed(t *testing.T) {
	ch, _ := setup(t, &fakeHandler{wrongID: true})
	_, err := ch.Evaluate(context.Background(), EvalRequest{ID: "1", Code: "foo"})
	if !IsChannelError(err, Malformed) {
		t.Errorf("got %v, want malformed response error", err)
	}

	ch, _ = setup(t, &fakeHandler{both: true})
	_, err = ch.Evaluate(context.Background(), EvalRequest{ID: "1", Code: "fail"})
	if !IsChannelError(err, Malformed) {
		t.Errorf("got %v, want malformed response error", err)
	}
}

func TestEvaluate_Timeout(t *testing.T) {
	h := &fakeHandler{block: make(chan struct{})}
	defer close(h.block)
	ch, _ := setup(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), testutil.Scaled(50*time.Millisecond))
	defer cancel()
	_, err := ch.Evaluate(ctx, EvalRequest{ID: "1", Code: "foo"})
	if !IsChannelError(err, Timeout) {
		t.Fatalf("got %v, want timeout error", err)
	}
	if !ch.Broken() {
		t.Errorf("Broken() = false after timeout")
	}
	_, err = ch.Evaluate(context.Background(), EvalRequest{ID: "2", Code: "foo"})
	if !IsChannelError(err, DeadWorker) {
		t.Errorf("got %v after timeout, want dead worker error", err)
	}
}

func TestEvaluate_Canceled(t *testing.T) {
	h := &fakeHandler{block: make(chan struct{})}
	ch, _ := setup(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(testutil.Scaled(50*time.Millisecond), cancel)
	_, err := ch.Evaluate(ctx, EvalRequest{ID: "1", Code: "foo"})
	if !IsChannelError(err, Canceled) {
		t.Fatalf("got %v, want canceled error", err)
	}
	if ch.Broken() {
		t.Errorf("Broken() = true after cancellation")
	}
	close(h.block)
	res, err := ch.Evaluate(context.Background(), EvalRequest{ID: "2", Code: "bar"})
	if err != nil || res.Stdout != "out:bar" {
		t.Errorf("Evaluate after cancellation -> (%+v, %v)", res, err)
	}
}

func TestEvaluate_BusyWaitingForTurn(t *testing.T) {
	h := &fakeHandler{block: make(chan struct{})}
	ch, _ := setup(t, h)

	first := make(chan error, 1)
	go func() {
		_, err := ch.Evaluate(context.Background(), EvalRequest{ID: "1", Code: "slow"})
		first <- err
	}()
	waitFor(t, func() bool { return h.active.Load() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), testutil.Scaled(50*time.Millisecond))
	defer cancel()
	_, err := ch.Evaluate(ctx, EvalRequest{ID: "2", Code: "quick"})
	if !IsChannelError(err, Busy) {
		t.Errorf("got %v, want busy error", err)
	}
	if ch.Broken() {
		t.Errorf("Broken() = true after waiting for turn")
	}

	close(h.block)
	if err := <-first; err != nil {
		t.Errorf("request in flight failed: %v", err)
	}
}

func TestEvaluate_DeadWorker(t *testing.T) {
	ch, stop := setup(t, &fakeHandler{})
	stop()
	select {
	case <-ch.Done():
	case <-time.After(testutil.Scaled(5 * time.Second)):
		t.Fatal("channel not closed after server stopped")
	}
	_, err := ch.Evaluate(context.Background(), EvalRequest{ID: "1", Code: "foo"})
	if !IsChannelError(err, DeadWorker) {
		t.Errorf("got %v, want dead worker error", err)
	}
}

func TestEvaluate_Serialized(t *testing.T) {
	h := &fakeHandler{delay: 20 * time.Millisecond}
	ch, _ := setup(t, h)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			res, err := ch.Evaluate(context.Background(), EvalRequest{ID: id, Code: id})
			if err != nil || res.Stdout != "out:"+id {
				t.Errorf("Evaluate(%s) -> (%+v, %v)", id, res, err)
			}
		}(i)
	}
	wg.Wait()
	if n := h.overlaps.Load(); n != 0 {
		t.Errorf("%d overlapping evaluations", n)
	}
}

func TestActivateAndInfo(t *testing.T) {
	ch, _ := setup(t, &fakeHandler{})

	if err := ch.Activate(context.Background(), "/env"); err != nil {
		t.Fatal(err)
	}
	info, err := ch.Info(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.EnvPath != "/env" || info.Pid != 42 {
		t.Errorf("info %+v, want env /env and pid 42", info)
	}

	err = ch.Activate(context.Background(), "/bad")
	var actErr *ActivationError
	if !errors.As(err, &actErr) || actErr.Path != "/bad" {
		t.Errorf("got %v, want *ActivationError for /bad", err)
	}
	if ch.Broken() {
		t.Errorf("activation failure broke the channel")
	}
}
