package hardware

import (
	"context"
	stderrors "errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/plotter-bridge/internal/errors"
	"github.com/wfunc/plotter-bridge/internal/queue"
)

// fakeBoard 模拟EBB控制板
//
// 每次 Write 收到一条命令后排入该命令的应答分片，Read 每次只返回一个分片；
// 空分片或没有待发数据时模拟读超时：默认 (0, io.EOF)，zeroReads 时为 Windows 的 (0, nil)。
// hold 未关闭前应答一直不返回。
type fakeBoard struct {
	mock.Mock
	mu sync.Mutex

	replies  map[string][]string // 按命令定制的应答分片
	pending  []string
	awaiting string
	log      []string

	violations []string
	writeErr   error
	readErr    error
	zeroReads  bool
	hold       chan struct{}
	reads      int
}

func newFakeBoard() *fakeBoard {
	b := &fakeBoard{replies: make(map[string][]string)}
	b.On("Close").Return(nil)
	return b
}

func (b *fakeBoard) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.writeErr != nil {
		return 0, b.writeErr
	}

	cmd := strings.TrimSuffix(string(p), CommandTerminator)
	if b.awaiting != "" {
		b.violations = append(b.violations, "wrote "+cmd+" while "+b.awaiting+" unanswered")
	}
	b.log = append(b.log, "W:"+cmd)

	reply, ok := b.replies[cmd]
	if !ok {
		reply = []string{"\r\n", "OK\r\n"}
	}
	b.pending = append(b.pending, reply...)
	if len(reply) > 0 {
		b.awaiting = cmd
	}
	return len(p), nil
}

func (b *fakeBoard) Read(p []byte) (int, error) {
	b.mu.Lock()
	b.reads++
	if b.readErr != nil {
		b.mu.Unlock()
		return 0, b.readErr
	}
	if b.hold != nil {
		select {
		case <-b.hold:
		default:
			b.mu.Unlock()
			return b.timeout()
		}
	}
	if len(b.pending) == 0 || b.pending[0] == "" {
		if len(b.pending) > 0 {
			b.pending = b.pending[1:]
		}
		b.mu.Unlock()
		return b.timeout()
	}

	chunk := b.pending[0]
	b.pending = b.pending[1:]
	if len(b.pending) == 0 && b.awaiting != "" {
		b.log = append(b.log, "R:"+b.awaiting)
		b.awaiting = ""
	}
	b.mu.Unlock()

	return copy(p, chunk), nil
}

func (b *fakeBoard) timeout() (int, error) {
	time.Sleep(time.Millisecond)
	if b.zeroReads {
		return 0, nil
	}
	return 0, io.EOF
}

func (b *fakeBoard) Reads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reads
}

func (b *fakeBoard) Close() error {
	return b.Called().Error(0)
}

func (b *fakeBoard) Log() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.log...)
}

func (b *fakeBoard) Violations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.violations...)
}

// recorder 收集往返结果
type recorder struct {
	mu        sync.Mutex
	exchanges []*Exchange
}

func (r *recorder) OnExchange(ex *Exchange) {
	r.mu.Lock()
	r.exchanges = append(r.exchanges, ex)
	r.mu.Unlock()
}

func (r *recorder) Responses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.exchanges))
	for i, ex := range r.exchanges {
		out[i] = ex.Response
	}
	return out
}

func (r *recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.exchanges)
}

func commands(batchID string, texts ...string) []queue.Command {
	cmds := make([]queue.Command, len(texts))
	for i, text := range texts {
		cmds[i] = queue.Command{Text: text, BatchID: batchID, Seq: i}
	}
	return cmds
}

func startRelay(t *testing.T, board *fakeBoard, q *queue.CommandQueue, cfg *RelayConfig) (*CommandRelay, *recorder, context.CancelFunc, <-chan error) {
	t.Helper()

	relay := NewCommandRelay(board, q, cfg)
	rec := &recorder{}
	relay.AddObserver(rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- relay.Run(ctx)
	}()
	t.Cleanup(cancel)
	return relay, rec, cancel, done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
		return nil
	}
}

func TestRelayStrictAlternation(t *testing.T) {
	board := newFakeBoard()
	q := queue.NewCommandQueue(0)
	require.NoError(t, q.PushBatch(commands("a", "SP,1", "SM,100,0,10", "SP,0")))

	relay, rec, cancel, done := startRelay(t, board, q, &RelayConfig{Device: "/dev/ttyACM0", MaxReadAttempts: 10})

	assert.Eventually(t, func() bool { return rec.Count() == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, done))

	assert.Equal(t, []string{
		"W:SP,1", "R:SP,1",
		"W:SM,100,0,10", "R:SM,100,0,10",
		"W:SP,0", "R:SP,0",
	}, board.Log())
	assert.Empty(t, board.Violations())
	assert.Equal(t, []string{"OK", "OK", "OK"}, rec.Responses())

	stats := relay.Stats()
	assert.Equal(t, uint64(3), stats.Relayed)
	assert.Equal(t, uint64(0), stats.Failed)
	assert.Equal(t, "SP,0", stats.LastCommand)
	assert.Equal(t, "OK", stats.LastResponse)
	assert.Equal(t, StateStopped, relay.State())
	board.AssertExpectations(t)
}

func TestRelaySequentialBatchesKeepOrder(t *testing.T) {
	board := newFakeBoard()
	q := queue.NewCommandQueue(0)
	_, rec, cancel, done := startRelay(t, board, q, &RelayConfig{MaxReadAttempts: 10})

	require.NoError(t, q.PushBatch(commands("a", "A1", "A2")))
	require.NoError(t, q.PushBatch(commands("b", "B1", "B2", "B3")))

	assert.Eventually(t, func() bool { return rec.Count() == 5 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, done))

	var writes []string
	for _, entry := range board.Log() {
		if strings.HasPrefix(entry, "W:") {
			writes = append(writes, strings.TrimPrefix(entry, "W:"))
		}
	}
	assert.Equal(t, []string{"A1", "A2", "B1", "B2", "B3"}, writes)
	assert.Empty(t, board.Violations())
}

func TestRelayResponseSplitAcrossTimeout(t *testing.T) {
	board := newFakeBoard()
	board.replies["QB"] = []string{"", "\r", "\n", "1", "", "", "\r\n"}
	q := queue.NewCommandQueue(0)
	require.NoError(t, q.Push(queue.Command{Text: "QB"}))

	_, rec, cancel, done := startRelay(t, board, q, &RelayConfig{MaxReadAttempts: 10})

	assert.Eventually(t, func() bool { return rec.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, done))

	rec.mu.Lock()
	ex := rec.exchanges[0]
	rec.mu.Unlock()
	assert.Equal(t, "1", ex.Response)
	assert.NoError(t, ex.Err)
	assert.Equal(t, 3, ex.ReadAttempts)
	assert.Equal(t, len("QB\r"), ex.BytesWritten)
}

func TestRelayDiscardsStaleInput(t *testing.T) {
	board := newFakeBoard()
	board.replies["V"] = []string{"EBBv13_and_above\r\nnoise\r\n"}
	board.replies["QP"] = []string{"0\r\n"}
	q := queue.NewCommandQueue(0)
	require.NoError(t, q.PushBatch(commands("a", "V", "QP")))

	_, rec, cancel, done := startRelay(t, board, q, &RelayConfig{MaxReadAttempts: 10})

	assert.Eventually(t, func() bool { return rec.Count() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, done))

	assert.Equal(t, []string{"EBBv13_and_above", "0"}, rec.Responses())
}

func TestRelayReadTimeoutIsFatal(t *testing.T) {
	board := newFakeBoard()
	board.replies["SM,1000,0,0"] = []string{}
	q := queue.NewCommandQueue(0)
	require.NoError(t, q.PushBatch(commands("a", "SM,1000,0,0", "SP,1")))

	relay, rec, _, done := startRelay(t, board, q, &RelayConfig{MaxReadAttempts: 3})

	err := waitRun(t, done)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSerialTimeout))
	assert.True(t, errors.IsCritical(err))

	// 第二条命令不会被写出
	assert.Equal(t, []string{"W:SM,1000,0,0"}, board.Log())
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, rec.Count())
	assert.Equal(t, uint64(1), relay.Stats().Failed)
	board.AssertExpectations(t)
}

// Windows 上串口超时返回 (0, nil)，每次都只计一次尝试
func TestRelayZeroByteReadCountsAsAttempt(t *testing.T) {
	board := newFakeBoard()
	board.zeroReads = true
	board.replies["SM,1000,0,0"] = []string{}
	q := queue.NewCommandQueue(0)
	require.NoError(t, q.Push(queue.Command{Text: "SM,1000,0,0"}))

	_, rec, _, done := startRelay(t, board, q, &RelayConfig{MaxReadAttempts: 3})

	err := waitRun(t, done)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSerialTimeout))
	assert.Equal(t, 3, board.Reads())

	rec.mu.Lock()
	assert.Equal(t, 3, rec.exchanges[0].ReadAttempts)
	rec.mu.Unlock()
}

func TestRelayZeroByteReadsSplitResponse(t *testing.T) {
	board := newFakeBoard()
	board.zeroReads = true
	board.replies["QB"] = []string{"", "0", "", "\r\n"}
	q := queue.NewCommandQueue(0)
	require.NoError(t, q.Push(queue.Command{Text: "QB"}))

	_, rec, cancel, done := startRelay(t, board, q, &RelayConfig{MaxReadAttempts: 5})

	assert.Eventually(t, func() bool { return rec.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, done))

	rec.mu.Lock()
	ex := rec.exchanges[0]
	rec.mu.Unlock()
	assert.NoError(t, ex.Err)
	assert.Equal(t, "0", ex.Response)
	assert.Equal(t, 2, ex.ReadAttempts)
}

func TestRelayWriteErrorIsFatal(t *testing.T) {
	board := newFakeBoard()
	unplugged := stderrors.New("device unplugged")
	board.writeErr = unplugged
	q := queue.NewCommandQueue(0)
	require.NoError(t, q.Push(queue.Command{Text: "SP,1"}))

	_, rec, _, done := startRelay(t, board, q, &RelayConfig{MaxReadAttempts: 3})

	err := waitRun(t, done)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSerialPortWrite))
	assert.ErrorIs(t, err, unplugged)

	rec.mu.Lock()
	assert.Equal(t, "SP,1", rec.exchanges[0].Command.Text)
	assert.NotEmpty(t, rec.exchanges[0].ErrorMessage())
	rec.mu.Unlock()
	board.AssertExpectations(t)
}

func TestRelayReadErrorIsFatal(t *testing.T) {
	board := newFakeBoard()
	board.readErr = stderrors.New("input/output error")
	q := queue.NewCommandQueue(0)
	require.NoError(t, q.Push(queue.Command{Text: "SP,1"}))

	_, _, _, done := startRelay(t, board, q, &RelayConfig{MaxReadAttempts: 3})

	err := waitRun(t, done)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSerialPortRead))
	assert.Equal(t, []string{"W:SP,1"}, board.Log())
}

func TestRelayCancelWhileIdle(t *testing.T) {
	board := newFakeBoard()
	q := queue.NewCommandQueue(0)
	relay, _, cancel, done := startRelay(t, board, q, nil)

	assert.Eventually(t, func() bool { return relay.State() == StateIdle }, time.Second, time.Millisecond)
	cancel()

	require.NoError(t, waitRun(t, done))
	assert.Equal(t, StateStopped, relay.State())
	assert.Empty(t, board.Log())
	board.AssertExpectations(t)
}

// 取消时正在进行的往返完成，剩余命令留在队列中
func TestRelayCancelFinishesCurrentExchangeOnly(t *testing.T) {
	board := newFakeBoard()
	board.hold = make(chan struct{})
	q := queue.NewCommandQueue(0)
	texts := make([]string, 20)
	for i := range texts {
		texts[i] = "SM,10,1,1"
	}
	require.NoError(t, q.PushBatch(commands("a", texts...)))

	relay, rec, cancel, done := startRelay(t, board, q, nil)

	assert.Eventually(t, func() bool { return relay.State() == StateAwaitingResponse }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"W:SM,10,1,1"}, board.Log())
	cancel()
	close(board.hold)

	require.NoError(t, waitRun(t, done))
	assert.Equal(t, []string{"W:SM,10,1,1", "R:SM,10,1,1"}, board.Log())
	assert.Equal(t, 1, rec.Count())
	assert.Equal(t, uint64(1), relay.Stats().Relayed)
	assert.Equal(t, 19, q.Len())

	// 中继停止后队列拒绝新命令
	err := q.Push(queue.Command{Text: "SP,0"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrQueueClosed))
	board.AssertExpectations(t)
}

func TestRelayStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "writing", StateWriting.String())
	assert.Equal(t, "awaiting_response", StateAwaitingResponse.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", RelayState(42).String())
}

func TestIsReadTimeout(t *testing.T) {
	assert.True(t, isReadTimeout(io.EOF))
	assert.False(t, isReadTimeout(io.ErrNoProgress))
	assert.False(t, isReadTimeout(io.ErrUnexpectedEOF))
	assert.False(t, isReadTimeout(stderrors.New("boom")))
}

func TestTimeoutReader(t *testing.T) {
	buf := make([]byte, 8)

	n, err := timeoutReader{strings.NewReader("")}.Read(buf)
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)

	n, err = timeoutReader{strings.NewReader("OK")}.Read(buf)
	assert.Equal(t, 2, n)
	assert.NoError(t, err)

	board := newFakeBoard()
	board.zeroReads = true
	n, err = timeoutReader{board}.Read(buf)
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}
