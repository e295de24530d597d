package handshake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/swiftpay/internal/frame"
	"github.com/congo-pay/swiftpay/internal/transport"
)

// scripted replays queued frames on ReadFrame and records writes.
type scripted struct {
	reads    chan []byte
	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	readErr  error
}

func newScripted(frames ...string) *scripted {
	s := &scripted{reads: make(chan []byte, len(frames)+1)}
	for _, f := range frames {
		s.reads <- []byte(f)
	}
	return s
}

func (s *scripted) ReadFrame(ctx context.Context) ([]byte, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	select {
	case f := <-s.reads:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *scripted) WriteFrame(_ context.Context, f []byte) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, f)
	return nil
}

func (s *scripted) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

func encode(t *testing.T, f frame.Fields) string {
	t.Helper()
	b, err := frame.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return string(b)
}

func states(ts []Transition) []State {
	out := make([]State, 0, len(ts)+1)
	for i, tr := range ts {
		if i == 0 {
			out = append(out, tr.From)
		}
		out = append(out, tr.To)
	}
	return out
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestHandshakeAgreesOverPipe(t *testing.T) {
	senderEnd, receiverEnd := transport.NewPipe()
	defer senderEnd.Close()

	sender := New(senderEnd, Params{Role: RoleSender, LocalID: "wallet-s", PeerHint: "wallet-r", Amount: decimal.NewFromInt(50), Currency: "XAF", Deadline: time.Second})
	receiver := New(receiverEnd, Params{Role: RoleReceiver, LocalID: "wallet-r", Currency: "XAF", Deadline: time.Second})

	var wg sync.WaitGroup
	var recvRes Result
	var recvErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		recvRes, recvErr = receiver.Run(context.Background())
	}()

	sendRes, sendErr := sender.Run(context.Background())
	wg.Wait()

	if sendErr != nil || recvErr != nil {
		t.Fatalf("expected agreement, got sender=%v receiver=%v", sendErr, recvErr)
	}
	if !sendRes.Agreed() || !recvRes.Agreed() {
		t.Fatalf("expected agreed states, got %s and %s", sendRes.State, recvRes.State)
	}
	if sendRes.AttemptID == "" || sendRes.AttemptID != recvRes.AttemptID {
		t.Fatalf("attempt ids differ: %q vs %q", sendRes.AttemptID, recvRes.AttemptID)
	}
	if sendRes.PeerID != "wallet-r" || recvRes.PeerID != "wallet-s" {
		t.Fatalf("unexpected peers %q %q", sendRes.PeerID, recvRes.PeerID)
	}

	wantSender := []State{StateIdle, StateAwaitingPeer, StatePeerDiscovered, StateAgreed}
	if got := states(sender.Transitions()); !equalStates(got, wantSender) {
		t.Fatalf("sender transitions %v, want %v", got, wantSender)
	}
	wantReceiver := []State{StateIdle, StateAwaitingPeer, StatePeerDiscovered, StateAwaitingAck, StateAgreed}
	if got := states(receiver.Transitions()); !equalStates(got, wantReceiver) {
		t.Fatalf("receiver transitions %v, want %v", got, wantReceiver)
	}

	if _, err := sender.Run(context.Background()); !errors.Is(err, ErrReused) {
		t.Fatalf("expected reuse error, got %v", err)
	}
	if sender.State() != StateAgreed {
		t.Fatalf("terminal state changed to %s", sender.State())
	}
}

func TestReceiverIgnoresMalformedFramesUntilTimeout(t *testing.T) {
	adapter := newScripted(
		`not json`,
		`{"amount":{"nested":1}}`,
		`{"userId":"wallet-s"}`,
		`{"amount":"-10","userId":"wallet-s"}`,
		`[1,2,3]`,
	)
	m := New(adapter, Params{Role: RoleReceiver, LocalID: "wallet-r", Deadline: 60 * time.Millisecond})

	res, err := m.Run(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if res.State != StateTimedOut {
		t.Fatalf("expected timed out state, got %s", res.State)
	}
	if res.Ignored != 5 {
		t.Fatalf("expected 5 ignored frames, got %d", res.Ignored)
	}
	want := []State{StateIdle, StateAwaitingPeer, StateTimedOut}
	if got := states(m.Transitions()); !equalStates(got, want) {
		t.Fatalf("transitions %v, want %v", got, want)
	}
	if len(adapter.written()) != 0 {
		t.Fatal("receiver must not ack without a valid offer")
	}
}

func TestReceiverIgnoresOversizedOffers(t *testing.T) {
	senderEnd, receiverEnd := transport.NewPipe()
	defer senderEnd.Close()

	m := New(receiverEnd, Params{Role: RoleReceiver, LocalID: "wallet-r", Deadline: 300 * time.Millisecond})
	done := make(chan struct{})
	var (
		res Result
		err error
	)
	go func() {
		defer close(done)
		res, err = m.Run(context.Background())
	}()

	for _, f := range []string{
		`{"userId":"wallet-s","amount":"1e99999999","currency":"XAF","ts":1}`,
		`{"userId":"wallet-s","amount":"1e18","currency":"XAF","ts":2}`,
		`{"userId":"wallet-s","amount":"1e-99999999","currency":"XAF","ts":3}`,
	} {
		if werr := senderEnd.WriteFrame(context.Background(), []byte(f)); werr != nil {
			t.Fatalf("write: %v", werr)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("receiver still running after its deadline; state=%s", m.State())
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if res.Ignored != 3 {
		t.Fatalf("expected 3 ignored frames, got %d", res.Ignored)
	}
}

func TestSenderTimesOutWithoutAck(t *testing.T) {
	senderEnd, peerEnd := transport.NewPipe()
	defer senderEnd.Close()

	sender := New(senderEnd, Params{Role: RoleSender, LocalID: "wallet-s", Amount: decimal.NewFromInt(50), Currency: "XAF", Deadline: 80 * time.Millisecond})

	offerCh := make(chan []byte, 1)
	go func() {
		f, err := peerEnd.ReadFrame(context.Background())
		if err == nil {
			offerCh <- f
		}
	}()

	res, err := sender.Run(context.Background())
	if !errors.Is(err, ErrTimeout) || res.State != StateTimedOut {
		t.Fatalf("expected timeout, got %s %v", res.State, err)
	}
	if res.AttemptID != "" {
		t.Fatal("timed out session must not carry an attempt id")
	}

	select {
	case f := <-offerCh:
		fields, err := frame.Decode(f)
		if err != nil {
			t.Fatalf("decode offer: %v", err)
		}
		offer, err := frame.ParseOffer(fields)
		if err != nil {
			t.Fatalf("parse offer: %v", err)
		}
		if !offer.Amount.Equal(decimal.NewFromInt(50)) || offer.Currency != "XAF" || offer.TS == 0 {
			t.Fatalf("unexpected offer %+v", offer)
		}
	case <-time.After(time.Second):
		t.Fatal("offer never presented")
	}
}

func TestSenderIgnoresMismatchedAck(t *testing.T) {
	adapter := newScripted(
		`{"ack":false}`,
		`{"ack":true,"ts":1}`,
		`{"ack":true,"amount":"49.00"}`,
		`{"ack":true,"userId":"someone-else"}`,
		`{"ack":true,"userId":"wallet-r"}`,
	)
	m := New(adapter, Params{Role: RoleSender, LocalID: "wallet-s", PeerHint: "wallet-r", Amount: decimal.NewFromInt(50), Currency: "XAF", Deadline: time.Second})

	res, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("expected agreement, got %v", err)
	}
	if res.Ignored != 4 {
		t.Fatalf("expected 4 ignored frames, got %d", res.Ignored)
	}
	if len(adapter.written()) != 1 {
		t.Fatalf("expected exactly one offer presented, got %d", len(adapter.written()))
	}
}

func TestSenderNeverAgreesOnMalformedAck(t *testing.T) {
	adapter := newScripted(`{"ack":"yes"}`, `garbage`, `{"amount":"50.00"}`)
	m := New(adapter, Params{Role: RoleSender, LocalID: "wallet-s", Amount: decimal.NewFromInt(50), Deadline: 50 * time.Millisecond})

	res, err := m.Run(context.Background())
	if !errors.Is(err, ErrTimeout) || res.Agreed() {
		t.Fatalf("expected timeout, got %s %v", res.State, err)
	}
}

func TestReceiverAcceptsFirstOfferOnly(t *testing.T) {
	first := encode(t, frame.Offer{UserID: "wallet-a", Amount: decimal.NewFromInt(10), Currency: "XAF", TS: 1}.Fields())
	second := encode(t, frame.Offer{UserID: "wallet-b", Amount: decimal.NewFromInt(20), Currency: "XAF", TS: 2}.Fields())
	adapter := newScripted(first, second)

	m := New(adapter, Params{Role: RoleReceiver, LocalID: "wallet-r", Deadline: time.Second})
	res, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.PeerID != "wallet-a" || !res.Offer.Amount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected first offer, got %+v", res.Offer)
	}
	if len(adapter.reads) != 1 {
		t.Fatalf("second offer should remain unread, %d left", len(adapter.reads))
	}

	writes := adapter.written()
	if len(writes) != 1 {
		t.Fatalf("expected one ack, got %d", len(writes))
	}
	fields, err := frame.Decode(writes[0])
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	ack, err := frame.ParseAck(fields)
	if err != nil {
		t.Fatalf("parse ack: %v", err)
	}
	if ack.TS != 1 || ack.UserID != "wallet-r" {
		t.Fatalf("ack must echo the accepted offer, got %+v", ack)
	}
}

func TestReceiverFiltersOffers(t *testing.T) {
	stranger := encode(t, frame.Offer{UserID: "wallet-x", Amount: decimal.NewFromInt(10), TS: 1}.Fields())
	tooMuch := encode(t, frame.Offer{UserID: "wallet-s", Amount: decimal.NewFromInt(900), TS: 2}.Fields())
	otherCurrency := encode(t, frame.Offer{UserID: "wallet-s", Amount: decimal.NewFromInt(10), Currency: "EUR", TS: 3}.Fields())
	good := encode(t, frame.Offer{UserID: "wallet-s", Amount: decimal.NewFromInt(10), Currency: "XAF", TS: 4}.Fields())
	adapter := newScripted(stranger, tooMuch, otherCurrency, good)

	m := New(adapter, Params{
		Role:      RoleReceiver,
		LocalID:   "wallet-r",
		PeerHint:  "wallet-s",
		Currency:  "XAF",
		MaxAmount: decimal.NewFromInt(100),
		Deadline:  time.Second,
	})
	res, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Offer.TS != 4 || res.Ignored != 3 {
		t.Fatalf("expected offer 4 after 3 ignored, got ts=%d ignored=%d", res.Offer.TS, res.Ignored)
	}
}

func TestCancelAborts(t *testing.T) {
	adapter := newScripted()
	m := New(adapter, Params{Role: RoleReceiver, LocalID: "wallet-r", Deadline: time.Second})

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Cancel()
	}()

	res, err := m.Run(context.Background())
	if !errors.Is(err, ErrAborted) || res.State != StateAborted {
		t.Fatalf("expected aborted, got %s %v", res.State, err)
	}
}

func TestCancelBeforeRun(t *testing.T) {
	m := New(newScripted(), Params{Role: RoleReceiver, LocalID: "wallet-r", Deadline: time.Second})
	m.Cancel()
	res, err := m.Run(context.Background())
	if !errors.Is(err, ErrAborted) || res.State != StateAborted {
		t.Fatalf("expected aborted, got %s %v", res.State, err)
	}
}

func TestParentContextCancelAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := New(newScripted(), Params{Role: RoleReceiver, LocalID: "wallet-r", Deadline: time.Second})
	time.AfterFunc(10*time.Millisecond, cancel)

	res, err := m.Run(ctx)
	if !errors.Is(err, ErrAborted) || res.State != StateAborted {
		t.Fatalf("expected aborted, got %s %v", res.State, err)
	}
}

func TestTransportFailureAborts(t *testing.T) {
	adapter := newScripted()
	adapter.writeErr = transport.ErrUnavailable
	m := New(adapter, Params{Role: RoleSender, LocalID: "wallet-s", Amount: decimal.NewFromInt(5), Deadline: time.Second})

	res, err := m.Run(context.Background())
	if res.State != StateAborted {
		t.Fatalf("expected aborted, got %s", res.State)
	}
	if !errors.Is(err, ErrAborted) || !errors.Is(err, transport.ErrUnavailable) {
		t.Fatalf("expected aborted transport error, got %v", err)
	}
}

func TestInvalidParams(t *testing.T) {
	cases := []Params{
		{Role: RoleSender, LocalID: "wallet-s"},
		{Role: RoleSender, LocalID: "wallet-s", Amount: decimal.RequireFromString("0.001")},
		{Role: "observer", LocalID: "wallet-s"},
		{Role: RoleReceiver},
	}
	for _, p := range cases {
		m := New(newScripted(), p)
		res, err := m.Run(context.Background())
		if !errors.Is(err, ErrInvalidParams) || res.State != StateAborted {
			t.Fatalf("params %+v: expected invalid params abort, got %s %v", p, res.State, err)
		}
	}
}
