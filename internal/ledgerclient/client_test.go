package ledgerclient

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/swiftpay/internal/apierr"
	"github.com/congo-pay/swiftpay/internal/auth"
	"github.com/congo-pay/swiftpay/internal/ledger"
	"github.com/congo-pay/swiftpay/internal/logging"
	"github.com/congo-pay/swiftpay/internal/middleware"
	"github.com/congo-pay/swiftpay/internal/notification"
	"github.com/congo-pay/swiftpay/internal/transactions"
	"github.com/congo-pay/swiftpay/internal/wallet"
)

type server struct {
	url    string
	ledger ledger.Ledger
	gate   *auth.Gate
}

func startServer(t *testing.T) server {
	t.Helper()
	gate, err := auth.NewGate("secret", "swiftpay", time.Minute)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	led := ledger.NewInMemory()
	wallets := wallet.NewService(led, &notification.Recorder{}, logging.Discard())
	h := transactions.NewHandler(transactions.NewService(led, wallets, logging.Discard()))

	app := fiber.New(fiber.Config{ErrorHandler: apierr.Handler, DisableStartupMessage: true})
	api := app.Group("/api", middleware.BearerAuth(gate))
	api.Post("/transfers", h.Transfer)
	api.Get("/transfers/:attemptId", h.Attempt)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })
	return server{url: "http://" + ln.Addr().String(), ledger: led, gate: gate}
}

func (s server) client(t *testing.T, user string) *Client {
	t.Helper()
	tok, _, err := s.gate.Issue(user)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return New(s.url+"/", tok)
}

func (s server) wallet(t *testing.T, owner, funds string) ledger.Wallet {
	t.Helper()
	w, err := s.ledger.CreateWallet(context.Background(), owner, "")
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if funds != "" {
		if _, _, err := s.ledger.Deposit(context.Background(), w.ID, decimal.RequireFromString(funds)); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}
	return w
}

func TestClientRecordTransfer(t *testing.T) {
	srv := startServer(t)
	a := srv.wallet(t, "alice", "50")
	b := srv.wallet(t, "bob", "")
	alice := srv.client(t, "alice")
	ctx := context.Background()

	req := ledger.TransferRequest{
		AttemptID:        "tap-1",
		SenderWalletID:   a.ID,
		ReceiverWalletID: b.ID,
		Amount:           decimal.RequireFromString("12.50"),
		Side:             ledger.SideSender,
	}
	res, err := alice.RecordTransfer(ctx, req)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if res.SenderBalance == nil || !res.SenderBalance.Equal(decimal.RequireFromString("37.5")) {
		t.Fatalf("sender balance = %v", res.SenderBalance)
	}
	if res.TransactionFor(a.ID) == "" {
		t.Fatal("missing sender transaction id")
	}

	replay, err := alice.RecordTransfer(ctx, req)
	if !errors.Is(err, ledger.ErrAlreadyApplied) {
		t.Fatalf("expected ErrAlreadyApplied, got %v", err)
	}
	if replay.SenderTransactionID != res.SenderTransactionID {
		t.Fatal("replay returned a different result")
	}

	got, err := srv.client(t, "bob").Attempt(ctx, "tap-1")
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if !got.Amount.Equal(req.Amount) || got.ReceiverBalance == nil {
		t.Fatalf("unexpected attempt %+v", got)
	}
}

func TestClientMapsErrors(t *testing.T) {
	srv := startServer(t)
	a := srv.wallet(t, "alice", "5")
	b := srv.wallet(t, "bob", "")
	ctx := context.Background()

	tests := []struct {
		name string
		user string
		req  ledger.TransferRequest
		want error
	}{
		{"insufficient", "alice", ledger.TransferRequest{AttemptID: "e1", SenderWalletID: a.ID, ReceiverWalletID: b.ID, Amount: decimal.RequireFromString("6"), Side: ledger.SideSender}, ledger.ErrInsufficientFunds},
		{"forbidden", "bob", ledger.TransferRequest{AttemptID: "e2", SenderWalletID: a.ID, ReceiverWalletID: b.ID, Amount: decimal.RequireFromString("1"), Side: ledger.SideSender}, ledger.ErrForbidden},
		{"awaiting", "bob", ledger.TransferRequest{AttemptID: "e3", SenderWalletID: a.ID, ReceiverWalletID: b.ID, Amount: decimal.RequireFromString("1"), Side: ledger.SideReceiver}, ledger.ErrAwaitingCounterparty},
		{"unknown wallet", "alice", ledger.TransferRequest{AttemptID: "e4", SenderWalletID: a.ID, ReceiverWalletID: "ghost", Amount: decimal.RequireFromString("1"), Side: ledger.SideSender}, ledger.ErrUnknownWallet},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := srv.client(t, tc.user).RecordTransfer(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if _, err := srv.client(t, "alice").Attempt(ctx, "never"); !errors.Is(err, ledger.ErrUnknownAttempt) {
		t.Fatalf("expected ErrUnknownAttempt, got %v", err)
	}
	if _, err := New(srv.url, "garbage").Attempt(ctx, "never"); !errors.Is(err, ledger.ErrForbidden) {
		t.Fatalf("bad token: expected ErrForbidden, got %v", err)
	}
}

func TestClientUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := New("http://"+addr, "tok")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.Attempt(ctx, "x"); !errors.Is(err, ledger.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	if _, err := c.RecordTransfer(cancelled, ledger.TransferRequest{AttemptID: "x"}); !errors.Is(err, ledger.ErrUnreachable) {
		t.Fatalf("cancelled ctx: expected ErrUnreachable, got %v", err)
	}
}
