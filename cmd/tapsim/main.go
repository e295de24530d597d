// Command tapsim runs a sender and a receiver device against each other
// over an in-memory transport and prints what each user would see.
//
// Without LEDGER_URL both devices share an in-process ledger seeded with two
// wallets. With LEDGER_URL they commit through the Ledger API, using tokens
// signed with JWT_SECRET for the owners of -from and -to.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/congo-pay/swiftpay/internal/auth"
	"github.com/congo-pay/swiftpay/internal/config"
	"github.com/congo-pay/swiftpay/internal/handshake"
	"github.com/congo-pay/swiftpay/internal/ledger"
	"github.com/congo-pay/swiftpay/internal/ledgerclient"
	"github.com/congo-pay/swiftpay/internal/logging"
	"github.com/congo-pay/swiftpay/internal/money"
	"github.com/congo-pay/swiftpay/internal/notification"
	"github.com/congo-pay/swiftpay/internal/session"
	"github.com/congo-pay/swiftpay/internal/transport"
)

type options struct {
	amount   string
	balance  string
	currency string
	from     string
	to       string
	payer    string
	payee    string
}

func main() {
	var opts options
	flags := pflag.NewFlagSet("tapsim", pflag.ContinueOnError)
	flags.StringVar(&opts.amount, "amount", "2500", "amount the sender offers")
	flags.StringVar(&opts.balance, "balance", "10000", "starting balance of the in-process sender wallet")
	flags.StringVar(&opts.currency, "currency", money.DefaultCurrency, "transfer currency")
	flags.StringVar(&opts.from, "from", "", "sender wallet id (LEDGER_URL mode)")
	flags.StringVar(&opts.to, "to", "", "receiver wallet id (LEDGER_URL mode)")
	flags.StringVar(&opts.payer, "payer", "alice", "sender user id")
	flags.StringVar(&opts.payee, "payee", "bob", "receiver user id")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewText(os.Stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("tap failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, opts options, logger *slog.Logger) error {
	amount, err := money.Parse(opts.amount)
	if err != nil {
		return err
	}

	var senderLedger, receiverLedger session.Ledger
	from, to := opts.from, opts.to
	if cfg.LedgerURL == "" {
		local := ledger.NewInMemory()
		if from, to, err = seed(ctx, local, opts); err != nil {
			return err
		}
		senderLedger, receiverLedger = local, local
	} else {
		if from == "" || to == "" {
			return errors.New("-from and -to are required with LEDGER_URL")
		}
		gate, err := auth.NewGate(cfg.JWTSecret, cfg.JWTIssuer, cfg.AccessTokenTTL)
		if err != nil {
			return err
		}
		if senderLedger, err = remote(gate, cfg.LedgerURL, opts.payer); err != nil {
			return err
		}
		if receiverLedger, err = remote(gate, cfg.LedgerURL, opts.payee); err != nil {
			return err
		}
	}

	sessionCfg := session.Config{
		HandshakeDeadline:   cfg.HandshakeDeadline,
		CommitTimeout:       cfg.CommitTimeout,
		ConfirmWindow:       cfg.ConfirmWindow,
		ConfirmPollInterval: cfg.ConfirmPollInterval,
		CrossLedger:         cfg.CrossLedger,
	}
	notifier := notification.NewLoggerNotifier(logger)
	a, b := transport.NewPipe()
	defer a.Close()
	sender := session.NewCoordinator(transport.NewGuard(a), senderLedger, notifier, sessionCfg, logger.With("device", "sender"))
	receiver := session.NewCoordinator(transport.NewGuard(b), receiverLedger, notifier, sessionCfg, logger.With("device", "receiver"))

	var sent, received session.Outcome
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		received = receiver.AttemptTransfer(gctx, session.Request{
			Role:     handshake.RoleReceiver,
			WalletID: to,
			OwnerID:  opts.payee,
			Currency: opts.currency,
		})
		return nil
	})
	g.Go(func() error {
		sent = sender.AttemptTransfer(gctx, session.Request{
			Role:             handshake.RoleSender,
			WalletID:         from,
			OwnerID:          opts.payer,
			CounterpartyHint: to,
			Amount:           amount,
			Currency:         opts.currency,
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	report("sender", sent)
	report("receiver", received)
	return nil
}

// seed creates the two wallets of an in-process run.
func seed(ctx context.Context, l ledger.Ledger, opts options) (string, string, error) {
	payer, err := l.CreateWallet(ctx, opts.payer, opts.currency)
	if err != nil {
		return "", "", err
	}
	if balance, err := decimal.NewFromString(opts.balance); err == nil && balance.IsPositive() {
		if _, _, err := l.Deposit(ctx, payer.ID, balance); err != nil {
			return "", "", err
		}
	}
	payee, err := l.CreateWallet(ctx, opts.payee, opts.currency)
	if err != nil {
		return "", "", err
	}
	return payer.ID, payee.ID, nil
}

func remote(gate *auth.Gate, baseURL, userID string) (*ledgerclient.Client, error) {
	token, _, err := gate.Issue(userID)
	if err != nil {
		return nil, err
	}
	return ledgerclient.New(baseURL, token), nil
}

func report(device string, o session.Outcome) {
	fmt.Printf("%-8s %-9s %s\n", device, o.Kind, o.Message())
	if o.TransactionID != "" {
		fmt.Printf("%-8s transaction %s (attempt %s)\n", "", o.TransactionID, o.AttemptID)
	}
	if o.Reason != "" {
		fmt.Printf("%-8s reason %s\n", "", o.Reason)
	}
}
