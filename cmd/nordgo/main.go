// Package main provides the nordgo command-line interface: log in to the
// brokerage through the MitID flow, reuse a persisted session when one is
// still valid, and pull account, holding, trade, order, and transaction data.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/nordnet-unofficial/nordgo/internal/api"
	"github.com/nordnet-unofficial/nordgo/internal/auth"
	"github.com/nordnet-unofficial/nordgo/internal/browser"
	"github.com/nordnet-unofficial/nordgo/internal/buildinfo"
	"github.com/nordnet-unofficial/nordgo/internal/config"
	"github.com/nordnet-unofficial/nordgo/internal/export"
	"github.com/nordnet-unofficial/nordgo/internal/logging"
	"github.com/nordnet-unofficial/nordgo/internal/markets"
	"github.com/nordnet-unofficial/nordgo/internal/session"
)

func main() {
	_ = godotenv.Load()

	var (
		configPath   string
		doLogin      bool
		userID       string
		method       string
		secret       string
		listAccounts bool
		holdingsAcc  int64
		tradesAcc    int64
		ordersAcc    int64
		ledgersAcc   int64
		txAccno      string
		txAccid      int64
		exportPath   string
		priceSymbol  string
		priceMarket  string
		proxyURL     string
		debug        bool
	)

	flag.StringVar(&configPath, "config", "config.yaml", "configuration file path")
	flag.BoolVar(&doLogin, "login", false, "run the MitID login flow")
	flag.StringVar(&userID, "user", "", "identity-provider user id")
	flag.StringVar(&method, "method", "", "challenge method: app or token")
	flag.StringVar(&secret, "secret", "", "one-time-code secret (token method only)")
	flag.BoolVar(&listAccounts, "accounts", false, "list accounts")
	flag.Int64Var(&holdingsAcc, "holdings", 0, "list holdings for account id")
	flag.Int64Var(&tradesAcc, "trades", 0, "list trades for account id")
	flag.Int64Var(&ordersAcc, "orders", 0, "list orders for account id")
	flag.Int64Var(&ledgersAcc, "ledgers", 0, "list currency ledgers for account id")
	flag.StringVar(&txAccno, "transactions", "", "fetch all transactions for account number")
	flag.Int64Var(&txAccid, "accid", 0, "account id for the transaction API")
	flag.StringVar(&exportPath, "export", "", "export transactions to .csv or .db/.sqlite file")
	flag.StringVar(&priceSymbol, "prices", "", "fetch one year of price history for ticker symbol")
	flag.StringVar(&priceMarket, "market", "", "market hint for price history (e.g. DK)")
	flag.StringVar(&proxyURL, "proxy", "", "proxy URL (socks5:// or http(s)://), overrides config")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	fmt.Printf("nordgo %s (%s, built %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if proxyURL != "" {
		cfg.ProxyURL = proxyURL
	}
	if userID == "" {
		cfg.UserID = strings.TrimSpace(cfg.UserID)
		userID = cfg.UserID
	}
	if method == "" {
		method = cfg.Method
	}
	logging.Setup(debug || cfg.Debug, cfg.LogFile)

	sess, err := browser.New(browser.Options{ProxyURL: cfg.ProxyURL})
	if err != nil {
		log.Fatalf("create session: %v", err)
	}
	store := session.NewStore(cfg.SessionFile)

	if store.LoadAndValidate(sess) {
		if remaining, ok := store.SecondsRemaining(); ok {
			log.Infof("reusing saved session (~%ds remaining)", remaining)
		}
	} else if doLogin {
		if err = login(sess, store, userID, method, secret); err != nil {
			log.Fatalf("login failed: %v", err)
		}
	} else {
		log.Fatalf("no valid session; run with -login")
	}

	client := api.NewClient(sess)
	switch {
	case listAccounts:
		err = printAccounts(client)
	case holdingsAcc != 0:
		err = printHoldings(client, holdingsAcc)
	case tradesAcc != 0:
		err = printTrades(client, tradesAcc)
	case ordersAcc != 0:
		err = printOrders(client, ordersAcc)
	case ledgersAcc != 0:
		err = printLedgers(client, ledgersAcc)
	case txAccno != "":
		err = fetchTransactions(client, txAccno, txAccid, exportPath)
	case priceSymbol != "":
		printPrices(sess, priceSymbol, priceMarket)
	case doLogin:
		// login already ran above; nothing else requested
	default:
		flag.Usage()
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
}

// login runs the full MitID flow with terminal callbacks.
func login(sess *browser.Session, store *session.Store, userID, method, secret string) error {
	authMethod := auth.MethodApp
	if strings.EqualFold(method, "token") {
		authMethod = auth.MethodToken
	}

	reader := bufio.NewReader(os.Stdin)
	prompt := func(msg string) (string, error) {
		fmt.Print(msg)
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}

	challenger := &auth.ManualChallenger{Input: prompt}
	flow := auth.NewFlow(sess, store, challenger)
	return flow.Login(
		auth.Credentials{UserID: userID, Method: authMethod, Secret: secret},
		auth.Callbacks{
			OnStatus: func(msg string) { fmt.Println(msg) },
			OnInput:  prompt,
			OnQR:     showQR,
		},
	)
}

// showQR hands an app-push challenge link to the desktop's default handler
// and renders a scannable code in the terminal for phones.
func showQR(data string) {
	if err := browser.OpenURL(data); err != nil {
		log.Debugf("could not open %s locally: %v", data, err)
	}
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		fmt.Printf("Open in the identity app: %s\n", data)
		return
	}
	fmt.Println(qr.ToSmallString(false))
}

func printAccounts(client *api.Client) error {
	accounts, err := client.Accounts()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNUMBER\tNAME\tBALANCE")
	for _, account := range accounts {
		balance, errBal := client.Balance(account.ID)
		if errBal != nil {
			return errBal
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%.2f %s\n",
			account.ID, account.Number, account.DisplayName(),
			balance.Balance.Value, balance.Balance.Currency)
	}
	return w.Flush()
}

func printHoldings(client *api.Client, accid int64) error {
	holdings, err := client.Holdings(accid)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INSTRUMENT\tQTY\tACQ\tVALUE\tGAIN\tGAIN%")
	for _, h := range holdings {
		fmt.Fprintf(w, "%s\t%g\t%.2f\t%.2f %s\t%.2f\t%.2f%%\n",
			h.Instrument.Name, h.Quantity, h.AcqPrice.Value,
			h.MarketValue.Value, h.MarketValue.Currency, h.GainLoss(), h.GainLossPct())
	}
	return w.Flush()
}

func printTrades(client *api.Client, accid int64) error {
	trades, err := client.Trades(accid)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSIDE\tINSTRUMENT\tVOLUME\tPRICE")
	for _, t := range trades {
		fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%.2f %s\n",
			t.TradeTime.Format("2006-01-02 15:04"), t.Side, t.Instrument.Name,
			t.Volume, t.Price.Value, t.Price.Currency)
	}
	return w.Flush()
}

func printOrders(client *api.Client, accid int64) error {
	orders, err := client.Orders(accid)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tSIDE\tINSTRUMENT\tVOLUME\tPRICE\tSTATE")
	for _, o := range orders {
		fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%.2f %s\t%s\n",
			o.OrderDate.Format("2006-01-02"), o.Side, o.Instrument.Name,
			o.Volume, o.Price.Value, o.Price.Currency, o.State)
	}
	return w.Flush()
}

func printLedgers(client *api.Client, accid int64) error {
	ledgers, err := client.Ledgers(accid)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CURRENCY\tTOTAL\tAVAILABLE\tRESERVED")
	for _, l := range ledgers {
		fmt.Fprintf(w, "%s\t%.2f\t%.2f\t%.2f\n",
			l.Currency, l.TotalBalance.Value, l.AvailableBalance.Value, l.ReservedBalance.Value)
	}
	return w.Flush()
}

func fetchTransactions(client *api.Client, accno string, accid int64, exportPath string) error {
	transactions, err := client.Transactions(accno, accid, func(fetched, total int) {
		fmt.Printf("\rfetched %d/%d transactions", fetched, total)
	})
	if err != nil {
		return err
	}
	fmt.Printf("\rfetched %d transactions            \n", len(transactions))

	if exportPath == "" {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DATE\tTYPE\tINSTRUMENT\tAMOUNT")
		for _, tx := range transactions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.2f %s\n",
				tx.AccountingDate.Format("2006-01-02"), tx.TypeName,
				tx.InstrumentName, tx.Amount.Value, tx.Amount.Currency)
		}
		return w.Flush()
	}

	switch strings.ToLower(filepath.Ext(exportPath)) {
	case ".csv":
		f, errCreate := os.Create(exportPath)
		if errCreate != nil {
			return errCreate
		}
		defer func() {
			_ = f.Close()
		}()
		if err = export.TransactionsCSV(f, transactions); err != nil {
			return err
		}
	case ".db", ".sqlite":
		if err = export.TransactionsSQLite(exportPath, transactions); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported export format %q (use .csv, .db, or .sqlite)", filepath.Ext(exportPath))
	}
	log.Infof("exported %d transactions to %s", len(transactions), exportPath)
	return nil
}

func printPrices(sess *browser.Session, symbol, market string) {
	service := markets.NewService(sess)
	prices := service.PriceHistory(symbol, time.Now().AddDate(-1, 0, 0), time.Now(), market)
	if len(prices) == 0 {
		fmt.Printf("no price history found for %s\n", symbol)
		return
	}
	days := make([]string, 0, len(prices))
	for day := range prices {
		days = append(days, day)
	}
	sort.Strings(days)
	for _, day := range days {
		fmt.Printf("%s  %.2f\n", day, prices[day])
	}
}
