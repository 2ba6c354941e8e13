package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/openledgerhq/receiptd/internal/app"
	"github.com/openledgerhq/receiptd/internal/credstore"
	"github.com/openledgerhq/receiptd/internal/observability"
	"github.com/openledgerhq/receiptd/internal/qbauth"
)

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "manage QuickBooks credentials",
		Commands: []*cli.Command{
			{
				Name:   "login",
				Usage:  "run the interactive authorization bootstrap flow",
				Action: authLoginAction,
			},
			{
				Name:   "status",
				Usage:  "show the stored credential state",
				Action: authStatusAction,
			},
			{
				Name:   "revoke",
				Usage:  "revoke the refresh token and clear stored credentials",
				Action: authRevokeAction,
			},
		},
	}
}

func authLoginAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadAuthConfig(cmd)
	if err != nil {
		return err
	}

	if cfg.Intuit.ClientSecret == "" {
		secret, err := promptSecret("Client secret: ")
		if err != nil {
			return err
		}
		cfg.Intuit.ClientSecret = secret
	}

	manager, _, err := app.NewAuthStack(cfg)
	if err != nil {
		return err
	}

	state := uuid.NewString()
	fmt.Println("Open the following URL in a browser and authorize the application:")
	fmt.Println()
	fmt.Println("  " + manager.AuthCodeURL(state))
	fmt.Println()

	code, realmID, err := promptRedirect(state)
	if err != nil {
		return err
	}

	ts, err := manager.ExchangeCode(ctx, code, realmID)
	if err != nil {
		return err
	}

	// The rotation callback has already persisted the credential document.
	fmt.Printf("Authorized company %s; access token valid until %s.\n",
		ts.RealmID, ts.AccessExpiresAt.Format(time.RFC3339))
	return nil
}

func authStatusAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadAuthConfig(cmd)
	if err != nil {
		return err
	}

	store, err := cfg.Credentials.NewStore()
	if err != nil {
		return err
	}

	creds, err := store.Load(ctx)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			fmt.Println("Not authenticated. Run `receiptd auth login`.")
			return nil
		}
		return err
	}

	ts := creds.TokenSet()
	now := time.Now()
	fmt.Printf("Company (realm):     %s\n", ts.RealmID)
	fmt.Printf("Access token:        expires %s (expired: %t)\n",
		ts.AccessExpiresAt.Format(time.RFC3339), ts.AccessExpired(now))
	fmt.Printf("Refresh token:       expires %s (expired: %t)\n",
		ts.RefreshExpiresAt.Format(time.RFC3339), ts.RefreshExpired(now))
	fmt.Printf("Last saved:          %s\n", creds.SavedAt.Format(time.RFC3339))
	return nil
}

func authRevokeAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadAuthConfig(cmd)
	if err != nil {
		return err
	}

	manager, store, err := app.NewAuthStack(cfg)
	if err != nil {
		return err
	}

	creds, err := store.Load(ctx)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			fmt.Println("No stored credentials.")
			return nil
		}
		return err
	}
	manager.Hydrate(creds.TokenSet())

	revokeErr := manager.Revoke(ctx)
	if err := store.Delete(ctx); err != nil {
		return fmt.Errorf("clearing stored credentials: %w", err)
	}

	var rferr *qbauth.RevokeFailedError
	if errors.As(revokeErr, &rferr) {
		fmt.Println("Local credentials cleared, but the provider may still hold a live token:")
		return revokeErr
	}
	fmt.Println("Credentials revoked and cleared.")
	return nil
}

// loadAuthConfig loads config for the auth commands with console logging.
func loadAuthConfig(cmd *cli.Command) (*app.Config, error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := observability.Instrument(cfg.LogLevel, string(app.LogFormatText)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// promptSecret reads a value without terminal echo.
func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("client secret not configured and stdin is not a terminal")
	}
	fmt.Print(prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading client secret: %w", err)
	}
	if len(secret) == 0 {
		return "", errors.New("client secret cannot be empty")
	}
	return string(secret), nil
}

// promptRedirect reads the post-authorization redirect URL (or a bare code)
// and extracts the authorization code and realm ID.
func promptRedirect(expectedState string) (code, realmID string, err error) {
	reader := bufio.NewReader(os.Stdin)

	fmt.Print("Paste the full redirect URL (or the authorization code): ")
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", "", fmt.Errorf("reading redirect: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", "", errors.New("no redirect provided")
	}

	if u, parseErr := url.Parse(line); parseErr == nil && u.Query().Get("code") != "" {
		q := u.Query()
		if s := q.Get("state"); s != "" && s != expectedState {
			return "", "", errors.New("state mismatch in redirect URL; restart the flow")
		}
		return q.Get("code"), q.Get("realmId"), nil
	}

	// Bare code: the realm has to be supplied separately.
	code = line
	fmt.Print("Company (realm) ID: ")
	realm, err := reader.ReadString('\n')
	if err != nil {
		return "", "", fmt.Errorf("reading realm id: %w", err)
	}
	realmID = strings.TrimSpace(realm)
	if realmID == "" {
		return "", "", errors.New("realm id cannot be empty")
	}
	return code, realmID, nil
}
