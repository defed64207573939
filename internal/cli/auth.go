package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"homescout/internal/api"
	"homescout/internal/auth"
	"homescout/internal/core"
	"homescout/internal/validator"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"
)

const oauthTimeout = 5 * time.Minute

type statusOutput struct {
	Authenticated bool             `json:"authenticated"`
	User          *api.UserProfile `json:"user,omitempty"`
	CachedUser    *api.UserProfile `json:"cachedUser,omitempty"`
	SessionID     string           `json:"sessionId"`
	RefreshAt     *time.Time       `json:"refreshAt,omitempty"`
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current authentication state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, rt *core.Runtime) error {
				st := rt.Auth.State()
				out := statusOutput{
					Authenticated: st.IsAuthenticated,
					User:          st.User,
					CachedUser:    st.CachedUser,
					SessionID:     st.SessionID,
				}
				if at, ok := rt.Tokens.PendingRefresh(); ok {
					out.RefreshAt = &at
				}
				return g.print(cmd.OutOrStdout(), out, func(w io.Writer) {
					if !out.Authenticated {
						fmt.Fprintln(w, "Not signed in")
						if out.CachedUser != nil {
							fmt.Fprintf(w, "Last account: %s\n", out.CachedUser.Email)
						}
					} else {
						fmt.Fprintf(w, "Signed in as %s (%s)\n", out.User.Email, out.User.Tier)
						if out.RefreshAt != nil {
							fmt.Fprintf(w, "Token refresh at: %s\n", out.RefreshAt.Local().Format(time.RFC3339))
						}
					}
					fmt.Fprintf(w, "Session: %s\n", out.SessionID)
				})
			})
		},
	}
}

func newLoginCmd(g *globals) *cobra.Command {
	var (
		email         string
		password      string
		passwordStdin bool
		remember      bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if passwordStdin {
				p, err := readLine(cmd.InOrStdin())
				if err != nil {
					return exitError(exitUsage, "read password from stdin: %v", err)
				}
				password = p
			}
			if password == "" {
				password = os.Getenv("HOMESCOUT_PASSWORD")
			}
			return g.run(cmd, func(ctx context.Context, rt *core.Runtime) error {
				creds := api.LoginCredentials{Email: strings.TrimSpace(email), Password: password, RememberMe: remember}
				if err := rt.Auth.Login(ctx, creds); err != nil {
					return formError(err, "Login failed")
				}
				return printSignedIn(g, cmd, rt)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password (or HOMESCOUT_PASSWORD)")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	cmd.Flags().BoolVar(&remember, "remember", false, "Keep the session for longer")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newRegisterCmd(g *globals) *cobra.Command {
	var data api.RegistrationData
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account, carrying over the anonymous session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if data.Password == "" {
				data.Password = os.Getenv("HOMESCOUT_PASSWORD")
			}
			if data.ConfirmPassword == "" {
				data.ConfirmPassword = data.Password
			}
			return g.run(cmd, func(ctx context.Context, rt *core.Runtime) error {
				if err := rt.Auth.Register(ctx, data); err != nil {
					return formError(err, "Registration failed")
				}
				return printSignedIn(g, cmd, rt)
			})
		},
	}
	cmd.Flags().StringVar(&data.Email, "email", "", "Account email")
	cmd.Flags().StringVar(&data.Name, "name", "", "Full name")
	cmd.Flags().StringVar(&data.Phone, "phone", "", "Phone in E.164 format")
	cmd.Flags().StringVar(&data.Password, "password", "", "Password (or HOMESCOUT_PASSWORD)")
	cmd.Flags().StringVar(&data.ConfirmPassword, "confirm-password", "", "Password confirmation (defaults to --password)")
	cmd.Flags().BoolVar(&data.AgreeToTerms, "agree-to-terms", false, "Accept the terms of service")
	cmd.Flags().BoolVar(&data.MarketingConsent, "marketing", false, "Receive marketing email")
	return cmd
}

func newLogoutCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out (the anonymous session is kept)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, rt *core.Runtime) error {
				rt.Auth.Logout(ctx)
				return g.print(cmd.OutOrStdout(), map[string]bool{"authenticated": false}, func(w io.Writer) {
					fmt.Fprintln(w, "Signed out")
				})
			})
		},
	}
}

func newWhoamiCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Fetch the signed-in user's profile from the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, rt *core.Runtime) error {
				if err := requireAuth(rt); err != nil {
					return err
				}
				if err := rt.Auth.RefreshAuth(ctx); err != nil {
					return formError(err, "Failed to load profile")
				}
				return printSignedIn(g, cmd, rt)
			})
		},
	}
}

func newMagicLinkCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "magic-link",
		Short: "Passwordless sign-in by email",
	}

	var purpose string
	send := &cobra.Command{
		Use:   "send <email>",
		Short: "Email a sign-in link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, rt *core.Runtime) error {
				req := api.MagicLinkRequest{Email: strings.TrimSpace(args[0]), Purpose: api.MagicLinkPurpose(purpose)}
				if err := rt.Auth.SendMagicLink(ctx, req); err != nil {
					return formError(err, "Failed to send magic link")
				}
				return g.print(cmd.OutOrStdout(), map[string]string{"sentTo": req.Email}, func(w io.Writer) {
					fmt.Fprintf(w, "Magic link sent to %s\n", req.Email)
				})
			})
		},
	}
	send.Flags().StringVar(&purpose, "purpose", string(api.MagicLinkLogin), "login | register | password_reset")

	verify := &cobra.Command{
		Use:   "verify <token>",
		Short: "Complete sign-in with the token from the link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, rt *core.Runtime) error {
				if err := rt.Auth.VerifyMagicLink(ctx, strings.TrimSpace(args[0])); err != nil {
					return formError(err, "Magic link verification failed")
				}
				return printSignedIn(g, cmd, rt)
			})
		},
	}

	cmd.AddCommand(send, verify)
	return cmd
}

func newOAuthCmd(g *globals) *cobra.Command {
	var noBrowser bool
	cmd := &cobra.Command{
		Use:       "oauth <google|apple>",
		Short:     "Sign in with Google or Apple in the system browser",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{auth.ProviderGoogle, auth.ProviderApple},
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(_ context.Context, rt *core.Runtime) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), oauthTimeout)
				defer cancel()

				open := func(u string) error {
					fmt.Fprintf(cmd.ErrOrStderr(), "Open this URL to continue:\n  %s\n", u)
					if noBrowser {
						return nil
					}
					if err := browser.OpenURL(u); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "Could not open the browser: %v\n", err)
					}
					return nil
				}
				if err := rt.Auth.LoginWithProvider(ctx, rt.OAuth, args[0], open); err != nil {
					return formError(err, "Sign-in failed")
				}
				return printSignedIn(g, cmd, rt)
			})
		},
	}
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Only print the authorization URL")
	return cmd
}

func printSignedIn(g *globals, cmd *cobra.Command, rt *core.Runtime) error {
	st := rt.Auth.State()
	return g.print(cmd.OutOrStdout(), st, func(w io.Writer) {
		if st.User == nil {
			fmt.Fprintln(w, "Not signed in")
			return
		}
		fmt.Fprintf(w, "Signed in as %s\n", st.User.Email)
		if st.User.Name != "" {
			fmt.Fprintf(w, "Name: %s\n", st.User.Name)
		}
		fmt.Fprintf(w, "Tier: %s\n", st.User.Tier)
		if !st.User.EmailVerified {
			fmt.Fprintln(w, "Email not verified")
		}
	})
}

// formError converte erros de validação e da API em mensagens de uma linha
func formError(err error, fallback string) error {
	var verr *validator.ValidationError
	if errors.As(err, &verr) {
		return exitError(exitUsage, "%s", verr.Error())
	}
	if errors.Is(err, api.ErrUnauthorized) || errors.Is(err, api.ErrSessionExpired) {
		return exitError(exitUnauthenticated, "%s", api.ErrorMessage(err, fallback))
	}
	return exitError(exitFailure, "%s", api.ErrorMessage(err, fallback))
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
