package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"go2tv.app/station-remote/internal/adapters/mdns"
	"go2tv.app/station-remote/internal/discovery"
	"go2tv.app/station-remote/internal/domain"
	"go2tv.app/station-remote/internal/glagol"
	"go2tv.app/station-remote/internal/playback"
	"go2tv.app/station-remote/internal/station"
)

func newLoginCommand(a *app) *cobra.Command {
	var (
		qr       bool
		token    string
		username string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with a password, a QR code or an existing OAuth token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			in := bufio.NewReader(cmd.InOrStdin())
			out := cmd.OutOrStdout()

			var err error
			switch {
			case token != "":
				_, err = a.session.LoginWithToken(ctx, token)
			case qr:
				err = loginWithQR(ctx, a, in, out)
			default:
				if username == "" {
					username, err = prompt(in, out, "Login: ")
					if err != nil {
						return err
					}
				}
				password := os.Getenv("STATIONCTL_PASSWORD")
				if password == "" {
					if password, err = prompt(in, out, "Password: "); err != nil {
						return err
					}
				}
				_, err = a.session.LoginWithPassword(ctx, username, password)
			}
			if err != nil {
				return describeAuthError(err)
			}
			fmt.Fprintln(out, "Signed in.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&qr, "qr", false, "sign in by scanning a QR code with the phone app")
	cmd.Flags().StringVar(&token, "token", "", "sign in with an existing OAuth token")
	cmd.Flags().StringVar(&username, "username", "", "account login for password sign-in")
	return cmd
}

func loginWithQR(ctx context.Context, a *app, in *bufio.Reader, out io.Writer) error {
	challenge, err := a.session.StartQR(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Open this link on a signed-in phone and confirm:\n  %s\n", challenge.URL)
	for {
		if _, err := prompt(in, out, "Press Enter once confirmed: "); err != nil {
			return err
		}
		_, err := a.session.LoginWithQR(ctx)
		if !errors.Is(err, domain.ErrQrNotConfirmed) {
			return err
		}
		fmt.Fprintln(out, "Not confirmed yet.")
	}
}

func describeAuthError(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidAccount):
		return fmt.Errorf("no such account: %w", err)
	case errors.Is(err, domain.ErrInvalidPassword):
		return fmt.Errorf("wrong password: %w", err)
	case errors.Is(err, domain.ErrNeedsPhoneChallenge):
		return fmt.Errorf("the account requires phone confirmation; use --qr instead: %w", err)
	case errors.Is(err, domain.ErrTokenAuthFailed):
		return fmt.Errorf("the token was rejected: %w", err)
	case errors.Is(err, domain.ErrAuthTimeout):
		return fmt.Errorf("the identity service is unreachable, try again later: %w", err)
	}
	return err
}

func newLogoutCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored token and cookies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.session.Logout()
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
			return nil
		},
	}
}

func newSpeakersCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "speakers",
		Short: "List speakers registered on the account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			speakers, err := a.quasar.Speakers(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), speakers)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPLATFORM")
			for _, sp := range speakers {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", sp.ID, sp.Name, sp.Platform)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

type discoveredSpeaker struct {
	domain.LocalDevice
	Name string `json:"name,omitempty"`
}

func newDiscoverCommand(a *app) *cobra.Command {
	var (
		wait   time.Duration
		all    bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Scan the local network for speakers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			registry := a.newRegistry()
			if err := registry.Start(ctx); err != nil {
				return err
			}
			defer shutdown(a, registry.Shutdown)

			var (
				names   = map[string]string{}
				devices []domain.LocalDevice
			)
			g, gctx := errgroup.WithContext(ctx)
			if a.session.HasCredentials() {
				g.Go(func() error {
					speakers, err := a.quasar.Speakers(gctx)
					if err != nil {
						a.logger.Warn().Err(err).Msg("speaker_list_unavailable")
						return nil
					}
					for _, sp := range speakers {
						names[sp.ID] = sp.Name
					}
					return nil
				})
			}
			g.Go(func() error {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-time.After(wait):
				}
				devices = registry.Devices(all)
				return nil
			})
			if err := g.Wait(); err != nil {
				return err
			}

			found := make([]discoveredSpeaker, 0, len(devices))
			for _, dev := range devices {
				found = append(found, discoveredSpeaker{LocalDevice: dev, Name: names[dev.DeviceID]})
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), found)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tADDRESS\tPLATFORM")
			for _, f := range found {
				fmt.Fprintf(tw, "%s\t%s\t%s:%d\t%s\n", f.DeviceID, f.Name, f.Host, f.Port, f.Platform)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 4*time.Second, "how long to listen for advertisements")
	cmd.Flags().BoolVar(&all, "all", false, "include devices that refuse TCP connections")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newControlCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "control <speaker-id>",
		Short: "Open a local control session and read commands from stdin",
		Long: `Commands, one per line:
  play | pause | next | prev
  seek SECONDS
  vol STEP            (0-10)
  say TEXT
  music TYPE ID       (track, playlist or radio)
  nav ACTION          (up, down, left, right, click)
  status | quit`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.control(cmd.Context(), args[0], cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func (a *app) control(ctx context.Context, speakerID string, in io.Reader, out io.Writer) error {
	speaker, err := a.findSpeaker(ctx, speakerID)
	if err != nil {
		return err
	}

	registry := a.newRegistry()
	if err := registry.Start(ctx); err != nil {
		return err
	}
	defer shutdown(a, registry.Shutdown)

	artwork := playback.NewArtworkLoader(nil, a.cfg.Artwork.MaxConcurrent, a.logger)
	sessions := station.GlagolSessions(registry, a.quasar, a.session, glagol.Config{
		CloseTimeout: a.cfg.Glagol.CloseTimeout,
		WriteTimeout: a.cfg.Glagol.WriteTimeout,
		Logger:       a.logger,
	})
	ctrl := station.NewController(registry, sessions, station.Config{
		Presenter: &consolePresenter{out: out},
		Artwork:   artwork,
		Logger:    a.logger,
	})
	defer shutdown(a, ctrl.Close)

	if err := ctrl.Connect(ctx, speaker); err != nil {
		return err
	}
	fmt.Fprintf(out, "Connecting to %s...\n", speaker.Name)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := dispatch(ctrl, line, out)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (a *app) findSpeaker(ctx context.Context, id string) (domain.Speaker, error) {
	speakers, err := a.quasar.Speakers(ctx)
	if err != nil {
		return domain.Speaker{}, err
	}
	for _, sp := range speakers {
		if sp.ID == id || strings.EqualFold(sp.Name, id) {
			return sp, nil
		}
	}
	return domain.Speaker{}, fmt.Errorf("speaker %q is not registered on this account", id)
}

func (a *app) newRegistry() *discovery.Registry {
	scanner := mdns.NewScanner(mdns.Config{
		Domain:       a.cfg.Discovery.Domain,
		ScanInterval: a.cfg.Discovery.ScanInterval,
		ScanTimeout:  a.cfg.Discovery.ScanTimeout,
		MissedScans:  a.cfg.Discovery.MissedScans,
		Logger:       a.logger,
	})
	return discovery.NewRegistry(scanner, scanner, discovery.Config{
		ServiceType:    a.cfg.Discovery.ServiceType,
		BusyRetryDelay: a.cfg.Discovery.BusyRetryDelay,
		Logger:         a.logger,
	})
}

func shutdown(a *app, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("shutdown_failed")
	}
}

func prompt(in *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
